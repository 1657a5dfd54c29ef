package search

import (
	"encoding/json"
	"math"
	"strconv"
	"time"
	"unicode/utf8"

	"tgsearch/internal/model"
)

// parseHit maps a backend hit onto the canonical shape. Missing or
// malformed fields fall back to zero values; a hit is never rejected.
func (s *Service) parseHit(raw map[string]any) model.SearchHit {
	hit := model.SearchHit{
		ID:   asString(raw["id"]),
		Text: asString(raw["text"]),
		Chat: model.SearchChat{Type: "unknown"},
	}

	if chat, ok := raw["chat"].(map[string]any); ok {
		hit.Chat.ID, _ = asInt64(chat["id"])
		if t := asString(chat["type"]); t != "" {
			hit.Chat.Type = t
		}
		hit.Chat.Title = asString(chat["title"])
		hit.Chat.Username = asString(chat["username"])
	}

	if from, ok := raw["from_user"].(map[string]any); ok {
		id, _ := asInt64(from["id"])
		hit.FromUser = &model.SearchUser{ID: id, Username: asString(from["username"])}
	}

	hit.Date = s.parseDate(raw["date"])

	hit.Reactions = map[string]int64{}
	if reactions, ok := raw["reactions"].(map[string]any); ok {
		for emoji, v := range reactions {
			if n, ok := asInt64(v); ok {
				hit.Reactions[emoji] = n
			}
		}
	}
	hit.ReactionsScore, _ = asFloat64(raw["reactions_scores"])

	if n, ok := asInt64(raw["text_len"]); ok && n > 0 {
		hit.TextLen = int(n)
	} else {
		hit.TextLen = utf8.RuneCountInString(hit.Text)
	}

	if formatted, ok := raw["_formatted"].(map[string]any); ok {
		hit.Formatted = formatted
		hit.FormattedText = asString(formatted["text"])
	}
	return hit
}

func (s *Service) parseDate(v any) time.Time {
	switch d := v.(type) {
	case string:
		if d == "" {
			break
		}
		if t, err := time.Parse(time.RFC3339Nano, d); err == nil {
			return t
		}
		// Naive timestamps are taken as UTC.
		if t, err := time.Parse("2006-01-02T15:04:05.999999999", d); err == nil {
			return t
		}
	default:
		if sec, ok := asFloat64(v); ok {
			whole, frac := math.Modf(sec)
			return time.Unix(int64(whole), int64(frac*1e9)).UTC()
		}
	}
	return s.clock.Now()
}

func asString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case json.Number:
		return x.String()
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	}
	return ""
}

func asInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int:
		return int64(x), true
	case int64:
		return x, true
	case float64:
		return int64(x), true
	case json.Number:
		n, err := x.Int64()
		if err != nil {
			f, ferr := x.Float64()
			return int64(f), ferr == nil
		}
		return n, true
	case string:
		n, err := strconv.ParseInt(x, 10, 64)
		return n, err == nil
	}
	return 0, false
}

func asFloat64(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	}
	return 0, false
}
