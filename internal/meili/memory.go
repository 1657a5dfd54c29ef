package meili

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"tgsearch/internal/tgsearch"
)

// MemoryBackend is an in-process stand-in for Meilisearch. It supports the
// filter subset the search service produces: equality and range
// comparisons joined by AND. Matching is case-insensitive substring
// matching of every query term against the text field.
type MemoryBackend struct {
	mu         sync.RWMutex
	indexes    map[string]map[string]map[string]any
	lastUpdate *time.Time
}

var (
	_ tgsearch.SearchBackend   = (*MemoryBackend)(nil)
	_ tgsearch.DocumentIndexer = (*MemoryBackend)(nil)
	_ tgsearch.StatsReader     = (*MemoryBackend)(nil)
)

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{indexes: map[string]map[string]map[string]any{}}
}

func (m *MemoryBackend) AddDocuments(_ context.Context, index string, docs []map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := m.indexes[index]
	if idx == nil {
		idx = map[string]map[string]any{}
		m.indexes[index] = idx
	}
	for _, doc := range docs {
		id := fmt.Sprint(doc["id"])
		if doc["id"] == nil || id == "" {
			return fmt.Errorf("document without id")
		}
		idx[id] = maps.Clone(doc)
	}
	m.touch()
	return nil
}

func (m *MemoryBackend) DeleteByFilter(_ context.Context, index string, filter string) error {
	conds, err := parseFilter(filter)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, doc := range m.indexes[index] {
		if matchAll(doc, conds) {
			delete(m.indexes[index], id)
		}
	}
	m.touch()
	return nil
}

// touch records a write. Callers hold mu.
func (m *MemoryBackend) touch() {
	now := time.Now().UTC()
	m.lastUpdate = &now
}

func (m *MemoryBackend) IndexStats(_ context.Context, index string) (*tgsearch.IndexStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := indexStats(m.indexes[index])
	return &stats, nil
}

// Stats reports the JSON size of every stored document as the database size.
func (m *MemoryBackend) Stats(_ context.Context) (*tgsearch.BackendStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := &tgsearch.BackendStats{Indexes: map[string]tgsearch.IndexStats{}}
	if m.lastUpdate != nil {
		t := *m.lastUpdate
		stats.LastUpdate = &t
	}
	for name, idx := range m.indexes {
		stats.Indexes[name] = indexStats(idx)
		for _, doc := range idx {
			b, err := json.Marshal(doc)
			if err != nil {
				return nil, fmt.Errorf("sizing document: %w", err)
			}
			stats.DatabaseSize += int64(len(b))
		}
	}
	return stats, nil
}

func indexStats(idx map[string]map[string]any) tgsearch.IndexStats {
	stats := tgsearch.IndexStats{
		NumberOfDocuments: int64(len(idx)),
		FieldDistribution: map[string]int64{},
	}
	for _, doc := range idx {
		for field := range doc {
			stats.FieldDistribution[field]++
		}
	}
	return stats
}

func (m *MemoryBackend) Search(_ context.Context, index string, req tgsearch.BackendSearchRequest) (*tgsearch.BackendSearchResult, error) {
	started := time.Now()
	conds, err := parseFilter(req.Filter)
	if err != nil {
		return nil, err
	}
	terms := strings.Fields(strings.ToLower(req.Q))

	m.mu.RLock()
	var matched []map[string]any
	for _, doc := range m.indexes[index] {
		if !matchAll(doc, conds) || !matchTerms(doc, terms) {
			continue
		}
		matched = append(matched, maps.Clone(doc))
	}
	m.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		di, dj := fmt.Sprint(matched[i]["date"]), fmt.Sprint(matched[j]["date"])
		if di != dj {
			return di > dj
		}
		return fmt.Sprint(matched[i]["id"]) < fmt.Sprint(matched[j]["id"])
	})

	total := len(matched)
	start := min(max(req.Offset, 0), total)
	end := total
	if req.Limit > 0 {
		end = min(start+req.Limit, total)
	}
	hits := matched[start:end]
	if len(req.AttributesToHighlight) > 0 {
		for _, hit := range hits {
			hit["_formatted"] = highlight(hit, req.AttributesToHighlight, terms, req.HighlightPreTag, req.HighlightPostTag)
		}
	}
	if hits == nil {
		hits = []map[string]any{}
	}
	return &tgsearch.BackendSearchResult{
		Hits:               hits,
		ProcessingTimeMs:   time.Since(started).Milliseconds(),
		EstimatedTotalHits: int64(total),
	}, nil
}

// Count returns the number of documents in index.
func (m *MemoryBackend) Count(index string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.indexes[index])
}

type condition struct {
	field string
	op    string
	value string
	str   bool
}

// parseFilter parses clauses of the form `field op value` joined by AND,
// where op is =, >= or <= and value is a number or a quoted string.
func parseFilter(filter string) ([]condition, error) {
	filter = strings.TrimSpace(filter)
	if filter == "" {
		return nil, nil
	}
	var conds []condition
	rest := filter
	for {
		c, tail, err := parseCondition(rest)
		if err != nil {
			return nil, fmt.Errorf("invalid filter %q: %w", filter, err)
		}
		conds = append(conds, c)
		tail = strings.TrimSpace(tail)
		if tail == "" {
			return conds, nil
		}
		if !strings.HasPrefix(tail, "AND ") {
			return nil, fmt.Errorf("invalid filter %q: expected AND near %q", filter, tail)
		}
		rest = strings.TrimPrefix(tail, "AND ")
	}
}

func parseCondition(s string) (condition, string, error) {
	s = strings.TrimSpace(s)
	sp := strings.IndexByte(s, ' ')
	if sp <= 0 {
		return condition{}, "", fmt.Errorf("missing operator")
	}
	c := condition{field: s[:sp]}
	s = strings.TrimSpace(s[sp:])
	switch {
	case strings.HasPrefix(s, ">="), strings.HasPrefix(s, "<="):
		c.op, s = s[:2], s[2:]
	case strings.HasPrefix(s, "="):
		c.op, s = "=", s[1:]
	default:
		return condition{}, "", fmt.Errorf("unsupported operator near %q", s)
	}
	s = strings.TrimSpace(s)

	if strings.HasPrefix(s, `"`) {
		var b strings.Builder
		for i := 1; i < len(s); i++ {
			switch s[i] {
			case '\\':
				if i+1 < len(s) {
					i++
					b.WriteByte(s[i])
				}
			case '"':
				c.value, c.str = b.String(), true
				return c, s[i+1:], nil
			default:
				b.WriteByte(s[i])
			}
		}
		return condition{}, "", fmt.Errorf("unterminated string")
	}

	end := strings.IndexByte(s, ' ')
	if end < 0 {
		end = len(s)
	}
	c.value = s[:end]
	if _, err := strconv.ParseFloat(c.value, 64); err != nil {
		return condition{}, "", fmt.Errorf("invalid number %q", c.value)
	}
	return c, s[end:], nil
}

func matchAll(doc map[string]any, conds []condition) bool {
	for _, c := range conds {
		if !c.match(lookup(doc, c.field)) {
			return false
		}
	}
	return true
}

func (c condition) match(v any) bool {
	if v == nil {
		return false
	}
	cmp, ok := compare(v, c)
	if !ok {
		return false
	}
	switch c.op {
	case "=":
		return cmp == 0
	case ">=":
		return cmp >= 0
	case "<=":
		return cmp <= 0
	}
	return false
}

// compare orders v against the condition value: numerically for numbers,
// chronologically when both sides are timestamps, lexically otherwise.
func compare(v any, c condition) (int, bool) {
	if !c.str {
		want, _ := strconv.ParseFloat(c.value, 64)
		got, err := strconv.ParseFloat(fmt.Sprint(v), 64)
		if err != nil {
			return 0, false
		}
		switch {
		case got < want:
			return -1, true
		case got > want:
			return 1, true
		}
		return 0, true
	}
	got := fmt.Sprint(v)
	if gt, err := time.Parse(time.RFC3339Nano, got); err == nil {
		if wt, err := time.Parse(time.RFC3339Nano, c.value); err == nil {
			return gt.Compare(wt), true
		}
	}
	return strings.Compare(got, c.value), true
}

func lookup(doc map[string]any, path string) any {
	var cur any = doc
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[part]
	}
	return cur
}

func matchTerms(doc map[string]any, terms []string) bool {
	if len(terms) == 0 {
		return true
	}
	text := strings.ToLower(fmt.Sprint(doc["text"]))
	for _, t := range terms {
		if !strings.Contains(text, t) {
			return false
		}
	}
	return true
}

func highlight(doc map[string]any, attrs, terms []string, pre, post string) map[string]any {
	out := map[string]any{}
	for _, attr := range attrs {
		s, ok := doc[attr].(string)
		if !ok {
			continue
		}
		out[attr] = markTerms(s, terms, pre, post)
	}
	return out
}

// markTerms wraps case-insensitive occurrences of terms in s.
func markTerms(s string, terms []string, pre, post string) string {
	if len(terms) == 0 || (pre == "" && post == "") {
		return s
	}
	lower := strings.ToLower(s)
	if len(lower) != len(s) {
		// Case folding changed byte offsets; skip highlighting.
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); {
		matched := 0
		for _, t := range terms {
			if strings.HasPrefix(lower[i:], t) && len(t) > matched {
				matched = len(t)
			}
		}
		if matched == 0 {
			b.WriteByte(s[i])
			i++
			continue
		}
		b.WriteString(pre)
		b.WriteString(s[i : i+matched])
		b.WriteString(post)
		i += matched
	}
	return b.String()
}
