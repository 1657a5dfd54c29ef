package search

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"tgsearch/internal/model"
	"tgsearch/internal/tgsearch"
)

// MaxInlineCallbackBytes is the largest encoded inline token. Telegram
// limits callback_data to 64 bytes.
const MaxInlineCallbackBytes = 64

const (
	inlinePrefix = "page:"
	tokenPrefix  = "pagek:"
	legacyPrefix = "page_"

	callbackVersion = 1
)

type callbackEntry struct {
	query     model.SearchQuery
	expiresAt time.Time
}

// callbackPayload is the inline token body. Keys are short to fit the
// button payload budget; the default index is omitted.
type callbackPayload struct {
	V     int    `json:"v,omitempty"`
	Q     string `json:"q"`
	P     int    `json:"p"`
	S     int    `json:"s,omitempty"`
	Index string `json:"index,omitempty"`
	CID   *int64 `json:"cid,omitempty"`
	CT    string `json:"ct,omitempty"`
	DF    string `json:"df,omitempty"`
	DT    string `json:"dt,omitempty"`
	SU    string `json:"su,omitempty"`
}

// EncodePageCallback packs q, page and pageSize into an opaque token.
// Small payloads are inlined; larger ones are kept server-side for the
// callback token TTL and referenced by a short random token.
func (s *Service) EncodePageCallback(q model.SearchQuery, page, pageSize int) (string, error) {
	if page < 0 {
		return "", tgsearch.NewDomainError(tgsearch.CodeInvalidPage, "page must be >= 0")
	}
	if pageSize <= 0 {
		return "", tgsearch.NewDomainError(tgsearch.CodeInvalidPageSize, "page_size must be > 0")
	}
	s.cleanupTokens()

	payload := callbackPayload{
		V:   callbackVersion,
		Q:   q.Q,
		P:   page,
		S:   pageSize,
		CID: q.ChatID,
		CT:  q.ChatType,
		SU:  q.SenderUsername,
	}
	if idx := indexName(q); idx != model.DefaultIndexName {
		payload.Index = idx
	}
	if q.DateFrom != nil {
		payload.DF = formatDate(*q.DateFrom)
	}
	if q.DateTo != nil {
		payload.DT = formatDate(*q.DateTo)
	}

	packed, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encoding pagination payload: %w", err)
	}
	inline := inlinePrefix + base64.RawURLEncoding.EncodeToString(packed)
	if len(inline) <= MaxInlineCallbackBytes {
		s.logger.Debug("callback encoded", "mode", "inline", "page", page, "page_size", pageSize, "payload_bytes", len(inline))
		return inline, nil
	}

	token := s.tokens.New()
	stored := q
	stored.IndexName = indexName(q)
	stored.Limit = pageSize
	stored.Offset = page * pageSize

	s.tokenMu.Lock()
	s.tokenQs[token] = callbackEntry{query: stored, expiresAt: s.clock.Now().Add(s.tokenTTL)}
	s.tokenMu.Unlock()

	s.logger.Info("callback encoded", "mode", "token_fallback", "page", page, "page_size", pageSize,
		"inline_payload_bytes", len(inline), "token", token)
	return tokenPrefix + token + ":" + strconv.Itoa(page) + ":" + strconv.Itoa(pageSize), nil
}

// DecodePageCallback reverses EncodePageCallback. It also accepts the
// legacy "page_{query}_{page}" format. Malformed or expired payloads fail
// with ErrPaginationInvalid.
func (s *Service) DecodePageCallback(raw string) (model.SearchQuery, int, int, error) {
	s.cleanupTokens()
	switch {
	case strings.HasPrefix(raw, tokenPrefix):
		return s.decodeToken(raw)
	case strings.HasPrefix(raw, inlinePrefix):
		return s.decodeInline(raw)
	case strings.HasPrefix(raw, legacyPrefix):
		return s.decodeLegacy(raw)
	}
	return model.SearchQuery{}, 0, 0, invalidPagination("unsupported pagination payload", nil)
}

func (s *Service) decodeToken(raw string) (model.SearchQuery, int, int, error) {
	parts := strings.SplitN(raw, ":", 4)
	if len(parts) != 4 {
		return model.SearchQuery{}, 0, 0, invalidPagination("invalid pagination payload", nil)
	}
	token := parts[1]
	page, size, err := parsePageAndSize(parts[2], parts[3])
	if err != nil {
		return model.SearchQuery{}, 0, 0, err
	}

	s.tokenMu.Lock()
	entry, ok := s.tokenQs[token]
	s.tokenMu.Unlock()
	if !ok || !s.clock.Now().Before(entry.expiresAt) {
		return model.SearchQuery{}, 0, 0, invalidPagination("pagination token expired", nil)
	}

	q := entry.query
	q.Limit = size
	q.Offset = page * size
	s.logger.Debug("callback decoded", "mode", "token", "page", page, "page_size", size)
	return q, page, size, nil
}

func (s *Service) decodeInline(raw string) (model.SearchQuery, int, int, error) {
	body := strings.TrimRight(strings.TrimPrefix(raw, inlinePrefix), "=")
	packed, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		return model.SearchQuery{}, 0, 0, invalidPagination("invalid pagination payload", err)
	}
	var p callbackPayload
	if err := json.Unmarshal(packed, &p); err != nil {
		return model.SearchQuery{}, 0, 0, invalidPagination("invalid pagination payload", err)
	}
	if p.V > callbackVersion {
		return model.SearchQuery{}, 0, 0, invalidPagination("unsupported pagination version", fmt.Errorf("version %d", p.V))
	}
	size := p.S
	if size == 0 {
		size = s.resultsPerPage
	}
	if p.P < 0 || size < 0 {
		return model.SearchQuery{}, 0, 0, invalidPagination("invalid page number", nil)
	}

	q := model.SearchQuery{
		Q:              p.Q,
		IndexName:      p.Index,
		ChatID:         p.CID,
		ChatType:       p.CT,
		SenderUsername: p.SU,
		Limit:          size,
		Offset:         p.P * size,
	}
	if q.IndexName == "" {
		q.IndexName = model.DefaultIndexName
	}
	if q.DateFrom, err = parseOptionalDate(p.DF); err != nil {
		return model.SearchQuery{}, 0, 0, invalidPagination("invalid pagination payload", err)
	}
	if q.DateTo, err = parseOptionalDate(p.DT); err != nil {
		return model.SearchQuery{}, 0, 0, invalidPagination("invalid pagination payload", err)
	}
	s.logger.Debug("callback decoded", "mode", "inline", "page", p.P, "page_size", size)
	return q, p.P, size, nil
}

// decodeLegacy splits on the right-most underscore so queries containing
// underscores keep their text.
func (s *Service) decodeLegacy(raw string) (model.SearchQuery, int, int, error) {
	body := strings.TrimPrefix(raw, legacyPrefix)
	i := strings.LastIndex(body, "_")
	if i < 0 {
		return model.SearchQuery{}, 0, 0, invalidPagination("invalid legacy pagination payload", nil)
	}
	page, err := strconv.Atoi(body[i+1:])
	if err != nil || page < 0 {
		return model.SearchQuery{}, 0, 0, invalidPagination("invalid page number", err)
	}
	size := s.resultsPerPage
	q := model.SearchQuery{
		Q:         body[:i],
		IndexName: model.DefaultIndexName,
		Limit:     size,
		Offset:    page * size,
	}
	s.logger.Debug("callback decoded", "mode", "legacy", "page", page, "page_size", size)
	return q, page, size, nil
}

func (s *Service) cleanupTokens() {
	now := s.clock.Now()
	s.tokenMu.Lock()
	defer s.tokenMu.Unlock()
	removed := 0
	for token, e := range s.tokenQs {
		if !now.Before(e.expiresAt) {
			delete(s.tokenQs, token)
			removed++
		}
	}
	if removed > 0 {
		s.logger.Debug("expired callback tokens removed", "removed", removed)
	}
}

func parsePageAndSize(pageText, sizeText string) (int, int, error) {
	page, err := strconv.Atoi(pageText)
	if err != nil || page < 0 {
		return 0, 0, invalidPagination("invalid page number", err)
	}
	size, err := strconv.Atoi(sizeText)
	if err != nil || size <= 0 {
		return 0, 0, invalidPagination("invalid page size", err)
	}
	return page, size, nil
}

func parseOptionalDate(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func invalidPagination(message string, cause error) error {
	if cause == nil {
		return tgsearch.NewDomainError(tgsearch.CodePaginationInvalid, message)
	}
	return tgsearch.WrapDomainError(tgsearch.CodePaginationInvalid, message, cause)
}
