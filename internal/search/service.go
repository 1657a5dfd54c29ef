// Package search translates canonical queries into backend searches,
// normalises results, caches presentation result sets and encodes
// pagination state into opaque callback tokens.
package search

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"tgsearch/internal/model"
	"tgsearch/internal/tgsearch"
)

// Defaults used when Options leaves a field zero.
const (
	DefaultResultsPerPage      = 5
	DefaultCacheTTL            = 2 * time.Minute
	DefaultMaxPresentationHits = 100
	DefaultCallbackTokenTTL    = 10 * time.Minute
	DefaultMaxCacheEntries     = 256
)

const (
	highlightPreTag  = "<mark>"
	highlightPostTag = "</mark>"
)

// Options configures a Service.
type Options struct {
	CacheEnabled        bool
	CacheTTL            time.Duration
	MaxCacheEntries     int
	MaxPresentationHits int
	CallbackTokenTTL    time.Duration
	ResultsPerPage      int

	Logger tgsearch.Logger
	Clock  tgsearch.Clock
	Tokens tgsearch.IDGenerator
}

// Service is the search service. It is safe for concurrent use.
type Service struct {
	backend tgsearch.SearchBackend
	logger  tgsearch.Logger
	clock   tgsearch.Clock
	tokens  tgsearch.IDGenerator

	cacheEnabled   bool
	cacheTTL       time.Duration
	maxEntries     int
	maxHits        int
	tokenTTL       time.Duration
	resultsPerPage int

	loads singleflight.Group

	cacheMu sync.Mutex
	cache   map[string]*presentationEntry

	tokenMu sync.Mutex
	tokenQs map[string]callbackEntry
}

// New creates a Service over backend.
func New(backend tgsearch.SearchBackend, opts Options) *Service {
	s := &Service{
		backend:        backend,
		logger:         tgsearch.OrNop(opts.Logger),
		clock:          opts.Clock,
		tokens:         opts.Tokens,
		cacheEnabled:   opts.CacheEnabled,
		cacheTTL:       opts.CacheTTL,
		maxEntries:     opts.MaxCacheEntries,
		maxHits:        opts.MaxPresentationHits,
		tokenTTL:       opts.CallbackTokenTTL,
		resultsPerPage: opts.ResultsPerPage,
		cache:          make(map[string]*presentationEntry),
		tokenQs:        make(map[string]callbackEntry),
	}
	if s.clock == nil {
		s.clock = tgsearch.RealClock{}
	}
	if s.tokens == nil {
		s.tokens = tgsearch.ShortTokenGenerator{}
	}
	if s.resultsPerPage <= 0 {
		s.resultsPerPage = DefaultResultsPerPage
	}
	if s.cacheTTL < time.Second {
		s.cacheTTL = DefaultCacheTTL
	}
	if s.maxEntries <= 0 {
		s.maxEntries = DefaultMaxCacheEntries
	}
	if s.maxHits <= 0 {
		s.maxHits = DefaultMaxPresentationHits
	}
	s.maxHits = max(s.maxHits, s.resultsPerPage)
	if s.tokenTTL < time.Second {
		s.tokenTTL = DefaultCallbackTokenTTL
	}

	s.logger.Info("search service initialized",
		"cache_enabled", s.cacheEnabled,
		"cache_ttl_sec", int(s.cacheTTL.Seconds()),
		"max_presentation_hits", s.maxHits,
		"callback_token_ttl_sec", int(s.tokenTTL.Seconds()),
	)
	return s
}

// ResultsPerPage returns the default page size.
func (s *Service) ResultsPerPage() int { return s.resultsPerPage }

// Search issues exactly one backend call for q.
func (s *Service) Search(ctx context.Context, q model.SearchQuery) (*model.SearchPage, error) {
	started := time.Now()
	index := indexName(q)
	limit := q.Limit
	if limit <= 0 {
		limit = s.resultsPerPage
	}
	offset := max(q.Offset, 0)

	filter := BuildFilter(q)
	res, err := s.backend.Search(ctx, index, tgsearch.BackendSearchRequest{
		Q:                     q.Q,
		Filter:                filter,
		Limit:                 limit,
		Offset:                offset,
		AttributesToHighlight: []string{"text"},
		HighlightPreTag:       highlightPreTag,
		HighlightPostTag:      highlightPostTag,
	})
	if err != nil {
		return nil, fmt.Errorf("searching %s: %w", index, err)
	}

	hits := make([]model.SearchHit, 0, len(res.Hits))
	for _, raw := range res.Hits {
		hits = append(hits, s.parseHit(raw))
	}
	total := res.EstimatedTotalHits
	if total == 0 && len(hits) > 0 {
		total = int64(len(hits))
	}
	page := &model.SearchPage{
		Hits:             hits,
		Query:            q.Q,
		ProcessingTimeMs: res.ProcessingTimeMs,
		TotalHits:        total,
		Limit:            limit,
		Offset:           offset,
	}

	s.logger.Info("search",
		"q_len", len([]rune(q.Q)),
		"index", index,
		"filter_enabled", filter != "",
		"limit", limit,
		"offset", offset,
		"hits", len(hits),
		"total_hits", total,
		"duration_ms", time.Since(started).Milliseconds(),
		"backend_processing_ms", res.ProcessingTimeMs,
	)
	return page, nil
}

// BuildFilter renders the set filter fields of q as an AND-combined
// backend filter expression, or "" when no filter is set.
func BuildFilter(q model.SearchQuery) string {
	var conds []string
	if q.ChatID != nil {
		conds = append(conds, fmt.Sprintf("chat.id = %d", *q.ChatID))
	}
	if q.ChatType != "" {
		conds = append(conds, fmt.Sprintf(`chat.type = "%s"`, escapeFilterString(q.ChatType)))
	}
	if q.DateFrom != nil {
		conds = append(conds, fmt.Sprintf(`date >= "%s"`, formatDate(*q.DateFrom)))
	}
	if q.DateTo != nil {
		conds = append(conds, fmt.Sprintf(`date <= "%s"`, formatDate(*q.DateTo)))
	}
	if q.SenderUsername != "" {
		conds = append(conds, fmt.Sprintf(`from_user.username = "%s"`, escapeFilterString(q.SenderUsername)))
	}
	return strings.Join(conds, " AND ")
}

var filterEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`)

func escapeFilterString(s string) string {
	return filterEscaper.Replace(s)
}

func formatDate(t time.Time) string {
	return t.Format(time.RFC3339Nano)
}

func indexName(q model.SearchQuery) string {
	if q.IndexName == "" {
		return model.DefaultIndexName
	}
	return q.IndexName
}

// ClearCache drops every presentation entry and callback token.
func (s *Service) ClearCache() {
	s.cacheMu.Lock()
	entries := len(s.cache)
	clear(s.cache)
	s.cacheMu.Unlock()

	s.tokenMu.Lock()
	tokens := len(s.tokenQs)
	clear(s.tokenQs)
	s.tokenMu.Unlock()

	s.logger.Info("search cache cleared", "presentation_entries", entries, "callback_entries", tokens)
}

// InvalidateChat drops presentation entries that may contain hits from
// chatID: those filtered to it and those with no chat filter.
func (s *Service) InvalidateChat(chatID int64) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	n := 0
	for key, e := range s.cache {
		if e.chatID == nil || *e.chatID == chatID {
			delete(s.cache, key)
			n++
		}
	}
	s.logger.Info("search cache invalidated for chat", "chat_id", chatID, "removed", n)
}
