package search

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"time"

	"tgsearch/internal/model"
	"tgsearch/internal/tgsearch"
)

type presentationEntry struct {
	page      *model.SearchPage
	chatID    *int64
	expiresAt time.Time
}

// SearchForPresentation returns one page of results for interactive
// paging. The first call for a query fetches up to MaxPresentationHits
// hits in one backend call; later pages are sliced from the cached set
// until the entry expires.
func (s *Service) SearchForPresentation(ctx context.Context, q model.SearchQuery, page, pageSize int) (*model.SearchPage, error) {
	if page < 0 {
		return nil, tgsearch.NewDomainError(tgsearch.CodeInvalidPage, "page must be >= 0")
	}
	if pageSize <= 0 {
		return nil, tgsearch.NewDomainError(tgsearch.CodeInvalidPageSize, "page_size must be > 0")
	}

	source, err := s.presentationSet(ctx, q)
	if err != nil {
		return nil, err
	}

	window := source.Hits
	if len(window) > s.maxHits {
		window = window[:s.maxHits]
	}
	visibleTotal := min(source.TotalHits, int64(len(window)))

	start := min(page*pageSize, len(window))
	end := min(start+pageSize, len(window))
	hits := make([]model.SearchHit, end-start)
	copy(hits, window[start:end])

	return &model.SearchPage{
		Hits:             hits,
		Query:            q.Q,
		ProcessingTimeMs: source.ProcessingTimeMs,
		TotalHits:        visibleTotal,
		Limit:            pageSize,
		Offset:           page * pageSize,
	}, nil
}

func (s *Service) presentationSet(ctx context.Context, q model.SearchQuery) (*model.SearchPage, error) {
	key := presentationKey(q)
	keyHash := hashKey(key)

	if s.cacheEnabled {
		if page, ok := s.cached(key, keyHash); ok {
			return page, nil
		}
	}
	s.logger.Debug("presentation cache miss", "key_hash", keyHash)

	load := func() (any, error) {
		full := q
		full.Limit = s.maxHits
		full.Offset = 0
		page, err := s.Search(ctx, full)
		if err != nil {
			return nil, err
		}
		if s.cacheEnabled {
			s.store(key, q.ChatID, page)
		}
		return page, nil
	}
	if !s.cacheEnabled {
		page, err := load()
		if err != nil {
			return nil, err
		}
		return page.(*model.SearchPage), nil
	}

	// Concurrent misses for the same key share one backend call.
	v, err, _ := s.loads.Do(key, load)
	if err != nil {
		return nil, err
	}
	return v.(*model.SearchPage), nil
}

func (s *Service) cached(key string, keyHash uint64) (*model.SearchPage, bool) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	e, ok := s.cache[key]
	if !ok {
		return nil, false
	}
	if !s.clock.Now().Before(e.expiresAt) {
		delete(s.cache, key)
		s.logger.Debug("presentation cache expired", "key_hash", keyHash)
		return nil, false
	}
	s.logger.Debug("presentation cache hit", "key_hash", keyHash)
	return e.page, true
}

func (s *Service) store(key string, chatID *int64, page *model.SearchPage) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()

	now := s.clock.Now()
	if _, exists := s.cache[key]; !exists && len(s.cache) >= s.maxEntries {
		s.evictLocked(now)
	}
	var cid *int64
	if chatID != nil {
		id := *chatID
		cid = &id
	}
	s.cache[key] = &presentationEntry{page: page, chatID: cid, expiresAt: now.Add(s.cacheTTL)}
}

// evictLocked drops expired entries, or the entry closest to expiry when
// nothing has expired.
func (s *Service) evictLocked(now time.Time) {
	var oldestKey string
	var oldest time.Time
	removed := false
	for k, e := range s.cache {
		if !now.Before(e.expiresAt) {
			delete(s.cache, k)
			removed = true
			continue
		}
		if oldestKey == "" || e.expiresAt.Before(oldest) {
			oldestKey, oldest = k, e.expiresAt
		}
	}
	if !removed && oldestKey != "" {
		delete(s.cache, oldestKey)
	}
}

// presentationKey covers the fields that change the result set. Paging
// fields are excluded.
func presentationKey(q model.SearchQuery) string {
	key := struct {
		Q              string  `json:"q"`
		ChatID         *int64  `json:"chat_id"`
		ChatType       string  `json:"chat_type"`
		DateFrom       *string `json:"date_from"`
		DateTo         *string `json:"date_to"`
		SenderUsername string  `json:"sender_username"`
		IndexName      string  `json:"index_name"`
	}{
		Q:              q.Q,
		ChatID:         q.ChatID,
		ChatType:       q.ChatType,
		SenderUsername: q.SenderUsername,
		IndexName:      indexName(q),
	}
	if q.DateFrom != nil {
		v := formatDate(*q.DateFrom)
		key.DateFrom = &v
	}
	if q.DateTo != nil {
		v := formatDate(*q.DateTo)
		key.DateTo = &v
	}
	b, err := json.Marshal(key)
	if err != nil {
		// Only strings, ints and nil pointers are encoded.
		panic(fmt.Sprintf("encoding presentation key: %v", err))
	}
	return string(b)
}

func hashKey(key string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(key))
	return h.Sum64()
}
