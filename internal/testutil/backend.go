package testutil

import (
	"context"
	"sync"

	"tgsearch/internal/tgsearch"
)

// FakeBackend is a SearchBackend returning canned hits and recording
// every request it receives.
type FakeBackend struct {
	mu       sync.Mutex
	hits     []map[string]any
	err      error
	requests []tgsearch.BackendSearchRequest
	indexes  []string
}

// NewFakeBackend returns a backend that answers every search with hits,
// paged by the request's offset and limit.
func NewFakeBackend(hits []map[string]any) *FakeBackend {
	return &FakeBackend{hits: hits}
}

// SetError makes subsequent searches fail with err.
func (b *FakeBackend) SetError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.err = err
}

func (b *FakeBackend) Search(_ context.Context, index string, req tgsearch.BackendSearchRequest) (*tgsearch.BackendSearchResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requests = append(b.requests, req)
	b.indexes = append(b.indexes, index)
	if b.err != nil {
		return nil, b.err
	}

	start := min(req.Offset, len(b.hits))
	end := len(b.hits)
	if req.Limit > 0 {
		end = min(start+req.Limit, end)
	}
	page := make([]map[string]any, 0, end-start)
	page = append(page, b.hits[start:end]...)
	return &tgsearch.BackendSearchResult{
		Hits:               page,
		ProcessingTimeMs:   1,
		EstimatedTotalHits: int64(len(b.hits)),
	}, nil
}

// Calls returns how many searches were issued.
func (b *FakeBackend) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.requests)
}

// LastRequest returns the most recent request and the index it targeted.
func (b *FakeBackend) LastRequest() (tgsearch.BackendSearchRequest, string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.requests) == 0 {
		return tgsearch.BackendSearchRequest{}, ""
	}
	return b.requests[len(b.requests)-1], b.indexes[len(b.indexes)-1]
}
