package tgsearch

import (
	"context"
	"time"
)

// BackendSearchRequest is a search call in backend terms. Filter is already
// rendered in the backend's filter syntax.
type BackendSearchRequest struct {
	Q                     string
	Filter                string
	Limit                 int
	Offset                int
	AttributesToHighlight []string
	HighlightPreTag       string
	HighlightPostTag      string
}

// BackendSearchResult is the raw backend response. Hits keep the backend's
// payload shape; the search service normalises them.
type BackendSearchResult struct {
	Hits               []map[string]any
	ProcessingTimeMs   int64
	EstimatedTotalHits int64
}

// SearchBackend executes searches. It performs no filter construction of its own.
type SearchBackend interface {
	Search(ctx context.Context, index string, req BackendSearchRequest) (*BackendSearchResult, error)
}

// DocumentIndexer writes and removes documents in the search backend.
type DocumentIndexer interface {
	AddDocuments(ctx context.Context, index string, docs []map[string]any) error
	DeleteByFilter(ctx context.Context, index string, filter string) error
}

// IndexStats describes one search index.
type IndexStats struct {
	NumberOfDocuments int64            `json:"numberOfDocuments"`
	IsIndexing        bool             `json:"isIndexing"`
	FieldDistribution map[string]int64 `json:"fieldDistribution,omitempty"`
}

// BackendStats describes the whole search backend.
type BackendStats struct {
	DatabaseSize int64                 `json:"databaseSize"`
	LastUpdate   *time.Time            `json:"lastUpdate"`
	Indexes      map[string]IndexStats `json:"indexes"`
}

// StatsReader reports index and backend statistics.
type StatsReader interface {
	IndexStats(ctx context.Context, index string) (*IndexStats, error)
	Stats(ctx context.Context) (*BackendStats, error)
}
