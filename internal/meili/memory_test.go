package meili

import (
	"context"
	"testing"
	"time"

	"tgsearch/internal/model"
	"tgsearch/internal/search"
	"tgsearch/internal/tgsearch"
)

func seed(t *testing.T) *MemoryBackend {
	t.Helper()
	m := NewMemoryBackend()
	docs := []map[string]any{
		{"id": "1-1", "text": "Hello gophers", "date": "2025-01-01T10:00:00Z",
			"chat": map[string]any{"id": int64(1), "type": "group"}, "from_user": map[string]any{"username": "alice"}},
		{"id": "1-2", "text": "hello again", "date": "2025-02-01T10:00:00Z",
			"chat": map[string]any{"id": int64(1), "type": "group"}, "from_user": map[string]any{"username": `we"ird`}},
		{"id": "2-1", "text": "unrelated", "date": "2025-03-01T10:00:00Z",
			"chat": map[string]any{"id": int64(2), "type": "channel"}},
	}
	if err := m.AddDocuments(context.Background(), "telegram", docs); err != nil {
		t.Fatalf("AddDocuments() error = %v", err)
	}
	return m
}

func TestMemoryBackend_Search(t *testing.T) {
	ctx := context.Background()
	m := seed(t)

	from := time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name  string
		query model.SearchQuery
		want  []string
	}{
		{name: "terms match case-insensitively", query: model.SearchQuery{Q: "hello"}, want: []string{"1-2", "1-1"}},
		{name: "chat filter", query: model.SearchQuery{ChatID: ptr(int64(2))}, want: []string{"2-1"}},
		{name: "date range", query: model.SearchQuery{Q: "hello", DateFrom: &from}, want: []string{"1-2"}},
		{name: "escaped sender", query: model.SearchQuery{SenderUsername: `we"ird`}, want: []string{"1-2"}},
		{name: "chat type", query: model.SearchQuery{ChatType: "channel"}, want: []string{"2-1"}},
		{name: "no match", query: model.SearchQuery{Q: "absent"}, want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := m.Search(ctx, "telegram", tgsearch.BackendSearchRequest{
				Q:      tt.query.Q,
				Filter: search.BuildFilter(tt.query),
				Limit:  10,
			})
			if err != nil {
				t.Fatalf("Search() error = %v", err)
			}
			var ids []string
			for _, h := range res.Hits {
				ids = append(ids, h["id"].(string))
			}
			if len(ids) != len(tt.want) {
				t.Fatalf("ids = %v, want %v", ids, tt.want)
			}
			for i := range ids {
				if ids[i] != tt.want[i] {
					t.Errorf("ids = %v, want %v", ids, tt.want)
					break
				}
			}
		})
	}
}

func TestMemoryBackend_Highlight(t *testing.T) {
	m := seed(t)
	res, err := m.Search(context.Background(), "telegram", tgsearch.BackendSearchRequest{
		Q:                     "gophers",
		AttributesToHighlight: []string{"text"},
		HighlightPreTag:       "<mark>",
		HighlightPostTag:      "</mark>",
	})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(res.Hits) != 1 {
		t.Fatalf("hits = %d, want 1", len(res.Hits))
	}
	formatted := res.Hits[0]["_formatted"].(map[string]any)
	if got := formatted["text"]; got != "Hello <mark>gophers</mark>" {
		t.Errorf("_formatted.text = %q", got)
	}
}

func TestMemoryBackend_Paging(t *testing.T) {
	m := seed(t)
	res, err := m.Search(context.Background(), "telegram", tgsearch.BackendSearchRequest{Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(res.Hits) != 1 || res.EstimatedTotalHits != 3 || res.Hits[0]["id"] != "1-2" {
		t.Errorf("result = %+v", res)
	}
}

func TestMemoryBackend_DeleteByFilter(t *testing.T) {
	ctx := context.Background()
	m := seed(t)
	if err := m.DeleteByFilter(ctx, "telegram", "chat.id = 1"); err != nil {
		t.Fatalf("DeleteByFilter() error = %v", err)
	}
	if got := m.Count("telegram"); got != 1 {
		t.Errorf("Count() = %d, want 1", got)
	}

	if err := m.DeleteByFilter(ctx, "telegram", "chat.id ~ 1"); err == nil {
		t.Error("DeleteByFilter() accepted an unsupported operator")
	}
}

func ptr[T any](v T) *T { return &v }

func TestMemoryBackend_Stats(t *testing.T) {
	ctx := context.Background()
	empty := NewMemoryBackend()
	st, err := empty.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if st.DatabaseSize != 0 || st.LastUpdate != nil || len(st.Indexes) != 0 {
		t.Errorf("Stats() on empty backend = %+v", st)
	}

	m := seed(t)
	idx, err := m.IndexStats(ctx, "telegram")
	if err != nil {
		t.Fatalf("IndexStats() error = %v", err)
	}
	if idx.NumberOfDocuments != 3 || idx.IsIndexing {
		t.Errorf("IndexStats() = %+v", idx)
	}
	if idx.FieldDistribution["text"] != 3 || idx.FieldDistribution["from_user"] != 2 {
		t.Errorf("FieldDistribution = %v", idx.FieldDistribution)
	}

	st, err = m.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if st.DatabaseSize <= 0 || st.LastUpdate == nil {
		t.Errorf("Stats() = %+v, want size and last update", st)
	}
	if st.Indexes["telegram"].NumberOfDocuments != 3 {
		t.Errorf("Indexes = %+v", st.Indexes)
	}

	missing, err := m.IndexStats(ctx, "other")
	if err != nil || missing.NumberOfDocuments != 0 {
		t.Errorf("IndexStats(other) = %+v, %v", missing, err)
	}
}
