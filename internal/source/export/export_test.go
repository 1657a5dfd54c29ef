package export

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"tgsearch/internal/meili"
	"tgsearch/internal/tgsearch"
)

func writeExport(t *testing.T, dir string, dialogID int64, body string) {
	t.Helper()
	path := filepath.Join(dir, fmt.Sprintf("%d.json", dialogID))
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
}

// chatExport builds an export with n text messages, ids 1..n, one day apart.
func chatExport(n int) string {
	var msgs []string
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 1; i <= n; i++ {
		ts := base.Add(time.Duration(i) * 24 * time.Hour).Unix()
		msgs = append(msgs, fmt.Sprintf(
			`{"id":%d,"type":"message","date_unixtime":"%d","from":"Alice","from_id":"user7","text":"message %d"}`, i, ts, i))
	}
	return `{"id":1,"name":"Gophers","type":"private_supergroup","messages":[` + strings.Join(msgs, ",") + `]}`
}

type recorder struct {
	progress []int64
	cursors  []int64
}

func (r *recorder) request(offset int64, checker func(context.Context) (bool, error)) tgsearch.HistoryRequest {
	return tgsearch.HistoryRequest{
		OffsetID:     offset,
		Progress:     func(n int64) { r.progress = append(r.progress, n) },
		StateChecker: checker,
		LatestMsgIDSetter: func(_ context.Context, id int64) error {
			r.cursors = append(r.cursors, id)
			return nil
		},
	}
}

func TestSource_ResolvePeer(t *testing.T) {
	dir := t.TempDir()
	writeExport(t, dir, -1001, `{"name":"News","type":"public_channel","username":"news","messages":[]}`)
	src := New(dir, meili.NewMemoryBackend(), Options{})

	peer, err := src.ResolvePeer(context.Background(), -1001)
	if err != nil {
		t.Fatalf("ResolvePeer() error = %v", err)
	}
	if peer.Title != "News" || peer.Type != "channel" || peer.Username != "news" {
		t.Errorf("peer = %+v", peer)
	}

	if _, err := src.ResolvePeer(context.Background(), 5); !errors.Is(err, ErrDialogNotExported) {
		t.Errorf("ResolvePeer(5) error = %v, want ErrDialogNotExported", err)
	}
}

func TestSource_ListDialogs(t *testing.T) {
	dir := t.TempDir()
	writeExport(t, dir, 20, chatExport(0))
	writeExport(t, dir, -3, chatExport(0))
	writeExport(t, dir, 9, `not json`)
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	peers, err := New(dir, meili.NewMemoryBackend(), Options{}).ListDialogs(context.Background())
	if err != nil {
		t.Fatalf("ListDialogs() error = %v", err)
	}
	var ids []int64
	for _, p := range peers {
		ids = append(ids, p.ID)
	}
	if !slices.Equal(ids, []int64{-3, 20}) {
		t.Errorf("ids = %v, want [-3 20]", ids)
	}
}

func TestSource_DownloadHistory(t *testing.T) {
	ctx := context.Background()

	t.Run("indexes in batches and advances the cursor", func(t *testing.T) {
		dir := t.TempDir()
		writeExport(t, dir, 1, chatExport(5))
		backend := meili.NewMemoryBackend()
		src := New(dir, backend, Options{BatchSize: 2})

		rec := &recorder{}
		if err := src.DownloadHistory(ctx, tgsearch.Peer{ID: 1}, rec.request(0, nil)); err != nil {
			t.Fatalf("DownloadHistory() error = %v", err)
		}
		if !slices.Equal(rec.cursors, []int64{2, 4, 5}) {
			t.Errorf("cursors = %v, want [2 4 5]", rec.cursors)
		}
		if !slices.IsSorted(rec.progress) || rec.progress[len(rec.progress)-1] != 5 {
			t.Errorf("progress = %v, want monotonic ending at 5", rec.progress)
		}
		if got := backend.Count("telegram"); got != 5 {
			t.Errorf("indexed = %d, want 5", got)
		}

		res, err := backend.Search(ctx, "telegram", tgsearch.BackendSearchRequest{Q: "message 3", Limit: 10})
		if err != nil {
			t.Fatalf("Search() error = %v", err)
		}
		if len(res.Hits) != 1 {
			t.Fatalf("hits = %d, want 1", len(res.Hits))
		}
		hit := res.Hits[0]
		chat := hit["chat"].(map[string]any)
		if hit["id"] != "1-3" || chat["type"] != "group" || chat["title"] != "Gophers" {
			t.Errorf("hit = %+v", hit)
		}
		if from := hit["from_user"].(map[string]any); from["id"] != int64(7) {
			t.Errorf("from_user = %+v", from)
		}
	})

	t.Run("resumes after the offset", func(t *testing.T) {
		dir := t.TempDir()
		writeExport(t, dir, 1, chatExport(5))
		backend := meili.NewMemoryBackend()
		rec := &recorder{}
		if err := New(dir, backend, Options{}).DownloadHistory(ctx, tgsearch.Peer{ID: 1}, rec.request(3, nil)); err != nil {
			t.Fatalf("DownloadHistory() error = %v", err)
		}
		if got := backend.Count("telegram"); got != 2 {
			t.Errorf("indexed = %d, want 2", got)
		}
		if !slices.Equal(rec.cursors, []int64{5}) {
			t.Errorf("cursors = %v, want [5]", rec.cursors)
		}
	})

	t.Run("offset date skips older messages", func(t *testing.T) {
		dir := t.TempDir()
		writeExport(t, dir, 1, chatExport(5))
		backend := meili.NewMemoryBackend()
		rec := &recorder{}
		req := rec.request(0, nil)
		from := time.Date(2025, 1, 4, 0, 0, 0, 0, time.UTC)
		req.OffsetDate = &from
		if err := New(dir, backend, Options{}).DownloadHistory(ctx, tgsearch.Peer{ID: 1}, req); err != nil {
			t.Fatalf("DownloadHistory() error = %v", err)
		}
		if got := backend.Count("telegram"); got != 3 {
			t.Errorf("indexed = %d, want messages 3..5", got)
		}
	})

	t.Run("a paused dialog stops at the next batch", func(t *testing.T) {
		dir := t.TempDir()
		writeExport(t, dir, 1, chatExport(6))
		backend := meili.NewMemoryBackend()
		checks := 0
		checker := func(context.Context) (bool, error) {
			checks++
			return checks < 2, nil
		}
		rec := &recorder{}
		err := New(dir, backend, Options{BatchSize: 2}).DownloadHistory(ctx, tgsearch.Peer{ID: 1}, rec.request(0, checker))
		if !errors.Is(err, tgsearch.ErrDownloadPaused) {
			t.Fatalf("DownloadHistory() error = %v, want ErrDownloadPaused", err)
		}
		if !slices.Equal(rec.cursors, []int64{2}) {
			t.Errorf("cursors = %v, want [2]", rec.cursors)
		}
		if got := backend.Count("telegram"); got != 2 {
			t.Errorf("indexed = %d, want 2", got)
		}
	})

	t.Run("service messages advance the cursor without documents", func(t *testing.T) {
		dir := t.TempDir()
		writeExport(t, dir, 1, `{"name":"G","type":"private_group","messages":[
			{"id":1,"type":"service","date":"2025-01-01T10:00:00","action":"create_group"},
			{"id":2,"type":"message","date":"2025-01-01T10:01:00","text":[{"type":"bold","text":"Bold"}," plain"]}
		]}`)
		backend := meili.NewMemoryBackend()
		rec := &recorder{}
		if err := New(dir, backend, Options{}).DownloadHistory(ctx, tgsearch.Peer{ID: 1}, rec.request(0, nil)); err != nil {
			t.Fatalf("DownloadHistory() error = %v", err)
		}
		if got := backend.Count("telegram"); got != 1 {
			t.Errorf("indexed = %d, want 1", got)
		}
		res, _ := backend.Search(ctx, "telegram", tgsearch.BackendSearchRequest{Q: "bold plain"})
		if len(res.Hits) != 1 || res.Hits[0]["text"] != "Bold plain" {
			t.Errorf("hits = %+v", res.Hits)
		}
		if !slices.Equal(rec.cursors, []int64{2}) {
			t.Errorf("cursors = %v, want [2]", rec.cursors)
		}
	})

	t.Run("reactions are scored", func(t *testing.T) {
		dir := t.TempDir()
		writeExport(t, dir, 1, `{"name":"G","type":"personal_chat","messages":[
			{"id":1,"type":"message","date_unixtime":"1735725600","text":"hi",
			 "reactions":[{"type":"emoji","count":2,"emoji":"🔥"},{"type":"emoji","count":1,"emoji":"🤷"}]}
		]}`)
		backend := meili.NewMemoryBackend()
		if err := New(dir, backend, Options{}).DownloadHistory(ctx, tgsearch.Peer{ID: 1}, tgsearch.HistoryRequest{}); err != nil {
			t.Fatalf("DownloadHistory() error = %v", err)
		}
		res, _ := backend.Search(ctx, "telegram", tgsearch.BackendSearchRequest{})
		if got := res.Hits[0]["reactions_scores"]; got != 3.0 {
			t.Errorf("reactions_scores = %v, want 3", got)
		}
	})
}
