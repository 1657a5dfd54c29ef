package observability

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"tgsearch/internal/meili"
	"tgsearch/internal/model"
	"tgsearch/internal/progress"
	"tgsearch/internal/testutil"
	"tgsearch/internal/tgsearch"
)

// failingStats fails or stalls each stats call independently.
type failingStats struct {
	indexErr error
	statsErr error
	stall    bool
	all      *tgsearch.BackendStats
}

func (f *failingStats) IndexStats(ctx context.Context, _ string) (*tgsearch.IndexStats, error) {
	if f.stall {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.indexErr != nil {
		return nil, f.indexErr
	}
	return &tgsearch.IndexStats{NumberOfDocuments: 1}, nil
}

func (f *failingStats) Stats(ctx context.Context) (*tgsearch.BackendStats, error) {
	if f.stall {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.statsErr != nil {
		return nil, f.statsErr
	}
	return f.all, nil
}

type stubRuntime struct{ status model.RuntimeStatus }

func (r stubRuntime) Status() model.RuntimeStatus { return r.status }

func seededBackend(t *testing.T, n int) *meili.MemoryBackend {
	t.Helper()
	m := meili.NewMemoryBackend()
	var docs []map[string]any
	for i := range n {
		docs = append(docs, map[string]any{"id": i + 1, "text": "hello"})
	}
	if err := m.AddDocuments(context.Background(), "telegram", docs); err != nil {
		t.Fatalf("AddDocuments() error = %v", err)
	}
	return m
}

func TestService_IndexSnapshot(t *testing.T) {
	ctx := context.Background()

	t.Run("healthy backend", func(t *testing.T) {
		s := New(seededBackend(t, 4), Options{})
		snap := s.IndexSnapshot(ctx, "test")
		if !snap.BackendConnected || snap.TotalDocuments != 4 || snap.IsIndexing {
			t.Errorf("IndexSnapshot() = %+v", snap)
		}
		if snap.DatabaseSize == nil || *snap.DatabaseSize <= 0 || snap.LastUpdate == nil {
			t.Errorf("DatabaseSize = %v LastUpdate = %v", snap.DatabaseSize, snap.LastUpdate)
		}
		if len(snap.Notes) != 0 || len(snap.Errors) != 0 {
			t.Errorf("notes = %v errors = %v, want none", snap.Notes, snap.Errors)
		}
	})

	t.Run("every call fails", func(t *testing.T) {
		s := New(&failingStats{indexErr: errors.New("boom"), statsErr: errors.New("boom")}, Options{})
		snap := s.IndexSnapshot(ctx, "test")
		if snap.BackendConnected || snap.TotalDocuments != 0 || snap.DatabaseSize != nil {
			t.Errorf("IndexSnapshot() = %+v, want disconnected and empty", snap)
		}
		if len(snap.Errors) != 2 || len(snap.Notes) != 2 {
			t.Fatalf("notes = %v errors = %v, want two of each", snap.Notes, snap.Errors)
		}
		if !strings.Contains(snap.Errors[0], "index stats failed: boom") {
			t.Errorf("Errors[0] = %q", snap.Errors[0])
		}
	})

	t.Run("server stats fill in for index stats", func(t *testing.T) {
		updated := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
		s := New(&failingStats{
			indexErr: errors.New("index gone"),
			all: &tgsearch.BackendStats{
				DatabaseSize: 2048,
				LastUpdate:   &updated,
				Indexes:      map[string]tgsearch.IndexStats{"telegram": {NumberOfDocuments: 7, IsIndexing: true}},
			},
		}, Options{})
		snap := s.IndexSnapshot(ctx, "test")
		if !snap.BackendConnected || snap.TotalDocuments != 7 || !snap.IsIndexing {
			t.Errorf("IndexSnapshot() = %+v", snap)
		}
		if snap.DatabaseSize == nil || *snap.DatabaseSize != 2048 || !snap.LastUpdate.Equal(updated) {
			t.Errorf("DatabaseSize = %v LastUpdate = %v", snap.DatabaseSize, snap.LastUpdate)
		}
		if len(snap.Errors) != 1 {
			t.Errorf("errors = %v, want one", snap.Errors)
		}
	})

	t.Run("stalled calls time out", func(t *testing.T) {
		s := New(&failingStats{stall: true}, Options{CallTimeout: 100 * time.Millisecond})
		started := time.Now()
		snap := s.IndexSnapshot(ctx, "test")
		if elapsed := time.Since(started); elapsed > 2*time.Second {
			t.Errorf("IndexSnapshot() took %v", elapsed)
		}
		if !slices.Contains(snap.Errors, "index stats timeout") || !slices.Contains(snap.Errors, "server stats timeout") {
			t.Errorf("errors = %v, want both timeouts", snap.Errors)
		}
	})

	t.Run("no stats reader", func(t *testing.T) {
		snap := New(nil, Options{}).IndexSnapshot(ctx, "test")
		if snap.BackendConnected || len(snap.Notes) != 1 {
			t.Errorf("IndexSnapshot() = %+v", snap)
		}
	})
}

func TestService_StorageSnapshot(t *testing.T) {
	ctx := context.Background()

	snap := New(seededBackend(t, 2), Options{}).StorageSnapshot(ctx, "test")
	if snap.TotalBytes == nil || snap.IndexBytes == nil || *snap.TotalBytes != *snap.IndexBytes {
		t.Errorf("StorageSnapshot() = %+v", snap)
	}
	if snap.MediaSupported || snap.CacheSupported {
		t.Error("media or cache reported as supported")
	}
	if len(snap.Notes) != 1 || len(snap.Errors) != 0 {
		t.Errorf("notes = %v errors = %v", snap.Notes, snap.Errors)
	}

	failed := New(&failingStats{indexErr: errors.New("x"), statsErr: errors.New("y")}, Options{}).StorageSnapshot(ctx, "test")
	if failed.TotalBytes != nil || len(failed.Errors) != 2 || len(failed.Notes) != 3 {
		t.Errorf("StorageSnapshot() on failing backend = %+v", failed)
	}
}

func TestService_ProgressSnapshot(t *testing.T) {
	s := New(nil, Options{})
	if snap := s.ProgressSnapshot("test"); len(snap.Notes) != 1 || snap.ActiveCount != 0 {
		t.Errorf("ProgressSnapshot() without registry = %+v", snap)
	}

	reg := progress.NewRegistry(testutil.FixedClock())
	reg.Update(1, "Chat 1", 1, 2)
	reg.Update(2, "Chat 2", 2, 2)
	reg.Complete(2)
	s.AttachProgress(reg)

	snap := s.ProgressSnapshot("test")
	if len(snap.Dialogs) != 2 || snap.ActiveCount != 1 || len(snap.Notes) != 0 {
		t.Errorf("ProgressSnapshot() = %+v", snap)
	}
}

func TestService_Report(t *testing.T) {
	clock := testutil.FixedClock()
	started := clock.Now()
	clock.Advance(90 * time.Second)
	rt := stubRuntime{status: model.RuntimeStatus{State: model.RuntimeRunning, IsRunning: true}}

	s := New(seededBackend(t, 3), Options{
		Runtime:   rt,
		Progress:  progress.NewRegistry(clock),
		StartedAt: started,
		Clock:     clock,
		IDs:       testutil.NewSequenceIDs("trace"),
	})
	r := s.Report(context.Background(), "cli")

	if r.Runtime != rt.status {
		t.Errorf("Runtime = %+v", r.Runtime)
	}
	if r.System.Uptime != 90*time.Second || !r.System.RuntimeRunning || r.System.IndexedMessages != 3 {
		t.Errorf("System = %+v", r.System)
	}
	if !r.System.BackendConnected || r.System.MemoryUsageMB <= 0 {
		t.Errorf("System = %+v", r.System)
	}
	if r.Index.TotalDocuments != 3 || r.Storage.TotalBytes == nil {
		t.Errorf("Index = %+v Storage = %+v", r.Index, r.Storage)
	}

	stopped := New(nil, Options{}).Report(context.Background(), "cli")
	if stopped.Runtime.State != model.RuntimeStopped || stopped.System.RuntimeRunning {
		t.Errorf("Runtime without source = %+v", stopped.Runtime)
	}
}
