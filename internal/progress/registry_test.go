package progress

import (
	"context"
	"testing"
	"time"

	"tgsearch/internal/model"
	"tgsearch/internal/testutil"
)

func TestRegistry_Lifecycle(t *testing.T) {
	clock := testutil.FixedClock()
	r := NewRegistry(clock)

	r.Update(1, "Gophers", 0, 0)
	clock.Advance(time.Second)
	r.Update(1, "", 40, 100)

	info, ok := r.Get(1)
	if !ok {
		t.Fatal("Get(1) not found")
	}
	if info.Status != model.ProgressDownloading || info.Current != 40 || info.Total != 100 {
		t.Errorf("info = %+v", info)
	}
	if info.DialogTitle != "Gophers" {
		t.Errorf("DialogTitle = %q, want title kept", info.DialogTitle)
	}
	if !info.UpdatedAt.After(info.StartedAt) {
		t.Errorf("UpdatedAt %v not after StartedAt %v", info.UpdatedAt, info.StartedAt)
	}

	r.Complete(1)
	info, _ = r.Get(1)
	if info.Status != model.ProgressCompleted {
		t.Errorf("Status = %q, want completed", info.Status)
	}

	t.Run("a new update after completion starts a new run", func(t *testing.T) {
		clock.Advance(time.Minute)
		r.Update(1, "", 5, 0)
		info, _ := r.Get(1)
		if info.Status != model.ProgressDownloading || !info.StartedAt.Equal(clock.Now()) {
			t.Errorf("info = %+v", info)
		}
	})

	t.Run("fail records the message", func(t *testing.T) {
		r.Fail(2, "flood wait")
		info, _ := r.Get(2)
		if info.Status != model.ProgressFailed || info.Error != "flood wait" {
			t.Errorf("info = %+v", info)
		}
	})

	t.Run("snapshot is ordered by dialog id", func(t *testing.T) {
		r.Update(-5, "neg", 1, 0)
		snap := r.Snapshot()
		if len(snap) != 3 || snap[0].DialogID != -5 || snap[2].DialogID != 2 {
			t.Errorf("Snapshot() = %+v", snap)
		}
	})
}

func TestRegistry_Subscribe(t *testing.T) {
	r := NewRegistry(nil)
	ctx, cancel := context.WithCancel(context.Background())
	ch := r.Subscribe(ctx)

	r.Update(9, "x", 1, 0)
	select {
	case info := <-ch:
		if info.DialogID != 9 || info.Current != 1 {
			t.Errorf("event = %+v", info)
		}
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}

	t.Run("slow subscribers never block writers", func(t *testing.T) {
		done := make(chan struct{})
		go func() {
			for i := range subscriberBuffer * 4 {
				r.Update(9, "x", int64(i), 0)
			}
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("Update blocked on a full subscriber")
		}
	})

	cancel()
	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("channel not closed after cancel")
		}
	}
}
