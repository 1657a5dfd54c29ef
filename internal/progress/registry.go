// Package progress keeps the in-process view of dialog download progress.
package progress

import (
	"context"
	"maps"
	"slices"
	"sync"

	"tgsearch/internal/model"
	"tgsearch/internal/tgsearch"
)

const subscriberBuffer = 16

// Registry records the latest progress per dialog and fans updates out to
// subscribers. Slow subscribers miss events rather than block writers.
type Registry struct {
	clock tgsearch.Clock

	mu          sync.RWMutex
	entries     map[int64]model.ProgressInfo
	subscribers map[chan model.ProgressInfo]struct{}
}

var _ tgsearch.ProgressSink = (*Registry)(nil)

// NewRegistry creates an empty Registry.
func NewRegistry(clock tgsearch.Clock) *Registry {
	if clock == nil {
		clock = tgsearch.RealClock{}
	}
	return &Registry{
		clock:       clock,
		entries:     map[int64]model.ProgressInfo{},
		subscribers: map[chan model.ProgressInfo]struct{}{},
	}
}

// Update records download progress for a dialog. A dialog that completed or
// failed earlier starts a new run.
func (r *Registry) Update(dialogID int64, title string, current, total int64) {
	now := r.clock.Now()
	r.mu.Lock()
	info, ok := r.entries[dialogID]
	if !ok || info.Status != model.ProgressDownloading {
		info = model.ProgressInfo{DialogID: dialogID, StartedAt: now}
	}
	if title != "" {
		info.DialogTitle = title
	}
	info.Current = current
	if total > 0 {
		info.Total = total
	}
	info.Status = model.ProgressDownloading
	info.Error = ""
	info.UpdatedAt = now
	r.entries[dialogID] = info
	r.publishLocked(info)
	r.mu.Unlock()
}

// Complete marks a dialog's download as completed.
func (r *Registry) Complete(dialogID int64) {
	r.finish(dialogID, model.ProgressCompleted, "")
}

// Fail marks a dialog's download as failed with message.
func (r *Registry) Fail(dialogID int64, message string) {
	r.finish(dialogID, model.ProgressFailed, message)
}

func (r *Registry) finish(dialogID int64, status model.ProgressStatus, message string) {
	now := r.clock.Now()
	r.mu.Lock()
	info, ok := r.entries[dialogID]
	if !ok {
		info = model.ProgressInfo{DialogID: dialogID, StartedAt: now}
	}
	info.Status = status
	info.Error = message
	info.UpdatedAt = now
	r.entries[dialogID] = info
	r.publishLocked(info)
	r.mu.Unlock()
}

// Get returns the progress of one dialog.
func (r *Registry) Get(dialogID int64) (model.ProgressInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.entries[dialogID]
	return info, ok
}

// Snapshot returns all entries ordered by dialog id.
func (r *Registry) Snapshot() []model.ProgressInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := slices.Sorted(maps.Keys(r.entries))
	out := make([]model.ProgressInfo, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.entries[id])
	}
	return out
}

// Clear removes a dialog's entry.
func (r *Registry) Clear(dialogID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, dialogID)
}

// Subscribe returns a channel receiving every subsequent change. The
// channel is closed when ctx is done.
func (r *Registry) Subscribe(ctx context.Context) <-chan model.ProgressInfo {
	ch := make(chan model.ProgressInfo, subscriberBuffer)
	r.mu.Lock()
	r.subscribers[ch] = struct{}{}
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		delete(r.subscribers, ch)
		close(ch)
		r.mu.Unlock()
	}()
	return ch
}

func (r *Registry) publishLocked(info model.ProgressInfo) {
	for ch := range r.subscribers {
		select {
		case ch <- info:
		default:
		}
	}
}
