// Package scheduler serialises per-dialog history downloads through a
// single worker.
//
// Dialog ids are queued FIFO and deduplicated. Before and during each
// download the worker re-reads the dialog's sync state, so pausing or
// removing a dialog takes effect at the next batch boundary.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"tgsearch/internal/model"
	"tgsearch/internal/tgsearch"
)

// DefaultPollInterval bounds how long the worker blocks on an empty queue
// before it re-checks for cancellation.
const DefaultPollInterval = 2 * time.Second


// StateStore is the slice of the config store the scheduler needs.
type StateStore interface {
	LoadConfig(ctx context.Context, refresh bool) (*model.GlobalConfig, error)
	GetLatestMsgID(ctx context.Context, dialogID int64) (int64, error)
	SetLatestMsgID(ctx context.Context, dialogID, msgID int64) error
	MarkSynced(ctx context.Context, dialogID int64, at time.Time) error
}

// Options configures a Scheduler. Zero values select defaults.
type Options struct {
	PollInterval time.Duration
	Progress     tgsearch.ProgressSink
	Logger       tgsearch.Logger
	Clock        tgsearch.Clock
}

// Scheduler is the dialog download queue. It is safe for concurrent use.
type Scheduler struct {
	store        StateStore
	progress     tgsearch.ProgressSink
	logger       tgsearch.Logger
	clock        tgsearch.Clock
	pollInterval time.Duration

	mu          sync.Mutex
	queue       []int64
	pending     map[int64]struct{}
	current     int64
	downloading bool
	client      tgsearch.MessageSource
	clientReady chan struct{}
	notify      chan struct{}

	runMu  sync.Mutex
	active bool
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Scheduler reading dialog state from store.
func New(store StateStore, opts Options) *Scheduler {
	poll := opts.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	var progress tgsearch.ProgressSink = tgsearch.NopProgressSink{}
	if opts.Progress != nil {
		progress = opts.Progress
	}
	var clock tgsearch.Clock = tgsearch.RealClock{}
	if opts.Clock != nil {
		clock = opts.Clock
	}
	return &Scheduler{
		store:        store,
		progress:     progress,
		logger:       tgsearch.OrNop(opts.Logger),
		clock:        clock,
		pollInterval: poll,
		pending:      make(map[int64]struct{}),
		clientReady:  make(chan struct{}),
		notify:       make(chan struct{}, 1),
	}
}

// Enqueue adds a dialog to the queue. It returns false when the dialog is
// already pending or currently downloading.
func (s *Scheduler) Enqueue(dialogID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pending[dialogID]; ok {
		return false
	}
	if s.downloading && s.current == dialogID {
		return false
	}
	s.pending[dialogID] = struct{}{}
	s.queue = append(s.queue, dialogID)

	select {
	case s.notify <- struct{}{}:
	default:
	}
	s.logger.Debug("dialog enqueued", "dialog_id", dialogID, "pending", len(s.queue))
	return true
}

// EnqueueAllActive enqueues every dialog whose sync state is active, in id
// order. It returns how many were newly enqueued.
func (s *Scheduler) EnqueueAllActive(ctx context.Context) (int, error) {
	cfg, err := s.store.LoadConfig(ctx, true)
	if err != nil {
		return 0, fmt.Errorf("loading dialog states: %w", err)
	}
	ids := make([]int64, 0, len(cfg.Sync.Dialogs))
	for id, st := range cfg.Sync.Dialogs {
		if st.SyncState == model.SyncStateActive {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)

	n := 0
	for _, id := range ids {
		if s.Enqueue(id) {
			n++
		}
	}
	s.logger.Info("active dialogs enqueued", "count", n, "active", len(ids))
	return n, nil
}

// SetClient installs the message source used by the worker. The worker
// waits for the first call before it downloads anything.
func (s *Scheduler) SetClient(client tgsearch.MessageSource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	first := s.client == nil
	s.client = client
	if first && client != nil {
		close(s.clientReady)
	}
}

// CurrentDialogID returns the dialog being downloaded, if any.
func (s *Scheduler) CurrentDialogID() (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, s.downloading
}

// PendingCount returns the number of queued dialogs, excluding the one
// being downloaded.
func (s *Scheduler) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// IsRunning reports whether a worker is active.
func (s *Scheduler) IsRunning() bool {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.active
}

// Start spawns the worker if none is running. Repeated calls are no-ops.
func (s *Scheduler) Start() {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.active {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.active = true
	s.cancel = cancel
	s.done = done

	go func() {
		defer close(done)
		if err := s.loop(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("scheduler worker exited", "error", err.Error())
		}
		s.runMu.Lock()
		s.active = false
		s.cancel = nil
		s.runMu.Unlock()
	}()
	s.logger.Info("scheduler started")
}

// Stop cancels the worker started by Start and waits for it to unwind,
// bounded by ctx. Stopping an idle scheduler is a no-op.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.runMu.Lock()
	cancel, done := s.cancel, s.done
	s.runMu.Unlock()
	if cancel == nil {
		return nil
	}

	cancel()
	select {
	case <-done:
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for scheduler worker: %w", ctx.Err())
	}
}

// Done returns a channel closed when the worker started by Start exits.
// With no worker the channel is already closed.
func (s *Scheduler) Done() <-chan struct{} {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if !s.active {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return s.done
}

func (s *Scheduler) loop(ctx context.Context) error {
	if err := s.waitForClient(ctx); err != nil {
		return err
	}
	for {
		id, ok, err := s.next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		s.process(ctx, id)
		s.finish()
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

func (s *Scheduler) waitForClient(ctx context.Context) error {
	for {
		select {
		case <-s.clientReady:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.pollInterval):
			s.logger.Debug("scheduler waiting for message source")
		}
	}
}

// next pops the queue head, marking it as downloading. It returns ok=false
// when the poll interval elapsed with nothing queued.
func (s *Scheduler) next(ctx context.Context) (int64, bool, error) {
	if id, ok := s.pop(); ok {
		return id, true, nil
	}
	select {
	case <-ctx.Done():
		return 0, false, ctx.Err()
	case <-s.notify:
	case <-time.After(s.pollInterval):
	}
	id, ok := s.pop()
	return id, ok, nil
}

func (s *Scheduler) pop() (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return 0, false
	}
	id := s.queue[0]
	s.queue = s.queue[1:]
	delete(s.pending, id)
	s.current = id
	s.downloading = true
	return id, true
}

func (s *Scheduler) finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = 0
	s.downloading = false
}

func (s *Scheduler) currentClient() tgsearch.MessageSource {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}
