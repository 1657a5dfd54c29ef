// Package observability collects health snapshots of the search backend,
// the ingestion runtime and in-flight downloads. A failing stats call never
// fails a snapshot: it is reported through the snapshot's notes and errors.
package observability

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"tgsearch/internal/model"
	"tgsearch/internal/tgsearch"
)

const (
	DefaultCallTimeout = 800 * time.Millisecond
	DefaultSlowWarn    = 800 * time.Millisecond
	minCallTimeout     = 100 * time.Millisecond
)

// ProgressSource lists the download progress of every dialog.
type ProgressSource interface {
	Snapshot() []model.ProgressInfo
}

// RuntimeSource reports the ingestion runtime state.
type RuntimeSource interface {
	Status() model.RuntimeStatus
}

// IndexSnapshot is the state of the message index.
type IndexSnapshot struct {
	TotalDocuments   int64
	IsIndexing       bool
	DatabaseSize     *int64
	LastUpdate       *time.Time
	BackendConnected bool
	Notes            []string
	Errors           []string
}

// StorageSnapshot is what the index occupies on disk.
type StorageSnapshot struct {
	TotalBytes     *int64
	IndexBytes     *int64
	MediaSupported bool
	CacheSupported bool
	Notes          []string
	Errors         []string
}

// ProgressSnapshot is the download progress of every dialog seen this run.
type ProgressSnapshot struct {
	Dialogs     []model.ProgressInfo
	ActiveCount int
	Notes       []string
}

// SystemSnapshot is a process-level summary.
type SystemSnapshot struct {
	Uptime           time.Duration
	BackendConnected bool
	RuntimeRunning   bool
	IndexedMessages  int64
	MemoryUsageMB    float64
	Notes            []string
	Errors           []string
}

// Report bundles every snapshot, built from a single round of stats calls.
type Report struct {
	Index    IndexSnapshot
	Storage  StorageSnapshot
	Progress ProgressSnapshot
	System   SystemSnapshot
	Runtime  model.RuntimeStatus
}

type Options struct {
	Index       string
	Progress    ProgressSource
	Runtime     RuntimeSource
	CallTimeout time.Duration
	SlowWarn    time.Duration
	StartedAt   time.Time
	Logger      tgsearch.Logger
	Clock       tgsearch.Clock
	IDs         tgsearch.IDGenerator
}

// Service builds snapshots. It is safe for concurrent use.
type Service struct {
	stats       tgsearch.StatsReader
	index       string
	callTimeout time.Duration
	slowWarn    time.Duration
	startedAt   time.Time
	logger      tgsearch.Logger
	clock       tgsearch.Clock
	ids         tgsearch.IDGenerator

	mu       sync.RWMutex
	progress ProgressSource
	runtime  RuntimeSource
}

// New creates a Service over stats. A nil stats reader yields snapshots
// that report the backend as disconnected.
func New(stats tgsearch.StatsReader, opts Options) *Service {
	s := &Service{
		stats:       stats,
		index:       opts.Index,
		callTimeout: max(opts.CallTimeout, minCallTimeout),
		slowWarn:    opts.SlowWarn,
		startedAt:   opts.StartedAt,
		logger:      tgsearch.OrNop(opts.Logger),
		clock:       opts.Clock,
		ids:         opts.IDs,
		progress:    opts.Progress,
		runtime:     opts.Runtime,
	}
	if opts.CallTimeout == 0 {
		s.callTimeout = DefaultCallTimeout
	}
	if s.slowWarn <= 0 {
		s.slowWarn = DefaultSlowWarn
	}
	if s.index == "" {
		s.index = "telegram"
	}
	if s.clock == nil {
		s.clock = tgsearch.RealClock{}
	}
	if s.ids == nil {
		s.ids = tgsearch.ShortTokenGenerator{}
	}
	if s.startedAt.IsZero() {
		s.startedAt = s.clock.Now()
	}
	return s
}

// AttachProgress binds or replaces the progress source.
func (s *Service) AttachProgress(p ProgressSource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress = p
}

// AttachRuntime binds or replaces the runtime source.
func (s *Service) AttachRuntime(r RuntimeSource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runtime = r
}

// IndexSnapshot queries index and server stats concurrently and merges them.
// Server stats fill in for index stats when only the latter fail.
func (s *Service) IndexSnapshot(ctx context.Context, source string) IndexSnapshot {
	started := time.Now()
	snap := s.indexSnapshot(ctx)
	s.logSnapshot(source, "index", started, snap.Notes, snap.Errors)
	return snap
}

// StorageSnapshot derives storage usage from the server stats.
func (s *Service) StorageSnapshot(ctx context.Context, source string) StorageSnapshot {
	started := time.Now()
	snap := storageFrom(s.indexSnapshot(ctx))
	s.logSnapshot(source, "storage", started, snap.Notes, snap.Errors)
	return snap
}

// ProgressSnapshot lists in-memory download progress.
func (s *Service) ProgressSnapshot(source string) ProgressSnapshot {
	started := time.Now()
	snap := s.progressSnapshot()
	s.logSnapshot(source, "progress", started, snap.Notes, nil)
	return snap
}

// SystemSnapshot summarises the process around a fresh index snapshot.
func (s *Service) SystemSnapshot(ctx context.Context, source string) SystemSnapshot {
	started := time.Now()
	snap := s.systemFrom(s.indexSnapshot(ctx), s.runtimeStatus())
	s.logSnapshot(source, "system", started, snap.Notes, snap.Errors)
	return snap
}

// Report builds every snapshot from one index snapshot.
func (s *Service) Report(ctx context.Context, source string) Report {
	started := time.Now()
	index := s.indexSnapshot(ctx)
	rt := s.runtimeStatus()
	r := Report{
		Index:    index,
		Storage:  storageFrom(index),
		Progress: s.progressSnapshot(),
		System:   s.systemFrom(index, rt),
		Runtime:  rt,
	}
	notes := append(append([]string{}, r.System.Notes...), r.Progress.Notes...)
	s.logSnapshot(source, "report", started, notes, r.System.Errors)
	return r
}

func (s *Service) indexSnapshot(ctx context.Context) IndexSnapshot {
	var snap IndexSnapshot
	if s.stats == nil {
		snap.Notes = append(snap.Notes, "search backend does not report stats")
		return snap
	}

	var (
		index          *tgsearch.IndexStats
		all            *tgsearch.BackendStats
		indexErr, aErr error
		g              errgroup.Group
	)
	g.Go(func() error {
		index, indexErr = callStats(ctx, s, "index stats", func(ctx context.Context) (*tgsearch.IndexStats, error) {
			return s.stats.IndexStats(ctx, s.index)
		})
		return nil
	})
	g.Go(func() error {
		all, aErr = callStats(ctx, s, "server stats", s.stats.Stats)
		return nil
	})
	_ = g.Wait()

	if indexErr != nil {
		snap.Notes = append(snap.Notes, "failed to retrieve index stats from the search backend")
		snap.Errors = append(snap.Errors, indexErr.Error())
	}
	if aErr != nil {
		snap.Notes = append(snap.Notes, "failed to retrieve server stats from the search backend")
		snap.Errors = append(snap.Errors, aErr.Error())
	}

	switch {
	case index != nil:
		snap.TotalDocuments = index.NumberOfDocuments
		snap.IsIndexing = index.IsIndexing
	case all != nil:
		entry := all.Indexes[s.index]
		snap.TotalDocuments = entry.NumberOfDocuments
		snap.IsIndexing = entry.IsIndexing
	}
	if all != nil {
		size := all.DatabaseSize
		snap.DatabaseSize = &size
		if all.LastUpdate != nil {
			t := all.LastUpdate.UTC()
			snap.LastUpdate = &t
		}
	}
	snap.BackendConnected = index != nil || all != nil
	return snap
}

// callStats runs fn under the per-call timeout and labels its error.
func callStats[T any](ctx context.Context, s *Service, label string, fn func(context.Context) (*T, error)) (res *T, err error) {
	ctx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, fmt.Errorf("%s failed: panic: %v", label, r)
		}
	}()

	res, err = fn(ctx)
	switch {
	case err == nil:
		return res, nil
	case errors.Is(err, context.DeadlineExceeded):
		return nil, fmt.Errorf("%s timeout", label)
	default:
		return nil, fmt.Errorf("%s failed: %w", label, err)
	}
}

func storageFrom(index IndexSnapshot) StorageSnapshot {
	notes := append(append([]string{}, index.Notes...), "media storage is disabled in current architecture")
	return StorageSnapshot{
		TotalBytes: index.DatabaseSize,
		IndexBytes: index.DatabaseSize,
		Notes:      notes,
		Errors:     append([]string(nil), index.Errors...),
	}
}

func (s *Service) progressSnapshot() ProgressSnapshot {
	s.mu.RLock()
	src := s.progress
	s.mu.RUnlock()

	var snap ProgressSnapshot
	if src == nil {
		snap.Notes = append(snap.Notes, "progress registry unavailable")
		return snap
	}
	snap.Dialogs = src.Snapshot()
	for _, p := range snap.Dialogs {
		if p.Status == model.ProgressDownloading {
			snap.ActiveCount++
		}
	}
	return snap
}

func (s *Service) runtimeStatus() model.RuntimeStatus {
	s.mu.RLock()
	src := s.runtime
	s.mu.RUnlock()
	if src == nil {
		return model.RuntimeStatus{State: model.RuntimeStopped}
	}
	return src.Status()
}

func (s *Service) systemFrom(index IndexSnapshot, rt model.RuntimeStatus) SystemSnapshot {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return SystemSnapshot{
		Uptime:           max(s.clock.Now().Sub(s.startedAt), 0),
		BackendConnected: index.BackendConnected,
		RuntimeRunning:   rt.IsRunning,
		IndexedMessages:  index.TotalDocuments,
		MemoryUsageMB:    float64(mem.HeapAlloc) / (1024 * 1024),
		Notes:            append([]string(nil), index.Notes...),
		Errors:           append([]string(nil), index.Errors...),
	}
}

func (s *Service) logSnapshot(source, kind string, started time.Time, notes, errs []string) {
	elapsed := time.Since(started)
	args := []any{
		"trace_id", s.ids.New(),
		"source", source,
		"snapshot_type", kind,
		"duration_ms", elapsed.Milliseconds(),
		"notes", len(notes),
		"errors", len(errs),
	}
	if elapsed > s.slowWarn || len(errs) > 0 {
		s.logger.Warn("observability snapshot", args...)
		return
	}
	s.logger.Info("observability snapshot", args...)
}
