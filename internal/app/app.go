package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"tgsearch/internal/config"
	"tgsearch/internal/configstore"
	"tgsearch/internal/dialogsync"
	"tgsearch/internal/meili"
	"tgsearch/internal/model"
	"tgsearch/internal/observability"
	"tgsearch/internal/policy"
	"tgsearch/internal/progress"
	"tgsearch/internal/runtimectl"
	"tgsearch/internal/scheduler"
	"tgsearch/internal/search"
	"tgsearch/internal/secrets"
	"tgsearch/internal/snapshot"
	"tgsearch/internal/source/export"
	"tgsearch/internal/tgsearch"
)

// SourceCLI tags actions issued from the command line.
const SourceCLI = "cli"

// stopTimeout bounds how long Run waits for the runtime task on shutdown.
const stopTimeout = 30 * time.Second

// indexBackend is a search backend that also accepts documents and
// reports its stats.
type indexBackend interface {
	tgsearch.SearchBackend
	tgsearch.DocumentIndexer
	tgsearch.StatsReader
}

// Options holds values that do not come from the config file.
type Options struct {
	// Passphrase unlocks a protected secrets identity.
	Passphrase string
	// Logger replaces the file and stderr logger, mainly for tests.
	Logger tgsearch.Logger
	Clock  tgsearch.Clock
}

// App is the application layer between the CLI and the services.
// It constructs all dependencies from config, exposes high-level operations,
// and snapshots the config store on Close after a mutating operation.
type App struct {
	cfg      *config.Config
	store    *configstore.Store
	backend  indexBackend
	source   *export.Source
	policy   *policy.Service
	search   *search.Service
	progress *progress.Registry
	sched    *scheduler.Scheduler
	dialogs  *dialogsync.Service
	runtime  *runtimectl.Controller
	obs      *observability.Service
	sink     snapshot.Sink
	op       *Operation
	logger   tgsearch.Logger
	clock    tgsearch.Clock
	logFile  *os.File
}

// New creates a fully wired App from the given config.
// operation identifies the CLI command being run (e.g. "AcceptDialogs", "Search").
// The caller must call Close when done.
func New(ctx context.Context, cfg *config.Config, operation string, opts Options) (*App, error) {
	var clock tgsearch.Clock = tgsearch.RealClock{}
	if opts.Clock != nil {
		clock = opts.Clock
	}
	op := NewOperation(operation, "", clock.Now())

	a := &App{cfg: cfg, op: op, clock: clock, logger: opts.Logger}
	if a.logger == nil {
		level, err := parseLevel(cfg.Logging.Level)
		if err != nil {
			return nil, err
		}
		l, f, err := newLogger(cfg.LogDir, op.ID, level)
		if err != nil {
			return nil, fmt.Errorf("creating logger: %w", err)
		}
		a.logger = &slogAdapter{l: l.With("op", operation)}
		a.logFile = f
	}

	if err := a.wire(ctx, opts); err != nil {
		a.closeResources()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(ctx context.Context, opts Options) error {
	cfg := a.cfg

	sealer, err := secrets.NewSealerFromConfig(cfg.Secrets, opts.Passphrase)
	if err != nil {
		return fmt.Errorf("creating secret sealer: %w", err)
	}

	dbPath, err := databasePath(cfg.Database)
	if err != nil {
		return err
	}
	a.store, err = configstore.Open(dbPath, configstore.Options{
		BusyTimeout: time.Duration(cfg.Database.BusyTimeoutMs) * time.Millisecond,
		CacheTTL:    config.Seconds(cfg.Database.CacheTTLSec, configstore.DefaultCacheTTL),
		Logger:      a.logger,
		Clock:       a.clock,
		Sealer:      sealer,
	})
	if err != nil {
		return fmt.Errorf("opening config store: %w", err)
	}

	a.backend, err = newSearchBackend(cfg.Search, a.logger)
	if err != nil {
		return err
	}

	a.search = search.New(a.backend, search.Options{
		CacheEnabled:        cfg.Search.CacheEnabled,
		CacheTTL:            config.Seconds(cfg.Search.CacheTTLSec, search.DefaultCacheTTL),
		MaxCacheEntries:     cfg.Search.MaxCacheEntries,
		MaxPresentationHits: cfg.Search.MaxPresentationHits,
		CallbackTokenTTL:    config.Seconds(cfg.Search.CallbackTokenTTLSec, search.DefaultCallbackTokenTTL),
		ResultsPerPage:      cfg.Search.ResultsPerPage,
		Logger:              a.logger,
		Clock:               a.clock,
	})

	a.policy = policy.New(a.store, policy.Options{
		BootstrapWhiteList: cfg.Policy.WhiteList,
		BootstrapBlackList: cfg.Policy.BlackList,
		Logger:             a.logger,
	})
	if err := a.policy.EnsureInitialized(ctx); err != nil {
		return fmt.Errorf("initializing policy: %w", err)
	}
	// Cached pages may hold chats the new lists hide.
	a.policy.Subscribe(func(model.Policy) { a.search.ClearCache() })

	a.progress = progress.NewRegistry(a.clock)
	a.sched = scheduler.New(a.store, scheduler.Options{
		PollInterval: config.Seconds(cfg.Runtime.PollIntervalSec, scheduler.DefaultPollInterval),
		Progress:     a.progress,
		Logger:       a.logger,
		Clock:        a.clock,
	})

	dialogOpts := dialogsync.Options{
		Scheduler: a.sched,
		Search:    a.search,
		Indexer:   a.backend,
		IndexName: cfg.Search.Index,
		Logger:    a.logger,
		Clock:     a.clock,
	}
	switch cfg.Source.Type {
	case "export":
		if cfg.Source.ExportDir == "" {
			return fmt.Errorf("export source requires export_dir to be set")
		}
		a.source = export.New(cfg.Source.ExportDir, a.backend, export.Options{
			BatchSize: cfg.Source.BatchSize,
			IndexName: cfg.Search.Index,
			Logger:    a.logger,
		})
		a.sched.SetClient(a.source)
		dialogOpts.Directory = a.source
	case "none", "":
	default:
		return fmt.Errorf("unknown source type: %s", cfg.Source.Type)
	}
	a.dialogs = dialogsync.New(a.store, dialogOpts)

	a.runtime = runtimectl.New(a.runIngestion, runtimectl.Options{
		Cleanup: a.sched.Stop,
		APIOnly: func() bool { return cfg.Runtime.APIOnly },
		Logger:  a.logger,
		IDs:     tgsearch.UUIDGenerator{},
	})

	a.obs = observability.New(a.backend, observability.Options{
		Index:     cfg.Search.Index,
		Progress:  a.progress,
		Runtime:   a.runtime,
		StartedAt: a.op.StartedAt,
		Logger:    a.logger,
		Clock:     a.clock,
	})

	a.sink, err = snapshot.NewSinkFromConfig(ctx, cfg.Snapshot)
	if err != nil {
		return fmt.Errorf("creating snapshot sink: %w", err)
	}
	return nil
}

func databasePath(cfg config.DatabaseConfig) (string, error) {
	switch cfg.Type {
	case "memory":
		return ":memory:", nil
	case "sqlite", "":
		if cfg.DataDir == "" {
			return "", fmt.Errorf("sqlite database requires data_dir to be set")
		}
		if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
			return "", fmt.Errorf("creating data directory: %w", err)
		}
		return filepath.Join(cfg.DataDir, "config.db"), nil
	default:
		return "", fmt.Errorf("unknown database type: %s", cfg.Type)
	}
}

func newSearchBackend(cfg config.SearchConfig, logger tgsearch.Logger) (indexBackend, error) {
	switch cfg.Backend {
	case "memory":
		return meili.NewMemoryBackend(), nil
	case "meilisearch", "":
		return meili.NewClient(meili.ClientOptions{
			BaseURL:    cfg.URL,
			APIKey:     cfg.APIKey,
			HTTPClient: &http.Client{Timeout: config.Seconds(cfg.TimeoutSec, 10*time.Second)},
			Logger:     logger,
		}), nil
	default:
		return nil, fmt.Errorf("unknown search backend: %s", cfg.Backend)
	}
}

// runIngestion is the runtime task: queue every active dialog, then keep the
// scheduler worker alive until cancelled. The runtime cleanup hook stops the
// worker and waits for the in-flight batch.
func (a *App) runIngestion(ctx context.Context) error {
	n, err := a.sched.EnqueueAllActive(ctx)
	if err != nil {
		return fmt.Errorf("enqueueing active dialogs: %w", err)
	}
	a.logger.Info("queued active dialogs", "count", n)

	a.sched.Start()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-a.sched.Done():
		return errors.New("scheduler worker exited")
	}
}

// Operation returns the record of the running CLI operation.
func (a *App) Operation() *Operation { return a.op }

// Config returns the current runtime configuration.
func (a *App) Config(ctx context.Context) (*model.GlobalConfig, error) {
	return a.store.LoadConfig(ctx, true)
}

// UpdateSection applies a single-section patch to the runtime configuration.
func (a *App) UpdateSection(ctx context.Context, patch configstore.SectionPatch) (*model.GlobalConfig, error) {
	a.op.MarkMutating()
	cfg, err := a.store.UpdateSection(ctx, patch)
	return cfg, a.op.Fail(err)
}

// AcceptDialogs adds dialogs to the sync set. Dialogs the policy denies
// are reported as ignored and never stored.
func (a *App) AcceptDialogs(ctx context.Context, ids []int64, state model.SyncState, dateFrom *time.Time) (dialogsync.AcceptResult, error) {
	a.op.MarkMutating()
	a.op.Parameters = joinIDs(ids)

	pol, err := a.policy.GetPolicy(ctx, true)
	if err != nil {
		return dialogsync.AcceptResult{}, a.op.Fail(err)
	}
	var allowed, denied []int64
	for _, id := range ids {
		if pol.Allows(id) {
			allowed = append(allowed, id)
		} else {
			denied = append(denied, id)
		}
	}

	res := dialogsync.AcceptResult{}
	if len(allowed) > 0 {
		res, err = a.dialogs.Accept(ctx, allowed, state, dateFrom)
		if err != nil {
			return dialogsync.AcceptResult{}, a.op.Fail(err)
		}
	}
	res.Ignored = append(res.Ignored, denied...)
	return res, nil
}

// SetDialogState pauses or resumes a synced dialog.
func (a *App) SetDialogState(ctx context.Context, dialogID int64, state model.SyncState) (model.DialogSyncState, error) {
	a.op.MarkMutating()
	a.op.Parameters = fmt.Sprintf("%d %s", dialogID, state)
	st, err := a.dialogs.SetState(ctx, dialogID, state)
	return st, a.op.Fail(err)
}

// RemoveDialog drops a dialog from the sync set, optionally purging its
// indexed messages.
func (a *App) RemoveDialog(ctx context.Context, dialogID int64, purge bool) (dialogsync.RemoveResult, error) {
	a.op.MarkMutating()
	a.op.Parameters = fmt.Sprintf("%d", dialogID)
	res, err := a.dialogs.Remove(ctx, dialogID, purge)
	return res, a.op.Fail(err)
}

// ListDialogs returns the synced dialogs.
func (a *App) ListDialogs(ctx context.Context) ([]dialogsync.SyncedDialog, error) {
	return a.dialogs.List(ctx)
}

// AvailableDialogs lists the dialogs the configured source can download.
func (a *App) AvailableDialogs(ctx context.Context) ([]tgsearch.Peer, error) {
	if a.source == nil {
		return nil, fmt.Errorf("no message source configured")
	}
	return a.source.ListDialogs(ctx)
}

// Policy returns the allow/deny lists.
func (a *App) Policy(ctx context.Context) (model.Policy, error) {
	return a.policy.GetPolicy(ctx, true)
}

// PolicyAction names a list mutation exposed on the CLI.
type PolicyAction string

const (
	PolicyAllow   PolicyAction = "allow"
	PolicyUnallow PolicyAction = "unallow"
	PolicyDeny    PolicyAction = "deny"
	PolicyUndeny  PolicyAction = "undeny"
)

// ChangePolicy applies action to ids.
func (a *App) ChangePolicy(ctx context.Context, action PolicyAction, ids []int64) (model.PolicyChange, error) {
	a.op.MarkMutating()
	a.op.Parameters = string(action) + " " + joinIDs(ids)

	var fn func(context.Context, []int64, string) (model.PolicyChange, error)
	switch action {
	case PolicyAllow:
		fn = a.policy.AddWhitelist
	case PolicyUnallow:
		fn = a.policy.RemoveWhitelist
	case PolicyDeny:
		fn = a.policy.AddBlacklist
	case PolicyUndeny:
		fn = a.policy.RemoveBlacklist
	default:
		return model.PolicyChange{}, a.op.Fail(fmt.Errorf("unknown policy action: %s", action))
	}
	change, err := fn(ctx, ids, SourceCLI)
	return change, a.op.Fail(err)
}

// SearchResult is one presented page plus the tokens to move between pages.
type SearchResult struct {
	Page     *model.SearchPage
	PageNum  int
	PageSize int
	Next     string
	Prev     string
}

// Search returns page of the presentation set for q. A zero pageSize uses
// the configured results per page.
func (a *App) Search(ctx context.Context, q model.SearchQuery, page, pageSize int) (*SearchResult, error) {
	if pageSize == 0 {
		pageSize = a.search.ResultsPerPage()
	}
	if q.IndexName == "" {
		q.IndexName = a.cfg.Search.Index
	}
	p, err := a.search.SearchForPresentation(ctx, q, page, pageSize)
	if err != nil {
		return nil, err
	}

	res := &SearchResult{Page: p, PageNum: page, PageSize: pageSize}
	if int64((page+1)*pageSize) < p.TotalHits {
		if res.Next, err = a.search.EncodePageCallback(q, page+1, pageSize); err != nil {
			return nil, err
		}
	}
	if page > 0 {
		if res.Prev, err = a.search.EncodePageCallback(q, page-1, pageSize); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// SearchToken resumes a search from a page token returned by Search.
func (a *App) SearchToken(ctx context.Context, token string) (*SearchResult, error) {
	q, page, pageSize, err := a.search.DecodePageCallback(token)
	if err != nil {
		return nil, err
	}
	return a.Search(ctx, q, page, pageSize)
}

// Progress returns the download progress of every dialog seen this run.
func (a *App) Progress() []model.ProgressInfo {
	return a.progress.Snapshot()
}

// Run starts the runtime task and blocks until ctx is cancelled or the task
// exits on its own, then stops it.
func (a *App) Run(ctx context.Context) error {
	res, err := a.runtime.Start(ctx, SourceCLI)
	if err != nil {
		return a.op.Fail(err)
	}
	a.logger.Info("runtime start", "status", res.Status)

	select {
	case <-ctx.Done():
	case <-a.runtime.Done():
		st := a.runtime.Status()
		if st.LastError != "" {
			return a.op.Fail(fmt.Errorf("runtime task exited: %s", st.LastError))
		}
		return nil
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if _, err := a.runtime.Stop(stopCtx, SourceCLI); err != nil {
		return a.op.Fail(err)
	}
	return nil
}

// Status reports index, storage, download and runtime health. Backend
// failures show up in the report's notes and errors, never as an error.
func (a *App) Status(ctx context.Context) observability.Report {
	return a.obs.Report(ctx, SourceCLI)
}

// RuntimeStatus reports runtime controller state.
func (a *App) RuntimeStatus() model.RuntimeStatus {
	return a.runtime.Status()
}

// Snapshot copies the config store to the snapshot sink and returns the
// snapshot name.
func (a *App) Snapshot(ctx context.Context) (string, error) {
	cfg, err := a.store.LoadConfig(ctx, true)
	if err != nil {
		return "", fmt.Errorf("loading config for snapshot: %w", err)
	}
	name := fmt.Sprintf("config-v%06d-%s.db", cfg.Version, a.op.ID)

	tmpDir, err := os.MkdirTemp("", "tgsearch-snapshot-*")
	if err != nil {
		return "", fmt.Errorf("creating temp dir for snapshot: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	tmpPath := filepath.Join(tmpDir, "config.db")
	if err := a.store.BackupTo(ctx, tmpPath); err != nil {
		return "", fmt.Errorf("backing up config store: %w", err)
	}

	f, err := os.Open(tmpPath)
	if err != nil {
		return "", fmt.Errorf("opening snapshot for upload: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("stat snapshot: %w", err)
	}
	if err := a.sink.Put(ctx, name, f, info.Size()); err != nil {
		return "", fmt.Errorf("storing snapshot in %s: %w", a.sink.Describe(), err)
	}
	a.logger.Info("config snapshot stored", "name", name, "sink", a.sink.Describe(), "size", info.Size())
	return name, nil
}

// SnapshotSink returns the configured snapshot destination.
func (a *App) SnapshotSink() snapshot.Sink { return a.sink }

// Close finalizes the operation and closes all resources.
// A successful mutating operation is snapshotted before the store closes.
func (a *App) Close() error {
	var firstErr error
	if a.op.NeedsSnapshot() && a.store != nil && a.sink != nil {
		if _, err := a.Snapshot(context.Background()); err != nil {
			firstErr = err
		}
	}
	a.logger.Info("operation finished", "status", a.op.Status, "params", a.op.Parameters)
	if err := a.closeResources(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (a *App) closeResources() error {
	var firstErr error
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			firstErr = fmt.Errorf("closing config store: %w", err)
		}
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
	return firstErr
}

func joinIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("%d", id)
	}
	return strings.Join(parts, ",")
}
