// Package dialogsync manages which dialogs are downloaded and indexed.
package dialogsync

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"time"

	"tgsearch/internal/model"
	"tgsearch/internal/tgsearch"
)

// Store is the dialog half of the config store.
type Store interface {
	LoadConfig(ctx context.Context, refresh bool) (*model.GlobalConfig, error)
	UpsertDialogStates(ctx context.Context, states map[int64]model.DialogSyncState) error
	DeleteDialogState(ctx context.Context, dialogID int64) (bool, error)
}

// Enqueuer schedules a dialog for download.
type Enqueuer interface {
	Enqueue(dialogID int64) bool
}

// ChatInvalidator drops cached search results for a chat.
type ChatInvalidator interface {
	InvalidateChat(chatID int64)
}

// Directory lists the dialogs the account can see. When configured,
// Accept reports ids outside it as not found.
type Directory interface {
	ListDialogs(ctx context.Context) ([]tgsearch.Peer, error)
}

// Options configures a Service. Every collaborator is optional.
type Options struct {
	Scheduler Enqueuer
	Search    ChatInvalidator
	Indexer   tgsearch.DocumentIndexer
	Directory Directory
	IndexName string
	Logger    tgsearch.Logger
	Clock     tgsearch.Clock
}

// AcceptResult reports what Accept did with each requested id.
type AcceptResult struct {
	Accepted []int64
	Ignored  []int64
	NotFound []int64
}

// RemoveResult reports the outcome of Remove. A purge failure does not
// undo the removal.
type RemoveResult struct {
	Removed    bool
	Purged     bool
	PurgeError string
}

// SyncedDialog is one entry of List.
type SyncedDialog struct {
	ID int64
	model.DialogSyncState
}

type Service struct {
	store     Store
	scheduler Enqueuer
	search    ChatInvalidator
	indexer   tgsearch.DocumentIndexer
	directory Directory
	index     string
	logger    tgsearch.Logger
	clock     tgsearch.Clock
}

func New(store Store, opts Options) *Service {
	s := &Service{
		store:     store,
		scheduler: opts.Scheduler,
		search:    opts.Search,
		indexer:   opts.Indexer,
		directory: opts.Directory,
		index:     opts.IndexName,
		logger:    tgsearch.OrNop(opts.Logger),
		clock:     opts.Clock,
	}
	if s.index == "" {
		s.index = model.DefaultIndexName
	}
	if s.clock == nil {
		s.clock = tgsearch.RealClock{}
	}
	return s
}

// Accept adds dialogs to the sync set with state. Duplicate ids collapse to
// their first occurrence and dialogs already synced are ignored. dateFrom,
// when set, limits the first download of each accepted dialog. Accepted
// active dialogs are enqueued.
func (s *Service) Accept(ctx context.Context, ids []int64, state model.SyncState, dateFrom *time.Time) (AcceptResult, error) {
	if !state.Valid() {
		return AcceptResult{}, tgsearch.NewDomainError(tgsearch.CodeInvalidSyncState,
			fmt.Sprintf("unknown sync_state %q", state))
	}
	cfg, err := s.store.LoadConfig(ctx, true)
	if err != nil {
		return AcceptResult{}, err
	}
	known, err := s.knownDialogs(ctx)
	if err != nil {
		return AcceptResult{}, err
	}

	res := AcceptResult{Accepted: []int64{}, Ignored: []int64{}, NotFound: []int64{}}
	now := s.clock.Now()
	states := map[int64]model.DialogSyncState{}
	seen := map[int64]struct{}{}
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		if _, synced := cfg.Sync.Dialogs[id]; synced {
			res.Ignored = append(res.Ignored, id)
			continue
		}
		if known != nil {
			if _, ok := known[id]; !ok {
				res.NotFound = append(res.NotFound, id)
				continue
			}
		}
		res.Accepted = append(res.Accepted, id)
		states[id] = model.DialogSyncState{SyncState: state, UpdatedAt: now, DateFrom: dateFrom}
	}

	if len(states) > 0 {
		if err := s.store.UpsertDialogStates(ctx, states); err != nil {
			return AcceptResult{}, err
		}
	}
	if state == model.SyncStateActive {
		for _, id := range res.Accepted {
			s.enqueue(id)
		}
	}
	s.logger.Info("dialogs accepted", "accepted", len(res.Accepted), "ignored", len(res.Ignored),
		"not_found", len(res.NotFound), "sync_state", string(state))
	return res, nil
}

// SetState changes the sync state of a synced dialog. Moving a dialog to
// active enqueues it; pausing stops an in-flight download at its next
// batch boundary.
func (s *Service) SetState(ctx context.Context, dialogID int64, state model.SyncState) (model.DialogSyncState, error) {
	if !state.Valid() {
		return model.DialogSyncState{}, tgsearch.NewDomainError(tgsearch.CodeInvalidSyncState,
			fmt.Sprintf("unknown sync_state %q", state))
	}
	cfg, err := s.store.LoadConfig(ctx, true)
	if err != nil {
		return model.DialogSyncState{}, err
	}
	current, ok := cfg.Sync.Dialogs[dialogID]
	if !ok {
		return model.DialogSyncState{}, notSynced(dialogID)
	}

	next := current
	next.SyncState = state
	next.UpdatedAt = s.clock.Now()
	if err := s.store.UpsertDialogStates(ctx, map[int64]model.DialogSyncState{dialogID: next}); err != nil {
		return model.DialogSyncState{}, err
	}
	if state == model.SyncStateActive {
		s.enqueue(dialogID)
	}
	s.logger.Info("dialog sync state changed", "dialog_id", dialogID,
		"from", string(current.SyncState), "to", string(state))
	return next, nil
}

// Remove drops a dialog from the sync set together with its resume cursor.
// With purge, the dialog's documents are deleted from the search index too.
func (s *Service) Remove(ctx context.Context, dialogID int64, purge bool) (RemoveResult, error) {
	removed, err := s.store.DeleteDialogState(ctx, dialogID)
	if err != nil {
		return RemoveResult{}, err
	}
	if !removed {
		return RemoveResult{}, notSynced(dialogID)
	}
	if s.search != nil {
		s.search.InvalidateChat(dialogID)
	}

	res := RemoveResult{Removed: true}
	if purge && s.indexer != nil {
		filter := fmt.Sprintf("chat.id = %d", dialogID)
		if err := s.indexer.DeleteByFilter(ctx, s.index, filter); err != nil {
			res.PurgeError = err.Error()
			s.logger.Warn("purging dialog documents failed", "dialog_id", dialogID, "error", err)
		} else {
			res.Purged = true
			s.logger.Info("dialog documents purged", "dialog_id", dialogID, "index", s.index)
		}
	}
	s.logger.Info("dialog removed", "dialog_id", dialogID, "purge", purge)
	return res, nil
}

// List returns the synced dialogs ordered by id.
func (s *Service) List(ctx context.Context) ([]SyncedDialog, error) {
	cfg, err := s.store.LoadConfig(ctx, false)
	if err != nil {
		return nil, err
	}
	out := make([]SyncedDialog, 0, len(cfg.Sync.Dialogs))
	for _, id := range slices.Sorted(maps.Keys(cfg.Sync.Dialogs)) {
		out = append(out, SyncedDialog{ID: id, DialogSyncState: cfg.Sync.Dialogs[id]})
	}
	return out, nil
}

func (s *Service) knownDialogs(ctx context.Context) (map[int64]struct{}, error) {
	if s.directory == nil {
		return nil, nil
	}
	peers, err := s.directory.ListDialogs(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing available dialogs: %w", err)
	}
	known := make(map[int64]struct{}, len(peers))
	for _, p := range peers {
		known[p.ID] = struct{}{}
	}
	return known, nil
}

func (s *Service) enqueue(id int64) {
	if s.scheduler == nil {
		return
	}
	if !s.scheduler.Enqueue(id) {
		s.logger.Debug("dialog already queued", "dialog_id", id)
	}
}

func notSynced(dialogID int64) error {
	return tgsearch.WrapDomainError(tgsearch.CodeDialogNotSynced, "dialog is not in the sync list",
		fmt.Errorf("dialog %d", dialogID))
}
