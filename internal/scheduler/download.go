package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tgsearch/internal/model"
	"tgsearch/internal/tgsearch"
)

// process downloads one dialog. Every outcome is recorded here; nothing
// escapes to the loop, so one dialog never blocks the rest of the queue.
func (s *Scheduler) process(ctx context.Context, dialogID int64) {
	started := time.Now()
	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprintf("panic: %v", r)
			s.logger.Error("dialog download panicked", "dialog_id", dialogID, "error", msg)
			s.progress.Fail(dialogID, msg)
		}
	}()

	st, ok, err := s.dialogState(ctx, dialogID)
	if err != nil {
		s.fail(ctx, dialogID, fmt.Errorf("reading sync state: %w", err))
		return
	}
	if !ok || st.SyncState != model.SyncStateActive {
		s.logger.Info("dialog skipped, not active", "dialog_id", dialogID, "present", ok)
		return
	}

	client := s.currentClient()
	peer, err := client.ResolvePeer(ctx, dialogID)
	if err != nil {
		s.fail(ctx, dialogID, fmt.Errorf("resolving peer: %w", err))
		return
	}

	offsetID, err := s.store.GetLatestMsgID(ctx, dialogID)
	if err != nil {
		s.fail(ctx, dialogID, fmt.Errorf("reading resume offset: %w", err))
		return
	}
	var offsetDate *time.Time
	if offsetID == 0 && st.DateFrom != nil {
		// date_from only bounds the first-ever download.
		t := *st.DateFrom
		offsetDate = &t
	}

	s.logger.Info("dialog download started", "dialog_id", dialogID, "title", peer.Title, "offset_id", offsetID)
	s.progress.Update(dialogID, peer.Title, 0, 0)

	req := tgsearch.HistoryRequest{
		OffsetID:   offsetID,
		OffsetDate: offsetDate,
		Progress: func(current int64) {
			s.progress.Update(dialogID, peer.Title, current, 0)
		},
		StateChecker: func(ctx context.Context) (bool, error) {
			st, ok, err := s.dialogState(ctx, dialogID)
			if err != nil {
				return false, err
			}
			return ok && st.SyncState == model.SyncStateActive, nil
		},
		LatestMsgIDSetter: func(ctx context.Context, msgID int64) error {
			return s.store.SetLatestMsgID(ctx, dialogID, msgID)
		},
	}

	err = client.DownloadHistory(ctx, peer, req)
	switch {
	case err == nil:
		s.progress.Complete(dialogID)
		if err := s.store.MarkSynced(ctx, dialogID, s.clock.Now()); err != nil {
			s.logger.Warn("recording sync time failed", "dialog_id", dialogID, "error", err.Error())
		}
		s.logger.Info("dialog download completed", "dialog_id", dialogID,
			"duration_ms", time.Since(started).Milliseconds())
	case errors.Is(err, tgsearch.ErrDownloadPaused):
		s.logger.Info("dialog download paused", "dialog_id", dialogID)
	default:
		s.fail(ctx, dialogID, err)
	}
}

func (s *Scheduler) fail(ctx context.Context, dialogID int64, err error) {
	if ctx.Err() != nil {
		// Shutdown interrupted the download; it resumes from the cursor.
		s.logger.Info("dialog download interrupted", "dialog_id", dialogID)
		return
	}
	s.logger.Error("dialog download failed", "dialog_id", dialogID, "error", err.Error())
	s.progress.Fail(dialogID, err.Error())
}

func (s *Scheduler) dialogState(ctx context.Context, dialogID int64) (model.DialogSyncState, bool, error) {
	cfg, err := s.store.LoadConfig(ctx, true)
	if err != nil {
		return model.DialogSyncState{}, false, err
	}
	st, ok := cfg.Sync.Dialogs[dialogID]
	return st, ok, nil
}
