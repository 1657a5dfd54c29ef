package configstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"tgsearch/internal/model"
	"tgsearch/internal/tgsearch"
)

const upsertDialogSQL = `
	INSERT INTO dialog_sync_state (dialog_id, sync_state, last_synced_at, updated_at, date_from, latest_msg_id)
	VALUES (?, ?, ?, ?, ?, 0)
	ON CONFLICT(dialog_id) DO UPDATE SET
		latest_msg_id = CASE WHEN dialog_sync_state.sync_state IS NULL THEN 0 ELSE dialog_sync_state.latest_msg_id END,
		sync_state = excluded.sync_state,
		last_synced_at = excluded.last_synced_at,
		updated_at = excluded.updated_at,
		date_from = excluded.date_from`

// UpsertDialogStates creates or updates the given dialog rows and bumps the
// config version. Resume cursors of existing dialogs are preserved. A row
// that only carried a stale cursor (written after the dialog was removed)
// starts over from zero.
func (s *Store) UpsertDialogStates(ctx context.Context, states map[int64]model.DialogSyncState) error {
	if len(states) == 0 {
		return nil
	}
	for id, st := range states {
		if !st.SyncState.Valid() {
			return tgsearch.WrapDomainError(tgsearch.CodeInvalidSyncState, "invalid sync state",
				fmt.Errorf("dialog %d: unknown sync_state %q", id, st.SyncState))
		}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		now := s.clock.Now()
		for id, st := range states {
			if err := upsertDialogTx(ctx, tx, id, st, now); err != nil {
				return err
			}
		}
		return s.bumpVersionTx(ctx, tx)
	})
	if err != nil {
		return err
	}
	s.Invalidate()
	s.logger.Info("dialog states upserted", "count", len(states))
	return nil
}

// DeleteDialogState removes a dialog and its resume cursor. Deleting an
// unknown dialog is not an error. It reports whether a synced dialog was
// removed.
func (s *Store) DeleteDialogState(ctx context.Context, dialogID int64) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var removed bool
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var state sql.NullString
		err := tx.QueryRowContext(ctx, "SELECT sync_state FROM dialog_sync_state WHERE dialog_id = ?", dialogID).Scan(&state)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading dialog %d: %w", dialogID, err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM dialog_sync_state WHERE dialog_id = ?", dialogID); err != nil {
			return fmt.Errorf("deleting dialog %d: %w", dialogID, err)
		}
		if !state.Valid {
			return nil
		}
		removed = true
		return s.bumpVersionTx(ctx, tx)
	})
	if err != nil {
		return false, err
	}
	s.Invalidate()
	if removed {
		s.logger.Info("dialog state deleted", "dialog_id", dialogID)
	}
	return removed, nil
}

// GetLatestMsgID returns the resume cursor for a dialog, or 0 when none
// has been recorded.
func (s *Store) GetLatestMsgID(ctx context.Context, dialogID int64) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, "SELECT latest_msg_id FROM dialog_sync_state WHERE dialog_id = ?", dialogID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading latest message id for dialog %d: %w", dialogID, err)
	}
	return id, nil
}

// SetLatestMsgID records the resume cursor for a dialog. It does not take
// the aggregate write lock and does not bump the version, so it stays
// usable while a section update is in flight. Storage-level locking still
// serialises it with concurrent transactions.
func (s *Store) SetLatestMsgID(ctx context.Context, dialogID, msgID int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dialog_sync_state (dialog_id, sync_state, updated_at, latest_msg_id)
		VALUES (?, NULL, ?, ?)
		ON CONFLICT(dialog_id) DO UPDATE SET latest_msg_id = excluded.latest_msg_id`,
		dialogID, formatTime(s.clock.Now()), msgID)
	if err != nil {
		return fmt.Errorf("writing latest message id for dialog %d: %w", dialogID, err)
	}
	return nil
}

// MarkSynced stamps last_synced_at for a dialog after a completed download.
// A dialog that is no longer synced is left alone.
func (s *Store) MarkSynced(ctx context.Context, dialogID int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE dialog_sync_state SET last_synced_at = ? WHERE dialog_id = ? AND sync_state IS NOT NULL",
		formatTime(at), dialogID)
	if err != nil {
		return fmt.Errorf("marking dialog %d synced: %w", dialogID, err)
	}
	s.Invalidate()
	return nil
}

func upsertDialogTx(ctx context.Context, tx *sql.Tx, id int64, st model.DialogSyncState, now time.Time) error {
	updated := st.UpdatedAt
	if updated.IsZero() {
		updated = now
	}
	_, err := tx.ExecContext(ctx, upsertDialogSQL,
		id, string(st.SyncState), formatTimePtr(st.LastSyncedAt), formatTime(updated), formatTimePtr(st.DateFrom))
	if err != nil {
		return fmt.Errorf("writing dialog %d: %w", id, err)
	}
	return nil
}

// replaceDialogsTx makes the synced dialog set equal to dialogs.
func (s *Store) replaceDialogsTx(ctx context.Context, tx *sql.Tx, dialogs map[int64]model.DialogSyncState) error {
	existing, err := s.loadDialogsTx(ctx, tx)
	if err != nil {
		return err
	}
	for id := range existing {
		if _, ok := dialogs[id]; ok {
			continue
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM dialog_sync_state WHERE dialog_id = ?", id); err != nil {
			return fmt.Errorf("deleting dialog %d: %w", id, err)
		}
	}
	now := s.clock.Now()
	for id, st := range dialogs {
		if err := upsertDialogTx(ctx, tx, id, st, now); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) loadDialogsTx(ctx context.Context, tx *sql.Tx) (map[int64]model.DialogSyncState, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT dialog_id, sync_state, last_synced_at, updated_at, date_from
		FROM dialog_sync_state WHERE sync_state IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("reading dialog states: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]model.DialogSyncState)
	for rows.Next() {
		var (
			id                   int64
			state, updated       string
			lastSynced, dateFrom sql.NullString
		)
		if err := rows.Scan(&id, &state, &lastSynced, &updated, &dateFrom); err != nil {
			return nil, fmt.Errorf("scanning dialog state: %w", err)
		}
		st := model.DialogSyncState{SyncState: model.SyncState(state)}
		if !st.SyncState.Valid() {
			s.logger.Warn("dialog sync state corrupt, treating as paused",
				"code", tgsearch.CodeSchemaCorrupt, "dialog_id", id, "sync_state", state)
			st.SyncState = model.SyncStatePaused
		}
		if t, err := parseTime(updated); err == nil {
			st.UpdatedAt = t
		}
		st.LastSyncedAt = parseNullTime(lastSynced)
		st.DateFrom = parseNullTime(dateFrom)
		out[id] = st
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading dialog states: %w", err)
	}
	return out, nil
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil
	}
	return &t
}
