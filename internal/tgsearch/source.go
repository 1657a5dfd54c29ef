package tgsearch

import (
	"context"
	"time"
)

// Peer is a resolved Telegram conversation.
type Peer struct {
	ID       int64
	Title    string
	Type     string
	Username string
}

// HistoryRequest carries the resume point and the callbacks a download
// primitive must honour.
type HistoryRequest struct {
	// OffsetID is the id of the latest message already indexed; 0 means
	// the dialog was never downloaded.
	OffsetID int64

	// OffsetDate, when set, skips messages older than it.
	OffsetDate *time.Time

	// Progress receives a monotonically increasing count of processed messages.
	Progress func(current int64)

	// StateChecker is called around each batch. When it returns false the
	// download must stop and return ErrDownloadPaused.
	StateChecker func(ctx context.Context) (bool, error)

	// LatestMsgIDSetter is called after each successfully persisted batch
	// with the id of the last message in it.
	LatestMsgIDSetter func(ctx context.Context, msgID int64) error
}

// MessageSource is the client the download scheduler pulls history from.
type MessageSource interface {
	// ResolvePeer looks up the conversation for a dialog id.
	ResolvePeer(ctx context.Context, dialogID int64) (Peer, error)

	// DownloadHistory indexes the history of peer starting after req.OffsetID.
	DownloadHistory(ctx context.Context, peer Peer, req HistoryRequest) error
}
