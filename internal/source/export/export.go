// Package export reads dialog history from Telegram Desktop JSON exports
// and indexes it into the search backend.
package export

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"tgsearch/internal/model"
	"tgsearch/internal/tgsearch"
)

// DefaultBatchSize is the number of messages indexed per batch.
const DefaultBatchSize = 100

// DefaultReactionWeights scores reactions when no weights are configured.
// Reactions missing from the table score zero.
var DefaultReactionWeights = map[string]float64{
	"👍": 1, "❤": 1, "❤️": 1, "🔥": 1.5, "🎉": 1, "😁": 0.5, "👎": -1,
}

// ErrDialogNotExported is returned when a dialog has no export file.
var ErrDialogNotExported = errors.New("dialog not exported")

type Options struct {
	BatchSize       int
	IndexName       string
	ReactionWeights map[string]float64
	Logger          tgsearch.Logger
}

// Source serves dialogs from a directory holding one "<dialog_id>.json"
// file per chat, as written by Telegram Desktop's "Export chat history".
type Source struct {
	dir       string
	indexer   tgsearch.DocumentIndexer
	batchSize int
	index     string
	weights   map[string]float64
	logger    tgsearch.Logger
}

var _ tgsearch.MessageSource = (*Source)(nil)

func New(dir string, indexer tgsearch.DocumentIndexer, opts Options) *Source {
	s := &Source{
		dir:       dir,
		indexer:   indexer,
		batchSize: opts.BatchSize,
		index:     opts.IndexName,
		weights:   opts.ReactionWeights,
		logger:    tgsearch.OrNop(opts.Logger),
	}
	if s.batchSize <= 0 {
		s.batchSize = DefaultBatchSize
	}
	if s.index == "" {
		s.index = model.DefaultIndexName
	}
	if s.weights == nil {
		s.weights = DefaultReactionWeights
	}
	return s
}

type chatFile struct {
	ID       int64         `json:"id"`
	Name     string        `json:"name"`
	Type     string        `json:"type"`
	Username string        `json:"username"`
	Messages []exportedMsg `json:"messages"`
}

type exportedMsg struct {
	ID           int64            `json:"id"`
	Type         string           `json:"type"`
	Date         string           `json:"date"`
	DateUnixtime string           `json:"date_unixtime"`
	From         string           `json:"from"`
	FromID       string           `json:"from_id"`
	Text         json.RawMessage  `json:"text"`
	Reactions    []exportReaction `json:"reactions"`
}

type exportReaction struct {
	Type  string `json:"type"`
	Count int64  `json:"count"`
	Emoji string `json:"emoji"`
}

// ListDialogs returns a peer for every export file in the directory.
func (s *Source) ListDialogs(ctx context.Context) ([]tgsearch.Peer, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("reading export directory: %w", err)
	}
	var peers []tgsearch.Peer
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		id, ok := dialogIDFromName(e.Name())
		if e.IsDir() || !ok {
			continue
		}
		peer, err := s.ResolvePeer(ctx, id)
		if err != nil {
			s.logger.Warn("skipping unreadable export", "file", e.Name(), "error", err)
			continue
		}
		peers = append(peers, peer)
	}
	slices.SortFunc(peers, func(a, b tgsearch.Peer) int { return cmp.Compare(a.ID, b.ID) })
	return peers, nil
}

func (s *Source) ResolvePeer(_ context.Context, dialogID int64) (tgsearch.Peer, error) {
	chat, err := s.readChat(dialogID)
	if err != nil {
		return tgsearch.Peer{}, err
	}
	return chat.peer(dialogID), nil
}

// DownloadHistory indexes messages newer than req.OffsetID in id order.
// The state checker runs before every batch; the resume cursor advances
// after every indexed batch, including messages that carried no text.
func (s *Source) DownloadHistory(ctx context.Context, peer tgsearch.Peer, req tgsearch.HistoryRequest) error {
	chat, err := s.readChat(peer.ID)
	if err != nil {
		return err
	}
	msgs := slices.Clone(chat.Messages)
	slices.SortFunc(msgs, func(a, b exportedMsg) int { return cmp.Compare(a.ID, b.ID) })
	chatDoc := chat.chatDoc(peer.ID)

	var (
		processed int64
		batch     []map[string]any
		lastSeen  int64
	)
	flush := func() error {
		if lastSeen == 0 {
			return nil
		}
		if ok, err := checkState(ctx, req); err != nil || !ok {
			if err != nil {
				return err
			}
			return tgsearch.ErrDownloadPaused
		}
		if len(batch) > 0 {
			if err := s.indexer.AddDocuments(ctx, s.index, batch); err != nil {
				return fmt.Errorf("indexing batch for dialog %d: %w", peer.ID, err)
			}
		}
		if req.LatestMsgIDSetter != nil {
			if err := req.LatestMsgIDSetter(ctx, lastSeen); err != nil {
				return fmt.Errorf("recording resume cursor: %w", err)
			}
		}
		if req.Progress != nil {
			req.Progress(processed)
		}
		s.logger.Debug("export batch indexed", "dialog_id", peer.ID, "documents", len(batch), "last_msg_id", lastSeen)
		batch = nil
		lastSeen = 0
		return nil
	}

	for _, m := range msgs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if m.ID <= req.OffsetID {
			continue
		}
		date, ok := m.date()
		if !ok {
			s.logger.Warn("skipping message without date", "dialog_id", peer.ID, "msg_id", m.ID)
			continue
		}
		if req.OffsetDate != nil && date.Before(*req.OffsetDate) {
			continue
		}

		processed++
		lastSeen = m.ID
		if doc := s.document(chatDoc, peer.ID, m, date); doc != nil {
			batch = append(batch, doc)
		}
		if int(processed)%s.batchSize == 0 {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := flush(); err != nil {
		return err
	}
	if req.Progress != nil {
		req.Progress(processed)
	}
	return nil
}

func checkState(ctx context.Context, req tgsearch.HistoryRequest) (bool, error) {
	if req.StateChecker == nil {
		return true, nil
	}
	return req.StateChecker(ctx)
}

func (s *Source) readChat(dialogID int64) (*chatFile, error) {
	path := filepath.Join(s.dir, strconv.FormatInt(dialogID, 10)+".json")
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %d", ErrDialogNotExported, dialogID)
	}
	if err != nil {
		return nil, fmt.Errorf("reading export %s: %w", path, err)
	}
	var chat chatFile
	if err := json.Unmarshal(data, &chat); err != nil {
		return nil, fmt.Errorf("decoding export %s: %w", path, err)
	}
	return &chat, nil
}

func (c *chatFile) peer(dialogID int64) tgsearch.Peer {
	return tgsearch.Peer{ID: dialogID, Title: c.Name, Type: chatType(c.Type), Username: c.Username}
}

func (c *chatFile) chatDoc(dialogID int64) map[string]any {
	doc := map[string]any{"id": dialogID, "type": chatType(c.Type), "title": c.Name}
	if c.Username != "" {
		doc["username"] = c.Username
	}
	return doc
}

// document converts a message into the indexed shape. Service messages and
// messages without text are not indexed.
func (s *Source) document(chat map[string]any, dialogID int64, m exportedMsg, date time.Time) map[string]any {
	if m.Type != "" && m.Type != "message" {
		return nil
	}
	text := flattenText(m.Text)
	if strings.TrimSpace(text) == "" {
		return nil
	}
	doc := map[string]any{
		"id":       fmt.Sprintf("%d-%d", dialogID, m.ID),
		"chat":     chat,
		"date":     date.UTC().Format(time.RFC3339),
		"text":     text,
		"text_len": len([]rune(text)),
	}
	if m.FromID != "" || m.From != "" {
		sender := map[string]any{"name": m.From}
		if id, ok := senderID(m.FromID); ok {
			sender["id"] = id
		}
		doc["from_user"] = sender
	}
	if len(m.Reactions) > 0 {
		reactions := map[string]any{}
		score := 0.0
		for _, r := range m.Reactions {
			key := r.Emoji
			if key == "" {
				key = r.Type
			}
			reactions[key] = r.Count
			score += float64(r.Count) * s.weights[key]
		}
		doc["reactions"] = reactions
		doc["reactions_scores"] = score
	}
	return doc
}

func (m exportedMsg) date() (time.Time, bool) {
	if sec, err := strconv.ParseInt(m.DateUnixtime, 10, 64); err == nil {
		return time.Unix(sec, 0).UTC(), true
	}
	if t, err := time.Parse("2006-01-02T15:04:05", m.Date); err == nil {
		return t, true
	}
	return time.Time{}, false
}

// flattenText joins the plain and entity forms Telegram Desktop uses for
// message text.
func flattenText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var plain string
	if json.Unmarshal(raw, &plain) == nil {
		return plain
	}
	var parts []json.RawMessage
	if json.Unmarshal(raw, &parts) != nil {
		return ""
	}
	var b strings.Builder
	for _, p := range parts {
		var s string
		if json.Unmarshal(p, &s) == nil {
			b.WriteString(s)
			continue
		}
		var entity struct {
			Text string `json:"text"`
		}
		if json.Unmarshal(p, &entity) == nil {
			b.WriteString(entity.Text)
		}
	}
	return b.String()
}

func chatType(exportType string) string {
	switch exportType {
	case "personal_chat", "bot_chat", "saved_messages":
		return "private"
	case "private_group", "private_supergroup", "public_supergroup":
		return "group"
	case "private_channel", "public_channel":
		return "channel"
	}
	return "unknown"
}

// senderID parses "user123" and "channel456" style identifiers.
func senderID(fromID string) (int64, bool) {
	digits := strings.TrimLeft(fromID, "abcdefghijklmnopqrstuvwxyz")
	id, err := strconv.ParseInt(digits, 10, 64)
	return id, err == nil
}

func dialogIDFromName(name string) (int64, bool) {
	base, ok := strings.CutSuffix(name, ".json")
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(base, 10, 64)
	return id, err == nil
}

