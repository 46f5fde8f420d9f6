package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/matheus3301/campus/internal/bus"
	"github.com/matheus3301/campus/internal/frame"
	"github.com/matheus3301/campus/internal/realtime"
	"github.com/matheus3301/campus/internal/store"
	"go.uber.org/zap"
)

// Sender transmits frames over the live connection.
type Sender interface {
	Send(ctx context.Context, f frame.Outbound) error
}

// Engine reconciles server frames with the local log. All writes to one
// community go through store.DB.WithConversation.
type Engine struct {
	db         *store.DB
	bus        *bus.Bus
	sender     Sender
	reconciler *Reconciler
	selfID     string
	logger     *zap.Logger
}

// NewEngine creates a new sync engine. selfID identifies the local user;
// messages from anyone else are marked read on arrival.
func NewEngine(db *store.DB, b *bus.Bus, sender Sender, selfID string, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		db:         db,
		bus:        b,
		sender:     sender,
		reconciler: NewReconciler(db, logger),
		selfID:     selfID,
		logger:     logger,
	}
}

// Reconciler exposes the checkpoint store.
func (e *Engine) Reconciler() *Reconciler { return e.reconciler }

// ApplyIncomingMessage merges one confirmed message into its community's log.
// A row with the same server id is replaced; otherwise the optimistic row
// whose temp id is echoed is promoted; otherwise the message is inserted.
func (e *Engine) ApplyIncomingMessage(ctx context.Context, msg *frame.ChatMessage) error {
	communityID := msg.CommunityID.String()
	m := e.toStore(msg)

	var promoted, receipt bool
	err := e.db.WithConversation(ctx, communityID, func(tx *store.Tx) error {
		existing, err := tx.Find(m.MsgID)
		if err != nil {
			return err
		}
		var temp *store.Message
		if existing != nil && existing.FromMe {
			m.FromMe = true
		}
		if msg.TempID != "" && msg.TempID != m.MsgID {
			if temp, err = tx.FindTemp(msg.TempID); err != nil {
				return err
			}
		}
		if temp != nil {
			m.FromMe = true
			if m.ReplyToID == "" {
				m.ReplyToID, m.ReplySnippet, m.ReplySender = temp.ReplyToID, temp.ReplySnippet, temp.ReplySender
			}
		}
		if err := e.fillReply(tx, m); err != nil {
			return err
		}

		switch {
		case m.TempID == m.MsgID:
			// No server id yet; keep the entry optimistic.
			m.Status = store.StatusPending
			m.FromMe = true
		case m.FromMe:
			m.Status = store.StatusSent
			if msg.Status == store.StatusRead || (existing != nil && existing.Status == store.StatusRead) {
				m.Status = store.StatusRead
			}
		default:
			m.Status = store.StatusRead
			receipt = existing == nil || existing.Status != store.StatusRead
		}

		if temp != nil {
			promoted = true
			if err := tx.PromoteTemp(msg.TempID, m); err != nil {
				return err
			}
		} else {
			if m.TempID != m.MsgID {
				m.TempID = ""
			}
			if err := tx.UpsertMessage(m); err != nil {
				return err
			}
		}
		if msg.TempID != "" && msg.TempID != m.MsgID {
			if _, err := tx.MarkOutboxConfirmed(msg.TempID, m.MsgID); err != nil {
				return err
			}
		}
		_, err = tx.RefreshLastMessage()
		return err
	})
	if err != nil {
		return fmt.Errorf("apply message %s: %w", m.MsgID, err)
	}

	ref := bus.MessageRef{CommunityID: communityID, MsgID: m.MsgID, TempID: msg.TempID}
	e.bus.Emit(bus.KindMessageUpserted, ref)
	if promoted {
		e.bus.Emit(bus.KindSendAck, ref)
	}
	if !m.FromMe {
		if receipt {
			e.sendReceipt(ctx, m.MsgID)
		}
		e.bus.Emit(bus.KindScrollToLatest, communityID)
	}
	return nil
}

// fillReply denormalizes the reply snippet from the log when the frame only
// carried the target id.
func (e *Engine) fillReply(tx *store.Tx, m *store.Message) error {
	if m.ReplyToID == "" || m.ReplySnippet != "" {
		return nil
	}
	target, err := tx.Find(m.ReplyToID)
	if err != nil || target == nil {
		return err
	}
	m.ReplySnippet = truncate(target.Body, 100)
	m.ReplySender = target.SenderName
	return nil
}

func (e *Engine) sendReceipt(ctx context.Context, msgID string) {
	if e.sender == nil {
		return
	}
	err := e.sender.Send(ctx, frame.MarkStatus(frame.ID(msgID), store.StatusRead))
	switch {
	case err == nil:
	case errors.Is(err, realtime.ErrNotConnected):
		e.logger.Debug("read receipt dropped, not connected", zap.String("msg_id", msgID))
	default:
		e.logger.Warn("read receipt failed", zap.String("msg_id", msgID), zap.Error(err))
	}
}

// ApplyHistorySnapshot replaces the whole log of communityID with msgs.
// Optimistic entries still waiting for confirmation survive; applying the
// same snapshot twice yields the same log.
func (e *Engine) ApplyHistorySnapshot(ctx context.Context, communityID string, msgs []frame.ChatMessage) error {
	var kept int
	err := e.db.WithConversation(ctx, communityID, func(tx *store.Tx) error {
		current, err := tx.Messages()
		if err != nil {
			return err
		}
		byID := make(map[string]store.Message, len(current))
		for _, m := range current {
			byID[m.MsgID] = m
		}

		seen := make(map[string]bool, len(msgs))
		echoed := make(map[string]string)
		next := make([]store.Message, 0, len(msgs))
		for i := range msgs {
			m := e.toStore(&msgs[i])
			if m.MsgID == "" || seen[m.MsgID] {
				continue
			}
			seen[m.MsgID] = true
			if m.TempID != "" && m.TempID != m.MsgID {
				echoed[m.TempID] = m.MsgID
				m.FromMe = true
			}
			m.TempID = ""
			m.Status = snapshotStatus(msgs[i].Status)
			if prev, ok := byID[m.MsgID]; ok && prev.Status == store.StatusRead {
				m.Status = store.StatusRead
			}
			next = append(next, *m)
		}

		for _, m := range current {
			if m.TempID == "" || seen[m.MsgID] {
				continue
			}
			if serverID, ok := echoed[m.TempID]; ok {
				if _, err := tx.MarkOutboxConfirmed(m.TempID, serverID); err != nil {
					return err
				}
				continue
			}
			next = append(next, m)
			kept++
		}

		// Insert oldest first so row ids follow send order.
		sort.SliceStable(next, func(i, j int) bool { return next[i].SentAt < next[j].SentAt })
		for i := range next {
			fillReplyFrom(next, &next[i])
		}
		if err := tx.ReplaceLog(next); err != nil {
			return err
		}
		_, err = tx.RefreshLastMessage()
		return err
	})
	if err != nil {
		return fmt.Errorf("apply history %s: %w", communityID, err)
	}

	if err := e.reconciler.MarkHistory(communityID, time.Now()); err != nil {
		e.logger.Warn("history checkpoint", zap.String("community_id", communityID), zap.Error(err))
	}
	e.logger.Info("history applied",
		zap.String("community_id", communityID),
		zap.Int("messages", len(msgs)),
		zap.Int("pending_kept", kept))
	e.bus.Emit(bus.KindHistoryReplaced, HistoryReplaced{CommunityID: communityID, Count: len(msgs)})
	return nil
}

func fillReplyFrom(log []store.Message, m *store.Message) {
	if m.ReplyToID == "" || m.ReplySnippet != "" {
		return
	}
	for _, target := range log {
		if target.MsgID == m.ReplyToID {
			m.ReplySnippet = truncate(target.Body, 100)
			m.ReplySender = target.SenderName
			return
		}
	}
}

// HistoryReplaced is the payload for history.replaced events.
type HistoryReplaced struct {
	CommunityID string
	Count       int
}

func snapshotStatus(s string) string {
	switch s {
	case store.StatusRead, store.StatusSent:
		return s
	}
	return store.StatusSent
}

// ApplyDelete removes msgID. When communityID is empty every community holding
// the id is affected. Deleting an absent message is a no-op.
func (e *Engine) ApplyDelete(ctx context.Context, communityID, msgID string) error {
	communities, err := e.resolve(communityID, msgID)
	if err != nil {
		return err
	}
	for _, c := range communities {
		var deleted bool
		err := e.db.WithConversation(ctx, c, func(tx *store.Tx) error {
			var err error
			if deleted, err = tx.DeleteMessage(msgID); err != nil || !deleted {
				return err
			}
			return refreshIfHead(tx, msgID)
		})
		if err != nil {
			return fmt.Errorf("apply delete %s: %w", msgID, err)
		}
		if deleted {
			e.bus.Emit(bus.KindMessageDeleted, bus.MessageRef{CommunityID: c, MsgID: msgID})
		}
	}
	return nil
}

// ApplyEdit replaces the body of msgID and flags it edited. The projection
// mirrors the new text if msgID is the head; its status is left alone.
func (e *Engine) ApplyEdit(ctx context.Context, communityID, msgID, text string) error {
	communities, err := e.resolve(communityID, msgID)
	if err != nil {
		return err
	}
	for _, c := range communities {
		var edited bool
		err := e.db.WithConversation(ctx, c, func(tx *store.Tx) error {
			var err error
			if edited, err = tx.EditMessage(msgID, text); err != nil || !edited {
				return err
			}
			_, err = tx.UpdateLastMessageBody(msgID, text)
			return err
		})
		if err != nil {
			return fmt.Errorf("apply edit %s: %w", msgID, err)
		}
		if edited {
			e.bus.Emit(bus.KindMessageEdited, bus.MessageRef{CommunityID: c, MsgID: msgID})
		}
	}
	return nil
}

// ApplyStatusUpdate sets the delivery status of msgID.
func (e *Engine) ApplyStatusUpdate(ctx context.Context, msgID, status string) error {
	if !validStatus(status) {
		return fmt.Errorf("apply status %s: %w: %q", msgID, ErrUnknownStatus, status)
	}
	communities, err := e.resolve("", msgID)
	if err != nil {
		return err
	}
	for _, c := range communities {
		var changed bool
		err := e.db.WithConversation(ctx, c, func(tx *store.Tx) error {
			cur, err := tx.Find(msgID)
			if err != nil || cur == nil {
				return err
			}
			if cur.Status == store.StatusRead && status != store.StatusRead {
				e.logger.Debug("ignoring status downgrade", zap.String("msg_id", msgID), zap.String("status", status))
				return nil
			}
			if changed, err = tx.SetMessageStatus(msgID, status); err != nil || !changed {
				return err
			}
			return refreshIfHead(tx, msgID)
		})
		if err != nil {
			return fmt.Errorf("apply status %s: %w", msgID, err)
		}
		if changed {
			e.bus.Emit(bus.KindMessageStatus, StatusChanged{
				MessageRef: bus.MessageRef{CommunityID: c, MsgID: msgID},
				Status:     status,
			})
		}
	}
	return nil
}

// ErrUnknownStatus is returned for a status update outside pending, sent,
// read and failed.
var ErrUnknownStatus = errors.New("unknown message status")

func validStatus(s string) bool {
	switch s {
	case store.StatusPending, store.StatusSent, store.StatusRead, store.StatusFailed:
		return true
	}
	return false
}

// StatusChanged is the payload for message.status_changed events.
type StatusChanged struct {
	bus.MessageRef
	Status string
}

func (e *Engine) resolve(communityID, msgID string) ([]string, error) {
	if communityID != "" {
		return []string{communityID}, nil
	}
	ids, err := e.db.MessageCommunities(msgID)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		e.logger.Debug("message not in local log", zap.String("msg_id", msgID))
	}
	return ids, nil
}

// refreshIfHead recomputes the projection when it pointed at msgID.
func refreshIfHead(tx *store.Tx, msgID string) error {
	lm, err := tx.LastMessage()
	if err != nil {
		return err
	}
	if lm != nil && lm.MsgID != msgID {
		return nil
	}
	_, err = tx.RefreshLastMessage()
	return err
}

func (e *Engine) toStore(msg *frame.ChatMessage) *store.Message {
	m := &store.Message{
		CommunityID: msg.CommunityID.String(),
		MsgID:       msg.ID.String(),
		TempID:      msg.TempID,
		SenderID:    msg.SenderID.String(),
		SenderName:  msg.Sender,
		Body:        msg.Message,
		Image:       msg.Image,
		Document:    msg.Document,
		Edited:      msg.IsEdited,
		SentAt:      int64(msg.SentAt),
	}
	if m.MsgID == "" {
		m.MsgID = msg.TempID
	}
	if m.SentAt == 0 {
		m.SentAt = time.Now().UnixMilli()
	}
	if e.selfID != "" && m.SenderID == e.selfID {
		m.FromMe = true
	}
	if msg.ReplyTo != nil {
		m.ReplyToID = msg.ReplyTo.ID.String()
		m.ReplySnippet = truncate(msg.ReplyTo.Message, 100)
		m.ReplySender = msg.ReplyTo.Sender
	}
	return m
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen])
}
