package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/campus/internal/bus"
	"github.com/matheus3301/campus/internal/frame"
	"github.com/matheus3301/campus/internal/store"
)

// Draft is a message the local user wants to send.
type Draft struct {
	CommunityID string
	SenderID    string
	SenderName  string
	Body        string
	Image       string
	Document    string
	ReplyToID   string
}

// ErrEmptyDraft is returned for a draft with neither text nor attachment.
var ErrEmptyDraft = errors.New("outbox: message has no body or attachment")

// Queue writes the optimistic entry for d and queues its send_message frame.
// It returns the temp id as soon as both are persisted; transmission happens
// later in the Sender loop.
func Queue(ctx context.Context, db *store.DB, b *bus.Bus, d Draft) (string, error) {
	if d.CommunityID == "" {
		return "", errors.New("outbox: community id is required")
	}
	if d.Body == "" && d.Image == "" && d.Document == "" {
		return "", ErrEmptyDraft
	}

	tempID := uuid.NewString()
	f := &frame.SendMessage{
		Type:        frame.TypeSendMessage,
		CommunityID: frame.ID(d.CommunityID),
		Message:     d.Body,
		Sender:      d.SenderName,
		SenderID:    frame.ID(d.SenderID),
		TempID:      tempID,
		Image:       d.Image,
		Document:    d.Document,
	}
	if d.ReplyToID != "" {
		reply := frame.ID(d.ReplyToID)
		f.ReplyTo = &reply
	}
	payload, err := frame.Encode(f)
	if err != nil {
		return "", fmt.Errorf("encode send_message: %w", err)
	}

	err = db.WithConversation(ctx, d.CommunityID, func(tx *store.Tx) error {
		m := &store.Message{
			MsgID:      tempID,
			TempID:     tempID,
			SenderID:   d.SenderID,
			SenderName: d.SenderName,
			Body:       d.Body,
			Image:      d.Image,
			Document:   d.Document,
			ReplyToID:  d.ReplyToID,
			Status:     store.StatusPending,
			FromMe:     true,
			SentAt:     time.Now().UnixMilli(),
		}
		if d.ReplyToID != "" {
			target, err := tx.Find(d.ReplyToID)
			if err != nil {
				return err
			}
			if target != nil {
				m.ReplySnippet = target.Body
				m.ReplySender = target.SenderName
			}
		}
		if err := tx.UpsertMessage(m); err != nil {
			return err
		}
		if err := tx.QueueOutbox(tempID, string(payload)); err != nil {
			return err
		}
		_, err := tx.RefreshLastMessage()
		return err
	})
	if err != nil {
		return "", fmt.Errorf("queue message: %w", err)
	}

	b.Emit(bus.KindMessageUpserted, bus.MessageRef{CommunityID: d.CommunityID, MsgID: tempID, TempID: tempID})
	return tempID, nil
}
