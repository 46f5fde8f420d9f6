package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/campus/internal/bus"
	"github.com/matheus3301/campus/internal/frame"
	"github.com/matheus3301/campus/internal/realtime"
	"github.com/matheus3301/campus/internal/status"
	"github.com/matheus3301/campus/internal/store"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Conn is the live connection the sender writes to.
type Conn interface {
	Send(ctx context.Context, f frame.Outbound) error
	State() status.State
}

// Options tunes the sender loop.
type Options struct {
	Interval       time.Duration // poll period
	ConfirmTimeout time.Duration // transmitted but unconfirmed entries fail after this
	Rate           float64       // frames per second
	Batch          int
}

// Sender drains the outbox over the live connection.
type Sender struct {
	db      *store.DB
	conn    Conn
	bus     *bus.Bus
	logger  *zap.Logger
	limiter *rate.Limiter
	opts    Options
	cancel  context.CancelFunc
	done    chan struct{}
}

// SendFailed is the payload for message.send_failed events.
type SendFailed struct {
	bus.MessageRef
	Reason string
}

// NewSender creates a new outbox sender.
func NewSender(db *store.DB, conn Conn, b *bus.Bus, logger *zap.Logger, opts Options) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Interval <= 0 {
		opts.Interval = 500 * time.Millisecond
	}
	if opts.ConfirmTimeout <= 0 {
		opts.ConfirmTimeout = 30 * time.Second
	}
	if opts.Rate <= 0 {
		opts.Rate = 10
	}
	if opts.Batch <= 0 {
		opts.Batch = 50
	}
	return &Sender{
		db:      db,
		conn:    conn,
		bus:     b,
		logger:  logger,
		limiter: rate.NewLimiter(rate.Limit(opts.Rate), 1),
		opts:    opts,
	}
}

// Start requeues entries a previous run left in flight and begins polling.
func (s *Sender) Start(ctx context.Context) {
	if n, err := s.db.RequeueSending(); err != nil {
		s.logger.Error("failed to requeue outbox", zap.Error(err))
	} else if n > 0 {
		s.logger.Info("requeued in-flight outbox entries", zap.Int64("count", n))
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.loop(ctx)
}

// Stop stops the sender loop and waits for it to exit.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Sender) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Flush(ctx)
			s.ExpireUnconfirmed(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Flush transmits queued entries while the connection is open.
func (s *Sender) Flush(ctx context.Context) {
	if s.conn.State() != status.Connected {
		return
	}
	pending, err := s.db.PendingOutbox(s.opts.Batch)
	if err != nil {
		s.logger.Error("failed to read outbox", zap.Error(err))
		return
	}

	for _, entry := range pending {
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}
		claimed, err := s.db.MarkOutboxSending(entry.TempID)
		if err != nil {
			s.logger.Error("failed to mark sending", zap.Error(err), zap.String("temp_id", entry.TempID))
			continue
		}
		if !claimed {
			continue
		}

		var f frame.SendMessage
		if err := json.Unmarshal([]byte(entry.Payload), &f); err != nil {
			s.fail(ctx, entry, fmt.Sprintf("corrupt payload: %v", err))
			continue
		}

		err = s.conn.Send(ctx, &f)
		var connErr *realtime.ConnectionError
		switch {
		case err == nil:
			if err := s.db.MarkOutboxSent(entry.TempID); err != nil {
				s.logger.Error("failed to mark sent", zap.Error(err), zap.String("temp_id", entry.TempID))
			}
			s.logger.Debug("message transmitted",
				zap.String("temp_id", entry.TempID),
				zap.String("community_id", entry.CommunityID))
		case errors.Is(err, realtime.ErrNotConnected), errors.As(err, &connErr), ctx.Err() != nil:
			// Leave it for the next connection.
			if err := s.db.RequeueOutbox(entry.TempID); err != nil {
				s.logger.Error("failed to requeue", zap.Error(err), zap.String("temp_id", entry.TempID))
			}
			return
		default:
			s.logger.Error("failed to send message", zap.Error(err), zap.String("temp_id", entry.TempID))
			s.fail(ctx, entry, err.Error())
		}
	}
}

// ExpireUnconfirmed fails entries the server never echoed back.
func (s *Sender) ExpireUnconfirmed(ctx context.Context) {
	stale, err := s.db.UnconfirmedOutbox(time.Now().Add(-s.opts.ConfirmTimeout))
	if err != nil {
		s.logger.Error("failed to read unconfirmed outbox", zap.Error(err))
		return
	}
	for _, entry := range stale {
		s.fail(ctx, entry, fmt.Sprintf("not confirmed within %s", s.opts.ConfirmTimeout))
	}
}

func (s *Sender) fail(ctx context.Context, entry store.OutboxEntry, reason string) {
	var failed bool
	err := s.db.WithConversation(ctx, entry.CommunityID, func(tx *store.Tx) error {
		var err error
		if failed, err = tx.MarkOutboxFailed(entry.TempID, reason); err != nil || !failed {
			return err
		}
		if _, err := tx.SetMessageStatus(entry.TempID, store.StatusFailed); err != nil {
			return err
		}
		_, err = tx.RefreshLastMessage()
		return err
	})
	if err != nil {
		s.logger.Error("failed to mark outbox failed", zap.Error(err), zap.String("temp_id", entry.TempID))
		return
	}
	if !failed {
		return
	}
	s.logger.Warn("message not sent", zap.String("temp_id", entry.TempID), zap.String("reason", reason))
	s.bus.Emit(bus.KindSendFailed, SendFailed{
		MessageRef: bus.MessageRef{CommunityID: entry.CommunityID, MsgID: entry.TempID, TempID: entry.TempID},
		Reason:     reason,
	})
}
