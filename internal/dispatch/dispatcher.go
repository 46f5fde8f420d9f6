// Package dispatch routes decoded realtime frames to exactly one handler.
package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/matheus3301/campus/internal/frame"
	"go.uber.org/zap"
)

// Reconciler applies chat frames to the local store.
type Reconciler interface {
	ApplyIncomingMessage(ctx context.Context, msg *frame.ChatMessage) error
	ApplyHistorySnapshot(ctx context.Context, communityID string, msgs []frame.ChatMessage) error
	ApplyDelete(ctx context.Context, communityID, msgID string) error
	ApplyEdit(ctx context.Context, communityID, msgID, text string) error
	ApplyStatusUpdate(ctx context.Context, msgID, status string) error
}

// Games receives live trivia frames.
type Games interface {
	QuestionAttempted(q *frame.QuestionAttempted)
	ScoresFinal(a *frame.AllScoresSubmitted)
	Roster(r *frame.Roster)
}

// Dispatcher is the frame handler installed on the connection manager. It
// holds no state of its own.
type Dispatcher struct {
	sync   Reconciler
	games  Games
	logger *zap.Logger
}

// New creates a dispatcher.
func New(sync Reconciler, games Games, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{sync: sync, games: games, logger: logger}
}

// HandleFrame decodes raw and routes it. Malformed and unknown frames are
// logged and dropped; handler errors are logged. It never panics.
func (d *Dispatcher) HandleFrame(ctx context.Context, raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("frame handler panicked", zap.Any("panic", r), zap.ByteString("frame", clip(raw)))
		}
	}()

	f, err := frame.Decode(raw)
	if err != nil {
		var malformed *frame.MalformedError
		switch {
		case errors.As(err, &malformed):
			d.logger.Warn("dropping malformed frame", zap.Error(err), zap.ByteString("frame", clip(raw)))
		case errors.Is(err, frame.ErrUnknownType):
			d.logger.Debug("ignoring unknown frame", zap.Error(err))
		default:
			d.logger.Warn("dropping frame", zap.Error(err))
		}
		return
	}

	if err := d.route(ctx, f); err != nil {
		d.logger.Error("frame handling failed", zap.String("frame_type", f.FrameType()), zap.Error(err))
	}
}

func (d *Dispatcher) route(ctx context.Context, f frame.Inbound) error {
	switch v := f.(type) {
	case *frame.Message:
		return d.sync.ApplyIncomingMessage(ctx, &v.ChatMessage)
	case *frame.History:
		if v.Skipped > 0 {
			d.logger.Warn("history entries without id skipped",
				zap.String("community_id", v.CommunityID.String()), zap.Int("skipped", v.Skipped))
		}
		return d.sync.ApplyHistorySnapshot(ctx, v.CommunityID.String(), v.Messages)
	case *frame.Delete:
		return d.sync.ApplyDelete(ctx, v.CommunityID.String(), v.MessageID.String())
	case *frame.Edit:
		return d.sync.ApplyEdit(ctx, v.CommunityID.String(), v.MessageID.String(), v.NewContent)
	case *frame.StatusUpdate:
		return d.sync.ApplyStatusUpdate(ctx, v.MessageID.String(), v.Status)
	case *frame.QuestionAttempted:
		d.games.QuestionAttempted(v)
	case *frame.AllScoresSubmitted:
		d.games.ScoresFinal(v)
	case *frame.Roster:
		d.games.Roster(v)
	case *frame.AuthError:
		// The connection manager acts on a leading auth_error; a later one is noise.
		d.logger.Warn("unexpected auth_error frame", zap.String("reason", v.Reason))
	default:
		return fmt.Errorf("no route for %T", f)
	}
	return nil
}

func clip(b []byte) []byte {
	if len(b) > 256 {
		return b[:256]
	}
	return b
}
