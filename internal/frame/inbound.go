package frame

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Inbound frame type discriminators.
const (
	TypeMessage            = "message"
	TypeHistory            = "history"
	TypeMessageDelete      = "message_delete"
	TypeDeleteMessage      = "delete_message"
	TypeMessageEdit        = "message_edit"
	TypeEditMessage        = "edit_message"
	TypeStatusUpdate       = "message_status_update"
	TypeQuestionAttempted  = "question.attempted"
	TypeAllScoresSubmitted = "all_scores_submitted"
	TypeRosterUpdate       = "roster_update"
	TypeAuthError          = "auth_error"
)

// ErrUnknownType is returned by Decode for a well-formed frame whose type is
// not understood by this client.
var ErrUnknownType = errors.New("unknown frame type")

// MalformedError reports a frame that is not valid JSON or lacks required fields.
type MalformedError struct {
	Reason string
	Err    error
}

func (e *MalformedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed frame: %s: %v", e.Reason, e.Err)
	}
	return "malformed frame: " + e.Reason
}

func (e *MalformedError) Unwrap() error { return e.Err }

// Inbound is a decoded server-to-client frame. The concrete type is one of
// *Message, *History, *Delete, *Edit, *StatusUpdate, *QuestionAttempted,
// *AllScoresSubmitted, *Roster or *AuthError.
type Inbound interface {
	FrameType() string
	validate() error
}

// Message is a new or confirmed chat message.
type Message struct {
	ChatMessage
}

func (*Message) FrameType() string { return TypeMessage }

func (m *Message) validate() error {
	if m.CommunityID == "" {
		return errors.New("message: missing community_id")
	}
	if m.ID == "" && m.TempID == "" {
		return errors.New("message: missing id")
	}
	return nil
}

// History is a full snapshot of one community's log. Entries without an id
// are dropped during decoding and counted in Skipped.
type History struct {
	CommunityID ID            `json:"community_id"`
	Messages    []ChatMessage `json:"messages"`
	Skipped     int           `json:"-"`
}

func (*History) FrameType() string { return TypeHistory }

func (h *History) validate() error {
	if h.CommunityID == "" {
		return errors.New("history: missing community_id")
	}
	kept := h.Messages[:0]
	for _, m := range h.Messages {
		if m.ID == "" {
			h.Skipped++
			continue
		}
		if m.CommunityID == "" {
			m.CommunityID = h.CommunityID
		}
		kept = append(kept, m)
	}
	h.Messages = kept
	return nil
}

// Delete removes a message.
type Delete struct {
	MessageID   ID `json:"message_id"`
	CommunityID ID `json:"community_id,omitempty"`
}

func (*Delete) FrameType() string { return TypeMessageDelete }

func (d *Delete) validate() error {
	if d.MessageID == "" {
		return errors.New("delete: missing message_id")
	}
	return nil
}

// Edit replaces a message's body.
type Edit struct {
	MessageID   ID     `json:"message_id"`
	CommunityID ID     `json:"community_id,omitempty"`
	NewContent  string `json:"new_content"`
}

func (*Edit) FrameType() string { return TypeMessageEdit }

func (e *Edit) validate() error {
	if e.MessageID == "" {
		return errors.New("edit: missing message_id")
	}
	return nil
}

// StatusUpdate changes a message's delivery status.
type StatusUpdate struct {
	MessageID ID     `json:"message_id"`
	Status    string `json:"status"`
}

func (*StatusUpdate) FrameType() string { return TypeStatusUpdate }

func (s *StatusUpdate) validate() error {
	if s.MessageID == "" {
		return errors.New("status update: missing message_id")
	}
	if s.Status == "" {
		return errors.New("status update: missing status")
	}
	return nil
}

// QuestionAttempted reports that a player answered a trivia question.
type QuestionAttempted struct {
	GameID     ID     `json:"game_id"`
	QuestionID ID     `json:"question_id"`
	UserID     ID     `json:"user_id"`
	Username   string `json:"username"`
	IsCorrect  bool   `json:"is_correct"`
	Score      int    `json:"score"`
}

func (*QuestionAttempted) FrameType() string { return TypeQuestionAttempted }

func (q *QuestionAttempted) validate() error {
	if q.GameID == "" || q.UserID == "" {
		return errors.New("question attempted: missing game_id or user_id")
	}
	return nil
}

// AllScoresSubmitted carries the final scoreboard of a trivia game.
type AllScoresSubmitted struct {
	GameID ID      `json:"game_id"`
	Scores []Score `json:"scores"`
}

func (*AllScoresSubmitted) FrameType() string { return TypeAllScoresSubmitted }

func (a *AllScoresSubmitted) validate() error {
	if a.GameID == "" {
		return errors.New("all scores submitted: missing game_id")
	}
	return nil
}

// Roster replaces the participant list of a trivia game.
type Roster struct {
	GameID       ID            `json:"game_id"`
	Participants []Participant `json:"participants"`
}

func (*Roster) FrameType() string { return TypeRosterUpdate }

func (r *Roster) validate() error {
	if r.GameID == "" {
		return errors.New("roster: missing game_id")
	}
	return nil
}

// AuthError is sent by the server instead of traffic when the token is rejected.
type AuthError struct {
	Reason string `json:"reason"`
}

func (*AuthError) FrameType() string { return TypeAuthError }

func (*AuthError) validate() error { return nil }

var inboundTypes = map[string]func() Inbound{
	TypeMessage:            func() Inbound { return &Message{} },
	TypeHistory:            func() Inbound { return &History{} },
	TypeMessageDelete:      func() Inbound { return &Delete{} },
	TypeDeleteMessage:      func() Inbound { return &Delete{} },
	TypeMessageEdit:        func() Inbound { return &Edit{} },
	TypeEditMessage:        func() Inbound { return &Edit{} },
	TypeStatusUpdate:       func() Inbound { return &StatusUpdate{} },
	TypeQuestionAttempted:  func() Inbound { return &QuestionAttempted{} },
	TypeAllScoresSubmitted: func() Inbound { return &AllScoresSubmitted{} },
	TypeRosterUpdate:       func() Inbound { return &Roster{} },
	TypeAuthError:          func() Inbound { return &AuthError{} },
}

// Decode parses a raw text frame into its typed variant.
func Decode(data []byte) (Inbound, error) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &MalformedError{Reason: "invalid json", Err: err}
	}
	if env.Type == "" {
		return nil, &MalformedError{Reason: "missing type"}
	}
	ctor, ok := inboundTypes[env.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	v := ctor()
	if err := json.Unmarshal(data, v); err != nil {
		return nil, &MalformedError{Reason: env.Type, Err: err}
	}
	if err := v.validate(); err != nil {
		return nil, &MalformedError{Reason: env.Type, Err: err}
	}
	return v, nil
}
