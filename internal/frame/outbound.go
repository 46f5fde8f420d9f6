package frame

import (
	"encoding/json"
	"errors"
)

// Outbound frame type discriminators.
const (
	TypeSendMessage    = "send_message"
	TypeJoinCommunity  = "join_community"
	TypeLeaveCommunity = "leave_community"
	TypeFetchHistory   = "fetch_history"
)

// Outbound is a client-to-server frame.
type Outbound interface {
	FrameType() string
}

// SendMessage submits a chat message. TempID is echoed back in the
// confirming message frame.
type SendMessage struct {
	Type        string `json:"type"`
	CommunityID ID     `json:"community_id"`
	Message     string `json:"message"`
	Sender      string `json:"sender"`
	SenderID    ID     `json:"sender_id"`
	TempID      string `json:"temp_id"`
	ReplyTo     *ID    `json:"reply_to,omitempty"`
	Image       string `json:"image,omitempty"`
	Document    string `json:"document,omitempty"`
}

func (f *SendMessage) FrameType() string { return f.Type }

// Control is a join/leave/fetch_history frame for one community.
type Control struct {
	Type        string `json:"type"`
	CommunityID ID     `json:"community_id"`
}

func (f *Control) FrameType() string { return f.Type }

// Join builds a join_community frame.
func Join(communityID ID) *Control {
	return &Control{Type: TypeJoinCommunity, CommunityID: communityID}
}

// Leave builds a leave_community frame.
func Leave(communityID ID) *Control {
	return &Control{Type: TypeLeaveCommunity, CommunityID: communityID}
}

// FetchHistory asks the server for a history snapshot.
func FetchHistory(communityID ID) *Control {
	return &Control{Type: TypeFetchHistory, CommunityID: communityID}
}

// MessageOp deletes a message, edits it, or updates its status.
type MessageOp struct {
	Type       string `json:"type"`
	MessageID  ID     `json:"message_id"`
	NewContent string `json:"new_content,omitempty"`
	Status     string `json:"status,omitempty"`
}

func (f *MessageOp) FrameType() string { return f.Type }

// DeleteMessage builds a delete_message frame.
func DeleteMessage(msgID ID) *MessageOp {
	return &MessageOp{Type: TypeDeleteMessage, MessageID: msgID}
}

// EditMessage builds an edit_message frame.
func EditMessage(msgID ID, text string) *MessageOp {
	return &MessageOp{Type: TypeEditMessage, MessageID: msgID, NewContent: text}
}

// MarkStatus builds a message_status_update frame (read receipts).
func MarkStatus(msgID ID, status string) *MessageOp {
	return &MessageOp{Type: TypeStatusUpdate, MessageID: msgID, Status: status}
}

// Encode serializes an outbound frame to JSON text.
func Encode(f Outbound) ([]byte, error) {
	if f == nil || f.FrameType() == "" {
		return nil, &EncodeError{Err: errors.New("frame has no type")}
	}
	data, err := json.Marshal(f)
	if err != nil {
		return nil, &EncodeError{Type: f.FrameType(), Err: err}
	}
	return data, nil
}

// EncodeError reports an outbound frame that cannot be serialized. Sending
// the same frame again fails the same way.
type EncodeError struct {
	Type string
	Err  error
}

func (e *EncodeError) Error() string {
	if e.Type == "" {
		return "encode: " + e.Err.Error()
	}
	return "encode " + e.Type + ": " + e.Err.Error()
}

func (e *EncodeError) Unwrap() error { return e.Err }
