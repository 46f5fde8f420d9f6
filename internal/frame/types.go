package frame

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ID is a server identifier. The backend sends ids as JSON numbers for some
// resources and strings for others; both decode into the same value.
type ID string

// UnmarshalJSON accepts a JSON string, number or null.
func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id: %w", err)
	}
	*id = ID(n.String())
	return nil
}

// MarshalJSON writes canonical decimal ids as numbers and everything else,
// including "007" and "+5", as strings so the text round-trips unchanged.
func (id ID) MarshalJSON() ([]byte, error) {
	if n, err := strconv.ParseInt(string(id), 10, 64); err == nil && strconv.FormatInt(n, 10) == string(id) {
		return []byte(id), nil
	}
	return json.Marshal(string(id))
}

func (id ID) String() string { return string(id) }

// Time is a send timestamp in Unix milliseconds.
type Time int64

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// UnmarshalJSON accepts an RFC 3339 string (with or without zone) or epoch milliseconds.
func (t *Time) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*t = 0
		return nil
	}
	if b[0] != '"' {
		var ms int64
		if err := json.Unmarshal(b, &ms); err != nil {
			return fmt.Errorf("time: %w", err)
		}
		*t = Time(ms)
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	s = strings.TrimSpace(s)
	if s == "" {
		*t = 0
		return nil
	}
	for _, layout := range timeLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			*t = Time(parsed.UnixMilli())
			return nil
		}
	}
	return fmt.Errorf("time: unrecognized timestamp %q", s)
}

// MarshalJSON writes RFC 3339 with millisecond precision in UTC.
func (t Time) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.UnixMilli(int64(t)).UTC().Format("2006-01-02T15:04:05.000Z07:00"))
}

// Reply is a reply reference carrying a denormalized snippet of the target.
type Reply struct {
	ID      ID     `json:"id"`
	Message string `json:"message,omitempty"`
	Sender  string `json:"sender,omitempty"`
}

// UnmarshalJSON accepts either a bare id or an object.
func (r *Reply) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '{' {
		type plain Reply
		var p plain
		if err := json.Unmarshal(b, &p); err != nil {
			return err
		}
		*r = Reply(p)
		return nil
	}
	return r.ID.UnmarshalJSON(b)
}

// ChatMessage is the payload shared by message frames and history entries.
type ChatMessage struct {
	ID          ID     `json:"id"`
	CommunityID ID     `json:"community_id"`
	Sender      string `json:"sender"`
	SenderID    ID     `json:"sender_id"`
	Message     string `json:"message"`
	Image       string `json:"image,omitempty"`
	Document    string `json:"document,omitempty"`
	ReplyTo     *Reply `json:"reply_to,omitempty"`
	SentAt      Time   `json:"sent_at"`
	Status      string `json:"status,omitempty"`
	IsEdited    bool   `json:"is_edited,omitempty"`
	TempID      string `json:"temp_id,omitempty"`
}

// Score is one player's total in a trivia game.
type Score struct {
	UserID   ID     `json:"user_id"`
	Username string `json:"username"`
	Score    int    `json:"score"`
}

// Participant is one roster entry of a trivia game.
type Participant struct {
	UserID   ID     `json:"user_id"`
	Username string `json:"username"`
}
