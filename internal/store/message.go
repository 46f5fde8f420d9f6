package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

const messageColumns = `id, community_id, msg_id, temp_id, sender_id, sender_name, body, image, document,
	reply_to_id, reply_snippet, reply_sender, status, edited, from_me, sent_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(r rowScanner) (*Message, error) {
	var m Message
	if err := r.Scan(&m.ID, &m.CommunityID, &m.MsgID, &m.TempID, &m.SenderID, &m.SenderName,
		&m.Body, &m.Image, &m.Document, &m.ReplyToID, &m.ReplySnippet, &m.ReplySender,
		&m.Status, &m.Edited, &m.FromMe, &m.SentAt); err != nil {
		return nil, err
	}
	return &m, nil
}

func collectMessages(rows *sql.Rows) ([]Message, error) {
	defer func() { _ = rows.Close() }()
	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

// ListMessages returns a community's log newest first, using keyset
// pagination by send timestamp.
func (db *DB) ListMessages(communityID string, beforeMs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeMs <= 0 {
		beforeMs = time.Now().Add(24 * time.Hour).UnixMilli()
	}
	rows, err := db.Query(`
		SELECT `+messageColumns+`
		FROM messages
		WHERE community_id = ? AND sent_at < ?
		ORDER BY sent_at DESC, id DESC
		LIMIT ?`, communityID, beforeMs, limit)
	if err != nil {
		return nil, wrap("list messages", err)
	}
	msgs, err := collectMessages(rows)
	return msgs, wrap("list messages", err)
}

// MessageCommunities returns the communities holding a message with the given id.
func (db *DB) MessageCommunities(msgID string) ([]string, error) {
	rows, err := db.Query(`SELECT DISTINCT community_id FROM messages WHERE msg_id = ?`, msgID)
	if err != nil {
		return nil, wrap("find message", err)
	}
	defer func() { _ = rows.Close() }()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, wrap("find message", err)
		}
		ids = append(ids, id)
	}
	return ids, wrap("find message", rows.Err())
}

// MessageCount returns the total number of messages.
func (db *DB) MessageCount() (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&count)
	return count, err
}

// Tx is a write transaction scoped to one community's log. Obtain it via
// DB.WithConversation.
type Tx struct {
	tx          *sql.Tx
	ctx         context.Context
	communityID string
}

// CommunityID returns the community this transaction is scoped to.
func (t *Tx) CommunityID() string { return t.communityID }

// Messages returns the whole log newest first.
func (t *Tx) Messages() ([]Message, error) {
	rows, err := t.tx.QueryContext(t.ctx, `
		SELECT `+messageColumns+`
		FROM messages WHERE community_id = ?
		ORDER BY sent_at DESC, id DESC`, t.communityID)
	if err != nil {
		return nil, wrap("read log", err)
	}
	msgs, err := collectMessages(rows)
	return msgs, wrap("read log", err)
}

// Head returns the most recent message, or nil if the log is empty.
func (t *Tx) Head() (*Message, error) {
	m, err := scanMessage(t.tx.QueryRowContext(t.ctx, `
		SELECT `+messageColumns+`
		FROM messages WHERE community_id = ?
		ORDER BY sent_at DESC, id DESC LIMIT 1`, t.communityID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return m, wrap("read head", err)
}

// Find returns the message with the given msg_id, or nil.
func (t *Tx) Find(msgID string) (*Message, error) {
	m, err := scanMessage(t.tx.QueryRowContext(t.ctx, `
		SELECT `+messageColumns+`
		FROM messages WHERE community_id = ? AND msg_id = ?`, t.communityID, msgID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return m, wrap("find message", err)
}

// FindTemp returns the optimistic entry created for tempID, or nil.
func (t *Tx) FindTemp(tempID string) (*Message, error) {
	if tempID == "" {
		return nil, nil
	}
	m, err := scanMessage(t.tx.QueryRowContext(t.ctx, `
		SELECT `+messageColumns+`
		FROM messages WHERE community_id = ? AND temp_id = ?`, t.communityID, tempID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return m, wrap("find temp", err)
}

// UpsertMessage inserts or replaces a message (idempotent on community_id + msg_id).
func (t *Tx) UpsertMessage(m *Message) error {
	m.CommunityID = t.communityID
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO messages (community_id, msg_id, temp_id, sender_id, sender_name, body, image, document,
			reply_to_id, reply_snippet, reply_sender, status, edited, from_me, sent_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(community_id, msg_id) DO UPDATE SET
			temp_id = excluded.temp_id,
			sender_id = excluded.sender_id,
			sender_name = excluded.sender_name,
			body = excluded.body,
			image = excluded.image,
			document = excluded.document,
			reply_to_id = excluded.reply_to_id,
			reply_snippet = excluded.reply_snippet,
			reply_sender = excluded.reply_sender,
			status = excluded.status,
			edited = excluded.edited,
			from_me = excluded.from_me,
			sent_at = excluded.sent_at`,
		m.CommunityID, m.MsgID, m.TempID, m.SenderID, m.SenderName, m.Body, m.Image, m.Document,
		m.ReplyToID, m.ReplySnippet, m.ReplySender, m.Status, m.Edited, m.FromMe, m.SentAt,
		time.Now().UnixMilli())
	return wrap("upsert message", err)
}

// PromoteTemp replaces the optimistic entry for tempID with the confirmed
// message m. The temporary row is purged even if m's server id already exists.
func (t *Tx) PromoteTemp(tempID string, m *Message) error {
	if _, err := t.tx.ExecContext(t.ctx, `
		DELETE FROM messages WHERE community_id = ? AND (temp_id = ? OR msg_id = ?) AND msg_id != ?`,
		t.communityID, tempID, tempID, m.MsgID); err != nil {
		return wrap("purge temp", err)
	}
	m.TempID = ""
	return t.UpsertMessage(m)
}

// ReplaceLog drops the whole log and writes msgs in its place.
func (t *Tx) ReplaceLog(msgs []Message) error {
	if _, err := t.tx.ExecContext(t.ctx, `DELETE FROM messages WHERE community_id = ?`, t.communityID); err != nil {
		return wrap("clear log", err)
	}
	for i := range msgs {
		if err := t.UpsertMessage(&msgs[i]); err != nil {
			return err
		}
	}
	return nil
}

// DeleteMessage removes a message. Reports whether a row was deleted.
func (t *Tx) DeleteMessage(msgID string) (bool, error) {
	res, err := t.tx.ExecContext(t.ctx, `DELETE FROM messages WHERE community_id = ? AND msg_id = ?`, t.communityID, msgID)
	if err != nil {
		return false, wrap("delete message", err)
	}
	n, err := res.RowsAffected()
	return n > 0, wrap("delete message", err)
}

// EditMessage replaces a message body and marks it edited.
func (t *Tx) EditMessage(msgID, body string) (bool, error) {
	res, err := t.tx.ExecContext(t.ctx, `
		UPDATE messages SET body = ?, edited = 1
		WHERE community_id = ? AND msg_id = ?`, body, t.communityID, msgID)
	if err != nil {
		return false, wrap("edit message", err)
	}
	n, err := res.RowsAffected()
	return n > 0, wrap("edit message", err)
}

// SetMessageStatus updates a message's delivery status.
func (t *Tx) SetMessageStatus(msgID, status string) (bool, error) {
	res, err := t.tx.ExecContext(t.ctx, `
		UPDATE messages SET status = ?
		WHERE community_id = ? AND msg_id = ?`, status, t.communityID, msgID)
	if err != nil {
		return false, wrap("set status", err)
	}
	n, err := res.RowsAffected()
	return n > 0, wrap("set status", err)
}
