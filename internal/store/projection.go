package store

import (
	"database/sql"
	"errors"
	"time"
)

const lastMessageColumns = `community_id, msg_id, sender_id, sender_name, body, image, document, status, edited, sent_at`

func scanLastMessage(r rowScanner) (*LastMessage, error) {
	var lm LastMessage
	if err := r.Scan(&lm.CommunityID, &lm.MsgID, &lm.SenderID, &lm.SenderName, &lm.Body,
		&lm.Image, &lm.Document, &lm.Status, &lm.Edited, &lm.SentAt); err != nil {
		return nil, err
	}
	return &lm, nil
}

// GetLastMessage returns the projection for a community, or nil.
func (db *DB) GetLastMessage(communityID string) (*LastMessage, error) {
	lm, err := scanLastMessage(db.QueryRow(`
		SELECT `+lastMessageColumns+` FROM last_messages WHERE community_id = ?`, communityID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return lm, wrap("get last message", err)
}

// ListLastMessages returns every projection, most recent conversation first.
func (db *DB) ListLastMessages() ([]LastMessage, error) {
	rows, err := db.Query(`SELECT ` + lastMessageColumns + ` FROM last_messages ORDER BY sent_at DESC`)
	if err != nil {
		return nil, wrap("list last messages", err)
	}
	defer func() { _ = rows.Close() }()
	var out []LastMessage
	for rows.Next() {
		lm, err := scanLastMessage(rows)
		if err != nil {
			return nil, wrap("list last messages", err)
		}
		out = append(out, *lm)
	}
	return out, wrap("list last messages", rows.Err())
}

// LastMessage returns the projection as seen inside the transaction, or nil.
func (t *Tx) LastMessage() (*LastMessage, error) {
	lm, err := scanLastMessage(t.tx.QueryRowContext(t.ctx, `
		SELECT `+lastMessageColumns+` FROM last_messages WHERE community_id = ?`, t.communityID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return lm, wrap("get last message", err)
}

// RefreshLastMessage recomputes the projection from the current log head,
// clearing it when the log is empty. Returns the new projection or nil.
func (t *Tx) RefreshLastMessage() (*LastMessage, error) {
	head, err := t.Head()
	if err != nil {
		return nil, err
	}
	if head == nil {
		_, err := t.tx.ExecContext(t.ctx, `DELETE FROM last_messages WHERE community_id = ?`, t.communityID)
		return nil, wrap("clear last message", err)
	}
	lm := &LastMessage{
		CommunityID: t.communityID,
		MsgID:       head.MsgID,
		SenderID:    head.SenderID,
		SenderName:  head.SenderName,
		Body:        head.Body,
		Image:       head.Image,
		Document:    head.Document,
		Status:      head.Status,
		Edited:      head.Edited,
		SentAt:      head.SentAt,
	}
	_, err = t.tx.ExecContext(t.ctx, `
		INSERT INTO last_messages (`+lastMessageColumns+`, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(community_id) DO UPDATE SET
			msg_id = excluded.msg_id,
			sender_id = excluded.sender_id,
			sender_name = excluded.sender_name,
			body = excluded.body,
			image = excluded.image,
			document = excluded.document,
			status = excluded.status,
			edited = excluded.edited,
			sent_at = excluded.sent_at,
			updated_at = excluded.updated_at`,
		lm.CommunityID, lm.MsgID, lm.SenderID, lm.SenderName, lm.Body, lm.Image, lm.Document,
		lm.Status, lm.Edited, lm.SentAt, time.Now().UnixMilli())
	if err != nil {
		return nil, wrap("write last message", err)
	}
	return lm, nil
}

// UpdateLastMessageBody rewrites the mirrored text of the projection if it
// still points at msgID. The mirrored status is left untouched.
func (t *Tx) UpdateLastMessageBody(msgID, body string) (bool, error) {
	res, err := t.tx.ExecContext(t.ctx, `
		UPDATE last_messages SET body = ?, edited = 1, updated_at = ?
		WHERE community_id = ? AND msg_id = ?`, body, time.Now().UnixMilli(), t.communityID, msgID)
	if err != nil {
		return false, wrap("update last message", err)
	}
	n, err := res.RowsAffected()
	return n > 0, wrap("update last message", err)
}
