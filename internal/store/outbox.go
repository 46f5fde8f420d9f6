package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

const outboxColumns = `id, temp_id, community_id, payload, status, error_message, server_msg_id, attempts, created_at, sent_at`

func scanOutbox(r rowScanner) (*OutboxEntry, error) {
	var e OutboxEntry
	if err := r.Scan(&e.ID, &e.TempID, &e.CommunityID, &e.Payload, &e.Status, &e.ErrorMessage,
		&e.ServerMsgID, &e.Attempts, &e.CreatedAt, &e.SentAt); err != nil {
		return nil, err
	}
	return &e, nil
}

func (db *DB) listOutbox(op, query string, args ...any) ([]OutboxEntry, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, wrap(op, err)
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		e, err := scanOutbox(rows)
		if err != nil {
			return nil, wrap(op, err)
		}
		entries = append(entries, *e)
	}
	return entries, wrap(op, rows.Err())
}

// QueueOutbox adds a serialized send_message frame to the outbox. It runs in
// the same transaction as the optimistic log entry.
func (t *Tx) QueueOutbox(tempID, payload string) error {
	now := time.Now().UnixMilli()
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO outbox (temp_id, community_id, payload, status, created_at, updated_at)
		VALUES (?, ?, ?, 'queued', ?, ?)`,
		tempID, t.communityID, payload, now, now)
	return wrap("queue outbox", err)
}

// GetOutbox returns the outbox entry for tempID, or nil.
func (db *DB) GetOutbox(tempID string) (*OutboxEntry, error) {
	e, err := scanOutbox(db.QueryRow(`SELECT `+outboxColumns+` FROM outbox WHERE temp_id = ?`, tempID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, wrap("get outbox", err)
}

// PendingOutbox returns outbox entries that are still queued, oldest first.
func (db *DB) PendingOutbox(limit int) ([]OutboxEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	return db.listOutbox("pending outbox", `
		SELECT `+outboxColumns+`
		FROM outbox WHERE status = 'queued' ORDER BY created_at ASC, id ASC LIMIT ?`, limit)
}

// UnconfirmedOutbox returns entries transmitted before olderThan that the
// server has not echoed back yet.
func (db *DB) UnconfirmedOutbox(olderThan time.Time) ([]OutboxEntry, error) {
	return db.listOutbox("unconfirmed outbox", `
		SELECT `+outboxColumns+`
		FROM outbox WHERE status = 'sent' AND sent_at < ? ORDER BY sent_at ASC`, olderThan.UnixMilli())
}

// MarkOutboxSending claims a queued entry for transmission. Reports false if
// the entry was no longer queued.
func (db *DB) MarkOutboxSending(tempID string) (bool, error) {
	res, err := db.Exec(`
		UPDATE outbox SET status = 'sending', attempts = attempts + 1, updated_at = ?
		WHERE temp_id = ? AND status = 'queued'`, time.Now().UnixMilli(), tempID)
	if err != nil {
		return false, wrap("mark sending", err)
	}
	n, err := res.RowsAffected()
	return n > 0, wrap("mark sending", err)
}

// MarkOutboxSent records that the frame was written to the socket.
func (db *DB) MarkOutboxSent(tempID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE outbox SET status = 'sent', sent_at = ?, updated_at = ?
		WHERE temp_id = ? AND status = 'sending'`, now, now, tempID)
	return wrap("mark sent", err)
}

// RequeueOutbox puts a claimed entry back in the queue.
func (db *DB) RequeueOutbox(tempID string) error {
	_, err := db.Exec(`
		UPDATE outbox SET status = 'queued', updated_at = ?
		WHERE temp_id = ? AND status = 'sending'`, time.Now().UnixMilli(), tempID)
	return wrap("requeue outbox", err)
}

// RequeueSending resets entries stranded in 'sending' by a crash.
func (db *DB) RequeueSending() (int64, error) {
	res, err := db.Exec(`UPDATE outbox SET status = 'queued', updated_at = ? WHERE status = 'sending'`, time.Now().UnixMilli())
	if err != nil {
		return 0, wrap("requeue sending", err)
	}
	n, err := res.RowsAffected()
	return n, wrap("requeue sending", err)
}

// MarkOutboxConfirmed records the server id echoed for tempID. Reports
// whether an unconfirmed entry existed.
func (t *Tx) MarkOutboxConfirmed(tempID, serverMsgID string) (bool, error) {
	res, err := t.tx.ExecContext(t.ctx, `
		UPDATE outbox SET status = 'confirmed', server_msg_id = ?, error_message = '', updated_at = ?
		WHERE temp_id = ? AND status != 'confirmed'`, serverMsgID, time.Now().UnixMilli(), tempID)
	if err != nil {
		return false, wrap("mark confirmed", err)
	}
	n, err := res.RowsAffected()
	return n > 0, wrap("mark confirmed", err)
}

// MarkOutboxFailed marks an unconfirmed entry failed with a reason.
func (t *Tx) MarkOutboxFailed(tempID, reason string) (bool, error) {
	return markOutboxFailed(t.ctx, t.tx, tempID, reason)
}

// MarkOutboxFailed marks an unconfirmed entry failed with a reason.
func (db *DB) MarkOutboxFailed(tempID, reason string) (bool, error) {
	return markOutboxFailed(context.Background(), db.DB, tempID, reason)
}

func markOutboxFailed(ctx context.Context, q execer, tempID, reason string) (bool, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE outbox SET status = 'failed', error_message = ?, updated_at = ?
		WHERE temp_id = ? AND status != 'confirmed'`, reason, time.Now().UnixMilli(), tempID)
	if err != nil {
		return false, wrap("mark failed", err)
	}
	n, err := res.RowsAffected()
	return n > 0, wrap("mark failed", err)
}
