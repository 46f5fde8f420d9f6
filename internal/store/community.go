package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// UpsertCommunity inserts or updates a community. Empty fields do not
// overwrite known values.
func (db *DB) UpsertCommunity(c *Community) error {
	_, err := db.Exec(`
		INSERT INTO communities (id, name, image, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE communities.name END,
			image = CASE WHEN excluded.image != '' THEN excluded.image ELSE communities.image END,
			updated_at = excluded.updated_at`,
		c.ID, c.Name, c.Image, time.Now().UnixMilli())
	return wrap("upsert community", err)
}

// GetCommunity returns a community by id, or nil if not found.
func (db *DB) GetCommunity(id string) (*Community, error) {
	var c Community
	err := db.QueryRow(`SELECT id, name, image FROM communities WHERE id = ?`, id).Scan(&c.ID, &c.Name, &c.Image)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("get community", err)
	}
	return &c, nil
}

// ListCommunities returns every known community ordered by name.
func (db *DB) ListCommunities() ([]Community, error) {
	rows, err := db.Query(`SELECT id, name, image FROM communities ORDER BY name, id`)
	if err != nil {
		return nil, wrap("list communities", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Community
	for rows.Next() {
		var c Community
		if err := rows.Scan(&c.ID, &c.Name, &c.Image); err != nil {
			return nil, wrap("list communities", err)
		}
		out = append(out, c)
	}
	return out, wrap("list communities", rows.Err())
}

// DeleteCommunity removes a community together with its log and projection.
func (db *DB) DeleteCommunity(ctx context.Context, id string) error {
	return db.WithConversation(ctx, id, func(tx *Tx) error {
		for _, q := range []string{
			`DELETE FROM messages WHERE community_id = ?`,
			`DELETE FROM last_messages WHERE community_id = ?`,
			`DELETE FROM outbox WHERE community_id = ? AND status IN ('queued', 'failed')`,
			`DELETE FROM communities WHERE id = ?`,
		} {
			if _, err := tx.tx.ExecContext(ctx, q, id); err != nil {
				return wrap("delete community", err)
			}
		}
		return nil
	})
}
