package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

// GetCache decodes the JSON value stored under key into dst. Reports false
// when the key is absent.
func (db *DB) GetCache(key string, dst any) (bool, error) {
	var raw string
	err := db.QueryRow(`SELECT value FROM cache WHERE key = ?`, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, wrap("get cache", err)
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return false, wrap("decode cache "+key, err)
	}
	return true, nil
}

// SetCache stores v as JSON under key, replacing any previous value.
func (db *DB) SetCache(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return wrap("encode cache "+key, err)
	}
	_, err = db.Exec(`
		INSERT INTO cache (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, string(raw), time.Now().UnixMilli())
	return wrap("set cache", err)
}

// DeleteCache removes key. Deleting a missing key is not an error.
func (db *DB) DeleteCache(key string) error {
	_, err := db.Exec(`DELETE FROM cache WHERE key = ?`, key)
	return wrap("delete cache", err)
}
