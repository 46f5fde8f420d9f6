package sync

import (
	"database/sql"
	"errors"
	"strconv"
	"time"

	"github.com/matheus3301/campus/internal/store"
	"go.uber.org/zap"
)

// Reconciler manages sync checkpoints such as the last history snapshot
// applied per community.
type Reconciler struct {
	db     *store.DB
	logger *zap.Logger
}

// NewReconciler creates a new reconciler.
func NewReconciler(db *store.DB, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{db: db, logger: logger}
}

// UpdateCheckpoint updates a sync checkpoint value.
func (r *Reconciler) UpdateCheckpoint(key, value string) error {
	now := time.Now().UnixMilli()
	_, err := r.db.Exec(`
		INSERT INTO sync_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, now)
	if err != nil {
		return &store.StorageError{Op: "update checkpoint", Err: err}
	}
	return nil
}

// GetCheckpoint retrieves a sync checkpoint value. A missing key yields "".
func (r *Reconciler) GetCheckpoint(key string) (string, error) {
	var value string
	err := r.db.QueryRow(`SELECT value FROM sync_state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", &store.StorageError{Op: "get checkpoint", Err: err}
	}
	return value, nil
}

func historyKey(communityID string) string {
	return "last_history_at:" + communityID
}

// MarkHistory records that a snapshot for communityID was applied at t.
func (r *Reconciler) MarkHistory(communityID string, t time.Time) error {
	return r.UpdateCheckpoint(historyKey(communityID), strconv.FormatInt(t.UnixMilli(), 10))
}

// LastHistory returns when the last snapshot for communityID was applied,
// or the zero time if none was.
func (r *Reconciler) LastHistory(communityID string) (time.Time, error) {
	v, err := r.GetCheckpoint(historyKey(communityID))
	if err != nil || v == "" {
		return time.Time{}, err
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		r.logger.Warn("bad history checkpoint", zap.String("community_id", communityID), zap.String("value", v))
		return time.Time{}, nil
	}
	return time.UnixMilli(ms), nil
}
