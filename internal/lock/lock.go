// Package lock provides named advisory locks with TTL expiry over the
// shared database. Expiry, not heartbeating, is the liveness mechanism:
// a crashed holder blocks others only until its row expires.
package lock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"relay/internal/domain"
	"relay/internal/intent"
)

// ErrNotHolder is returned when a caller tries to release a live lock it
// does not hold.
var ErrNotHolder = errors.New("lock held by different actor")

// DefaultTTL bounds how long a crashed or hung holder can block others.
const DefaultTTL = 300 * time.Second

type Manager struct {
	DB  *sql.DB
	Now func() time.Time
}

func New(db *sql.DB) Manager {
	return Manager{DB: db, Now: time.Now}
}

func (m Manager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// AcquireResult reports the outcome of an acquisition attempt. On conflict
// the current holder and expiry are returned for diagnostics.
type AcquireResult struct {
	Acquired       bool
	LockKey        string
	ExistingHolder string
	ExistingExpiry string
}

// Acquire attempts to take the lock for the given intent. The whole
// attempt runs in one transaction: expired rows are reclaimed, a live row
// under the key fails the attempt, and the final INSERT OR IGNORE closes
// the race where two callers pass the liveness check simultaneously.
func (m Manager) Acquire(ctx context.Context, issueID string, step domain.Step, mode domain.Mode, actorID, requestID string, ttl time.Duration) (AcquireResult, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	key := intent.Key(issueID, step, mode, actorID)
	res := AcquireResult{LockKey: key}

	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()

	now := m.now().UTC()
	nowStr := now.Format(time.RFC3339)
	if _, err := tx.ExecContext(ctx, `DELETE FROM locks WHERE expires_at <= ?`, nowStr); err != nil {
		return res, fmt.Errorf("reclaim expired locks: %w", err)
	}

	var holder, expiry string
	err = tx.QueryRowContext(ctx, `SELECT holder_id, expires_at FROM locks WHERE key=?`, key).Scan(&holder, &expiry)
	if err == nil {
		res.ExistingHolder = holder
		res.ExistingExpiry = expiry
		return res, tx.Commit()
	}
	if err != sql.ErrNoRows {
		return res, err
	}

	expires := now.Add(ttl).Format(time.RFC3339)
	insert, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO locks(key,holder_id,request_id,acquired_at,expires_at) VALUES (?,?,?,?,?)`,
		key, actorID, requestID, nowStr, expires)
	if err != nil {
		return res, fmt.Errorf("insert lock: %w", err)
	}
	inserted, err := insert.RowsAffected()
	if err != nil {
		return res, err
	}
	if inserted == 0 {
		// A concurrent caller won between our check and insert.
		if err := tx.QueryRowContext(ctx, `SELECT holder_id, expires_at FROM locks WHERE key=?`, key).Scan(&holder, &expiry); err == nil {
			res.ExistingHolder = holder
			res.ExistingExpiry = expiry
		}
		return res, tx.Commit()
	}
	if err := tx.Commit(); err != nil {
		return res, err
	}
	res.Acquired = true
	return res, nil
}

// Release deletes the lock row, but only if the caller is the recorded
// holder. A missing row is not an error: expiry may already have reclaimed
// it and another actor may legitimately hold a fresh lock under the key.
func (m Manager) Release(ctx context.Context, lockKey, actorID string) error {
	res, err := m.DB.ExecContext(ctx, `DELETE FROM locks WHERE key=? AND holder_id=?`, lockKey, actorID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}
	var holder string
	err = m.DB.QueryRowContext(ctx, `SELECT holder_id FROM locks WHERE key=?`, lockKey).Scan(&holder)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s", ErrNotHolder, holder)
}

// Cleanup deletes every expired lock row and reports the count. Expired
// rows are already ignored by Acquire; this is storage hygiene.
func (m Manager) Cleanup(ctx context.Context) (int64, error) {
	nowStr := m.now().UTC().Format(time.RFC3339)
	res, err := m.DB.ExecContext(ctx, `DELETE FROM locks WHERE expires_at <= ?`, nowStr)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Get returns the current lock row for a key, if any.
func (m Manager) Get(ctx context.Context, lockKey string) (domain.Lock, bool, error) {
	var l domain.Lock
	err := m.DB.QueryRowContext(ctx, `SELECT key,holder_id,request_id,acquired_at,expires_at FROM locks WHERE key=?`, lockKey).
		Scan(&l.Key, &l.HolderID, &l.RequestID, &l.AcquiredAt, &l.ExpiresAt)
	if err == sql.ErrNoRows {
		return l, false, nil
	}
	if err != nil {
		return l, false, err
	}
	return l, true, nil
}
