// Package idempotency caches the response of a completed execution so
// client retries replay the original outcome instead of re-executing.
package idempotency

import (
	"context"
	"database/sql"
	"time"

	"relay/internal/domain"
	"relay/internal/intent"
)

// DefaultTTL bounds how long a completed execution shadows new attempts.
const DefaultTTL = 600 * time.Second

type Cache struct {
	DB  *sql.DB
	Now func() time.Time
}

func New(db *sql.DB) Cache {
	return Cache{DB: db, Now: time.Now}
}

func (c Cache) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// CheckResult reports a cache lookup. OriginatingRunID identifies the run
// that produced the cached payload.
type CheckResult struct {
	Found            bool
	CachedResponse   string
	OriginatingRunID string
}

// Check looks up a live cached response for the intent. ActorID may be
// empty for actor-agnostic replay detection. Expired rows are purged
// lazily on every check, so growth stays bounded without a sweeper.
func (c Cache) Check(ctx context.Context, issueID string, step domain.Step, mode domain.Mode, actorID string) (CheckResult, error) {
	key := intent.Key(issueID, step, mode, actorID)
	nowStr := c.now().UTC().Format(time.RFC3339)
	if _, err := c.DB.ExecContext(ctx, `DELETE FROM idempotency WHERE expires_at <= ?`, nowStr); err != nil {
		return CheckResult{}, err
	}
	var res CheckResult
	err := c.DB.QueryRowContext(ctx, `SELECT response_json, run_id FROM idempotency WHERE key=? AND expires_at > ?`, key, nowStr).
		Scan(&res.CachedResponse, &res.OriginatingRunID)
	if err == sql.ErrNoRows {
		return CheckResult{}, nil
	}
	if err != nil {
		return CheckResult{}, err
	}
	res.Found = true
	return res, nil
}

// Store upserts the cached response. Re-storing under the same key
// overwrites the payload and extends expiry, which keeps re-caching after
// retries safe.
func (c Cache) Store(ctx context.Context, issueID string, step domain.Step, mode domain.Mode, actorID, responseJSON, runID string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	key := intent.Key(issueID, step, mode, actorID)
	now := c.now().UTC()
	_, err := c.DB.ExecContext(ctx, `INSERT INTO idempotency(key,response_json,run_id,created_at,expires_at) VALUES (?,?,?,?,?)
ON CONFLICT(key) DO UPDATE SET response_json=excluded.response_json, run_id=excluded.run_id, expires_at=excluded.expires_at`,
		key, responseJSON, runID, now.Format(time.RFC3339), now.Add(ttl).Format(time.RFC3339))
	return err
}

// Cleanup deletes expired records and reports the count.
func (c Cache) Cleanup(ctx context.Context) (int64, error) {
	nowStr := c.now().UTC().Format(time.RFC3339)
	res, err := c.DB.ExecContext(ctx, `DELETE FROM idempotency WHERE expires_at <= ?`, nowStr)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
