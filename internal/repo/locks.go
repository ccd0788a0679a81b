package repo

import (
	"context"
	"time"
)

// ClaimJobLock takes the advisory lock for a named job. It returns false
// when another live owner holds it. Expired locks are stolen so a crashed
// batch cannot wedge the scheduler.
func (r Repo) ClaimJobLock(ctx context.Context, name, owner string, ttl time.Duration, now time.Time) (bool, error) {
	nowStr := now.UTC().Format(time.RFC3339)
	expires := now.UTC().Add(ttl).Format(time.RFC3339)
	res, err := r.DB.ExecContext(ctx, `INSERT INTO job_locks(name,owner,expires_at) VALUES (?,?,?)
ON CONFLICT(name) DO UPDATE SET owner=excluded.owner, expires_at=excluded.expires_at
WHERE job_locks.expires_at < ? OR job_locks.owner = excluded.owner`,
		name, owner, expires, nowStr)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ReleaseJobLock frees the lock if the caller still owns it.
func (r Repo) ReleaseJobLock(ctx context.Context, name, owner string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM job_locks WHERE name=? AND owner=?`, name, owner)
	return err
}
