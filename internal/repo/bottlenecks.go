package repo

import (
	"context"
	"database/sql"

	"steward/internal/domain"
)

func (r Repo) InsertBottleneck(ctx context.Context, tx *sql.Tx, b domain.Bottleneck) error {
	exec := r.DB.ExecContext
	if tx != nil {
		exec = tx.ExecContext
	}
	_, err := exec(ctx, `INSERT INTO bottlenecks(id,item_id,reason,detail,resolved,reported_at) VALUES (?,?,?,?,?,?)`,
		b.ID, b.ItemID, b.Reason, nullable(b.Detail), boolToInt(b.Resolved), b.ReportedAt)
	return err
}

// HasOpenBottleneck reports whether the item already has an unresolved
// report, so repeating batches do not pile up duplicates.
func (r Repo) HasOpenBottleneck(ctx context.Context, tx *sql.Tx, itemID string) (bool, error) {
	query := r.DB.QueryRowContext
	if tx != nil {
		query = tx.QueryRowContext
	}
	var n int
	if err := query(ctx, `SELECT count(*) FROM bottlenecks WHERE item_id=? AND resolved=0`, itemID).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// OpenBottlenecks returns unresolved reports, newest first.
func (r Repo) OpenBottlenecks(ctx context.Context) ([]domain.Bottleneck, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,item_id,reason,COALESCE(detail,''),resolved,reported_at FROM bottlenecks
WHERE resolved=0 ORDER BY reported_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Bottleneck
	for rows.Next() {
		var b domain.Bottleneck
		var resolved int
		if err := rows.Scan(&b.ID, &b.ItemID, &b.Reason, &b.Detail, &resolved, &b.ReportedAt); err != nil {
			return nil, err
		}
		b.Resolved = resolved != 0
		res = append(res, b)
	}
	return res, rows.Err()
}

// ResolveBottlenecks marks every open report for an item resolved, used
// once the item finally gets an assignment.
func (r Repo) ResolveBottlenecks(ctx context.Context, tx *sql.Tx, itemID string) error {
	exec := r.DB.ExecContext
	if tx != nil {
		exec = tx.ExecContext
	}
	_, err := exec(ctx, `UPDATE bottlenecks SET resolved=1 WHERE item_id=? AND resolved=0`, itemID)
	return err
}
