package repo

import (
	"context"
	"database/sql"

	"steward/internal/domain"
)

const assignmentColumns = `id,item_id,user_id,role,status,responsibility_tag,estimated_hours,created_at,updated_at`

func (r Repo) InsertAssignment(ctx context.Context, tx *sql.Tx, a domain.Assignment) error {
	exec := r.DB.ExecContext
	if tx != nil {
		exec = tx.ExecContext
	}
	_, err := exec(ctx, `INSERT INTO assignments(`+assignmentColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		a.ID, a.ItemID, a.UserID, a.Role, a.Status, nullable(a.ResponsibilityTag),
		nullableFloatPtr(a.EstimatedHours), a.CreatedAt, a.UpdatedAt)
	return err
}

func scanAssignment(scan func(dest ...any) error) (domain.Assignment, error) {
	var a domain.Assignment
	var tag sql.NullString
	var hours sql.NullFloat64
	err := scan(&a.ID, &a.ItemID, &a.UserID, &a.Role, &a.Status, &tag, &hours, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return a, err
	}
	if tag.Valid {
		a.ResponsibilityTag = tag.String
	}
	if hours.Valid {
		h := hours.Float64
		a.EstimatedHours = &h
	}
	return a, nil
}

func (r Repo) GetAssignment(ctx context.Context, itemID, userID string) (domain.Assignment, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+assignmentColumns+` FROM assignments WHERE item_id=? AND user_id=?`, itemID, userID)
	a, err := scanAssignment(row.Scan)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

// PrimaryAssignment returns the item's live primary row, skipping
// transferred ones.
func (r Repo) PrimaryAssignment(ctx context.Context, tx *sql.Tx, itemID string) (domain.Assignment, error) {
	query := r.DB.QueryRowContext
	if tx != nil {
		query = tx.QueryRowContext
	}
	row := query(ctx, `SELECT `+assignmentColumns+` FROM assignments
WHERE item_id=? AND role='primary' AND status != 'transferred'`, itemID)
	a, err := scanAssignment(row.Scan)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

// UpsertPrimaryAssignment writes the item's new primary row. When the
// user already has a row on the item (a secondary, or a primary handed
// away earlier), that row is revived in place so the (item,user) key
// stays unique.
func (r Repo) UpsertPrimaryAssignment(ctx context.Context, tx *sql.Tx, a domain.Assignment) error {
	exec := r.DB.ExecContext
	if tx != nil {
		exec = tx.ExecContext
	}
	_, err := exec(ctx, `INSERT INTO assignments(`+assignmentColumns+`) VALUES (?,?,?,?,?,?,?,?,?)
ON CONFLICT(item_id, user_id) DO UPDATE SET
    role=excluded.role, status=excluded.status,
    responsibility_tag=excluded.responsibility_tag,
    estimated_hours=excluded.estimated_hours, updated_at=excluded.updated_at`,
		a.ID, a.ItemID, a.UserID, a.Role, a.Status, nullable(a.ResponsibilityTag),
		nullableFloatPtr(a.EstimatedHours), a.CreatedAt, a.UpdatedAt)
	return err
}

func (r Repo) ListAssignmentsByItem(ctx context.Context, itemID string) ([]domain.Assignment, error) {
	return r.listAssignments(ctx, `SELECT `+assignmentColumns+` FROM assignments WHERE item_id=? ORDER BY created_at ASC, id ASC`, itemID)
}

func (r Repo) ListAssignmentsByUser(ctx context.Context, userID string) ([]domain.Assignment, error) {
	return r.listAssignments(ctx, `SELECT `+assignmentColumns+` FROM assignments WHERE user_id=? ORDER BY created_at DESC, id DESC`, userID)
}

func (r Repo) listAssignments(ctx context.Context, query string, args ...any) ([]domain.Assignment, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) UpdateAssignmentStatus(ctx context.Context, tx *sql.Tx, itemID, userID, status, now string) error {
	exec := r.DB.ExecContext
	if tx != nil {
		exec = tx.ExecContext
	}
	res, err := exec(ctx, `UPDATE assignments SET status=?, updated_at=? WHERE item_id=? AND user_id=?`, status, now, itemID, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ActiveAssignmentCounts returns, per user id, the number of assignments
// not yet in a terminal state.
func (r Repo) ActiveAssignmentCounts(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT user_id, count(*) FROM assignments
WHERE status IN ('assigned','accepted','in_progress') GROUP BY user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var userID string
		var count int
		if err := rows.Scan(&userID, &count); err != nil {
			return nil, err
		}
		res[userID] = count
	}
	return res, rows.Err()
}

// OverdueSLACounts returns, per user id, how many of their open SLA
// records are currently breached.
func (r Repo) OverdueSLACounts(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT responsible_id, count(*) FROM sla_records
WHERE status='breached' AND responsible_id IS NOT NULL GROUP BY responsible_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var userID string
		var count int
		if err := rows.Scan(&userID, &count); err != nil {
			return nil, err
		}
		res[userID] = count
	}
	return res, rows.Err()
}

func nullableFloatPtr(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
