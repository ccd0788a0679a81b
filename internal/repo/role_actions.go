package repo

import (
	"context"
	"database/sql"

	"steward/internal/domain"
)

func (r Repo) UpsertRoleAction(ctx context.Context, tx *sql.Tx, a domain.RoleAction) error {
	exec := r.DB.ExecContext
	if tx != nil {
		exec = tx.ExecContext
	}
	_, err := exec(ctx, `INSERT INTO role_actions(role,action,sector,region,priority) VALUES (?,?,?,?,?)
ON CONFLICT(role,action,sector,region) DO UPDATE SET priority=excluded.priority`,
		a.Role, a.Action, a.Sector, a.Region, a.Priority)
	return err
}

// RoleActions returns the policy rows for a role ordered by descending
// priority. Empty sector/region filters match rows scoped to any value;
// a non-empty filter also matches unscoped rows.
func (r Repo) RoleActions(ctx context.Context, role, sector, region string) ([]domain.RoleAction, error) {
	query := `SELECT id,role,action,sector,region,priority FROM role_actions WHERE role=?`
	args := []any{role}
	if sector != "" {
		query += ` AND (sector='' OR sector=?)`
		args = append(args, sector)
	}
	if region != "" {
		query += ` AND (region='' OR region=?)`
		args = append(args, region)
	}
	query += ` ORDER BY priority DESC, action ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RoleAction
	for rows.Next() {
		var a domain.RoleAction
		if err := rows.Scan(&a.ID, &a.Role, &a.Action, &a.Sector, &a.Region, &a.Priority); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) DeleteRoleAction(ctx context.Context, id int64) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM role_actions WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
