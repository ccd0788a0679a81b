package repo

import (
	"context"
	"database/sql"

	"steward/internal/domain"
)

const slaColumns = `id,item_kind,item_id,target_hours,started_at,target_at,completed_at,status,compliance_pct,hours_remaining,hours_overdue,responsible_id,updated_at`

func (r Repo) InsertSLARecord(ctx context.Context, tx *sql.Tx, s domain.SLARecord) error {
	exec := r.DB.ExecContext
	if tx != nil {
		exec = tx.ExecContext
	}
	_, err := exec(ctx, `INSERT INTO sla_records(`+slaColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.ItemKind, s.ItemID, s.TargetHours, s.StartedAt, s.TargetAt, nullableStringPtr(s.CompletedAt),
		s.Status, s.CompliancePct, s.HoursRemaining, s.HoursOverdue, nullableStringPtr(s.ResponsibleID), s.UpdatedAt)
	return err
}

func scanSLA(scan func(dest ...any) error) (domain.SLARecord, error) {
	var s domain.SLARecord
	var completedAt, responsible sql.NullString
	err := scan(&s.ID, &s.ItemKind, &s.ItemID, &s.TargetHours, &s.StartedAt, &s.TargetAt, &completedAt,
		&s.Status, &s.CompliancePct, &s.HoursRemaining, &s.HoursOverdue, &responsible, &s.UpdatedAt)
	if err != nil {
		return s, err
	}
	if completedAt.Valid {
		s.CompletedAt = &completedAt.String
	}
	if responsible.Valid {
		s.ResponsibleID = &responsible.String
	}
	return s, nil
}

// GetOpenSLARecord returns the single open record for an item, if any.
func (r Repo) GetOpenSLARecord(ctx context.Context, tx *sql.Tx, kind domain.ItemKind, itemID string) (domain.SLARecord, error) {
	query := r.DB.QueryRowContext
	if tx != nil {
		query = tx.QueryRowContext
	}
	row := query(ctx, `SELECT `+slaColumns+` FROM sla_records
WHERE item_kind=? AND item_id=? AND status IN ('on_track','at_risk','breached')`, kind, itemID)
	s, err := scanSLA(row.Scan)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	return s, err
}

func (r Repo) ListSLARecordsByItem(ctx context.Context, kind domain.ItemKind, itemID string) ([]domain.SLARecord, error) {
	return r.listSLA(ctx, `SELECT `+slaColumns+` FROM sla_records WHERE item_kind=? AND item_id=? ORDER BY started_at DESC, id DESC`, kind, itemID)
}

// ListOpenSLARecords returns every record still subject to recomputation.
func (r Repo) ListOpenSLARecords(ctx context.Context) ([]domain.SLARecord, error) {
	return r.listSLA(ctx, `SELECT `+slaColumns+` FROM sla_records WHERE status IN ('on_track','at_risk','breached') ORDER BY target_at ASC, id ASC`)
}

func (r Repo) listSLA(ctx context.Context, query string, args ...any) ([]domain.SLARecord, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.SLARecord
	for rows.Next() {
		s, err := scanSLA(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) UpdateSLARecord(ctx context.Context, tx *sql.Tx, s domain.SLARecord) error {
	exec := r.DB.ExecContext
	if tx != nil {
		exec = tx.ExecContext
	}
	res, err := exec(ctx, `UPDATE sla_records SET status=?, compliance_pct=?, hours_remaining=?, hours_overdue=?, completed_at=?, updated_at=? WHERE id=?`,
		s.Status, s.CompliancePct, s.HoursRemaining, s.HoursOverdue, nullableStringPtr(s.CompletedAt), s.UpdatedAt, s.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
