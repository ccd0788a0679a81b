package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"steward/internal/config"
	"steward/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// IsConflict reports whether err is a uniqueness violation. Duplicate
// assignments and concurrent open-SLA creation are treated as already
// handled, not as failures.
func IsConflict(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "constraint failed")
}

func (r Repo) InsertOrg(ctx context.Context, o domain.Organization) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO organizations(id,name,region,sector,accountable_role,created_at) VALUES (?,?,?,?,?,?)`,
		o.ID, o.Name, o.Region, o.Sector, nullable(o.AccountableRole), o.CreatedAt)
	return err
}

func (r Repo) EnsureOrg(ctx context.Context, tx *sql.Tx, orgID, name, now string) error {
	if name == "" {
		name = orgID
	}
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO organizations(id,name,created_at) VALUES (?,?,?)`, orgID, name, now)
	return err
}

func (r Repo) GetOrg(ctx context.Context, id string) (domain.Organization, error) {
	var o domain.Organization
	var accountable sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,region,sector,accountable_role,created_at FROM organizations WHERE id=?`, id).
		Scan(&o.ID, &o.Name, &o.Region, &o.Sector, &accountable, &o.CreatedAt)
	if err == sql.ErrNoRows {
		return o, ErrNotFound
	}
	if accountable.Valid {
		o.AccountableRole = accountable.String
	}
	return o, err
}

// SingleOrg returns the only organization when exactly one exists.
func (r Repo) SingleOrg(ctx context.Context) (domain.Organization, error) {
	orgs, err := r.ListOrgs(ctx)
	if err != nil {
		return domain.Organization{}, err
	}
	if len(orgs) != 1 {
		return domain.Organization{}, ErrNotFound
	}
	return orgs[0], nil
}

func (r Repo) ListOrgs(ctx context.Context) ([]domain.Organization, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,region,sector,COALESCE(accountable_role,''),created_at FROM organizations ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Organization
	for rows.Next() {
		var o domain.Organization
		if err := rows.Scan(&o.ID, &o.Name, &o.Region, &o.Sector, &o.AccountableRole, &o.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

func (r Repo) InsertUser(ctx context.Context, u domain.User) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO users(id,name,role,org_id,region,sector,experience,active,created_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		u.ID, nullable(u.Name), u.Role, u.OrgID, u.Region, u.Sector, u.Experience, boolToInt(u.Active), u.CreatedAt)
	return err
}

func (r Repo) GetUser(ctx context.Context, id string) (domain.User, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,COALESCE(name,''),role,org_id,region,sector,experience,active,created_at FROM users WHERE id=?`, id)
	return scanUser(row)
}

func scanUser(row *sql.Row) (domain.User, error) {
	var u domain.User
	var active int
	err := row.Scan(&u.ID, &u.Name, &u.Role, &u.OrgID, &u.Region, &u.Sector, &u.Experience, &active, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	u.Active = active != 0
	return u, err
}

type UserFilters struct {
	OrgID  string
	Region string
	Role   string
	Roles  []string
	Active *bool
}

func (r Repo) ListUsers(ctx context.Context, f UserFilters) ([]domain.User, error) {
	var clauses []string
	var args []any
	if f.OrgID != "" {
		clauses = append(clauses, "org_id=?")
		args = append(args, f.OrgID)
	}
	if f.Region != "" {
		clauses = append(clauses, "region=?")
		args = append(args, f.Region)
	}
	if f.Role != "" {
		clauses = append(clauses, "role=?")
		args = append(args, f.Role)
	}
	if len(f.Roles) > 0 {
		placeholders := strings.Repeat("?,", len(f.Roles))
		clauses = append(clauses, "role IN ("+placeholders[:len(placeholders)-1]+")")
		for _, role := range f.Roles {
			args = append(args, role)
		}
	}
	if f.Active != nil {
		clauses = append(clauses, "active=?")
		args = append(args, boolToInt(*f.Active))
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT id,COALESCE(name,''),role,org_id,region,sector,experience,active,created_at FROM users ` + where + ` ORDER BY id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		var u domain.User
		var active int
		if err := rows.Scan(&u.ID, &u.Name, &u.Role, &u.OrgID, &u.Region, &u.Sector, &u.Experience, &active, &u.CreatedAt); err != nil {
			return nil, err
		}
		u.Active = active != 0
		res = append(res, u)
	}
	return res, rows.Err()
}

// EligibleUsers returns users in or around an organization who can take
// work in a region, same-org members first. Either filter may be empty.
func (r Repo) EligibleUsers(ctx context.Context, orgID, region, role string) ([]domain.User, error) {
	query := `SELECT id,COALESCE(name,''),role,org_id,region,sector,experience,active,created_at FROM users
WHERE active=1 AND (org_id=? OR region=?)`
	args := []any{orgID, region}
	if role != "" {
		query += ` AND role=?`
		args = append(args, role)
	}
	query += ` ORDER BY CASE WHEN org_id=? THEN 0 ELSE 1 END, id`
	args = append(args, orgID)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		var u domain.User
		var active int
		if err := rows.Scan(&u.ID, &u.Name, &u.Role, &u.OrgID, &u.Region, &u.Sector, &u.Experience, &active, &u.CreatedAt); err != nil {
			return nil, err
		}
		u.Active = active != 0
		res = append(res, u)
	}
	return res, rows.Err()
}

func (r Repo) SetUserActive(ctx context.Context, id string, active bool) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE users SET active=? WHERE id=?`, boolToInt(active), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const workItemColumns = `id,kind,category,priority,org_id,plan_id,framework_id,required_roles,status,title,created_at,updated_at,due_at,completed_at`

func (r Repo) InsertWorkItem(ctx context.Context, tx *sql.Tx, w domain.WorkItem) error {
	roles, err := marshalStringSlice(w.RequiredRoles)
	if err != nil {
		return err
	}
	exec := r.DB.ExecContext
	if tx != nil {
		exec = tx.ExecContext
	}
	_, err = exec(ctx, `INSERT INTO work_items(`+workItemColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		w.ID, w.Kind, w.Category, w.Priority, w.OrgID, nullableStringPtr(w.PlanID), nullableStringPtr(w.FrameworkID),
		nullableStringPtr(roles), w.Status, nullable(w.Title), w.CreatedAt, w.UpdatedAt,
		nullableStringPtr(w.DueAt), nullableStringPtr(w.CompletedAt))
	return err
}

func scanWorkItem(scan func(dest ...any) error) (domain.WorkItem, error) {
	var w domain.WorkItem
	var planID, frameworkID, roles, title, dueAt, completedAt sql.NullString
	err := scan(&w.ID, &w.Kind, &w.Category, &w.Priority, &w.OrgID, &planID, &frameworkID, &roles,
		&w.Status, &title, &w.CreatedAt, &w.UpdatedAt, &dueAt, &completedAt)
	if err != nil {
		return w, err
	}
	if planID.Valid {
		w.PlanID = &planID.String
	}
	if frameworkID.Valid {
		w.FrameworkID = &frameworkID.String
	}
	if roles.Valid && roles.String != "" {
		_ = json.Unmarshal([]byte(roles.String), &w.RequiredRoles)
	}
	if title.Valid {
		w.Title = title.String
	}
	if dueAt.Valid {
		w.DueAt = &dueAt.String
	}
	if completedAt.Valid {
		w.CompletedAt = &completedAt.String
	}
	return w, nil
}

func (r Repo) GetWorkItem(ctx context.Context, id string) (domain.WorkItem, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+workItemColumns+` FROM work_items WHERE id=?`, id)
	w, err := scanWorkItem(row.Scan)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	return w, err
}

type WorkItemFilters struct {
	Kind     string
	Status   string
	Statuses []string
	OrgID    string
	PlanID   string
	Category string
	Limit    int
}

func (r Repo) ListWorkItems(ctx context.Context, f WorkItemFilters) ([]domain.WorkItem, error) {
	var clauses []string
	var args []any
	if f.Kind != "" {
		clauses = append(clauses, "kind=?")
		args = append(args, f.Kind)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if len(f.Statuses) > 0 {
		placeholders := strings.Repeat("?,", len(f.Statuses))
		clauses = append(clauses, "status IN ("+placeholders[:len(placeholders)-1]+")")
		for _, s := range f.Statuses {
			args = append(args, s)
		}
	}
	if f.OrgID != "" {
		clauses = append(clauses, "org_id=?")
		args = append(args, f.OrgID)
	}
	if f.PlanID != "" {
		clauses = append(clauses, "plan_id=?")
		args = append(args, f.PlanID)
	}
	if f.Category != "" {
		clauses = append(clauses, "category=?")
		args = append(args, f.Category)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + workItemColumns + ` FROM work_items ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkItem
	for rows.Next() {
		w, err := scanWorkItem(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

// PendingWorkItems returns items awaiting assignment: status pending, plus
// items assigned longer than the grace period without acceptance. Ordered
// by priority band then FIFO.
func (r Repo) PendingWorkItems(ctx context.Context, staleBefore string) ([]domain.WorkItem, error) {
	query := `SELECT ` + workItemColumns + ` FROM work_items w
WHERE w.status='pending'
   OR (w.status='assigned'
       AND w.updated_at < ?
       AND NOT EXISTS (SELECT 1 FROM assignments a WHERE a.item_id=w.id AND a.status IN ('accepted','in_progress','completed')))
ORDER BY CASE w.priority
    WHEN 'critical' THEN 0
    WHEN 'high' THEN 1
    WHEN 'medium' THEN 2
    WHEN 'low' THEN 3
    ELSE 4 END,
  w.created_at ASC, w.id ASC`
	rows, err := r.DB.QueryContext(ctx, query, staleBefore)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkItem
	for rows.Next() {
		w, err := scanWorkItem(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

func (r Repo) UpdateWorkItemStatus(ctx context.Context, tx *sql.Tx, id, status, now string, completedAt *string) error {
	exec := r.DB.ExecContext
	if tx != nil {
		exec = tx.ExecContext
	}
	res, err := exec(ctx, `UPDATE work_items SET status=?, updated_at=?, completed_at=? WHERE id=?`,
		status, now, nullableStringPtr(completedAt), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Engine config storage, one YAML document per organization.

func (r Repo) UpsertEngineConfig(ctx context.Context, orgID string, cfg *config.Config) error {
	return upsertEngineConfig(ctx, r.DB, nil, orgID, cfg)
}

func (r Repo) UpsertEngineConfigTx(ctx context.Context, tx *sql.Tx, orgID string, cfg *config.Config) error {
	return upsertEngineConfig(ctx, nil, tx, orgID, cfg)
}

func upsertEngineConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, orgID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Org.ID = orgID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := yamlMarshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO engine_configs(org_id,config_yaml,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(org_id) DO UPDATE SET config_yaml=excluded.config_yaml, updated_at=excluded.updated_at`, orgID, payload, now, now)
	return err
}

func (r Repo) GetEngineConfig(ctx context.Context, orgID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_yaml FROM engine_configs WHERE org_id=?`, orgID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	cfg, err := config.FromYAML([]byte(payload))
	if err != nil {
		return nil, err
	}
	if cfg.Org.ID == "" {
		cfg.Org.ID = orgID
	}
	return cfg, nil
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshalStringSlice(in []string) (*string, error) {
	if len(in) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}

func yamlMarshal(cfg *config.Config) (string, error) {
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
