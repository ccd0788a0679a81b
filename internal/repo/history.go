package repo

import (
	"context"
)

// CompletedItem is one row of assignment history used to build profiles,
// patterns and the regression model.
type CompletedItem struct {
	ItemID      string
	UserID      string
	Category    string
	Priority    string
	Experience  string
	Role        string
	CreatedAt   string
	CompletedAt string
	DueAt       string
	Hours       float64
}

// CompletedItems returns completed work items with their primary assignee
// inside the trailing window. Items without a completion timestamp or a
// primary assignment are excluded.
func (r Repo) CompletedItems(ctx context.Context, since string) ([]CompletedItem, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT w.id, a.user_id, w.category, w.priority, u.experience, u.role,
  w.created_at, w.completed_at, COALESCE(w.due_at,''),
  (julianday(w.completed_at) - julianday(w.created_at)) * 24.0 AS hours
FROM work_items w
JOIN assignments a ON a.item_id = w.id AND a.role = 'primary'
JOIN users u ON u.id = a.user_id
WHERE w.status = 'completed' AND w.completed_at IS NOT NULL AND w.completed_at >= ?
ORDER BY w.completed_at ASC`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []CompletedItem
	for rows.Next() {
		var c CompletedItem
		if err := rows.Scan(&c.ItemID, &c.UserID, &c.Category, &c.Priority, &c.Experience, &c.Role,
			&c.CreatedAt, &c.CompletedAt, &c.DueAt, &c.Hours); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// AssignedCounts returns, per user, the number of assignments created in
// the trailing window regardless of outcome. Used for reliability ratios.
func (r Repo) AssignedCounts(ctx context.Context, since string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT user_id, count(*) FROM assignments WHERE created_at >= ? GROUP BY user_id`, since)
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
