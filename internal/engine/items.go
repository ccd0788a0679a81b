package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"steward/internal/domain"
	"steward/internal/repo"
)

// WorkItemCreateOptions carries the intake fields for a new plan or task.
type WorkItemCreateOptions struct {
	ID            string
	Kind          domain.ItemKind
	Category      string
	Priority      domain.Priority
	OrgID         string
	PlanID        *string
	FrameworkID   *string
	RequiredRoles []string
	Title         string
	DueAt         *string
	ActorID       string
}

// CreateWorkItem registers a new work item in status pending. A task may
// reference its parent plan; the reference is validated before insert.
func (e *Engine) CreateWorkItem(ctx context.Context, opts WorkItemCreateOptions) (domain.WorkItem, error) {
	if opts.Kind != domain.KindPlan && opts.Kind != domain.KindTask {
		return domain.WorkItem{}, fmt.Errorf("invalid kind %q", opts.Kind)
	}
	if opts.Category == "" {
		return domain.WorkItem{}, fmt.Errorf("category is required")
	}
	if opts.OrgID == "" {
		return domain.WorkItem{}, fmt.Errorf("org_id is required")
	}
	if _, err := e.Repo.GetOrg(ctx, opts.OrgID); err != nil {
		return domain.WorkItem{}, fmt.Errorf("organization %s: %w", opts.OrgID, err)
	}
	if opts.Kind == domain.KindPlan && opts.PlanID != nil {
		return domain.WorkItem{}, fmt.Errorf("a plan cannot reference a parent plan")
	}
	if opts.PlanID != nil {
		parent, err := e.Repo.GetWorkItem(ctx, *opts.PlanID)
		if err != nil {
			return domain.WorkItem{}, fmt.Errorf("plan %s: %w", *opts.PlanID, err)
		}
		if parent.Kind != domain.KindPlan {
			return domain.WorkItem{}, fmt.Errorf("work item %s is not a plan", *opts.PlanID)
		}
	}
	if opts.DueAt != nil {
		if _, err := time.Parse(time.RFC3339, *opts.DueAt); err != nil {
			return domain.WorkItem{}, fmt.Errorf("invalid due_at: %w", err)
		}
	}

	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	if opts.Priority == "" {
		opts.Priority = domain.PriorityMedium
	}
	ts := e.now().UTC().Format(time.RFC3339)
	item := domain.WorkItem{
		ID:            opts.ID,
		Kind:          opts.Kind,
		Category:      opts.Category,
		Priority:      opts.Priority,
		OrgID:         opts.OrgID,
		PlanID:        opts.PlanID,
		FrameworkID:   opts.FrameworkID,
		RequiredRoles: opts.RequiredRoles,
		Status:        "pending",
		Title:         opts.Title,
		CreatedAt:     ts,
		UpdatedAt:     ts,
		DueAt:         opts.DueAt,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkItem{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertWorkItem(ctx, tx, item); err != nil {
		if repo.IsConflict(err) {
			return domain.WorkItem{}, fmt.Errorf("work item %s already exists", item.ID)
		}
		return domain.WorkItem{}, err
	}
	err = e.Events.Append(ctx, tx, "item.created", e.Config.Org.ID, string(item.Kind), item.ID, opts.ActorID, map[string]any{
		"category": item.Category,
		"priority": string(item.Priority),
	})
	if err != nil {
		return domain.WorkItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkItem{}, err
	}
	return item, nil
}
