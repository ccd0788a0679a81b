package engine

import (
	"context"
	"fmt"
	"log"
	"time"

	"steward/internal/domain"
	"steward/internal/repo"
)

// computeSLA re-derives the live fields of an open record from the clock.
// Terminal records are returned unchanged; compliance is clamped to
// [0,100] and remaining/overdue hours never go negative together.
func computeSLA(rec domain.SLARecord, now time.Time, atRiskFraction float64) domain.SLARecord {
	if rec.Status.Terminal() {
		return rec
	}
	started, err := time.Parse(time.RFC3339, rec.StartedAt)
	if err != nil {
		return rec
	}
	target := started.Add(time.Duration(rec.TargetHours * float64(time.Hour)))
	rec.TargetAt = target.UTC().Format(time.RFC3339)

	elapsed := now.Sub(started).Hours()
	if elapsed < 0 {
		elapsed = 0
	}
	remaining := rec.TargetHours - elapsed
	if remaining >= 0 {
		rec.HoursRemaining = remaining
		rec.HoursOverdue = 0
		if remaining < rec.TargetHours*atRiskFraction {
			rec.Status = domain.SLAAtRisk
		} else {
			rec.Status = domain.SLAOnTrack
		}
		pct := remaining / rec.TargetHours * 100
		if pct > 100 {
			pct = 100
		}
		if pct < 0 {
			pct = 0
		}
		rec.CompliancePct = pct
	} else {
		rec.HoursRemaining = 0
		rec.HoursOverdue = -remaining
		rec.Status = domain.SLABreached
		rec.CompliancePct = 0
	}
	rec.UpdatedAt = now.UTC().Format(time.RFC3339)
	return rec
}

// targetHours returns the configured SLA budget for an item, honoring an
// explicit due date over the category default.
func (e *Engine) targetHours(item domain.WorkItem, startedAt time.Time) float64 {
	if item.DueAt != nil {
		if due, err := time.Parse(time.RFC3339, *item.DueAt); err == nil && due.After(startedAt) {
			return due.Sub(startedAt).Hours()
		}
	}
	if item.Kind == domain.KindPlan {
		return float64(e.Config.SLA.PlanDays) * 24
	}
	return e.Config.SLA.TaskHours
}

// UpdateSLATracking refreshes the open record for one item and persists
// any status transition, emitting sla.status.changed when it flips.
func (e *Engine) UpdateSLATracking(ctx context.Context, kind domain.ItemKind, itemID string) (domain.SLARecord, error) {
	rec, err := e.Repo.GetOpenSLARecord(ctx, nil, kind, itemID)
	if err != nil {
		return domain.SLARecord{}, err
	}
	return e.refreshSLA(ctx, rec)
}

func (e *Engine) refreshSLA(ctx context.Context, rec domain.SLARecord) (domain.SLARecord, error) {
	now := e.now().UTC()
	prev := rec.Status
	next := computeSLA(rec, now, e.Config.SLA.AtRiskFraction)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.SLARecord{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.UpdateSLARecord(ctx, tx, next); err != nil {
		return domain.SLARecord{}, err
	}
	if next.Status != prev {
		err := e.Events.Append(ctx, tx, "sla.status.changed", e.Config.Org.ID, "sla", next.ID, "system", map[string]any{
			"item_kind":       string(next.ItemKind),
			"item_id":         next.ItemID,
			"from":            string(prev),
			"to":              string(next.Status),
			"compliance_pct":  next.CompliancePct,
			"hours_remaining": next.HoursRemaining,
			"hours_overdue":   next.HoursOverdue,
		})
		if err != nil {
			return domain.SLARecord{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.SLARecord{}, err
	}
	return next, nil
}

// RecomputeAllSLA sweeps every open record. Individual failures are
// logged and skipped so one bad row cannot stall the sweep.
func (e *Engine) RecomputeAllSLA(ctx context.Context) (int, error) {
	open, err := e.Repo.ListOpenSLARecords(ctx)
	if err != nil {
		return 0, err
	}
	updated := 0
	for _, rec := range open {
		if err := ctx.Err(); err != nil {
			return updated, err
		}
		if _, err := e.refreshSLA(ctx, rec); err != nil {
			log.Printf("sla: recompute %s %s: %v", rec.ItemKind, rec.ItemID, err)
			continue
		}
		updated++
	}
	return updated, nil
}

// CompleteItem closes a work item, its assignments, and its open SLA
// record in one transaction. Compliance is frozen at completion time;
// finishing before target scores a flat 100.
func (e *Engine) CompleteItem(ctx context.Context, itemID, actorID string) (domain.WorkItem, error) {
	item, err := e.Repo.GetWorkItem(ctx, itemID)
	if err != nil {
		return domain.WorkItem{}, err
	}
	if item.Status == "completed" {
		return item, nil
	}
	if item.Status == "cancelled" {
		return domain.WorkItem{}, fmt.Errorf("work item %s is cancelled", itemID)
	}

	now := e.now().UTC()
	ts := now.Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkItem{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.UpdateWorkItemStatus(ctx, tx, itemID, "completed", ts, &ts); err != nil {
		return domain.WorkItem{}, err
	}
	assignments, err := e.Repo.ListAssignmentsByItem(ctx, itemID)
	if err != nil {
		return domain.WorkItem{}, err
	}
	for _, a := range assignments {
		if a.Status == "completed" || a.Status == "rejected" || a.Status == "transferred" {
			continue
		}
		if err := e.Repo.UpdateAssignmentStatus(ctx, tx, itemID, a.UserID, "completed", ts); err != nil {
			return domain.WorkItem{}, err
		}
	}

	rec, err := e.Repo.GetOpenSLARecord(ctx, tx, item.Kind, itemID)
	switch {
	case err == nil:
		rec = computeSLA(rec, now, e.Config.SLA.AtRiskFraction)
		if rec.HoursOverdue == 0 {
			rec.CompliancePct = 100
		}
		rec.Status = domain.SLACompleted
		rec.CompletedAt = &ts
		rec.UpdatedAt = ts
		if err := e.Repo.UpdateSLARecord(ctx, tx, rec); err != nil {
			return domain.WorkItem{}, err
		}
		err = e.Events.Append(ctx, tx, "sla.completed", e.Config.Org.ID, "sla", rec.ID, actorID, map[string]any{
			"item_kind":      string(item.Kind),
			"item_id":        itemID,
			"compliance_pct": rec.CompliancePct,
			"hours_overdue":  rec.HoursOverdue,
		})
		if err != nil {
			return domain.WorkItem{}, err
		}
	case err == repo.ErrNotFound:
		// nothing tracked for this item
	default:
		return domain.WorkItem{}, err
	}

	if err := e.Repo.ResolveBottlenecks(ctx, tx, itemID); err != nil {
		return domain.WorkItem{}, err
	}
	err = e.Events.Append(ctx, tx, "item.completed", e.Config.Org.ID, string(item.Kind), itemID, actorID, nil)
	if err != nil {
		return domain.WorkItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkItem{}, err
	}

	item.Status = "completed"
	item.CompletedAt = &ts
	item.UpdatedAt = ts
	return item, nil
}

// CancelItem cancels a work item and marks its open SLA record cancelled
// instead of breached.
func (e *Engine) CancelItem(ctx context.Context, itemID, actorID string) (domain.WorkItem, error) {
	item, err := e.Repo.GetWorkItem(ctx, itemID)
	if err != nil {
		return domain.WorkItem{}, err
	}
	if item.Status == "cancelled" {
		return item, nil
	}
	if item.Status == "completed" {
		return domain.WorkItem{}, fmt.Errorf("work item %s is already completed", itemID)
	}

	ts := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkItem{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.UpdateWorkItemStatus(ctx, tx, itemID, "cancelled", ts, nil); err != nil {
		return domain.WorkItem{}, err
	}
	rec, err := e.Repo.GetOpenSLARecord(ctx, tx, item.Kind, itemID)
	if err == nil {
		rec.Status = domain.SLACancelled
		rec.UpdatedAt = ts
		if err := e.Repo.UpdateSLARecord(ctx, tx, rec); err != nil {
			return domain.WorkItem{}, err
		}
	} else if err != repo.ErrNotFound {
		return domain.WorkItem{}, err
	}
	if err := e.Repo.ResolveBottlenecks(ctx, tx, itemID); err != nil {
		return domain.WorkItem{}, err
	}
	err = e.Events.Append(ctx, tx, "item.cancelled", e.Config.Org.ID, string(item.Kind), itemID, actorID, nil)
	if err != nil {
		return domain.WorkItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkItem{}, err
	}

	item.Status = "cancelled"
	item.UpdatedAt = ts
	return item, nil
}
