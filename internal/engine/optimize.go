package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"steward/internal/domain"
	"steward/internal/repo"
)

// ErrBatchInProgress is returned when another optimizer batch holds the
// advisory lock.
var ErrBatchInProgress = errors.New("assignment batch already in progress")

const batchLockName = "assignment-batch"

// AssignmentDecision records what the optimizer did with one work item.
type AssignmentDecision struct {
	ItemID          string  `json:"item_id"`
	UserID          string  `json:"user_id,omitempty"`
	Score           float64 `json:"score,omitempty"`
	EstimatedHours  float64 `json:"estimated_hours,omitempty"`
	TransferredFrom string  `json:"transferred_from,omitempty"`
	Bottleneck      bool    `json:"bottleneck,omitempty"`
	Error           string  `json:"error,omitempty"`
}

// OptimizeReport summarizes one optimizer batch.
type OptimizeReport struct {
	Considered  int                  `json:"considered"`
	Assigned    int                  `json:"assigned"`
	Bottlenecks int                  `json:"bottlenecks"`
	Failed      int                  `json:"failed"`
	Decisions   []AssignmentDecision `json:"decisions,omitempty"`
	StartedAt   string               `json:"started_at" format:"date-time"`
	Elapsed     string               `json:"elapsed"`
}

// OptimizeScheduling runs one optimizer batch over the pending queue.
// Exactly one batch may run at a time; each item is committed in its own
// transaction, so interruption between items never corrupts state and a
// rerun only re-processes items still awaiting assignment.
func (e *Engine) OptimizeScheduling(ctx context.Context) (*OptimizeReport, error) {
	now := e.now().UTC()
	owner := uuid.NewString()
	ttl := time.Duration(e.Config.Optimizer.LockTTLMinutes) * time.Minute
	claimed, err := e.Repo.ClaimJobLock(ctx, batchLockName, owner, ttl, now)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return nil, ErrBatchInProgress
	}
	defer func() {
		if err := e.Repo.ReleaseJobLock(context.Background(), batchLockName, owner); err != nil {
			log.Printf("optimizer: release lock: %v", err)
		}
	}()

	grace := time.Duration(e.Config.Optimizer.GracePeriodMinutes) * time.Minute
	staleBefore := now.Add(-grace).Format(time.RFC3339)
	queue, err := e.Repo.PendingWorkItems(ctx, staleBefore)
	if err != nil {
		return nil, err
	}
	users, err := e.Repo.ListUsers(ctx, repo.UserFilters{Active: optionalBool(true)})
	if err != nil {
		return nil, err
	}
	activeCounts, err := e.Repo.ActiveAssignmentCounts(ctx)
	if err != nil {
		return nil, err
	}
	pool := e.candidatePool(users, activeCounts)

	report := &OptimizeReport{
		Considered: len(queue),
		StartedAt:  now.Format(time.RFC3339),
	}
	// Workload counters are local to this batch; the advisory lock keeps
	// a second batch from racing them.
	for _, item := range queue {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		decision := e.assignOne(ctx, item, pool, staleBefore)
		report.Decisions = append(report.Decisions, decision)
		switch {
		case decision.Error != "":
			report.Failed++
			log.Printf("optimizer: item %s: %s", item.ID, decision.Error)
		case decision.Bottleneck:
			report.Bottlenecks++
		default:
			report.Assigned++
			for i := range pool {
				if pool[i].User.ID == decision.UserID {
					pool[i].ActiveItems++
					break
				}
			}
		}
	}
	report.Elapsed = e.now().UTC().Sub(now).String()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err == nil {
		defer tx.Rollback()
		aerr := e.Events.Append(ctx, tx, "optimizer.run", e.Config.Org.ID, "batch", owner, "system", map[string]any{
			"considered":  report.Considered,
			"assigned":    report.Assigned,
			"bottlenecks": report.Bottlenecks,
			"failed":      report.Failed,
		})
		if aerr == nil {
			_ = tx.Commit()
		}
	}
	return report, nil
}

// assignOne scores the pool for one item and commits the winning
// assignment plus its SLA record in a single transaction. Items in the
// queue with a stale primary get handed over: the old row is marked
// transferred before the new one goes in.
func (e *Engine) assignOne(ctx context.Context, item domain.WorkItem, pool []Candidate, staleBefore string) AssignmentDecision {
	decision := AssignmentDecision{ItemID: item.ID}

	eligible := eligibleFor(item, pool)
	best, score, ok := e.bestCandidate(item, eligible)
	if !ok || score <= 0 {
		decision.Bottleneck = true
		reason := "no eligible candidate scored above zero"
		if len(eligible) == 0 {
			reason = "no candidate holds a required role"
		}
		if err := e.writeBottleneck(ctx, item, reason); err != nil {
			decision.Error = err.Error()
		}
		return decision
	}

	hours := e.EstimateHours(item, best)
	ts := e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		decision.Error = err.Error()
		return decision
	}
	defer tx.Rollback()

	cur, err := e.Repo.PrimaryAssignment(ctx, tx, item.ID)
	switch {
	case err == nil && cur.UpdatedAt >= staleBefore:
		// a fresh primary appeared since the queue was read; leave it alone
		decision.UserID = cur.UserID
		return decision
	case err == nil && cur.UserID == best.User.ID:
		// the stale holder is still the best pick; restart its clock so
		// the item leaves the re-queue window
		if err := e.Repo.UpdateAssignmentStatus(ctx, tx, item.ID, cur.UserID, "assigned", ts); err != nil {
			decision.Error = err.Error()
			return decision
		}
		if err := e.Repo.UpdateWorkItemStatus(ctx, tx, item.ID, "assigned", ts, nil); err != nil {
			decision.Error = err.Error()
			return decision
		}
		if err := tx.Commit(); err != nil {
			decision.Error = err.Error()
			return decision
		}
		decision.UserID = best.User.ID
		decision.Score = score
		if cur.EstimatedHours != nil {
			decision.EstimatedHours = *cur.EstimatedHours
		}
		return decision
	case err == nil:
		// the stale primary belongs to someone else; hand the item over
		if err := e.Repo.UpdateAssignmentStatus(ctx, tx, item.ID, cur.UserID, "transferred", ts); err != nil {
			decision.Error = err.Error()
			return decision
		}
		aerr := e.Events.Append(ctx, tx, "assignment.transferred", e.Config.Org.ID, string(item.Kind), item.ID, "optimizer", map[string]any{
			"from_user_id": cur.UserID,
			"to_user_id":   best.User.ID,
		})
		if aerr != nil {
			decision.Error = aerr.Error()
			return decision
		}
		decision.TransferredFrom = cur.UserID
	case !errors.Is(err, repo.ErrNotFound):
		decision.Error = err.Error()
		return decision
	}

	a := domain.Assignment{
		ID:             uuid.NewString(),
		ItemID:         item.ID,
		UserID:         best.User.ID,
		Role:           domain.RolePrimary,
		Status:         "assigned",
		EstimatedHours: &hours,
		CreatedAt:      ts,
		UpdatedAt:      ts,
	}
	if err := e.Repo.UpsertPrimaryAssignment(ctx, tx, a); err != nil {
		if repo.IsConflict(err) {
			decision.Error = fmt.Sprintf("primary slot for item %s is already taken", item.ID)
			return decision
		}
		decision.Error = err.Error()
		return decision
	}
	if err := e.Repo.UpdateWorkItemStatus(ctx, tx, item.ID, "assigned", ts, nil); err != nil {
		decision.Error = err.Error()
		return decision
	}
	if _, err := e.openSLARecord(ctx, tx, item, best.User.ID, e.now().UTC()); err != nil {
		decision.Error = err.Error()
		return decision
	}
	if err := e.Repo.ResolveBottlenecks(ctx, tx, item.ID); err != nil {
		decision.Error = err.Error()
		return decision
	}
	err = e.Events.Append(ctx, tx, "assignment.created", e.Config.Org.ID, string(item.Kind), item.ID, "optimizer", map[string]any{
		"user_id":         best.User.ID,
		"role":            string(domain.RolePrimary),
		"score":           score,
		"estimated_hours": hours,
	})
	if err != nil {
		decision.Error = err.Error()
		return decision
	}
	if err := tx.Commit(); err != nil {
		decision.Error = err.Error()
		return decision
	}

	decision.UserID = best.User.ID
	decision.Score = score
	decision.EstimatedHours = hours
	return decision
}

func (e *Engine) writeBottleneck(ctx context.Context, item domain.WorkItem, reason string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	open, err := e.Repo.HasOpenBottleneck(ctx, tx, item.ID)
	if err != nil {
		return err
	}
	if open {
		// the previous batch already reported this item and nothing changed
		return nil
	}
	b := domain.Bottleneck{
		ID:         uuid.NewString(),
		ItemID:     item.ID,
		Reason:     reason,
		Detail:     fmt.Sprintf("category=%s priority=%s", item.Category, item.Priority),
		ReportedAt: e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertBottleneck(ctx, tx, b); err != nil {
		return err
	}
	err = e.Events.Append(ctx, tx, "item.bottleneck", e.Config.Org.ID, string(item.Kind), item.ID, "optimizer", map[string]any{
		"reason": reason,
	})
	if err != nil {
		return err
	}
	return tx.Commit()
}

func optionalBool(b bool) *bool {
	return &b
}
