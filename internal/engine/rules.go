package engine

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"steward/internal/domain"
	"steward/internal/repo"
)

// Responsibility tags recorded on assignments created by the rule engine.
const (
	TagSectorManager     = "Sector Manager"
	TagComplianceAuditor = "Compliance Auditor"
	TagRegionalManager   = "Regional Manager"
	TagAccountableRole   = "Accountable Role"
	TagInherited         = "Inherited Primary"
	TagRequiredRole      = "Required Role"
)

// AssignResult is returned atomically by both rule-engine entry points so
// the caller can persist the owning item with its metadata in one write.
type AssignResult struct {
	ItemID      string              `json:"item_id"`
	Assignments []domain.Assignment `json:"assignments"`
	SLA         *domain.SLARecord   `json:"sla,omitempty"`
	Trace       []string            `json:"trace"`
	Bottleneck  *domain.Bottleneck  `json:"bottleneck,omitempty"`
}

// AutoAssignPlan applies the declarative plan rules: up to one sector
// manager from the owning org, one compliance auditor from the org or
// its region when the plan references a framework, and one regional
// manager for the org's region, de-duplicated by user id. The first
// selection becomes the primary responsible.
func (e *Engine) AutoAssignPlan(ctx context.Context, planID, actorID string) (*AssignResult, error) {
	item, err := e.Repo.GetWorkItem(ctx, planID)
	if err != nil {
		return nil, err
	}
	if item.Kind != domain.KindPlan {
		return nil, fmt.Errorf("work item %s is not a plan", planID)
	}
	org, err := e.Repo.GetOrg(ctx, item.OrgID)
	if err != nil {
		return nil, err
	}

	res := &AssignResult{ItemID: planID}
	var picks []rulePick

	if u, ok := e.pickByRole(ctx, org.ID, "", e.Config.Rules.SectorManagerRole); ok {
		picks = append(picks, rulePick{user: u, tag: TagSectorManager})
		res.Trace = append(res.Trace, fmt.Sprintf("sector-manager: %s", u.ID))
	} else {
		res.Trace = append(res.Trace, "sector-manager: no candidate")
	}
	if item.FrameworkID != nil {
		if u, ok := e.pickByRole(ctx, org.ID, org.Region, e.Config.Rules.ComplianceAuditorRole); ok {
			picks = append(picks, rulePick{user: u, tag: TagComplianceAuditor})
			res.Trace = append(res.Trace, fmt.Sprintf("compliance-auditor: %s", u.ID))
		} else {
			res.Trace = append(res.Trace, "compliance-auditor: no candidate")
		}
	} else {
		res.Trace = append(res.Trace, "compliance-auditor: skipped, no framework")
	}
	if u, ok := e.pickByRole(ctx, "", org.Region, e.Config.Rules.RegionalManagerRole); ok {
		picks = append(picks, rulePick{user: u, tag: TagRegionalManager})
		res.Trace = append(res.Trace, fmt.Sprintf("regional-manager: %s", u.ID))
	} else {
		res.Trace = append(res.Trace, "regional-manager: no candidate")
	}

	picks = dedupePicks(picks)
	if len(picks) == 0 {
		return e.reportBottleneck(ctx, res, item, "no responsible candidate matched any plan rule", actorID)
	}
	activeCounts, err := e.Repo.ActiveAssignmentCounts(ctx)
	if err != nil {
		return nil, err
	}
	return e.commitAssignments(ctx, res, item, picks, activeCounts, actorID)
}

// AutoAssignTask inherits the parent plan's primary responsible, then
// fills each required role with the least-loaded qualified candidate,
// same-org users ahead of same-region users. With no role-qualified
// candidate anywhere, the org's accountable role is the fallback.
func (e *Engine) AutoAssignTask(ctx context.Context, taskID, actorID string) (*AssignResult, error) {
	item, err := e.Repo.GetWorkItem(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if item.Kind != domain.KindTask {
		return nil, fmt.Errorf("work item %s is not a task", taskID)
	}
	org, err := e.Repo.GetOrg(ctx, item.OrgID)
	if err != nil {
		return nil, err
	}

	res := &AssignResult{ItemID: taskID}
	var picks []rulePick

	if item.PlanID != nil {
		if u, ok := e.planPrimary(ctx, *item.PlanID); ok {
			picks = append(picks, rulePick{user: u, tag: TagInherited})
			res.Trace = append(res.Trace, fmt.Sprintf("inherited plan primary: %s", u.ID))
		} else {
			res.Trace = append(res.Trace, "inherited plan primary: none found")
		}
	}

	activeCounts, err := e.Repo.ActiveAssignmentCounts(ctx)
	if err != nil {
		return nil, err
	}
	overdueCounts, err := e.Repo.OverdueSLACounts(ctx)
	if err != nil {
		return nil, err
	}

	for _, role := range item.RequiredRoles {
		users, err := e.Repo.EligibleUsers(ctx, org.ID, org.Region, role)
		if err != nil {
			return nil, err
		}
		ranked := rankByWorkload(users, org.ID, activeCounts, overdueCounts, e.Config.Rules.MaxCandidatesPerRole)
		if len(ranked) == 0 {
			res.Trace = append(res.Trace, fmt.Sprintf("required role %s: no candidate", role))
			continue
		}
		picks = append(picks, rulePick{user: ranked[0], tag: TagRequiredRole})
		res.Trace = append(res.Trace, fmt.Sprintf("required role %s: %s (of %d ranked)", role, ranked[0].ID, len(ranked)))
	}

	picks = dedupePicks(picks)
	if len(picks) == 0 && org.AccountableRole != "" {
		if u, ok := e.pickByRole(ctx, org.ID, org.Region, org.AccountableRole); ok {
			picks = append(picks, rulePick{user: u, tag: TagAccountableRole})
			res.Trace = append(res.Trace, fmt.Sprintf("fallback accountable role %s: %s", org.AccountableRole, u.ID))
		}
	}
	if len(picks) == 0 {
		return e.reportBottleneck(ctx, res, item, "no qualified candidate for any required role", actorID)
	}
	return e.commitAssignments(ctx, res, item, picks, activeCounts, actorID)
}

type rulePick struct {
	user domain.User
	tag  string
}

func dedupePicks(picks []rulePick) []rulePick {
	seen := map[string]bool{}
	out := picks[:0]
	for _, p := range picks {
		if seen[p.user.ID] {
			continue
		}
		seen[p.user.ID] = true
		out = append(out, p)
	}
	return out
}

// pickByRole returns the first eligible user with the role, same-org
// users ranked ahead of same-region users.
func (e *Engine) pickByRole(ctx context.Context, orgID, region, role string) (domain.User, bool) {
	if role == "" {
		return domain.User{}, false
	}
	users, err := e.Repo.EligibleUsers(ctx, orgID, region, role)
	if err != nil || len(users) == 0 {
		return domain.User{}, false
	}
	return users[0], true
}

// planPrimary resolves the primary responsible of a plan, if any.
func (e *Engine) planPrimary(ctx context.Context, planID string) (domain.User, bool) {
	assignments, err := e.Repo.ListAssignmentsByItem(ctx, planID)
	if err != nil {
		return domain.User{}, false
	}
	for _, a := range assignments {
		if a.Role != domain.RolePrimary {
			continue
		}
		u, err := e.Repo.GetUser(ctx, a.UserID)
		if err != nil || !u.Active {
			return domain.User{}, false
		}
		return u, true
	}
	return domain.User{}, false
}

// rankByWorkload orders candidates by ascending active + 2*overdue,
// same-org first, user id as the deterministic tiebreak, truncated to
// the configured shortlist size.
func rankByWorkload(users []domain.User, orgID string, active, overdue map[string]int, limit int) []domain.User {
	score := func(u domain.User) int { return active[u.ID] + 2*overdue[u.ID] }
	sorted := append([]domain.User(nil), users...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		sameA, sameB := a.OrgID == orgID, b.OrgID == orgID
		if sameA != sameB {
			return sameA
		}
		sa, sb := score(a), score(b)
		if sa != sb {
			return sa < sb
		}
		return a.ID < b.ID
	})
	if limit > 0 && len(sorted) > limit {
		sorted = sorted[:limit]
	}
	return sorted
}

// commitAssignments writes the picks, the item status flip, and the SLA
// record in one transaction. A duplicate assignment or a concurrent open
// SLA record means another caller got there first; both are treated as
// already handled. Estimates see each pick's current workload via active.
func (e *Engine) commitAssignments(ctx context.Context, res *AssignResult, item domain.WorkItem, picks []rulePick, active map[string]int, actorID string) (*AssignResult, error) {
	now := e.now().UTC()
	ts := now.Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	for i, p := range picks {
		role := domain.RoleSecondary
		if i == 0 {
			role = domain.RolePrimary
		}
		hours := e.EstimateHours(item, Candidate{
			User:        p.user,
			Profile:     e.Profile(p.user.ID),
			ActiveItems: active[p.user.ID],
		})
		a := domain.Assignment{
			ID:                uuid.NewString(),
			ItemID:            item.ID,
			UserID:            p.user.ID,
			Role:              role,
			Status:            "assigned",
			ResponsibilityTag: p.tag,
			EstimatedHours:    &hours,
			CreatedAt:         ts,
			UpdatedAt:         ts,
		}
		if err := e.Repo.InsertAssignment(ctx, tx, a); err != nil {
			if repo.IsConflict(err) {
				res.Trace = append(res.Trace, fmt.Sprintf("assignment for %s already exists", p.user.ID))
				aerr := e.Events.Append(ctx, tx, "assignment.skipped", e.Config.Org.ID, string(item.Kind), item.ID, actorID, map[string]any{
					"user_id": p.user.ID,
					"reason":  "duplicate",
				})
				if aerr != nil {
					return nil, aerr
				}
				continue
			}
			return nil, err
		}
		res.Assignments = append(res.Assignments, a)
		err = e.Events.Append(ctx, tx, "assignment.created", e.Config.Org.ID, string(item.Kind), item.ID, actorID, map[string]any{
			"user_id":         p.user.ID,
			"role":            string(role),
			"responsibility":  p.tag,
			"estimated_hours": hours,
		})
		if err != nil {
			return nil, err
		}
	}

	if item.Status == "pending" {
		if err := e.Repo.UpdateWorkItemStatus(ctx, tx, item.ID, "assigned", ts, nil); err != nil {
			return nil, err
		}
	}

	rec, err := e.openSLARecord(ctx, tx, item, picks[0].user.ID, now)
	if err != nil {
		return nil, err
	}
	res.SLA = rec

	if err := e.Repo.ResolveBottlenecks(ctx, tx, item.ID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return res, nil
}

// openSLARecord creates the item's open SLA record inside tx, or loads
// the existing one when a concurrent writer already created it.
func (e *Engine) openSLARecord(ctx context.Context, tx *sql.Tx, item domain.WorkItem, responsibleID string, now time.Time) (*domain.SLARecord, error) {
	target := e.targetHours(item, now)
	rec := domain.SLARecord{
		ID:             uuid.NewString(),
		ItemKind:       item.Kind,
		ItemID:         item.ID,
		TargetHours:    target,
		StartedAt:      now.Format(time.RFC3339),
		TargetAt:       now.Add(time.Duration(target * float64(time.Hour))).Format(time.RFC3339),
		Status:         domain.SLAOnTrack,
		CompliancePct:  100,
		HoursRemaining: target,
		ResponsibleID:  &responsibleID,
		UpdatedAt:      now.Format(time.RFC3339),
	}
	if err := e.Repo.InsertSLARecord(ctx, tx, rec); err != nil {
		if repo.IsConflict(err) {
			existing, gerr := e.Repo.GetOpenSLARecord(ctx, tx, item.Kind, item.ID)
			if gerr != nil {
				return nil, gerr
			}
			return &existing, nil
		}
		return nil, err
	}
	if err := e.Events.Append(ctx, tx, "sla.started", e.Config.Org.ID, "sla", rec.ID, "system", map[string]any{
		"item_kind":    string(item.Kind),
		"item_id":      item.ID,
		"target_hours": target,
	}); err != nil {
		return nil, err
	}
	return &rec, nil
}

// reportBottleneck records the no-candidate outcome and returns it as an
// actionable result rather than an error.
func (e *Engine) reportBottleneck(ctx context.Context, res *AssignResult, item domain.WorkItem, reason, actorID string) (*AssignResult, error) {
	now := e.now().UTC().Format(time.RFC3339)
	b := domain.Bottleneck{
		ID:         uuid.NewString(),
		ItemID:     item.ID,
		Reason:     reason,
		Detail:     fmt.Sprintf("category=%s priority=%s", item.Category, item.Priority),
		ReportedAt: now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertBottleneck(ctx, tx, b); err != nil {
		return nil, err
	}
	err = e.Events.Append(ctx, tx, "item.bottleneck", e.Config.Org.ID, string(item.Kind), item.ID, actorID, map[string]any{
		"reason": reason,
	})
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	res.Bottleneck = &b
	res.Trace = append(res.Trace, "bottleneck: "+reason)
	return res, nil
}
