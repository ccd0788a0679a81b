package domain

// ItemKind distinguishes plans from tasks for SLA bookkeeping.
type ItemKind string

const (
	KindPlan ItemKind = "plan"
	KindTask ItemKind = "task"
)

// Priority orders work items; critical outranks everything else.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Rank returns a sortable position, lower is more urgent.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 3
	default:
		return 4
	}
}

// AssignmentRole tags how a user relates to a work item.
type AssignmentRole string

const (
	RolePrimary    AssignmentRole = "primary"
	RoleSecondary  AssignmentRole = "secondary"
	RoleReviewer   AssignmentRole = "reviewer"
	RoleApprover   AssignmentRole = "approver"
	RoleObserver   AssignmentRole = "observer"
	RoleEscalation AssignmentRole = "escalation"
)

// SLAStatus values; completed and cancelled are terminal.
type SLAStatus string

const (
	SLAOnTrack   SLAStatus = "on_track"
	SLAAtRisk    SLAStatus = "at_risk"
	SLABreached  SLAStatus = "breached"
	SLACompleted SLAStatus = "completed"
	SLACancelled SLAStatus = "cancelled"
)

// Terminal reports whether the status can no longer change.
func (s SLAStatus) Terminal() bool {
	return s == SLACompleted || s == SLACancelled
}

type Organization struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Region          string `json:"region"`
	Sector          string `json:"sector"`
	AccountableRole string `json:"accountable_role,omitempty"`
	CreatedAt       string `json:"created_at" format:"date-time"`
}

type User struct {
	ID         string `json:"id"`
	Name       string `json:"name,omitempty"`
	Role       string `json:"role"`
	OrgID      string `json:"org_id"`
	Region     string `json:"region,omitempty"`
	Sector     string `json:"sector,omitempty"`
	Experience string `json:"experience" enum:"junior,mid,senior,expert"`
	Active     bool   `json:"active"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

type WorkItem struct {
	ID            string   `json:"id"`
	Kind          ItemKind `json:"kind" enum:"plan,task"`
	Category      string   `json:"category"`
	Priority      Priority `json:"priority" enum:"critical,high,medium,low"`
	OrgID         string   `json:"org_id"`
	PlanID        *string  `json:"plan_id,omitempty"`
	FrameworkID   *string  `json:"framework_id,omitempty"`
	RequiredRoles []string `json:"required_roles,omitempty"`
	Status        string   `json:"status" enum:"pending,assigned,in_progress,completed,cancelled"`
	Title         string   `json:"title,omitempty"`
	CreatedAt     string   `json:"created_at" format:"date-time"`
	UpdatedAt     string   `json:"updated_at" format:"date-time"`
	DueAt         *string  `json:"due_at,omitempty" format:"date-time"`
	CompletedAt   *string  `json:"completed_at,omitempty" format:"date-time"`
}

type Assignment struct {
	ID                string         `json:"id"`
	ItemID            string         `json:"item_id"`
	UserID            string         `json:"user_id"`
	Role              AssignmentRole `json:"role" enum:"primary,secondary,reviewer,approver,observer,escalation"`
	Status            string         `json:"status" enum:"assigned,accepted,in_progress,completed,rejected,transferred"`
	ResponsibilityTag string         `json:"responsibility_tag,omitempty"`
	EstimatedHours    *float64       `json:"estimated_hours,omitempty"`
	CreatedAt         string         `json:"created_at" format:"date-time"`
	UpdatedAt         string         `json:"updated_at" format:"date-time"`
}

type SLARecord struct {
	ID             string    `json:"id"`
	ItemKind       ItemKind  `json:"item_kind" enum:"plan,task"`
	ItemID         string    `json:"item_id"`
	TargetHours    float64   `json:"target_hours"`
	StartedAt      string    `json:"started_at" format:"date-time"`
	TargetAt       string    `json:"target_at" format:"date-time"`
	CompletedAt    *string   `json:"completed_at,omitempty" format:"date-time"`
	Status         SLAStatus `json:"status" enum:"on_track,at_risk,breached,completed,cancelled"`
	CompliancePct  float64   `json:"compliance_pct"`
	HoursRemaining float64   `json:"hours_remaining"`
	HoursOverdue   float64   `json:"hours_overdue"`
	ResponsibleID  *string   `json:"responsible_id,omitempty"`
	UpdatedAt      string    `json:"updated_at" format:"date-time"`
}

// RoleAction is a policy row: an action a role may take, scoped by
// sector and region, ordered by priority.
type RoleAction struct {
	ID       int64  `json:"id"`
	Role     string `json:"role"`
	Action   string `json:"action"`
	Sector   string `json:"sector,omitempty"`
	Region   string `json:"region,omitempty"`
	Priority int    `json:"priority"`
}

// CategoryStats is the per-category slice of a user profile.
type CategoryStats struct {
	Count       int     `json:"count"`
	AvgHours    float64 `json:"avg_hours"`
	SuccessRate float64 `json:"success_rate"`
}

// UserProfile is a derived, rebuildable aggregate; never the system of record.
type UserProfile struct {
	UserID         string                   `json:"user_id"`
	TotalAssigned  int                      `json:"total_assigned"`
	TotalCompleted int                      `json:"total_completed"`
	Reliability    float64                  `json:"reliability"`
	AvgHours       float64                  `json:"avg_hours"`
	Categories     map[string]CategoryStats `json:"categories,omitempty"`
	RebuiltAt      string                   `json:"rebuilt_at" format:"date-time"`
}

// Bottleneck records a work item no eligible candidate could take.
type Bottleneck struct {
	ID         string `json:"id"`
	ItemID     string `json:"item_id"`
	Reason     string `json:"reason"`
	Detail     string `json:"detail,omitempty"`
	Resolved   bool   `json:"resolved"`
	ReportedAt string `json:"reported_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	OrgID      string `json:"org_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
