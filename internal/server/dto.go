package server

import (
	"steward/internal/domain"
)

// Request payloads

type CreateOrgRequest struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Region          string `json:"region,omitempty"`
	Sector          string `json:"sector,omitempty"`
	AccountableRole string `json:"accountable_role,omitempty"`
}

type CreateUserRequest struct {
	ID         string `json:"id"`
	Name       string `json:"name,omitempty"`
	Role       string `json:"role"`
	OrgID      string `json:"org_id"`
	Region     string `json:"region,omitempty"`
	Sector     string `json:"sector,omitempty"`
	Experience string `json:"experience,omitempty" enum:"junior,mid,senior,expert"`
}

type CreateWorkItemRequest struct {
	ID            *string  `json:"id,omitempty"`
	Kind          string   `json:"kind" enum:"plan,task"`
	Category      string   `json:"category"`
	Priority      string   `json:"priority,omitempty" enum:"critical,high,medium,low"`
	OrgID         string   `json:"org_id"`
	PlanID        *string  `json:"plan_id,omitempty"`
	FrameworkID   *string  `json:"framework_id,omitempty"`
	RequiredRoles []string `json:"required_roles,omitempty"`
	Title         string   `json:"title,omitempty"`
	DueAt         *string  `json:"due_at,omitempty" format:"date-time"`
	AutoAssign    bool     `json:"auto_assign,omitempty"`
}

type SetUserActiveRequest struct {
	Active bool `json:"active"`
}

type UpsertRoleActionRequest struct {
	Role     string `json:"role"`
	Action   string `json:"action"`
	Sector   string `json:"sector,omitempty"`
	Region   string `json:"region,omitempty"`
	Priority int    `json:"priority,omitempty"`
}

type CreateAPIKeyRequest struct {
	UserID string `json:"user_id"`
	Name   string `json:"name,omitempty"`
}

// Response payloads

type CreateAPIKeyResponse struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`
	Name   string `json:"name,omitempty"`
	Key    string `json:"key"`
}

type SLAResponse struct {
	Records []domain.SLARecord `json:"records"`
}

type RecomputeResponse struct {
	Updated int `json:"updated"`
}

type BottleneckReport struct {
	Bottlenecks []domain.Bottleneck `json:"bottlenecks"`
}

type ProfilesResponse struct {
	Profiles []domain.UserProfile `json:"profiles"`
	Rebuilt  bool                 `json:"rebuilt,omitempty"`
}

func stringOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
