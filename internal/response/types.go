package response

import (
	"context"
	"fmt"
	"time"

	"github.com/1sec-project/accessguard/internal/core"
)

var (
	ErrPolicyNotFound   = fmt.Errorf("response policy: %w", core.ErrNotFound)
	ErrResponseNotFound = fmt.Errorf("security response: %w", core.ErrNotFound)
	ErrPolicyDisabled   = fmt.Errorf("response policy disabled: %w", core.ErrConflict)
)

// Action is the remedial action a policy performs.
type Action string

const (
	ActionRevokeSessions Action = "REVOKE_SESSIONS"
	ActionIsolateDevice  Action = "ISOLATE_DEVICE"
	ActionNotifyAdmin    Action = "NOTIFY_ADMIN"
	ActionDisableAccount Action = "DISABLE_ACCOUNT"
)

// Status tracks a SecurityResponse through PENDING → EXECUTING → COMPLETED | FAILED.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusExecuting Status = "EXECUTING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// Terminal reports whether s is COMPLETED or FAILED.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Policy maps a trigger (usually an anomaly type) to an action.
type Policy struct {
	ID          string            `json:"id"`
	Name        string            `json:"name" validate:"required,max=128"`
	Description string            `json:"description,omitempty" validate:"max=512"`
	Trigger     string            `json:"trigger" validate:"required,max=64"`
	Action      Action            `json:"action" validate:"required,max=64"`
	Params      map[string]string `json:"params,omitempty"`
	Enabled     bool              `json:"enabled"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// PolicyUpdate carries the fields to change. Nil fields are left as they are.
type PolicyUpdate struct {
	Name        *string           `json:"name,omitempty"`
	Description *string           `json:"description,omitempty"`
	Trigger     *string           `json:"trigger,omitempty"`
	Action      *Action           `json:"action,omitempty"`
	Params      map[string]string `json:"params,omitempty"`
	Enabled     *bool             `json:"enabled,omitempty"`
}

// Target identifies what a response acts on.
type Target struct {
	UserID   string `json:"user_id,omitempty"`
	DeviceID string `json:"device_id,omitempty"`
}

// SecurityResponse records one triggered execution of a policy.
type SecurityResponse struct {
	ID             string                 `json:"id"`
	PolicyID       string                 `json:"policy_id"`
	TriggeredBy    string                 `json:"triggered_by"`
	Action         Action                 `json:"action"`
	TargetUserID   string                 `json:"target_user_id,omitempty"`
	TargetDeviceID string                 `json:"target_device_id,omitempty"`
	Status         Status                 `json:"status"`
	Result         map[string]interface{} `json:"result,omitempty"`
	Error          string                 `json:"error,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	CompletedAt    *time.Time             `json:"completed_at,omitempty"`
}

// HistoryFilter narrows GetResponseHistory. Zero fields match everything.
type HistoryFilter struct {
	PolicyID     string
	TargetUserID string
	Status       Status
	Limit        int
}

// Matches reports whether r passes the filter, ignoring Limit.
func (f HistoryFilter) Matches(r SecurityResponse) bool {
	if f.PolicyID != "" && r.PolicyID != f.PolicyID {
		return false
	}
	if f.TargetUserID != "" && r.TargetUserID != f.TargetUserID {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	return true
}

// Stats aggregates response records by status. PendingResponses counts both
// PENDING and EXECUTING rows, which is how stuck executions show up.
type Stats struct {
	TotalResponses     int            `json:"total_responses"`
	PendingResponses   int            `json:"pending_responses"`
	CompletedResponses int            `json:"completed_responses"`
	FailedResponses    int            `json:"failed_responses"`
	ByStatus           map[Status]int `json:"by_status"`
	SuccessRate        float64        `json:"success_rate"`
}

// PolicyRepository persists policies. CreatePolicy and UpdatePolicy fail with
// core.ErrDuplicateName when the name is taken.
type PolicyRepository interface {
	CreatePolicy(ctx context.Context, p Policy) (Policy, error)
	GetPolicy(ctx context.Context, id string) (Policy, error)
	ListPolicies(ctx context.Context) ([]Policy, error)
	ListPoliciesByTrigger(ctx context.Context, trigger string) ([]Policy, error)
	UpdatePolicy(ctx context.Context, p Policy) error
	DeletePolicy(ctx context.Context, id string) error
}

// ResponseRepository persists security responses. ListResponses returns newest first.
type ResponseRepository interface {
	CreateResponse(ctx context.Context, r SecurityResponse) (SecurityResponse, error)
	GetResponse(ctx context.Context, id string) (SecurityResponse, error)
	UpdateResponse(ctx context.Context, r SecurityResponse) error
	ListResponses(ctx context.Context, f HistoryFilter) ([]SecurityResponse, error)
	CountResponsesByStatus(ctx context.Context) (map[Status]int, error)
}
