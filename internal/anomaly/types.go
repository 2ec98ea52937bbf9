package anomaly

import (
	"context"
	"fmt"
	"time"

	"github.com/1sec-project/accessguard/internal/core"
)

var (
	ErrAnomalyNotFound   = fmt.Errorf("anomaly: %w", core.ErrNotFound)
	ErrAlertNotFound     = fmt.Errorf("alert: %w", core.ErrNotFound)
	ErrInvalidTransition = fmt.Errorf("invalid status transition: %w", core.ErrConflict)
)

// Type names the rule that raised an anomaly.
type Type string

const (
	TypeBruteForce          Type = "BRUTE_FORCE"
	TypeUnusualAccessTime   Type = "UNUSUAL_ACCESS_TIME"
	TypeSensitiveDataAccess Type = "SENSITIVE_DATA_ACCESS"
	TypeDataExfiltration    Type = "DATA_EXFILTRATION"
)

// Status is shared by anomalies and alerts.
type Status string

const (
	StatusNew          Status = "NEW"
	StatusAcknowledged Status = "ACKNOWLEDGED"
	StatusResolved     Status = "RESOLVED"
)

// ParseStatus validates a status name.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusNew, StatusAcknowledged, StatusResolved:
		return st, nil
	}
	return "", core.ValidationError("unknown status %q", s)
}

// CanTransition reports whether moving from s to next is allowed. Status only
// moves forward: NEW→ACKNOWLEDGED→RESOLVED, or NEW→RESOLVED directly.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusNew:
		return next == StatusAcknowledged || next == StatusResolved
	case StatusAcknowledged:
		return next == StatusResolved
	}
	return false
}

// Baseline is the rolling access profile of one user.
type Baseline struct {
	UserID                  string    `json:"user_id"`
	AccessCount             int64     `json:"access_count"`
	FailedAccessCount       int64     `json:"failed_access_count"`
	UniqueResourcesAccessed int64     `json:"unique_resources_accessed"`
	AverageAccessTime       float64   `json:"average_access_time"` // mean hour of day
	LastAccessTime          time.Time `json:"last_access_time"`
}

// Anomaly is a persisted rule match.
type Anomaly struct {
	ID          string                 `json:"id"`
	UserID      string                 `json:"user_id"`
	Type        Type                   `json:"type"`
	Severity    core.Severity          `json:"severity"`
	Description string                 `json:"description"`
	Context     map[string]interface{} `json:"context,omitempty"`
	Status      Status                 `json:"status"`
	DetectedAt  time.Time              `json:"detected_at"`
	ResolvedAt  *time.Time             `json:"resolved_at,omitempty"`
}

// Alert is raised for every anomaly.
type Alert struct {
	ID             string        `json:"id"`
	AnomalyID      string        `json:"anomaly_id"`
	UserID         string        `json:"user_id"`
	Severity       core.Severity `json:"severity"`
	Description    string        `json:"description"`
	Action         string        `json:"action,omitempty"`
	Status         Status        `json:"status"`
	CreatedAt      time.Time     `json:"created_at"`
	AcknowledgedAt *time.Time    `json:"acknowledged_at,omitempty"`
	ResolvedAt     *time.Time    `json:"resolved_at,omitempty"`
}

// AlertFilter narrows GetAlerts. Zero fields match everything.
type AlertFilter struct {
	Status      Status
	MinSeverity core.Severity
	UserID      string
	Limit       int
}

// Matches reports whether a passes the filter, ignoring Limit.
func (f AlertFilter) Matches(a Alert) bool {
	if f.Status != "" && a.Status != f.Status {
		return false
	}
	if f.MinSeverity.Valid() && a.Severity.Rank() < f.MinSeverity.Rank() {
		return false
	}
	if f.UserID != "" && a.UserID != f.UserID {
		return false
	}
	return true
}

// Correlation is the result of grouping anomalies.
type Correlation struct {
	Correlated  bool          `json:"correlated"`
	UserID      string        `json:"user_id,omitempty"`
	Severity    core.Severity `json:"severity"`
	Description string        `json:"description"`
	AnomalyIDs  []string      `json:"anomaly_ids,omitempty"`
}

// EventSource keeps the recent access history used by the windowed rules.
type EventSource interface {
	// RecordEvent stores e and reports whether it is the user's first access
	// to e.ResourceKey().
	RecordEvent(ctx context.Context, e core.AccessEvent) (firstAccess bool, err error)
	// CountEvents counts the user's events with the given result at or after since.
	CountEvents(ctx context.Context, userID string, result core.AccessResult, since time.Time) (int, error)
}

// BaselineStore persists one Baseline per user.
type BaselineStore interface {
	GetBaseline(ctx context.Context, userID string) (Baseline, bool, error)
	UpsertBaseline(ctx context.Context, b Baseline) error
}

// AnomalyRepository persists anomalies. ListUserAnomalies returns newest first;
// a zero since returns the full history.
type AnomalyRepository interface {
	CreateAnomaly(ctx context.Context, a Anomaly) (Anomaly, error)
	GetAnomaly(ctx context.Context, id string) (Anomaly, error)
	ListUserAnomalies(ctx context.Context, userID string, since time.Time) ([]Anomaly, error)
	UpdateAnomaly(ctx context.Context, a Anomaly) error
}

// AlertRepository persists alerts. ListAlerts returns newest first.
type AlertRepository interface {
	CreateAlert(ctx context.Context, a Alert) (Alert, error)
	GetAlert(ctx context.Context, id string) (Alert, error)
	ListAlerts(ctx context.Context, f AlertFilter) ([]Alert, error)
	UpdateAlert(ctx context.Context, a Alert) error
}
