package core

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Severity represents the severity level of an anomaly, alert or correlation.
// The numeric value is the rank used for every comparison.
type Severity int

const (
	SeverityLow      Severity = 1
	SeverityMedium   Severity = 2
	SeverityHigh     Severity = 3
	SeverityCritical Severity = 4
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "LOW"
	case SeverityMedium:
		return "MEDIUM"
	case SeverityHigh:
		return "HIGH"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// Rank returns the position of s in the total order LOW < MEDIUM < HIGH < CRITICAL.
// Unknown values rank below LOW.
func (s Severity) Rank() int {
	if s < SeverityLow || s > SeverityCritical {
		return 0
	}
	return int(s)
}

// Valid reports whether s is one of the four defined levels.
func (s Severity) Valid() bool {
	return s.Rank() > 0
}

func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Severity) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	sev, err := LookupSeverity(str)
	if err != nil {
		return err
	}
	*s = sev
	return nil
}

// LookupSeverity converts a level name to a Severity, case-insensitively.
// Unknown names are a validation error.
func LookupSeverity(s string) (Severity, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "LOW":
		return SeverityLow, nil
	case "MEDIUM":
		return SeverityMedium, nil
	case "HIGH":
		return SeverityHigh, nil
	case "CRITICAL":
		return SeverityCritical, nil
	}
	return 0, ValidationError("unknown severity %q, want LOW, MEDIUM, HIGH or CRITICAL", s)
}

// ParseSeverity is the lenient form of LookupSeverity for internal defaults:
// unknown names map to LOW.
func ParseSeverity(s string) Severity {
	sev, err := LookupSeverity(s)
	if err != nil {
		return SeverityLow
	}
	return sev
}

// MaxSeverity returns the highest ranked severity of the arguments.
func MaxSeverity(levels ...Severity) Severity {
	var max Severity
	for _, s := range levels {
		if s.Rank() > max.Rank() {
			max = s
		}
	}
	return max
}

// AccessResult is the outcome of an access attempt.
type AccessResult string

const (
	AccessSuccess AccessResult = "SUCCESS"
	AccessFailure AccessResult = "FAILURE"
)

// AccessEvent is a single observed access attempt, as fed to the anomaly detector.
type AccessEvent struct {
	ID           string       `json:"id"`
	UserID       string       `json:"user_id" validate:"required"`
	Action       string       `json:"action" validate:"required"`
	ResourceType string       `json:"resource_type" validate:"required"`
	ResourceID   string       `json:"resource_id,omitempty"`
	Result       AccessResult `json:"result" validate:"required,oneof=SUCCESS FAILURE"`
	IPAddress    string       `json:"ip_address,omitempty" validate:"omitempty,ip"`
	Timestamp    time.Time    `json:"timestamp"`
}

// NewAccessEvent creates an AccessEvent with a generated ID and the current timestamp.
func NewAccessEvent(userID, action, resourceType string, result AccessResult) *AccessEvent {
	return &AccessEvent{
		ID:           uuid.New().String(),
		UserID:       userID,
		Action:       action,
		ResourceType: resourceType,
		Result:       result,
		Timestamp:    time.Now().UTC(),
	}
}

// ResourceKey identifies the accessed resource for per-user uniqueness statistics.
func (e *AccessEvent) ResourceKey() string {
	if e.ResourceID == "" {
		return e.ResourceType
	}
	return e.ResourceType + ":" + e.ResourceID
}

// Marshal serializes the event to JSON.
func (e *AccessEvent) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalAccessEvent deserializes an AccessEvent from JSON, filling in a missing
// ID or timestamp.
func UnmarshalAccessEvent(data []byte) (*AccessEvent, error) {
	var event AccessEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, err
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	return &event, nil
}
