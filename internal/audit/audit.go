// Package audit records the outcome of security-relevant operations.
package audit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Outcome is the result recorded by an audit entry.
type Outcome string

const (
	OutcomeSuccess Outcome = "SUCCESS"
	OutcomeFailure Outcome = "FAILURE"
)

// Entry is a single audit record.
type Entry struct {
	ID           string                 `json:"id"`
	Action       string                 `json:"action"`
	ResourceType string                 `json:"resource_type"`
	ResourceID   string                 `json:"resource_id"`
	Outcome      Outcome                `json:"outcome"`
	Details      map[string]interface{} `json:"details,omitempty"`
	Reason       string                 `json:"reason,omitempty"`
	Timestamp    time.Time              `json:"timestamp"`
}

// Logger is the audit interface consumed by the response engine.
type Logger interface {
	LogSuccess(ctx context.Context, action, resourceType, resourceID string, details map[string]interface{}) error
	LogFailure(ctx context.Context, action, resourceType, resourceID, reason string) error
}

// Sink persists audit entries.
type Sink interface {
	Write(ctx context.Context, e Entry) error
}

// Log fans every entry out to its sinks. All sinks are attempted; their errors
// are joined.
type Log struct {
	sinks []Sink
	now   func() time.Time
}

func New(sinks ...Sink) *Log {
	return &Log{sinks: sinks, now: func() time.Time { return time.Now().UTC() }}
}

func (l *Log) LogSuccess(ctx context.Context, action, resourceType, resourceID string, details map[string]interface{}) error {
	return l.write(ctx, Entry{
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Outcome:      OutcomeSuccess,
		Details:      details,
	})
}

func (l *Log) LogFailure(ctx context.Context, action, resourceType, resourceID, reason string) error {
	return l.write(ctx, Entry{
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Outcome:      OutcomeFailure,
		Reason:       reason,
	})
}

func (l *Log) write(ctx context.Context, e Entry) error {
	e.ID = uuid.New().String()
	e.Timestamp = l.now()
	var errs []error
	for _, s := range l.sinks {
		if err := s.Write(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink writes entries to a zerolog logger.
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "audit").Logger()}
}

func (s *LogSink) Write(_ context.Context, e Entry) error {
	ev := s.logger.Info()
	if e.Outcome == OutcomeFailure {
		ev = s.logger.Warn().Str("reason", e.Reason)
	}
	if len(e.Details) > 0 {
		ev = ev.Interface("details", e.Details)
	}
	ev.Str("audit_id", e.ID).
		Str("action", e.Action).
		Str("resource_type", e.ResourceType).
		Str("resource_id", e.ResourceID).
		Str("outcome", string(e.Outcome)).
		Msg("audit")
	return nil
}

// MemorySink keeps the most recent entries in memory.
type MemorySink struct {
	mu      sync.RWMutex
	entries []Entry
	max     int
}

func NewMemorySink(max int) *MemorySink {
	if max <= 0 {
		max = 1000
	}
	return &MemorySink{max: max}
}

func (s *MemorySink) Write(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	if len(s.entries) > s.max {
		s.entries = s.entries[len(s.entries)-s.max:]
	}
	return nil
}

// Entries returns a copy of the stored entries, oldest first.
func (s *MemorySink) Entries() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Find returns the entries for one resource.
func (s *MemorySink) Find(resourceType, resourceID string) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Entry
	for _, e := range s.entries {
		if e.ResourceType == resourceType && e.ResourceID == resourceID {
			out = append(out, e)
		}
	}
	return out
}
