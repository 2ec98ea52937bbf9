package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/1sec-project/accessguard/internal/anomaly"
	"github.com/1sec-project/accessguard/internal/core"
)

type eventRecord struct {
	at     time.Time
	result core.AccessResult
}

// userWindow is one user's recent events.
type userWindow struct {
	events []eventRecord
}

func (w *userWindow) prune(cutoff time.Time) {
	i := 0
	for i < len(w.events) && w.events[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		w.events = append(w.events[:0:0], w.events[i:]...)
	}
}

// RecordEvent appends e to the user's window, keeping it ordered by timestamp,
// and reports whether the user had never touched the resource before. Touched
// resources are kept apart from the window so pruning and eviction do not
// forget them.
func (s *Store) RecordEvent(_ context.Context, e core.AccessEvent) (bool, error) {
	s.eventsMu.Lock()
	defer s.eventsMu.Unlock()

	w, ok := s.events.Get(e.UserID)
	if !ok {
		w = &userWindow{}
		s.events.Add(e.UserID, w)
	}
	rec := eventRecord{at: e.Timestamp, result: e.Result}
	idx := sort.Search(len(w.events), func(i int) bool { return w.events[i].at.After(e.Timestamp) })
	w.events = append(w.events, eventRecord{})
	copy(w.events[idx+1:], w.events[idx:])
	w.events[idx] = rec

	latest := w.events[len(w.events)-1].at
	w.prune(latest.Add(-s.retention))

	resources, ok := s.resources[e.UserID]
	if !ok {
		resources = make(map[string]struct{})
		s.resources[e.UserID] = resources
	}
	key := e.ResourceKey()
	_, seen := resources[key]
	resources[key] = struct{}{}
	return !seen, nil
}

func (s *Store) CountEvents(_ context.Context, userID string, result core.AccessResult, since time.Time) (int, error) {
	s.eventsMu.Lock()
	defer s.eventsMu.Unlock()
	w, ok := s.events.Peek(userID)
	if !ok {
		return 0, nil
	}
	n := 0
	for i := len(w.events) - 1; i >= 0; i-- {
		ev := w.events[i]
		if ev.at.Before(since) {
			break
		}
		if ev.result == result {
			n++
		}
	}
	return n, nil
}

func (s *Store) GetBaseline(_ context.Context, userID string) (anomaly.Baseline, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.baselines[userID]
	return b, ok, nil
}

func (s *Store) UpsertBaseline(_ context.Context, b anomaly.Baseline) error {
	s.mu.Lock()
	s.baselines[b.UserID] = b
	s.mu.Unlock()
	return nil
}

func (s *Store) CreateAnomaly(_ context.Context, a anomaly.Anomaly) (anomaly.Anomaly, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.anomalies[a.ID]; dup {
		return anomaly.Anomaly{}, fmt.Errorf("anomaly %s: %w", a.ID, core.ErrConflict)
	}
	s.anomalies[a.ID] = a
	return a, nil
}

func (s *Store) GetAnomaly(_ context.Context, id string) (anomaly.Anomaly, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.anomalies[id]
	if !ok {
		return anomaly.Anomaly{}, fmt.Errorf("%s: %w", id, anomaly.ErrAnomalyNotFound)
	}
	return a, nil
}

func (s *Store) ListUserAnomalies(_ context.Context, userID string, since time.Time) ([]anomaly.Anomaly, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []anomaly.Anomaly{}
	for _, a := range s.anomalies {
		if a.UserID != userID {
			continue
		}
		if !since.IsZero() && a.DetectedAt.Before(since) {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DetectedAt.After(out[j].DetectedAt) })
	return out, nil
}

func (s *Store) UpdateAnomaly(_ context.Context, a anomaly.Anomaly) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.anomalies[a.ID]; !ok {
		return fmt.Errorf("%s: %w", a.ID, anomaly.ErrAnomalyNotFound)
	}
	s.anomalies[a.ID] = a
	return nil
}

func (s *Store) CreateAlert(_ context.Context, a anomaly.Alert) (anomaly.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.alerts[a.ID]; dup {
		return anomaly.Alert{}, fmt.Errorf("alert %s: %w", a.ID, core.ErrConflict)
	}
	s.alerts[a.ID] = a
	return a, nil
}

func (s *Store) GetAlert(_ context.Context, id string) (anomaly.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.alerts[id]
	if !ok {
		return anomaly.Alert{}, fmt.Errorf("%s: %w", id, anomaly.ErrAlertNotFound)
	}
	return a, nil
}

func (s *Store) ListAlerts(_ context.Context, f anomaly.AlertFilter) ([]anomaly.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []anomaly.Alert{}
	for _, a := range s.alerts {
		if f.Matches(a) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *Store) UpdateAlert(_ context.Context, a anomaly.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.alerts[a.ID]; !ok {
		return fmt.Errorf("%s: %w", a.ID, anomaly.ErrAlertNotFound)
	}
	s.alerts[a.ID] = a
	return nil
}
