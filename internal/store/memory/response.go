package memory

import (
	"context"
	"fmt"
	"sort"

	"github.com/1sec-project/accessguard/internal/core"
	"github.com/1sec-project/accessguard/internal/response"
)

func (s *Store) CreatePolicy(_ context.Context, p response.Policy) (response.Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.policyByName[p.Name]; taken {
		return response.Policy{}, fmt.Errorf("policy %q: %w", p.Name, core.ErrDuplicateName)
	}
	p.Params = copyParams(p.Params)
	s.policies[p.ID] = p
	s.policyByName[p.Name] = p.ID
	return p, nil
}

func (s *Store) GetPolicy(_ context.Context, id string) (response.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[id]
	if !ok {
		return response.Policy{}, fmt.Errorf("%s: %w", id, response.ErrPolicyNotFound)
	}
	p.Params = copyParams(p.Params)
	return p, nil
}

func (s *Store) ListPolicies(_ context.Context) ([]response.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]response.Policy, 0, len(s.policies))
	for _, p := range s.policies {
		p.Params = copyParams(p.Params)
		out = append(out, p)
	}
	return out, nil
}

func (s *Store) ListPoliciesByTrigger(_ context.Context, trigger string) ([]response.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []response.Policy{}
	for _, p := range s.policies {
		if p.Trigger == trigger {
			p.Params = copyParams(p.Params)
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *Store) UpdatePolicy(_ context.Context, p response.Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.policies[p.ID]
	if !ok {
		return fmt.Errorf("%s: %w", p.ID, response.ErrPolicyNotFound)
	}
	if owner, taken := s.policyByName[p.Name]; taken && owner != p.ID {
		return fmt.Errorf("policy %q: %w", p.Name, core.ErrDuplicateName)
	}
	delete(s.policyByName, old.Name)
	p.Params = copyParams(p.Params)
	s.policies[p.ID] = p
	s.policyByName[p.Name] = p.ID
	return nil
}

func (s *Store) DeletePolicy(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.policies[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, response.ErrPolicyNotFound)
	}
	delete(s.policies, id)
	delete(s.policyByName, p.Name)
	return nil
}

func (s *Store) CreateResponse(_ context.Context, r response.SecurityResponse) (response.SecurityResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.responses[r.ID]; dup {
		return response.SecurityResponse{}, fmt.Errorf("response %s: %w", r.ID, core.ErrConflict)
	}
	s.responses[r.ID] = r
	return r, nil
}

func (s *Store) GetResponse(_ context.Context, id string) (response.SecurityResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.responses[id]
	if !ok {
		return response.SecurityResponse{}, fmt.Errorf("%s: %w", id, response.ErrResponseNotFound)
	}
	return r, nil
}

func (s *Store) UpdateResponse(_ context.Context, r response.SecurityResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.responses[r.ID]; !ok {
		return fmt.Errorf("%s: %w", r.ID, response.ErrResponseNotFound)
	}
	s.responses[r.ID] = r
	return nil
}

func (s *Store) ListResponses(_ context.Context, f response.HistoryFilter) ([]response.SecurityResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []response.SecurityResponse{}
	for _, r := range s.responses {
		if f.Matches(r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *Store) CountResponsesByStatus(_ context.Context) (map[response.Status]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[response.Status]int)
	for _, r := range s.responses {
		counts[r.Status]++
	}
	return counts, nil
}

func copyParams(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
