package response

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/1sec-project/accessguard/internal/core"
)

// PolicyStore is the admin-facing CRUD layer over policies. Deleting or
// disabling a policy only affects future triggers; recorded responses keep
// their policy ID and action.
type PolicyStore struct {
	repo   PolicyRepository
	logger zerolog.Logger
	now    func() time.Time
}

func NewPolicyStore(repo PolicyRepository, logger zerolog.Logger) *PolicyStore {
	return &PolicyStore{
		repo:   repo,
		logger: logger.With().Str("component", "policy_store").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// CreatePolicy validates and stores p. ID and timestamps are assigned here.
func (s *PolicyStore) CreatePolicy(ctx context.Context, p Policy) (Policy, error) {
	now := s.now()
	p.ID = uuid.New().String()
	p.CreatedAt, p.UpdatedAt = now, now
	normalize(&p)
	if err := validatePolicy(p); err != nil {
		return Policy{}, err
	}
	if !knownAction(p.Action) {
		s.logger.Warn().Str("policy", p.Name).Str("action", string(p.Action)).Msg("policy uses an action with no handler, its responses will fail")
	}
	created, err := s.repo.CreatePolicy(ctx, p)
	if err != nil {
		return Policy{}, fmt.Errorf("creating policy %q: %w", p.Name, err)
	}
	s.logger.Info().Str("policy_id", created.ID).Str("policy", created.Name).Str("trigger", created.Trigger).Str("action", string(created.Action)).Bool("enabled", created.Enabled).Msg("policy created")
	return created, nil
}

func (s *PolicyStore) GetPolicy(ctx context.Context, id string) (Policy, error) {
	return s.repo.GetPolicy(ctx, id)
}

// GetAllPolicies returns every policy ordered by name.
func (s *PolicyStore) GetAllPolicies(ctx context.Context) ([]Policy, error) {
	policies, err := s.repo.ListPolicies(ctx)
	if err != nil {
		return nil, err
	}
	sortPolicies(policies)
	return policies, nil
}

// GetPoliciesByTrigger returns the policies, enabled or not, for one trigger.
func (s *PolicyStore) GetPoliciesByTrigger(ctx context.Context, trigger string) ([]Policy, error) {
	trigger = strings.TrimSpace(trigger)
	if trigger == "" {
		return nil, core.ValidationError("trigger required")
	}
	policies, err := s.repo.ListPoliciesByTrigger(ctx, trigger)
	if err != nil {
		return nil, err
	}
	sortPolicies(policies)
	return policies, nil
}

// UpdatePolicy applies u to the stored policy.
func (s *PolicyStore) UpdatePolicy(ctx context.Context, id string, u PolicyUpdate) (Policy, error) {
	p, err := s.repo.GetPolicy(ctx, id)
	if err != nil {
		return Policy{}, err
	}
	if u.Name != nil {
		p.Name = *u.Name
	}
	if u.Description != nil {
		p.Description = *u.Description
	}
	if u.Trigger != nil {
		p.Trigger = *u.Trigger
	}
	if u.Action != nil {
		p.Action = *u.Action
	}
	if u.Params != nil {
		p.Params = u.Params
	}
	if u.Enabled != nil {
		p.Enabled = *u.Enabled
	}
	p.UpdatedAt = s.now()
	normalize(&p)
	if err := validatePolicy(p); err != nil {
		return Policy{}, err
	}
	if err := s.repo.UpdatePolicy(ctx, p); err != nil {
		return Policy{}, fmt.Errorf("updating policy %s: %w", id, err)
	}
	s.logger.Info().Str("policy_id", id).Bool("enabled", p.Enabled).Msg("policy updated")
	return p, nil
}

// DeletePolicy removes a policy.
func (s *PolicyStore) DeletePolicy(ctx context.Context, id string) error {
	if err := s.repo.DeletePolicy(ctx, id); err != nil {
		return err
	}
	s.logger.Info().Str("policy_id", id).Msg("policy deleted")
	return nil
}

func normalize(p *Policy) {
	p.Name = strings.TrimSpace(p.Name)
	p.Description = strings.TrimSpace(p.Description)
	p.Trigger = strings.TrimSpace(p.Trigger)
	p.Action = Action(strings.ToUpper(strings.TrimSpace(string(p.Action))))
}

func validatePolicy(p Policy) error {
	if err := core.Validate(p); err != nil {
		return err
	}
	if v := p.Params["severity"]; v != "" {
		if _, err := core.LookupSeverity(v); err != nil {
			return err
		}
	}
	return nil
}

func knownAction(a Action) bool {
	switch a {
	case ActionRevokeSessions, ActionIsolateDevice, ActionNotifyAdmin, ActionDisableAccount:
		return true
	}
	return false
}

func sortPolicies(ps []Policy) {
	sort.Slice(ps, func(i, j int) bool { return ps[i].Name < ps[j].Name })
}
