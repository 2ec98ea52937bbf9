// Package response runs policy-driven remediation for detected anomalies.
package response

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/1sec-project/accessguard/internal/anomaly"
	"github.com/1sec-project/accessguard/internal/audit"
	"github.com/1sec-project/accessguard/internal/core"
)

// auditResourceType is the resource type used for response audit entries.
const auditResourceType = "security_response"

// ActionHandler carries out one action. The returned map becomes the response result.
type ActionHandler interface {
	Execute(ctx context.Context, resp SecurityResponse, policy Policy) (map[string]interface{}, error)
}

// ActionHandlerFunc adapts a function to ActionHandler.
type ActionHandlerFunc func(ctx context.Context, resp SecurityResponse, policy Policy) (map[string]interface{}, error)

func (f ActionHandlerFunc) Execute(ctx context.Context, resp SecurityResponse, policy Policy) (map[string]interface{}, error) {
	return f(ctx, resp, policy)
}

// Publisher receives terminal response records. core.EventBus satisfies it.
type Publisher interface {
	Publish(subject string, v interface{}) error
}

// ExecutorOptions tunes an Executor. Zero values are valid.
type ExecutorOptions struct {
	Timeout      time.Duration
	HistoryLimit int
	Metrics      *core.Metrics
	Publisher    Publisher
}

// Executor triggers policies and runs their actions out of band. A trigger
// persists a PENDING record and returns it; a detached goroutine then moves the
// record to EXECUTING and finally to COMPLETED or FAILED. Execution errors and
// panics are captured on the record and in the audit log, never returned.
type Executor struct {
	policies  *PolicyStore
	responses ResponseRepository
	audit     audit.Logger
	handlers  map[Action]ActionHandler
	opts      ExecutorOptions
	logger    zerolog.Logger
	now       func() time.Time

	mu sync.RWMutex
	wg sync.WaitGroup
}

// NewExecutor wires the built-in handlers for the four actions against deps.
func NewExecutor(policies *PolicyStore, responses ResponseRepository, deps Dependencies, opts ExecutorOptions, logger zerolog.Logger) *Executor {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 100
	}
	e := &Executor{
		policies:  policies,
		responses: responses,
		audit:     deps.Audit,
		handlers:  make(map[Action]ActionHandler),
		opts:      opts,
		logger:    logger.With().Str("component", "response_executor").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for action, h := range builtinHandlers(deps) {
		e.handlers[action] = h
	}
	return e
}

// RegisterHandler installs or replaces the handler for action.
func (e *Executor) RegisterHandler(action Action, h ActionHandler) {
	e.mu.Lock()
	e.handlers[action] = h
	e.mu.Unlock()
}

// TriggerResponse starts policyID against target. It fails with
// ErrPolicyNotFound or ErrPolicyDisabled before anything is persisted.
func (e *Executor) TriggerResponse(ctx context.Context, policyID, triggeredBy string, target Target) (SecurityResponse, error) {
	if strings.TrimSpace(policyID) == "" {
		return SecurityResponse{}, core.ValidationError("policy id required")
	}
	policy, err := e.policies.GetPolicy(ctx, policyID)
	if err != nil {
		return SecurityResponse{}, err
	}
	if !policy.Enabled {
		return SecurityResponse{}, fmt.Errorf("policy %s: %w", policy.Name, ErrPolicyDisabled)
	}
	if triggeredBy == "" {
		triggeredBy = "manual"
	}

	resp, err := e.responses.CreateResponse(ctx, SecurityResponse{
		ID:             uuid.New().String(),
		PolicyID:       policy.ID,
		TriggeredBy:    triggeredBy,
		Action:         policy.Action,
		TargetUserID:   target.UserID,
		TargetDeviceID: target.DeviceID,
		Status:         StatusPending,
		CreatedAt:      e.now(),
	})
	if err != nil {
		return SecurityResponse{}, fmt.Errorf("recording response for policy %s: %w", policy.ID, err)
	}
	e.opts.Metrics.ResponseStatus(string(resp.Action), string(StatusPending))
	e.logger.Info().
		Str("response_id", resp.ID).
		Str("policy", policy.Name).
		Str("action", string(policy.Action)).
		Str("triggered_by", triggeredBy).
		Str("target_user", target.UserID).
		Str("target_device", target.DeviceID).
		Msg("response triggered")

	e.wg.Add(1)
	go e.run(context.WithoutCancel(ctx), resp, policy)
	return resp, nil
}

// TriggerMatching fires every enabled policy whose trigger is the anomaly type,
// targeting the anomaly's user (and device, if the anomaly recorded one).
func (e *Executor) TriggerMatching(ctx context.Context, a anomaly.Anomaly) ([]SecurityResponse, error) {
	policies, err := e.policies.GetPoliciesByTrigger(ctx, string(a.Type))
	if err != nil {
		return nil, err
	}
	target := Target{UserID: a.UserID}
	if dev, ok := a.Context["device_id"].(string); ok {
		target.DeviceID = dev
	}
	var started []SecurityResponse
	for _, p := range policies {
		if !p.Enabled {
			continue
		}
		resp, err := e.TriggerResponse(ctx, p.ID, a.ID, target)
		if err != nil {
			e.logger.Error().Err(err).Str("policy_id", p.ID).Str("anomaly_id", a.ID).Msg("automatic trigger failed")
			continue
		}
		started = append(started, resp)
	}
	return started, nil
}

// Wait blocks until every in-flight execution has written its terminal state.
func (e *Executor) Wait() {
	e.wg.Wait()
}

func (e *Executor) run(ctx context.Context, resp SecurityResponse, policy Policy) {
	defer e.wg.Done()
	start := time.Now()

	resp.Status = StatusExecuting
	if err := e.responses.UpdateResponse(ctx, resp); err != nil {
		e.logger.Error().Err(err).Str("response_id", resp.ID).Msg("marking response executing")
	}
	e.opts.Metrics.ResponseStatus(string(resp.Action), string(StatusExecuting))

	execCtx := ctx
	if e.opts.Timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, e.opts.Timeout)
		defer cancel()
	}
	result, err := e.dispatch(execCtx, resp, policy)

	completed := e.now()
	resp.CompletedAt = &completed
	if err != nil {
		resp.Status = StatusFailed
		resp.Error = err.Error()
		e.logger.Error().Err(err).Str("response_id", resp.ID).Str("action", string(resp.Action)).Msg("response failed")
		if aerr := e.audit.LogFailure(ctx, string(resp.Action), auditResourceType, resp.ID, resp.Error); aerr != nil {
			e.logger.Error().Err(aerr).Str("response_id", resp.ID).Msg("audit write failed")
		}
	} else {
		resp.Status = StatusCompleted
		resp.Result = result
		e.logger.Info().Str("response_id", resp.ID).Str("action", string(resp.Action)).Interface("result", result).Msg("response completed")
		if aerr := e.audit.LogSuccess(ctx, string(resp.Action), auditResourceType, resp.ID, result); aerr != nil {
			e.logger.Error().Err(aerr).Str("response_id", resp.ID).Msg("audit write failed")
		}
	}

	if err := e.responses.UpdateResponse(ctx, resp); err != nil {
		e.logger.Error().Err(err).Str("response_id", resp.ID).Str("status", string(resp.Status)).Msg("writing terminal response state")
	}
	e.opts.Metrics.ResponseStatus(string(resp.Action), string(resp.Status))
	e.opts.Metrics.ResponseDuration(string(resp.Action), time.Since(start))

	if e.opts.Publisher != nil {
		subject := core.SubjectResponses + "." + strings.ToLower(string(resp.Status))
		if err := e.opts.Publisher.Publish(subject, resp); err != nil {
			e.logger.Warn().Err(err).Str("response_id", resp.ID).Msg("publishing response outcome")
		}
	}
}

func (e *Executor) dispatch(ctx context.Context, resp SecurityResponse, policy Policy) (result map[string]interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().Interface("panic", r).Str("stack", string(debug.Stack())).Str("response_id", resp.ID).Msg("response handler panicked")
			result, err = nil, core.ExecutionError("%s panicked: %v", resp.Action, r)
		}
	}()

	e.mu.RLock()
	h, ok := e.handlers[resp.Action]
	e.mu.RUnlock()
	if !ok {
		return nil, core.ExecutionError("unknown action %q", resp.Action)
	}
	return h.Execute(ctx, resp, policy)
}

// GetResponse returns one response record.
func (e *Executor) GetResponse(ctx context.Context, id string) (SecurityResponse, error) {
	return e.responses.GetResponse(ctx, id)
}

// GetResponseHistory returns responses matching f, newest first. A zero limit
// uses the configured history limit.
func (e *Executor) GetResponseHistory(ctx context.Context, f HistoryFilter) ([]SecurityResponse, error) {
	if f.Limit <= 0 {
		f.Limit = e.opts.HistoryLimit
	}
	return e.responses.ListResponses(ctx, f)
}

// GetResponseStats aggregates response records by status.
func (e *Executor) GetResponseStats(ctx context.Context) (Stats, error) {
	counts, err := e.responses.CountResponsesByStatus(ctx)
	if err != nil {
		return Stats{}, err
	}
	s := Stats{ByStatus: make(map[Status]int, len(counts))}
	for status, n := range counts {
		s.ByStatus[status] = n
		s.TotalResponses += n
	}
	s.PendingResponses = counts[StatusPending] + counts[StatusExecuting]
	s.CompletedResponses = counts[StatusCompleted]
	s.FailedResponses = counts[StatusFailed]
	if done := s.CompletedResponses + s.FailedResponses; done > 0 {
		s.SuccessRate = float64(s.CompletedResponses) / float64(done)
	}
	return s, nil
}
