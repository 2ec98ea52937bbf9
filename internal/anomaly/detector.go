// Package anomaly evaluates access events against per-user baselines and fixed
// rules, persists the resulting anomalies and raises alerts for them.
package anomaly

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/1sec-project/accessguard/internal/core"
)

// Detector runs the detection rules for every observed access event.
type Detector struct {
	cfg       core.DetectionConfig
	loc       *time.Location
	events    EventSource
	baselines BaselineStore
	anomalies AnomalyRepository
	alerts    *AlertManager
	metrics   *core.Metrics
	logger    zerolog.Logger
	now       func() time.Time

	// lastExfil holds the event time of each user's latest DATA_EXFILTRATION
	// anomaly. Nil when no cooldown is configured.
	lastExfil *lru.Cache[string, time.Time]
}

// NewDetector builds a Detector. It fails only when the configured time zone
// cannot be loaded.
func NewDetector(cfg core.DetectionConfig, events EventSource, baselines BaselineStore, anomalies AnomalyRepository, alerts *AlertManager, metrics *core.Metrics, logger zerolog.Logger) (*Detector, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, fmt.Errorf("detection timezone %q: %w", cfg.Timezone, err)
	}
	var lastExfil *lru.Cache[string, time.Time]
	if cfg.ExfiltrationCooldown > 0 {
		size := cfg.MaxTrackedUsers
		if size <= 0 {
			size = 50000
		}
		if lastExfil, err = lru.New[string, time.Time](size); err != nil {
			return nil, err
		}
	}
	return &Detector{
		cfg:       cfg,
		loc:       loc,
		events:    events,
		baselines: baselines,
		anomalies: anomalies,
		alerts:    alerts,
		metrics:   metrics,
		logger:    logger.With().Str("component", "anomaly_detector").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
		lastExfil: lastExfil,
	}, nil
}

// DetectAnomalies records event, evaluates the four rules against the baseline
// as it stood before the event, upserts the baseline and persists one anomaly
// (plus its alert) per matching rule.
func (d *Detector) DetectAnomalies(ctx context.Context, event core.AccessEvent) ([]Anomaly, error) {
	if err := core.Validate(event); err != nil {
		return nil, err
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = d.now()
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}

	firstAccess, err := d.events.RecordEvent(ctx, event)
	if err != nil {
		return nil, fmt.Errorf("recording access event: %w", err)
	}
	baseline, hasBaseline, err := d.baselines.GetBaseline(ctx, event.UserID)
	if err != nil {
		return nil, fmt.Errorf("loading baseline for %s: %w", event.UserID, err)
	}

	var found []Anomaly
	for _, rule := range []func(context.Context, core.AccessEvent, Baseline, bool) (*Anomaly, error){
		d.checkBruteForce,
		d.checkUnusualAccessTime,
		d.checkSensitiveDataAccess,
		d.checkDataExfiltration,
	} {
		a, err := rule(ctx, event, baseline, hasBaseline)
		if err != nil {
			return nil, err
		}
		if a != nil {
			found = append(found, *a)
		}
	}

	next := d.advanceBaseline(event, baseline, hasBaseline, firstAccess)
	if err := d.baselines.UpsertBaseline(ctx, next); err != nil {
		return nil, fmt.Errorf("updating baseline for %s: %w", event.UserID, err)
	}

	persisted := make([]Anomaly, 0, len(found))
	for _, a := range found {
		created, err := d.anomalies.CreateAnomaly(ctx, a)
		if err != nil {
			return persisted, fmt.Errorf("persisting %s anomaly: %w", a.Type, err)
		}
		d.metrics.AnomalyDetected(string(created.Type), created.Severity)
		if _, err := d.alerts.Raise(ctx, created); err != nil {
			d.logger.Error().Err(err).Str("anomaly_id", created.ID).Msg("alert creation failed")
		}
		persisted = append(persisted, created)
	}
	return persisted, nil
}

func (d *Detector) checkBruteForce(ctx context.Context, e core.AccessEvent, _ Baseline, _ bool) (*Anomaly, error) {
	if e.Result != core.AccessFailure {
		return nil, nil
	}
	n, err := d.events.CountEvents(ctx, e.UserID, core.AccessFailure, e.Timestamp.Add(-d.cfg.BruteForceWindow))
	if err != nil {
		return nil, fmt.Errorf("counting failures: %w", err)
	}
	if n < d.cfg.BruteForceThreshold {
		return nil, nil
	}
	return d.newAnomaly(e, TypeBruteForce, core.SeverityHigh,
		fmt.Sprintf("%d failed access attempts within %s", n, d.cfg.BruteForceWindow),
		map[string]interface{}{"failed_attempts": n, "window": d.cfg.BruteForceWindow.String()}), nil
}

func (d *Detector) checkUnusualAccessTime(_ context.Context, e core.AccessEvent, _ Baseline, hasBaseline bool) (*Anomaly, error) {
	if !hasBaseline {
		return nil, nil
	}
	hour := e.Timestamp.In(d.loc).Hour()
	if hour >= d.cfg.OffHoursStart && hour <= d.cfg.OffHoursEnd {
		return nil, nil
	}
	return d.newAnomaly(e, TypeUnusualAccessTime, core.SeverityLow,
		fmt.Sprintf("access at %02d:00 outside normal hours", hour),
		map[string]interface{}{"hour": hour, "timezone": d.loc.String()}), nil
}

func (d *Detector) checkSensitiveDataAccess(_ context.Context, e core.AccessEvent, b Baseline, hasBaseline bool) (*Anomaly, error) {
	if !hasBaseline || e.ResourceType != d.cfg.SensitiveResourceType {
		return nil, nil
	}
	if b.AccessCount >= int64(d.cfg.SensitiveMinAccesses) {
		return nil, nil
	}
	return d.newAnomaly(e, TypeSensitiveDataAccess, core.SeverityMedium,
		fmt.Sprintf("sensitive resource accessed by user with only %d prior accesses", b.AccessCount),
		map[string]interface{}{"prior_accesses": b.AccessCount, "resource_id": e.ResourceID}), nil
}

func (d *Detector) checkDataExfiltration(ctx context.Context, e core.AccessEvent, _ Baseline, _ bool) (*Anomaly, error) {
	if e.Result != core.AccessSuccess {
		return nil, nil
	}
	n, err := d.events.CountEvents(ctx, e.UserID, core.AccessSuccess, e.Timestamp.Add(-d.cfg.ExfiltrationWindow))
	if err != nil {
		return nil, fmt.Errorf("counting successes: %w", err)
	}
	if n <= d.cfg.ExfiltrationThreshold {
		return nil, nil
	}
	if d.lastExfil != nil {
		if last, ok := d.lastExfil.Get(e.UserID); ok && e.Timestamp.Sub(last) < d.cfg.ExfiltrationCooldown {
			return nil, nil
		}
		d.lastExfil.Add(e.UserID, e.Timestamp)
	}
	return d.newAnomaly(e, TypeDataExfiltration, core.SeverityCritical,
		fmt.Sprintf("%d successful accesses within %s", n, d.cfg.ExfiltrationWindow),
		map[string]interface{}{"accesses": n, "window": d.cfg.ExfiltrationWindow.String()}), nil
}

func (d *Detector) newAnomaly(e core.AccessEvent, t Type, sev core.Severity, desc string, details map[string]interface{}) *Anomaly {
	details["event_id"] = e.ID
	details["action"] = e.Action
	details["resource_type"] = e.ResourceType
	if e.IPAddress != "" {
		details["ip_address"] = e.IPAddress
	}
	return &Anomaly{
		ID:          uuid.New().String(),
		UserID:      e.UserID,
		Type:        t,
		Severity:    sev,
		Description: desc,
		Context:     details,
		Status:      StatusNew,
		DetectedAt:  e.Timestamp,
	}
}

func (d *Detector) advanceBaseline(e core.AccessEvent, b Baseline, exists, firstAccess bool) Baseline {
	if !exists {
		b = Baseline{UserID: e.UserID}
	}
	hour := float64(e.Timestamp.In(d.loc).Hour())
	b.AverageAccessTime = (b.AverageAccessTime*float64(b.AccessCount) + hour) / float64(b.AccessCount+1)
	b.AccessCount++
	if e.Result == core.AccessFailure {
		b.FailedAccessCount++
	}
	if firstAccess {
		b.UniqueResourcesAccessed++
	}
	if e.Timestamp.After(b.LastAccessTime) {
		b.LastAccessTime = e.Timestamp
	}
	return b
}

// GetAnomaly returns one anomaly.
func (d *Detector) GetAnomaly(ctx context.Context, id string) (Anomaly, error) {
	return d.anomalies.GetAnomaly(ctx, id)
}

// GetUserAnomalies returns every anomaly of a user, newest first.
func (d *Detector) GetUserAnomalies(ctx context.Context, userID string) ([]Anomaly, error) {
	if userID == "" {
		return nil, core.ValidationError("user id required")
	}
	return d.anomalies.ListUserAnomalies(ctx, userID, time.Time{})
}

// UpdateAnomalyStatus moves an anomaly forward. Transitions back to NEW, or
// out of RESOLVED, fail with ErrInvalidTransition.
func (d *Detector) UpdateAnomalyStatus(ctx context.Context, id string, next Status) (Anomaly, error) {
	a, err := d.anomalies.GetAnomaly(ctx, id)
	if err != nil {
		return Anomaly{}, err
	}
	if !a.Status.CanTransition(next) {
		return Anomaly{}, fmt.Errorf("anomaly %s %s -> %s: %w", id, a.Status, next, ErrInvalidTransition)
	}
	a.Status = next
	if next == StatusResolved {
		now := d.now()
		a.ResolvedAt = &now
	}
	if err := d.anomalies.UpdateAnomaly(ctx, a); err != nil {
		return Anomaly{}, err
	}
	d.logger.Info().Str("anomaly_id", id).Str("status", string(next)).Msg("anomaly status changed")
	return a, nil
}

// CorrelateAnomalies correlates anomalies using the configured window.
func (d *Detector) CorrelateAnomalies(anomalies []Anomaly) Correlation {
	return CorrelateAnomalies(anomalies, d.cfg.CorrelationWindow)
}

// CorrelateUser correlates the user's anomalies detected within the trailing
// correlation window, oldest first.
func (d *Detector) CorrelateUser(ctx context.Context, userID string) (Correlation, error) {
	if userID == "" {
		return Correlation{}, core.ValidationError("user id required")
	}
	recent, err := d.anomalies.ListUserAnomalies(ctx, userID, d.now().Add(-d.cfg.CorrelationWindow))
	if err != nil {
		return Correlation{}, err
	}
	for i, j := 0, len(recent)-1; i < j; i, j = i+1, j-1 {
		recent[i], recent[j] = recent[j], recent[i]
	}
	c := d.CorrelateAnomalies(recent)
	if c.Correlated {
		d.logger.Warn().Str("user_id", userID).Str("severity", c.Severity.String()).Str("types", c.Description).Msg("correlated anomalies")
	}
	return c, nil
}
