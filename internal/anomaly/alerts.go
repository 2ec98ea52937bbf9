package anomaly

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/1sec-project/accessguard/internal/core"
	"github.com/1sec-project/accessguard/internal/directory"
	"github.com/1sec-project/accessguard/internal/notify"
)

// AdminLister enumerates the administrators to notify.
type AdminLister interface {
	ListAdmins(ctx context.Context) ([]directory.User, error)
}

// AlertHandler is called after an alert has been persisted.
type AlertHandler func(ctx context.Context, alert Alert, anomaly Anomaly)

// AlertManager raises one alert per anomaly. CRITICAL alerts notify
// administrators before Raise returns, whether or not any response policy
// covers the anomaly type.
type AlertManager struct {
	alerts   AlertRepository
	admins   AdminLister
	notifier notify.Notifier
	metrics  *core.Metrics
	logger   zerolog.Logger
	now      func() time.Time

	mu       sync.RWMutex
	handlers []AlertHandler
}

func NewAlertManager(alerts AlertRepository, admins AdminLister, notifier notify.Notifier, metrics *core.Metrics, logger zerolog.Logger) *AlertManager {
	return &AlertManager{
		alerts:   alerts,
		admins:   admins,
		notifier: notifier,
		metrics:  metrics,
		logger:   logger.With().Str("component", "alert_manager").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// AddHandler registers a handler run synchronously for every new alert.
func (m *AlertManager) AddHandler(h AlertHandler) {
	m.mu.Lock()
	m.handlers = append(m.handlers, h)
	m.mu.Unlock()
}

// Raise persists an alert for a and runs the CRITICAL escalation and handlers.
func (m *AlertManager) Raise(ctx context.Context, a Anomaly) (Alert, error) {
	alert := Alert{
		ID:          uuid.New().String(),
		AnomalyID:   a.ID,
		UserID:      a.UserID,
		Severity:    a.Severity,
		Description: a.Description,
		Action:      recommendedAction(a.Type),
		Status:      StatusNew,
		CreatedAt:   m.now(),
	}
	created, err := m.alerts.CreateAlert(ctx, alert)
	if err != nil {
		return Alert{}, fmt.Errorf("creating alert for anomaly %s: %w", a.ID, err)
	}
	m.metrics.AlertCreated(created.Severity)

	m.logger.Warn().
		Str("alert_id", created.ID).
		Str("anomaly_id", a.ID).
		Str("user_id", a.UserID).
		Str("type", string(a.Type)).
		Str("severity", a.Severity.String()).
		Msg("alert raised")

	if created.Severity == core.SeverityCritical {
		m.escalate(ctx, created, a)
	}

	m.mu.RLock()
	handlers := append([]AlertHandler(nil), m.handlers...)
	m.mu.RUnlock()
	for _, h := range handlers {
		m.runHandler(ctx, h, created, a)
	}
	return created, nil
}

func (m *AlertManager) escalate(ctx context.Context, alert Alert, a Anomaly) {
	admins, err := m.admins.ListAdmins(ctx)
	if err != nil {
		m.logger.Error().Err(err).Str("alert_id", alert.ID).Msg("listing administrators for critical alert")
	}
	if len(admins) == 0 {
		m.logger.Warn().Str("alert_id", alert.ID).Msg("no administrators on record, delivering critical alert to channels only")
	}
	msg := notify.Message{
		Subject:   fmt.Sprintf("CRITICAL %s for user %s", a.Type, a.UserID),
		Body:      a.Description,
		Severity:  alert.Severity,
		UserID:    a.UserID,
		AnomalyID: a.ID,
		AlertID:   alert.ID,
		Timestamp: alert.CreatedAt,
	}
	err = m.notifier.NotifyAdmins(ctx, admins, msg)
	m.metrics.AdminNotification(err)
	if err != nil {
		m.logger.Error().Err(err).Str("alert_id", alert.ID).Msg("critical alert notification failed")
		return
	}
	m.logger.Info().Str("alert_id", alert.ID).Int("admins", len(admins)).Msg("administrators notified of critical alert")
}

func (m *AlertManager) runHandler(ctx context.Context, h AlertHandler, alert Alert, a Anomaly) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().Interface("panic", r).Str("alert_id", alert.ID).Msg("alert handler panicked")
		}
	}()
	h(ctx, alert, a)
}

// GetAlerts returns alerts matching f, newest first.
func (m *AlertManager) GetAlerts(ctx context.Context, f AlertFilter) ([]Alert, error) {
	return m.alerts.ListAlerts(ctx, f)
}

func (m *AlertManager) GetAlert(ctx context.Context, id string) (Alert, error) {
	return m.alerts.GetAlert(ctx, id)
}

// AcknowledgeAlert moves a NEW alert to ACKNOWLEDGED.
func (m *AlertManager) AcknowledgeAlert(ctx context.Context, id string) (Alert, error) {
	return m.transition(ctx, id, StatusAcknowledged)
}

// ResolveAlert moves a NEW or ACKNOWLEDGED alert to RESOLVED.
func (m *AlertManager) ResolveAlert(ctx context.Context, id string) (Alert, error) {
	return m.transition(ctx, id, StatusResolved)
}

func (m *AlertManager) transition(ctx context.Context, id string, next Status) (Alert, error) {
	alert, err := m.alerts.GetAlert(ctx, id)
	if err != nil {
		return Alert{}, err
	}
	if !alert.Status.CanTransition(next) {
		return Alert{}, fmt.Errorf("alert %s %s -> %s: %w", id, alert.Status, next, ErrInvalidTransition)
	}
	now := m.now()
	alert.Status = next
	switch next {
	case StatusAcknowledged:
		alert.AcknowledgedAt = &now
	case StatusResolved:
		alert.ResolvedAt = &now
	}
	if err := m.alerts.UpdateAlert(ctx, alert); err != nil {
		return Alert{}, err
	}
	m.logger.Info().Str("alert_id", id).Str("status", string(next)).Msg("alert status changed")
	return alert, nil
}

// recommendedAction suggests the response action an operator would take.
func recommendedAction(t Type) string {
	switch t {
	case TypeBruteForce:
		return "REVOKE_SESSIONS"
	case TypeDataExfiltration:
		return "DISABLE_ACCOUNT"
	case TypeSensitiveDataAccess:
		return "NOTIFY_ADMIN"
	}
	return ""
}
