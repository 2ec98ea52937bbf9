package core

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for detection and response. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	anomalies     *prometheus.CounterVec
	alerts        *prometheus.CounterVec
	notifications *prometheus.CounterVec
	responses     *prometheus.CounterVec
	duration      *prometheus.HistogramVec
}

// NewMetrics registers the collectors against registerer. When registerer is nil
// a private registry is used, which keeps repeated construction in tests safe.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.NewRegistry()
	}
	m := &Metrics{
		anomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "accessguard",
			Name:      "anomalies_detected_total",
			Help:      "Anomalies persisted by the detector.",
		}, []string{"type", "severity"}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "accessguard",
			Name:      "alerts_created_total",
			Help:      "Alerts created for detected anomalies.",
		}, []string{"severity"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "accessguard",
			Name:      "admin_notifications_total",
			Help:      "Administrator notification attempts.",
		}, []string{"status"}),
		responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "accessguard",
			Name:      "security_responses_total",
			Help:      "Security responses by action and status.",
		}, []string{"action", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "accessguard",
			Name:      "security_response_duration_seconds",
			Help:      "Execution time of security responses.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"action"}),
	}
	registerer.MustRegister(m.anomalies, m.alerts, m.notifications, m.responses, m.duration)
	return m
}

// AnomalyDetected counts one persisted anomaly.
func (m *Metrics) AnomalyDetected(anomalyType string, severity Severity) {
	if m == nil {
		return
	}
	m.anomalies.WithLabelValues(anomalyType, severity.String()).Inc()
}

// AlertCreated counts one alert.
func (m *Metrics) AlertCreated(severity Severity) {
	if m == nil {
		return
	}
	m.alerts.WithLabelValues(severity.String()).Inc()
}

// AdminNotification counts a notification attempt and its outcome.
func (m *Metrics) AdminNotification(err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "failure"
	}
	m.notifications.WithLabelValues(status).Inc()
}

// ResponseStatus counts a response entering status.
func (m *Metrics) ResponseStatus(action, status string) {
	if m == nil {
		return
	}
	m.responses.WithLabelValues(action, status).Inc()
}

// ResponseDuration records how long an action took to reach a terminal state.
func (m *Metrics) ResponseDuration(action string, d time.Duration) {
	if m == nil {
		return
	}
	m.duration.WithLabelValues(action).Observe(d.Seconds())
}
