package anomaly_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1sec-project/accessguard/internal/anomaly"
	"github.com/1sec-project/accessguard/internal/core"
	"github.com/1sec-project/accessguard/internal/directory"
	"github.com/1sec-project/accessguard/internal/notify"
	"github.com/1sec-project/accessguard/internal/store/memory"
)

// noon is well inside normal hours in UTC.
var noon = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store    *memory.Store
	detector *anomaly.Detector
	alerts   *anomaly.AlertManager
	notifier *notify.Recorder
}

func newFixture(t *testing.T, tweaks ...func(*core.DetectionConfig)) *fixture {
	t.Helper()
	cfg := core.DefaultConfig().Detection
	cfg.Timezone = "UTC"
	for _, tweak := range tweaks {
		tweak(&cfg)
	}

	store := memory.New(memory.Options{})
	users := directory.NewMemoryUsers(
		directory.User{ID: "admin-1", Email: "sec@example.com", Admin: true},
		directory.User{ID: "u1"},
	)
	rec := notify.NewRecorder()
	alerts := anomaly.NewAlertManager(store, users, rec, core.NewMetrics(nil), zerolog.Nop())
	det, err := anomaly.NewDetector(cfg, store, store, store, alerts, core.NewMetrics(nil), zerolog.Nop())
	require.NoError(t, err)
	return &fixture{store: store, detector: det, alerts: alerts, notifier: rec}
}

func access(user string, result core.AccessResult, resourceType string, at time.Time) core.AccessEvent {
	return core.AccessEvent{
		UserID:       user,
		Action:       "read",
		ResourceType: resourceType,
		ResourceID:   "res-1",
		Result:       result,
		Timestamp:    at,
	}
}

func ofType(as []anomaly.Anomaly, t anomaly.Type) []anomaly.Anomaly {
	var out []anomaly.Anomaly
	for _, a := range as {
		if a.Type == t {
			out = append(out, a)
		}
	}
	return out
}

func TestSensitiveDataAccess_LowBaseline(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.store.UpsertBaseline(ctx, anomaly.Baseline{UserID: "u1", AccessCount: 3}))

	found, err := f.detector.DetectAnomalies(ctx, access("u1", core.AccessSuccess, "SENSITIVE_DATA", noon))
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, anomaly.TypeSensitiveDataAccess, found[0].Type)
	assert.Equal(t, core.SeverityMedium, found[0].Severity)
	assert.Equal(t, anomaly.StatusNew, found[0].Status)

	alerts, err := f.alerts.GetAlerts(ctx, anomaly.AlertFilter{})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, found[0].ID, alerts[0].AnomalyID)
	assert.Empty(t, f.notifier.Deliveries(), "MEDIUM alerts do not page administrators")
}

func TestSensitiveDataAccess_RequiresBaseline(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	found, err := f.detector.DetectAnomalies(ctx, access("u1", core.AccessSuccess, "SENSITIVE_DATA", noon))
	require.NoError(t, err)
	assert.Empty(t, found)

	b, ok, err := f.store.GetBaseline(ctx, "u1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 1, b.AccessCount)
	assert.EqualValues(t, 1, b.UniqueResourcesAccessed)
	assert.InDelta(t, 12.0, b.AverageAccessTime, 0.001)
}

func TestSensitiveDataAccess_EstablishedUser(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.store.UpsertBaseline(ctx, anomaly.Baseline{UserID: "u1", AccessCount: 10}))

	found, err := f.detector.DetectAnomalies(ctx, access("u1", core.AccessSuccess, "SENSITIVE_DATA", noon))
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestBruteForce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	var all []anomaly.Anomaly
	for i := 0; i < 7; i++ {
		found, err := f.detector.DetectAnomalies(ctx, access("u1", core.AccessFailure, "LOGIN", noon.Add(time.Duration(i)*30*time.Second)))
		require.NoError(t, err)
		if i < 4 {
			assert.Empty(t, ofType(found, anomaly.TypeBruteForce), "attempt %d is below threshold", i+1)
		}
		all = append(all, found...)
	}

	bf := ofType(all, anomaly.TypeBruteForce)
	require.NotEmpty(t, bf)
	last := bf[len(bf)-1]
	assert.Equal(t, core.SeverityHigh, last.Severity)
	assert.EqualValues(t, 7, last.Context["failed_attempts"])

	b, _, _ := f.store.GetBaseline(ctx, "u1")
	assert.EqualValues(t, 7, b.FailedAccessCount)
}

func TestBruteForce_OutsideWindow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	for i := 0; i < 6; i++ {
		found, err := f.detector.DetectAnomalies(ctx, access("u1", core.AccessFailure, "LOGIN", noon.Add(time.Duration(i)*2*time.Minute)))
		require.NoError(t, err)
		assert.Empty(t, ofType(found, anomaly.TypeBruteForce))
	}
}

func TestDataExfiltration_ExactlyOnceAndNotifies(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	var all []anomaly.Anomaly
	for i := 0; i < 21; i++ {
		found, err := f.detector.DetectAnomalies(ctx, access("u1", core.AccessSuccess, "DOCUMENT", noon.Add(time.Duration(i)*2*time.Second)))
		require.NoError(t, err)
		all = append(all, found...)
	}

	exfil := ofType(all, anomaly.TypeDataExfiltration)
	require.Len(t, exfil, 1)
	assert.Equal(t, core.SeverityCritical, exfil[0].Severity)

	deliveries := f.notifier.Deliveries()
	require.Len(t, deliveries, 1)
	assert.Equal(t, core.SeverityCritical, deliveries[0].Message.Severity)
	assert.Equal(t, exfil[0].ID, deliveries[0].Message.AnomalyID)
	require.Len(t, deliveries[0].Admins, 1)
	assert.Equal(t, "admin-1", deliveries[0].Admins[0].ID)

	critical, err := f.alerts.GetAlerts(ctx, anomaly.AlertFilter{MinSeverity: core.SeverityCritical})
	require.NoError(t, err)
	require.Len(t, critical, 1)
	assert.Equal(t, "DISABLE_ACCOUNT", critical[0].Action)
}

func TestDataExfiltration_Cooldown(t *testing.T) {
	ctx := context.Background()
	burst := func(f *fixture) []anomaly.Anomaly {
		var all []anomaly.Anomaly
		for i := 0; i < 60; i++ {
			found, err := f.detector.DetectAnomalies(ctx, access("u1", core.AccessSuccess, "DOCUMENT", noon.Add(time.Duration(i)*time.Second)))
			require.NoError(t, err)
			all = append(all, found...)
		}
		return ofType(all, anomaly.TypeDataExfiltration)
	}

	every := newFixture(t)
	assert.Len(t, burst(every), 40, "without a cooldown each success past the threshold is flagged")
	assert.Len(t, every.notifier.Deliveries(), 40)

	cooled := newFixture(t, func(c *core.DetectionConfig) { c.ExfiltrationCooldown = 30 * time.Second })
	exfil := burst(cooled)
	require.Len(t, exfil, 2)
	assert.Equal(t, noon.Add(20*time.Second), exfil[0].DetectedAt)
	assert.Equal(t, noon.Add(50*time.Second), exfil[1].DetectedAt)
	assert.Len(t, cooled.notifier.Deliveries(), 2)
}

func TestCriticalAlertSurvivesNotifierFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.notifier.FailWith(errors.New("webhook down"))

	var all []anomaly.Anomaly
	for i := 0; i < 21; i++ {
		found, err := f.detector.DetectAnomalies(ctx, access("u1", core.AccessSuccess, "DOCUMENT", noon.Add(time.Duration(i)*time.Second)))
		require.NoError(t, err)
		all = append(all, found...)
	}
	assert.Len(t, ofType(all, anomaly.TypeDataExfiltration), 1)
	assert.Len(t, f.notifier.Deliveries(), 1)
}

func TestUnusualAccessTime(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	night := time.Date(2026, 3, 2, 3, 0, 0, 0, time.UTC)

	found, err := f.detector.DetectAnomalies(ctx, access("u1", core.AccessSuccess, "DOCUMENT", night))
	require.NoError(t, err)
	assert.Empty(t, found, "no baseline on first access")

	found, err = f.detector.DetectAnomalies(ctx, access("u1", core.AccessSuccess, "DOCUMENT", night.Add(time.Minute)))
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, anomaly.TypeUnusualAccessTime, found[0].Type)
	assert.Equal(t, core.SeverityLow, found[0].Severity)

	late := time.Date(2026, 3, 2, 23, 30, 0, 0, time.UTC)
	found, _ = f.detector.DetectAnomalies(ctx, access("u1", core.AccessSuccess, "DOCUMENT", late))
	assert.Len(t, ofType(found, anomaly.TypeUnusualAccessTime), 1)

	edge := time.Date(2026, 3, 2, 22, 59, 0, 0, time.UTC)
	found, _ = f.detector.DetectAnomalies(ctx, access("u1", core.AccessSuccess, "DOCUMENT", edge))
	assert.Empty(t, ofType(found, anomaly.TypeUnusualAccessTime), "hour 22 is not after 22")
}

func TestRulesAreIndependent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.store.UpsertBaseline(ctx, anomaly.Baseline{UserID: "u1", AccessCount: 2}))

	found, err := f.detector.DetectAnomalies(ctx, access("u1", core.AccessSuccess, "SENSITIVE_DATA", time.Date(2026, 3, 2, 2, 0, 0, 0, time.UTC)))
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Len(t, ofType(found, anomaly.TypeUnusualAccessTime), 1)
	assert.Len(t, ofType(found, anomaly.TypeSensitiveDataAccess), 1)
}

func TestDetectAnomalies_InvalidEvent(t *testing.T) {
	f := newFixture(t)
	_, err := f.detector.DetectAnomalies(context.Background(), core.AccessEvent{UserID: "u1", Result: "MAYBE"})
	assert.True(t, core.IsValidation(err))
}

func TestUpdateAnomalyStatus(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.store.UpsertBaseline(ctx, anomaly.Baseline{UserID: "u1", AccessCount: 1}))
	found, err := f.detector.DetectAnomalies(ctx, access("u1", core.AccessSuccess, "SENSITIVE_DATA", noon))
	require.NoError(t, err)
	require.Len(t, found, 1)
	id := found[0].ID

	a, err := f.detector.UpdateAnomalyStatus(ctx, id, anomaly.StatusAcknowledged)
	require.NoError(t, err)
	assert.Equal(t, anomaly.StatusAcknowledged, a.Status)
	assert.Nil(t, a.ResolvedAt)

	_, err = f.detector.UpdateAnomalyStatus(ctx, id, anomaly.StatusNew)
	assert.ErrorIs(t, err, anomaly.ErrInvalidTransition)

	a, err = f.detector.UpdateAnomalyStatus(ctx, id, anomaly.StatusResolved)
	require.NoError(t, err)
	require.NotNil(t, a.ResolvedAt)

	_, err = f.detector.UpdateAnomalyStatus(ctx, id, anomaly.StatusAcknowledged)
	assert.ErrorIs(t, err, anomaly.ErrInvalidTransition)

	_, err = f.detector.UpdateAnomalyStatus(ctx, "missing", anomaly.StatusResolved)
	assert.ErrorIs(t, err, anomaly.ErrAnomalyNotFound)

	got, err := f.detector.GetAnomaly(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, anomaly.StatusResolved, got.Status)

	list, err := f.detector.GetUserAnomalies(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestCorrelateUser(t *testing.T) {
	ctx := context.Background()
	// wall-clock timestamps, so no hour may count as off-hours
	f := newFixture(t, func(c *core.DetectionConfig) { c.OffHoursStart, c.OffHoursEnd = 0, 23 })
	now := time.Now().UTC()

	for i := 0; i < 5; i++ {
		_, err := f.detector.DetectAnomalies(ctx, access("u1", core.AccessFailure, "LOGIN", now.Add(time.Duration(i)*time.Second)))
		require.NoError(t, err)
	}
	c, err := f.detector.CorrelateUser(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, c.Correlated, "a single anomaly does not correlate")

	_, err = f.detector.DetectAnomalies(ctx, access("u1", core.AccessFailure, "LOGIN", now.Add(6*time.Second)))
	require.NoError(t, err)
	c, err = f.detector.CorrelateUser(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, c.Correlated)
	assert.Equal(t, core.SeverityHigh, c.Severity)
	assert.Equal(t, "BRUTE_FORCE, BRUTE_FORCE", c.Description)
}
