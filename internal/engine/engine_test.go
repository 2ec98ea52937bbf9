package engine

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1sec-project/accessguard/internal/anomaly"
	"github.com/1sec-project/accessguard/internal/core"
	"github.com/1sec-project/accessguard/internal/directory"
	"github.com/1sec-project/accessguard/internal/response"
)

func testConfig() *core.Config {
	cfg := core.DefaultConfig()
	cfg.Detection.Timezone = "UTC"
	cfg.Logging.Level = "disabled"
	cfg.Response.ExecutionTimeout = 5 * time.Second
	return cfg
}

func startEngine(t *testing.T, cfg *core.Config) *Engine {
	t.Helper()
	e, err := New(cfg, WithLogOutput(&bytes.Buffer{}))
	require.NoError(t, err)
	require.NoError(t, e.Start())
	t.Cleanup(func() { _ = e.Shutdown() })
	return e
}

func failedLogin(userID string, at time.Time) core.AccessEvent {
	return core.AccessEvent{
		ID:           uuid.New().String(),
		UserID:       userID,
		Action:       "login",
		ResourceType: "LOGIN",
		Result:       core.AccessFailure,
		Timestamp:    at,
	}
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Storage.Driver = "sqlite"
	_, err := New(cfg, WithLogOutput(&bytes.Buffer{}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
}

func TestEngine_BruteForceRevokesSessions(t *testing.T) {
	e := startEngine(t, testConfig())
	ctx := context.Background()

	require.NoError(t, e.Users.UpsertUser(ctx, directory.User{ID: "u1", Email: "u1@example.com"}))
	for i := 0; i < 2; i++ {
		require.NoError(t, e.Sessions.Create(ctx, directory.Session{
			ID: uuid.New().String(), UserID: "u1",
			CreatedAt: time.Now(), ExpiresAt: time.Now().Add(time.Hour),
		}))
	}
	_, err := e.Policies.CreatePolicy(ctx, response.Policy{
		Name: "lock out brute force", Trigger: string(anomaly.TypeBruteForce),
		Action: response.ActionRevokeSessions, Enabled: true,
	})
	require.NoError(t, err)

	noon := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	var found []anomaly.Anomaly
	for i := 0; i < 5; i++ {
		found, err = e.Detector.DetectAnomalies(ctx, failedLogin("u1", noon.Add(time.Duration(i)*time.Second)))
		require.NoError(t, err)
	}
	require.Len(t, found, 1)
	assert.Equal(t, anomaly.TypeBruteForce, found[0].Type)

	e.Executor.Wait()
	history, err := e.Executor.GetResponseHistory(ctx, response.HistoryFilter{TargetUserID: "u1"})
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, response.StatusCompleted, history[0].Status)

	n, err := e.Sessions.CountForUser(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, n)

	alerts, err := e.Alerts.GetAlerts(ctx, anomaly.AlertFilter{UserID: "u1"})
	require.NoError(t, err)
	assert.Len(t, alerts, 1)
	assert.NotEmpty(t, e.AuditLog.Entries())
}

func TestEngine_AutoTriggerDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Response.AutoTrigger = false
	e := startEngine(t, cfg)
	ctx := context.Background()

	_, err := e.Policies.CreatePolicy(ctx, response.Policy{
		Name: "notify", Trigger: string(anomaly.TypeBruteForce),
		Action: response.ActionNotifyAdmin, Enabled: true,
	})
	require.NoError(t, err)

	noon := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		_, err = e.Detector.DetectAnomalies(ctx, failedLogin("u2", noon.Add(time.Duration(i)*time.Second)))
		require.NoError(t, err)
	}
	e.Executor.Wait()
	history, err := e.Executor.GetResponseHistory(ctx, response.HistoryFilter{})
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestEngine_RedisSessions(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig()
	cfg.Sessions.Driver = "redis"
	cfg.Sessions.RedisAddr = mr.Addr()
	e := startEngine(t, cfg)
	ctx := context.Background()

	require.NoError(t, e.Sessions.Create(ctx, directory.Session{
		ID: "s1", UserID: "u3", CreatedAt: time.Now(), ExpiresAt: time.Now().Add(time.Hour),
	}))
	n, err := e.Sessions.CountForUser(ctx, "u3")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestEngine_RedisUnavailable(t *testing.T) {
	cfg := testConfig()
	cfg.Sessions.Driver = "redis"
	cfg.Sessions.RedisAddr = "127.0.0.1:1"
	e, err := New(cfg, WithLogOutput(&bytes.Buffer{}))
	require.NoError(t, err)
	err = e.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connecting to redis")
}

func TestEngine_BusIngestion(t *testing.T) {
	cfg := testConfig()
	cfg.Bus.Enabled = true
	cfg.Bus.Embedded = true
	cfg.Bus.Port = -1
	cfg.Bus.DataDir = t.TempDir()
	e := startEngine(t, cfg)
	require.True(t, e.Bus.IsConnected())

	noon := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		ev := failedLogin("u4", noon.Add(time.Duration(i)*time.Second))
		require.NoError(t, e.PublishAccessEvent(&ev))
	}

	require.Eventually(t, func() bool {
		found, err := e.Detector.GetUserAnomalies(context.Background(), "u4")
		return err == nil && len(found) == 1
	}, 10*time.Second, 50*time.Millisecond)
}

func TestEngine_PublishWithoutBus(t *testing.T) {
	e := startEngine(t, testConfig())
	ev := failedLogin("u5", time.Now())
	err := e.PublishAccessEvent(&ev)
	assert.True(t, core.IsConflict(err))
}

func TestEngine_ShutdownIsIdempotent(t *testing.T) {
	e := startEngine(t, testConfig())
	assert.Positive(t, e.Uptime())
	require.NoError(t, e.Shutdown())
	require.NoError(t, e.Shutdown())
	assert.Error(t, e.Context().Err())
}

func hasAnomaly(t *testing.T, e *Engine, userID string, typ anomaly.Type) bool {
	t.Helper()
	found, err := e.Detector.GetUserAnomalies(context.Background(), userID)
	require.NoError(t, err)
	for _, a := range found {
		if a.Type == typ {
			return true
		}
	}
	return false
}

func TestEngine_AuthLogSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auth.log")
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	cfg := testConfig()
	cfg.Ingest.Sources = []core.SourceConfig{{Type: "authlog", LogPath: path}}
	e := startEngine(t, cfg)
	require.Equal(t, 1, e.Collectors.Count())

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := fmt.Fprintf(f, "Jun 15 10:30:0%d bastion sshd[42]: Failed password for mallory from 10.0.0.66 port 22 ssh2\n", i)
		require.NoError(t, err)
	}
	require.NoError(t, f.Close())

	require.Eventually(t, func() bool {
		return hasAnomaly(t, e, "mallory", anomaly.TypeBruteForce)
	}, 5*time.Second, 50*time.Millisecond)
}

func TestEngine_SyslogSource(t *testing.T) {
	cfg := testConfig()
	cfg.Ingest.Syslog = core.SyslogConfig{Enabled: true, Host: "127.0.0.1", Port: 0, Protocol: "tcp"}
	e := startEngine(t, cfg)
	require.NotNil(t, e.Syslog)

	_, addr := e.Syslog.Addrs()
	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer conn.Close()
	for i := 0; i < 5; i++ {
		_, err := fmt.Fprintf(conn, "<38>1 %s db-01 sshd 7 - Failed password for root from 10.0.0.5 port 22 ssh2\n",
			time.Now().UTC().Format(time.RFC3339))
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return hasAnomaly(t, e, "root", anomaly.TypeBruteForce)
	}, 5*time.Second, 50*time.Millisecond)
}

func TestEngine_IngestWithoutBusRunsDetection(t *testing.T) {
	e := startEngine(t, testConfig())
	noon := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		ev := failedLogin("u9", noon.Add(time.Duration(i)*time.Second))
		require.NoError(t, e.Ingest(context.Background(), &ev))
	}
	assert.True(t, hasAnomaly(t, e, "u9", anomaly.TypeBruteForce))
}
