// Package engine builds the AccessGuard services from configuration and runs
// them until shutdown.
package engine

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/1sec-project/accessguard/internal/anomaly"
	"github.com/1sec-project/accessguard/internal/audit"
	"github.com/1sec-project/accessguard/internal/collect"
	"github.com/1sec-project/accessguard/internal/core"
	"github.com/1sec-project/accessguard/internal/directory"
	"github.com/1sec-project/accessguard/internal/ingest"
	"github.com/1sec-project/accessguard/internal/notify"
	"github.com/1sec-project/accessguard/internal/rbac"
	"github.com/1sec-project/accessguard/internal/response"
	"github.com/1sec-project/accessguard/internal/store/memory"
	"github.com/1sec-project/accessguard/internal/store/postgres"
)

// Version is overridden at build time with -ldflags.
var Version = "dev"

// Engine owns every long-lived component.
type Engine struct {
	Config   *core.Config
	Logger   zerolog.Logger
	Registry *prometheus.Registry
	Metrics  *core.Metrics
	Bus      *core.EventBus

	RBAC     *rbac.Resolver
	Detector *anomaly.Detector
	Alerts   *anomaly.AlertManager
	Policies *response.PolicyStore
	Executor *response.Executor

	Users    directory.UserStore
	Devices  directory.DeviceStore
	Sessions directory.SessionManager
	AuditLog *audit.MemorySink
	Logs     *LogBuffer

	Collectors *collect.Manager
	Syslog     *ingest.SyslogServer

	startedAt time.Time
	ctx       context.Context
	cancel    context.CancelFunc
	closers   []func()
	workers   sync.WaitGroup
	stopOnce  sync.Once
}

// Option customises New.
type Option func(*options)

type options struct {
	logOutput io.Writer
}

// WithLogOutput sends log output to w instead of stdout.
func WithLogOutput(w io.Writer) Option {
	return func(o *options) { o.logOutput = w }
}

// NewLogger builds the root logger from the logging section. Extra writers
// receive the raw JSON events regardless of the output format.
func NewLogger(cfg *core.Config, out io.Writer, extra ...io.Writer) zerolog.Logger {
	primary := out
	if cfg.Logging.Format != "json" {
		primary = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	logger := zerolog.New(zerolog.MultiLevelWriter(append([]io.Writer{primary}, extra...)...)).With().Timestamp().Logger()

	switch cfg.LogLevel() {
	case "debug":
		return logger.Level(zerolog.DebugLevel)
	case "warn":
		return logger.Level(zerolog.WarnLevel)
	case "error":
		return logger.Level(zerolog.ErrorLevel)
	case "disabled":
		return logger.Level(zerolog.Disabled)
	default:
		return logger.Level(zerolog.InfoLevel)
	}
}

// New creates an engine. Nothing is connected until Start.
func New(cfg *core.Config, opts ...Option) (*Engine, error) {
	o := options{logOutput: os.Stdout}
	for _, opt := range opts {
		opt(&o)
	}
	if _, errs := cfg.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}

	logs := NewLogBuffer(1000)
	logger := NewLogger(cfg, o.logOutput, logs)
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		Config:   cfg,
		Logger:   logger.With().Str("component", "engine").Logger(),
		Registry: registry,
		Metrics:  core.NewMetrics(registry),
		Logs:     logs,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// repositories groups the backend chosen by storage.driver.
type repositories struct {
	perms       rbac.PermissionRepository
	roles       rbac.RoleRepository
	assignments rbac.AssignmentRepository
	events      anomaly.EventSource
	baselines   anomaly.BaselineStore
	anomalies   anomaly.AnomalyRepository
	alerts      anomaly.AlertRepository
	policies    response.PolicyRepository
	responses   response.ResponseRepository
	users       directory.UserStore
	devices     directory.DeviceStore
	auditSink   audit.Sink
}

// Start opens storage, the session store and the bus, then builds the services.
func (e *Engine) Start() error {
	e.Logger.Info().Str("version", Version).Msg("starting AccessGuard engine")
	root := e.Logger.With().Logger()

	repos, err := e.openStorage(root)
	if err != nil {
		e.closeAll()
		return err
	}
	sessions, err := e.openSessions()
	if err != nil {
		e.closeAll()
		return err
	}
	e.Sessions = sessions
	e.Users = repos.users
	e.Devices = repos.devices

	if e.Config.Bus.Enabled {
		bus, err := core.NewEventBus(&e.Config.Bus, root)
		if err != nil {
			e.closeAll()
			return fmt.Errorf("starting event bus: %w", err)
		}
		e.Bus = bus
	}

	e.AuditLog = audit.NewMemorySink(1000)
	sinks := []audit.Sink{audit.NewLogSink(root), e.AuditLog}
	if repos.auditSink != nil {
		sinks = append(sinks, repos.auditSink)
	}
	auditLog := audit.New(sinks...)

	notifier := e.buildNotifier(root)

	e.RBAC = rbac.NewResolver(repos.perms, repos.roles, repos.assignments, root)
	e.Alerts = anomaly.NewAlertManager(repos.alerts, repos.users, notifier, e.Metrics, root)
	detector, err := anomaly.NewDetector(e.Config.Detection, repos.events, repos.baselines, repos.anomalies, e.Alerts, e.Metrics, root)
	if err != nil {
		e.closeAll()
		return fmt.Errorf("building detector: %w", err)
	}
	e.Detector = detector

	e.Policies = response.NewPolicyStore(repos.policies, root)
	execOpts := response.ExecutorOptions{
		Timeout:      e.Config.Response.ExecutionTimeout,
		HistoryLimit: e.Config.Response.HistoryLimit,
		Metrics:      e.Metrics,
	}
	if e.Bus != nil {
		execOpts.Publisher = e.Bus
	}
	e.Executor = response.NewExecutor(e.Policies, repos.responses, response.Dependencies{
		Sessions: sessions,
		Devices:  repos.devices,
		Users:    repos.users,
		Notifier: notifier,
		Roles:    e.RBAC,
		Audit:    auditLog,
	}, execOpts, root)

	e.wireAlertHandlers()

	if e.Bus != nil {
		if err := e.Bus.SubscribeToAccessEvents(e.handleBusEvent); err != nil {
			e.closeAll()
			return fmt.Errorf("subscribing to access events: %w", err)
		}
	}

	e.Collectors = collect.NewManager(root)
	e.Collectors.StartAll(e.ctx, e.Config.Ingest.Sources, e)
	if e.Config.Ingest.Syslog.Enabled {
		e.Syslog = ingest.NewSyslogServer(e.Config.Ingest.Syslog, e, root)
		if err := e.Syslog.Start(e.ctx); err != nil {
			e.Syslog = nil
			e.Collectors.StopAll()
			e.closeAll()
			return err
		}
	}

	e.startedAt = time.Now().UTC()
	e.Logger.Info().
		Str("storage", e.Config.Storage.Driver).
		Str("sessions", e.Config.Sessions.Driver).
		Bool("bus", e.Bus != nil).
		Bool("auto_trigger", e.Config.Response.AutoTrigger).
		Int("collectors", e.Collectors.Count()).
		Bool("syslog", e.Syslog != nil).
		Msg("AccessGuard engine started")
	return nil
}

func (e *Engine) openStorage(logger zerolog.Logger) (repositories, error) {
	retention := e.Config.Detection.BruteForceWindow
	if e.Config.Detection.ExfiltrationWindow > retention {
		retention = e.Config.Detection.ExfiltrationWindow
	}

	switch e.Config.Storage.Driver {
	case "postgres":
		ctx, cancel := context.WithTimeout(e.ctx, 15*time.Second)
		defer cancel()
		pg, err := postgres.Open(ctx, e.Config.Storage.PostgresDSN, e.Config.Storage.MaxConns, logger)
		if err != nil {
			return repositories{}, err
		}
		e.closers = append(e.closers, pg.Close)
		if e.Config.Storage.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				return repositories{}, err
			}
		}
		e.startPruner(pg, retention)
		return repositories{
			perms: pg, roles: pg, assignments: pg,
			events: pg, baselines: pg, anomalies: pg, alerts: pg,
			policies: pg, responses: pg,
			users: pg, devices: pg, auditSink: pg,
		}, nil
	default:
		store := memory.New(memory.Options{
			MaxTrackedUsers: e.Config.Detection.MaxTrackedUsers,
			EventRetention:  retention,
		})
		return repositories{
			perms: store, roles: store, assignments: store,
			events: store, baselines: store, anomalies: store, alerts: store,
			policies: store, responses: store,
			users:   directory.NewMemoryUsers(),
			devices: directory.NewMemoryDevices(),
		}, nil
	}
}

// startPruner trims access events the detection windows can no longer see.
func (e *Engine) startPruner(pg *postgres.Store, retention time.Duration) {
	e.workers.Add(1)
	go func() {
		defer e.workers.Done()
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-e.ctx.Done():
				return
			case <-ticker.C:
				n, err := pg.PruneEvents(e.ctx, time.Now().UTC().Add(-2*retention))
				if err != nil {
					e.Logger.Warn().Err(err).Msg("pruning access events")
					continue
				}
				if n > 0 {
					e.Logger.Debug().Int64("deleted", n).Msg("pruned access events")
				}
			}
		}
	}()
}

func (e *Engine) openSessions() (directory.SessionManager, error) {
	if e.Config.Sessions.Driver != "redis" {
		return directory.NewMemorySessions(), nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     e.Config.Sessions.RedisAddr,
		Password: e.Config.Sessions.RedisPassword,
		DB:       e.Config.Sessions.RedisDB,
	})
	ctx, cancel := context.WithTimeout(e.ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", e.Config.Sessions.RedisAddr, err)
	}
	e.closers = append(e.closers, func() { _ = client.Close() })
	e.Logger.Info().Str("addr", e.Config.Sessions.RedisAddr).Msg("redis session store connected")
	return directory.NewRedisSessionStore(client, e.Config.Sessions.KeyPrefix), nil
}

func (e *Engine) buildNotifier(logger zerolog.Logger) notify.Notifier {
	notifiers := []notify.Notifier{notify.NewLogNotifier(logger)}
	n := e.Config.Notifications
	if len(n.WebhookURLs) > 0 {
		notifiers = append(notifiers, notify.NewWebhookNotifier(n.WebhookURLs, n.Template, n.Timeout, logger))
	}
	if e.Bus != nil && n.PublishToBus {
		notifiers = append(notifiers, notify.NewBusNotifier(e.Bus))
	}
	return notify.NewMulti(notifiers...)
}

func (e *Engine) wireAlertHandlers() {
	if e.Bus != nil {
		e.Alerts.AddHandler(func(_ context.Context, alert anomaly.Alert, _ anomaly.Anomaly) {
			subject := core.SubjectAlerts + "." + strings.ToLower(alert.Severity.String())
			if err := e.Bus.Publish(subject, alert); err != nil {
				e.Logger.Error().Err(err).Str("alert_id", alert.ID).Msg("failed to publish alert to bus")
			}
		})
	}
	if e.Config.Response.AutoTrigger {
		e.Alerts.AddHandler(func(ctx context.Context, _ anomaly.Alert, a anomaly.Anomaly) {
			if _, err := e.Executor.TriggerMatching(ctx, a); err != nil {
				e.Logger.Error().Err(err).Str("anomaly_id", a.ID).Msg("automatic response failed")
			}
		})
	}
}

func (e *Engine) handleBusEvent(event *core.AccessEvent) {
	if _, err := e.Detector.DetectAnomalies(e.ctx, *event); err != nil {
		e.Logger.Error().Err(err).Str("event_id", event.ID).Str("user_id", event.UserID).Msg("detection failed for bus event")
	}
}

// Ingest accepts an event from a log source. With the bus enabled the event
// is queued like any published event; otherwise detection runs inline.
func (e *Engine) Ingest(ctx context.Context, event *core.AccessEvent) error {
	if e.Bus != nil {
		return e.Bus.PublishAccessEvent(event)
	}
	_, err := e.Detector.DetectAnomalies(ctx, *event)
	return err
}

// PublishAccessEvent queues event on the bus for asynchronous detection.
func (e *Engine) PublishAccessEvent(event *core.AccessEvent) error {
	if e.Bus == nil {
		return fmt.Errorf("event bus disabled: %w", core.ErrConflict)
	}
	return e.Bus.PublishAccessEvent(event)
}

// Run starts the engine and blocks until a shutdown signal is received.
func (e *Engine) Run() error {
	if err := e.Start(); err != nil {
		return err
	}
	e.Wait()
	return e.Shutdown()
}

// Wait blocks until SIGINT, SIGTERM or Stop.
func (e *Engine) Wait() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		e.Logger.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case <-e.ctx.Done():
		e.Logger.Info().Msg("context cancelled")
	}
}

// Stop cancels the engine context, releasing Wait.
func (e *Engine) Stop() {
	e.cancel()
}

// Shutdown stops ingestion, waits for in-flight responses and closes backends.
func (e *Engine) Shutdown() error {
	e.stopOnce.Do(func() {
		e.Logger.Info().Msg("shutting down AccessGuard engine")
		e.cancel()
		if e.Syslog != nil {
			_ = e.Syslog.Stop()
		}
		if e.Collectors != nil {
			e.Collectors.StopAll()
		}
		e.workers.Wait()

		e.closeBus()
		if e.Executor != nil {
			done := make(chan struct{})
			go func() {
				e.Executor.Wait()
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(e.drainTimeout()):
				e.Logger.Warn().Msg("in-flight responses still running at shutdown")
			}
		}
		e.closeAll()
		e.Logger.Info().Msg("AccessGuard engine stopped")
	})
	return nil
}

func (e *Engine) drainTimeout() time.Duration {
	if t := e.Config.Response.ExecutionTimeout; t > 0 {
		return t + 5*time.Second
	}
	return 30 * time.Second
}

func (e *Engine) closeBus() {
	if e.Bus == nil {
		return
	}
	if err := e.Bus.Close(); err != nil {
		e.Logger.Error().Err(err).Msg("error closing event bus")
	}
	e.Bus = nil
}

// closeAll closes the bus, then runs closers in reverse order of registration.
func (e *Engine) closeAll() {
	e.closeBus()
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
	e.closers = nil
}

// Context returns the engine's context.
func (e *Engine) Context() context.Context {
	return e.ctx
}

// Uptime reports how long the engine has been running.
func (e *Engine) Uptime() time.Duration {
	if e.startedAt.IsZero() {
		return 0
	}
	return time.Since(e.startedAt)
}
