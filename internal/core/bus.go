package core

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Subjects used on the bus.
const (
	SubjectAccessEvents  = "sec.access"
	SubjectAlerts        = "sec.alerts"
	SubjectResponses     = "sec.responses"
	SubjectNotifications = "sec.notify"
)

// EventBus wraps NATS JetStream for access-event ingestion and for publishing
// alerts, response records and administrator notifications.
type EventBus struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	ns     *server.Server
	logger zerolog.Logger
	mu     sync.RWMutex
	subs   []*nats.Subscription

	metrics *BusMetrics
}

// BusMetrics tracks event bus performance counters.
type BusMetrics struct {
	mu                sync.Mutex `json:"-"`
	EventsPublished   int64      `json:"events_published"`
	MessagesPublished int64      `json:"messages_published"`
	PublishFailures   int64      `json:"publish_failures"`
	MessagesAcked     int64      `json:"messages_acked"`
	MessagesNaked     int64      `json:"messages_naked"`
}

var streams = []*nats.StreamConfig{
	{
		Name:      "ACCESS_EVENTS",
		Subjects:  []string{SubjectAccessEvents + ".>"},
		Retention: nats.LimitsPolicy,
		MaxAge:    24 * time.Hour * 7,
		MaxBytes:  1024 * 1024 * 1024,
		Storage:   nats.FileStorage,
		Discard:   nats.DiscardOld,
	},
	{
		Name:      "SECURITY_ALERTS",
		Subjects:  []string{SubjectAlerts + ".>"},
		Retention: nats.LimitsPolicy,
		MaxAge:    24 * time.Hour * 30,
		MaxBytes:  512 * 1024 * 1024,
		Storage:   nats.FileStorage,
		Discard:   nats.DiscardOld,
	},
	{
		Name:      "SECURITY_RESPONSES",
		Subjects:  []string{SubjectResponses + ".>"},
		Retention: nats.LimitsPolicy,
		MaxAge:    24 * time.Hour * 30,
		MaxBytes:  256 * 1024 * 1024,
		Storage:   nats.FileStorage,
		Discard:   nats.DiscardOld,
	},
	{
		Name:      "ADMIN_NOTIFICATIONS",
		Subjects:  []string{SubjectNotifications + ".>"},
		Retention: nats.LimitsPolicy,
		MaxAge:    24 * time.Hour * 30,
		MaxBytes:  64 * 1024 * 1024,
		Storage:   nats.FileStorage,
		Discard:   nats.DiscardOld,
	},
}

// NewEventBus creates a new EventBus. If cfg.Embedded is true, it starts an embedded
// NATS server; a Port of -1 picks a random free port.
func NewEventBus(cfg *BusConfig, logger zerolog.Logger) (*EventBus, error) {
	bus := &EventBus{
		logger:  logger.With().Str("component", "event_bus").Logger(),
		subs:    make([]*nats.Subscription, 0),
		metrics: &BusMetrics{},
	}

	url := cfg.URL
	if cfg.Embedded {
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("creating NATS data dir: %w", err)
		}

		ns, err := server.NewServer(&server.Options{
			Host:      "127.0.0.1",
			Port:      cfg.Port,
			JetStream: true,
			StoreDir:  cfg.DataDir,
			NoLog:     true,
			NoSigs:    true,
		})
		if err != nil {
			return nil, fmt.Errorf("creating embedded NATS server: %w", err)
		}
		ns.Start()
		if !ns.ReadyForConnections(10 * time.Second) {
			ns.Shutdown()
			return nil, fmt.Errorf("embedded NATS server failed to start within timeout")
		}
		bus.ns = ns
		url = ns.ClientURL()
		bus.logger.Info().Str("url", url).Msg("embedded NATS server started")
	}

	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(60),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				bus.logger.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			bus.logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		bus.shutdownServer()
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}
	bus.nc = nc

	js, err := nc.JetStream()
	if err != nil {
		_ = bus.Close()
		return nil, fmt.Errorf("creating JetStream context: %w", err)
	}
	bus.js = js

	// AddStream fails when the stream exists with a different config; update it instead.
	for _, sc := range streams {
		if _, err := js.AddStream(sc); err != nil {
			if _, updateErr := js.UpdateStream(sc); updateErr != nil {
				_ = bus.Close()
				return nil, fmt.Errorf("creating/updating stream %s: %w (original: %v)", sc.Name, updateErr, err)
			}
		}
	}

	bus.logger.Info().Str("url", url).Msg("connected to NATS JetStream")
	return bus, nil
}

// PublishAccessEvent publishes an AccessEvent for asynchronous detection.
func (b *EventBus) PublishAccessEvent(event *AccessEvent) error {
	data, err := event.Marshal()
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	subject := fmt.Sprintf("%s.%s", SubjectAccessEvents, subjectToken(event.ResourceType))
	if _, err := b.js.Publish(subject, data); err != nil {
		b.count(func(m *BusMetrics) { m.PublishFailures++ })
		return fmt.Errorf("publishing event to %s: %w", subject, err)
	}
	b.count(func(m *BusMetrics) { m.EventsPublished++ })

	b.logger.Debug().
		Str("event_id", event.ID).
		Str("subject", subject).
		Str("user_id", event.UserID).
		Msg("access event published")
	return nil
}

// Publish marshals v to JSON and publishes it on subject.
func (b *EventBus) Publish(subject string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling payload for %s: %w", subject, err)
	}
	if _, err := b.js.Publish(subject, data); err != nil {
		b.count(func(m *BusMetrics) { m.PublishFailures++ })
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}
	b.count(func(m *BusMetrics) { m.MessagesPublished++ })
	return nil
}

// Subscribe creates a durable subscription to a subject pattern.
func (b *EventBus) Subscribe(subject, durableName string, handler func(msg *nats.Msg)) error {
	opts := []nats.SubOpt{nats.DeliverNew(), nats.AckExplicit()}
	if durableName != "" {
		opts = append(opts, nats.Durable(durableName))
	}
	sub, err := b.js.Subscribe(subject, handler, opts...)
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", subject, err)
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	b.logger.Debug().Str("subject", subject).Str("durable", durableName).Msg("subscribed")
	return nil
}

// SubscribeToAccessEvents delivers every access event to handler. Malformed
// messages are terminated instead of redelivered.
func (b *EventBus) SubscribeToAccessEvents(handler func(event *AccessEvent)) error {
	return b.Subscribe(SubjectAccessEvents+".>", "accessguard-detector", func(msg *nats.Msg) {
		event, err := UnmarshalAccessEvent(msg.Data)
		if err != nil {
			b.logger.Error().Err(err).Msg("failed to unmarshal access event")
			_ = msg.Term()
			b.count(func(m *BusMetrics) { m.MessagesNaked++ })
			return
		}
		handler(event)
		_ = msg.Ack()
		b.count(func(m *BusMetrics) { m.MessagesAcked++ })
	})
}

// Close shuts down the event bus.
func (b *EventBus) Close() error {
	b.mu.Lock()
	for _, sub := range b.subs {
		_ = sub.Unsubscribe()
	}
	b.subs = nil
	b.mu.Unlock()

	if b.nc != nil {
		b.nc.Close()
	}
	b.shutdownServer()
	return nil
}

func (b *EventBus) shutdownServer() {
	if b.ns != nil {
		b.ns.Shutdown()
		b.ns.WaitForShutdown()
		b.logger.Info().Msg("embedded NATS server stopped")
	}
}

// IsConnected returns true if the NATS connection is active.
func (b *EventBus) IsConnected() bool {
	return b != nil && b.nc != nil && b.nc.IsConnected()
}

// GetMetrics returns a snapshot of bus metrics.
func (b *EventBus) GetMetrics() map[string]int64 {
	b.metrics.mu.Lock()
	defer b.metrics.mu.Unlock()
	return map[string]int64{
		"events_published":   b.metrics.EventsPublished,
		"messages_published": b.metrics.MessagesPublished,
		"publish_failures":   b.metrics.PublishFailures,
		"messages_acked":     b.metrics.MessagesAcked,
		"messages_naked":     b.metrics.MessagesNaked,
	}
}

func (b *EventBus) count(fn func(m *BusMetrics)) {
	b.metrics.mu.Lock()
	fn(b.metrics)
	b.metrics.mu.Unlock()
}

// subjectToken makes s safe for use as a single NATS subject token.
func subjectToken(s string) string {
	if s == "" {
		return "unknown"
	}
	out := []byte(s)
	for i, c := range out {
		switch c {
		case '.', '*', '>', ' ', '\t':
			out[i] = '_'
		}
	}
	return string(out)
}
