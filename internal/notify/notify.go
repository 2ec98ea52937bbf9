// Package notify delivers administrator notifications.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/1sec-project/accessguard/internal/core"
	"github.com/1sec-project/accessguard/internal/directory"
)

// Message is a notification addressed to administrators.
type Message struct {
	Subject   string        `json:"subject"`
	Body      string        `json:"body"`
	Severity  core.Severity `json:"severity"`
	UserID    string        `json:"user_id,omitempty"`
	AnomalyID string        `json:"anomaly_id,omitempty"`
	AlertID   string        `json:"alert_id,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// Notifier delivers a message to a set of administrators.
type Notifier interface {
	NotifyAdmins(ctx context.Context, admins []directory.User, msg Message) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, admins []directory.User, msg Message) error

func (f NotifierFunc) NotifyAdmins(ctx context.Context, admins []directory.User, msg Message) error {
	return f(ctx, admins, msg)
}

// Multi delivers through every notifier concurrently. It fails if any of them fails.
type Multi struct {
	notifiers []Notifier
}

func NewMulti(notifiers ...Notifier) *Multi {
	return &Multi{notifiers: notifiers}
}

func (m *Multi) NotifyAdmins(ctx context.Context, admins []directory.User, msg Message) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, n := range m.notifiers {
		n := n
		g.Go(func() error {
			return n.NotifyAdmins(gctx, admins, msg)
		})
	}
	return g.Wait()
}

// LogNotifier writes notifications to the log. It is the fallback when no
// delivery channel is configured.
type LogNotifier struct {
	logger zerolog.Logger
}

func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "notifier").Logger()}
}

func (l *LogNotifier) NotifyAdmins(_ context.Context, admins []directory.User, msg Message) error {
	ids := make([]string, 0, len(admins))
	for _, a := range admins {
		ids = append(ids, a.ID)
	}
	l.logger.Warn().
		Str("subject", msg.Subject).
		Str("severity", msg.Severity.String()).
		Str("user_id", msg.UserID).
		Strs("admins", ids).
		Msg(msg.Body)
	return nil
}

// Recorder keeps every delivered message in memory.
type Recorder struct {
	mu       sync.Mutex
	messages []Delivery
	err      error
}

// Delivery is one recorded notification.
type Delivery struct {
	Admins  []directory.User
	Message Message
}

func NewRecorder() *Recorder { return &Recorder{} }

// FailWith makes subsequent deliveries fail with err, after recording them.
func (r *Recorder) FailWith(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

func (r *Recorder) NotifyAdmins(_ context.Context, admins []directory.User, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, Delivery{Admins: append([]directory.User(nil), admins...), Message: msg})
	if r.err != nil {
		return fmt.Errorf("notify: %w", r.err)
	}
	return nil
}

func (r *Recorder) Deliveries() []Delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Delivery, len(r.messages))
	copy(out, r.messages)
	return out
}
