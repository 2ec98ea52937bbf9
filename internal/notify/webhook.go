package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/1sec-project/accessguard/internal/directory"
)

// WebhookNotifier posts notifications to one or more HTTP endpoints. Each URL
// has its own circuit breaker so a dead endpoint fails fast without holding up
// detection.
type WebhookNotifier struct {
	client   *http.Client
	template Template
	targets  []webhookTarget
	logger   zerolog.Logger
}

type webhookTarget struct {
	url string
	cb  *gobreaker.CircuitBreaker
}

// NewWebhookNotifier builds a notifier for urls. An unknown template name falls
// back to the generic payload.
func NewWebhookNotifier(urls []string, templateName string, timeout time.Duration, logger zerolog.Logger) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	tmpl := GetTemplate(templateName)
	if tmpl == nil {
		tmpl = genericTemplate{}
	}
	w := &WebhookNotifier{
		client:   &http.Client{Timeout: timeout},
		template: tmpl,
		logger:   logger.With().Str("component", "webhook_notifier").Logger(),
	}
	for _, u := range urls {
		w.targets = append(w.targets, webhookTarget{
			url: u,
			cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
				Name:        "webhook:" + u,
				MaxRequests: 1,
				Interval:    time.Minute,
				Timeout:     60 * time.Second,
				ReadyToTrip: func(counts gobreaker.Counts) bool {
					return counts.ConsecutiveFailures >= 5
				},
				OnStateChange: func(name string, from, to gobreaker.State) {
					w.logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("webhook circuit state changed")
				},
			}),
		})
	}
	return w
}

// NotifyAdmins posts to every target. It succeeds if at least one target accepts.
func (w *WebhookNotifier) NotifyAdmins(ctx context.Context, admins []directory.User, msg Message) error {
	if len(w.targets) == 0 {
		return errors.New("no webhook targets configured")
	}
	payload, err := json.Marshal(w.template.Format(admins, msg))
	if err != nil {
		return fmt.Errorf("encoding webhook payload: %w", err)
	}

	var errs []error
	delivered := 0
	for _, t := range w.targets {
		_, err := t.cb.Execute(func() (interface{}, error) {
			return nil, w.post(ctx, t.url, payload)
		})
		if err != nil {
			w.logger.Error().Err(err).Str("url", t.url).Msg("webhook delivery failed")
			errs = append(errs, fmt.Errorf("%s: %w", t.url, err))
			continue
		}
		delivered++
	}
	if delivered == 0 {
		return errors.Join(errs...)
	}
	return nil
}

func (w *WebhookNotifier) post(ctx context.Context, url string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "accessguard-notifier")

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}
