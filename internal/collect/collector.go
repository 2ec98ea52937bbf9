// Package collect turns tailed log files into access events.
package collect

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/1sec-project/accessguard/internal/core"
)

// Sink receives the access events a collector extracts.
type Sink interface {
	Ingest(ctx context.Context, event *core.AccessEvent) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, event *core.AccessEvent) error

func (f SinkFunc) Ingest(ctx context.Context, event *core.AccessEvent) error {
	return f(ctx, event)
}

// Collector tails one log source.
type Collector interface {
	Name() string
	Start(ctx context.Context, sink Sink, logger zerolog.Logger) error
	Stop() error
}

// New builds the collector for a source entry.
func New(cfg core.SourceConfig) (Collector, error) {
	var parse LineParser
	switch cfg.Type {
	case "authlog":
		if cfg.LogPath == "" {
			cfg.LogPath = "/var/log/auth.log"
		}
		parse = ParseAuthLine
	case "nginx":
		parse = ParseNginxLine
	case "jsonlog":
		parse = ParseJSONLine
	default:
		return nil, core.ValidationError("unknown collector type %q", cfg.Type)
	}
	tag := cfg.Tag
	if tag == "" {
		tag = cfg.Type
	}
	return &fileCollector{kind: cfg.Type, path: cfg.LogPath, tag: tag, parse: parse}, nil
}

// LineParser extracts an access event from one log line. It returns false
// for lines that do not describe an access attempt by a known user.
type LineParser func(line string) (*core.AccessEvent, bool)

type fileCollector struct {
	kind   string
	path   string
	tag    string
	parse  LineParser
	cancel context.CancelFunc

	mu       sync.Mutex
	accepted int64
	dropped  int64
}

func (c *fileCollector) Name() string { return c.kind + ":" + c.path }

func (c *fileCollector) Start(ctx context.Context, sink Sink, logger zerolog.Logger) error {
	ctx, c.cancel = context.WithCancel(ctx)
	logger = logger.With().Str("collector", c.Name()).Logger()

	return tailFile(ctx, c.path, func(line string) {
		event, ok := c.parse(line)
		if !ok {
			return
		}
		if err := sink.Ingest(ctx, event); err != nil {
			c.count(false)
			logger.Warn().Err(err).Str("user_id", event.UserID).Msg("dropping access event")
			return
		}
		c.count(true)
	}, logger)
}

func (c *fileCollector) count(ok bool) {
	c.mu.Lock()
	if ok {
		c.accepted++
	} else {
		c.dropped++
	}
	c.mu.Unlock()
}

func (c *fileCollector) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	return nil
}

// Manager runs the configured collectors.
type Manager struct {
	mu         sync.Mutex
	collectors []Collector
	logger     zerolog.Logger
}

func NewManager(logger zerolog.Logger) *Manager {
	return &Manager{
		logger: logger.With().Str("component", "collector_manager").Logger(),
	}
}

// StartAll starts one collector per source. A source that fails to start is
// logged and skipped so the others keep running.
func (m *Manager) StartAll(ctx context.Context, sources []core.SourceConfig, sink Sink) {
	for _, src := range sources {
		c, err := New(src)
		if err != nil {
			m.logger.Warn().Err(err).Msg("skipping collector")
			continue
		}
		if err := c.Start(ctx, sink, m.logger); err != nil {
			m.logger.Error().Err(err).Str("collector", c.Name()).Msg("failed to start collector")
			continue
		}

		m.mu.Lock()
		m.collectors = append(m.collectors, c)
		m.mu.Unlock()
		m.logger.Info().Str("collector", c.Name()).Msg("collector started")
	}
}

func (m *Manager) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.collectors {
		if err := c.Stop(); err != nil {
			m.logger.Error().Err(err).Str("collector", c.Name()).Msg("error stopping collector")
		}
	}
	m.collectors = nil
}

func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.collectors)
}

// Status reports each running collector with its event counters.
func (m *Manager) Status() []map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]map[string]interface{}, 0, len(m.collectors))
	for _, c := range m.collectors {
		entry := map[string]interface{}{"name": c.Name()}
		if fc, ok := c.(*fileCollector); ok {
			fc.mu.Lock()
			entry["tag"] = fc.tag
			entry["accepted"] = fc.accepted
			entry["dropped"] = fc.dropped
			fc.mu.Unlock()
		}
		result = append(result, entry)
	}
	return result
}

// tailFile follows path from its current end, calling handler for each new
// line. A file that shrinks is treated as rotated and reopened.
func tailFile(ctx context.Context, path string, handler func(line string), logger zerolog.Logger) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return fmt.Errorf("seeking to end of %s: %w", path, err)
	}

	go func() {
		defer func() { f.Close() }()
		reader := bufio.NewReader(f)
		var lastSize int64
		if info, err := f.Stat(); err == nil {
			lastSize = info.Size()
		}
		var partial string

		for {
			if ctx.Err() != nil {
				return
			}

			chunk, err := reader.ReadString('\n')
			if err != nil {
				partial += chunk
				if err != io.EOF {
					logger.Error().Err(err).Str("path", path).Msg("read error")
					sleepCtx(ctx, time.Second)
					continue
				}
				if info, statErr := os.Stat(path); statErr == nil {
					if info.Size() < lastSize {
						logger.Info().Str("path", path).Msg("log rotation detected, reopening")
						f.Close()
						newF, openErr := os.Open(path)
						if openErr != nil {
							logger.Error().Err(openErr).Str("path", path).Msg("failed to reopen after rotation")
							return
						}
						f = newF
						reader = bufio.NewReader(f)
						lastSize = 0
						partial = ""
						continue
					}
					lastSize = info.Size()
				}
				sleepCtx(ctx, 250*time.Millisecond)
				continue
			}

			if info, statErr := f.Stat(); statErr == nil {
				lastSize = info.Size()
			}
			line := partial + chunk[:len(chunk)-1]
			partial = ""
			if len(line) > 0 && line[len(line)-1] == '\r' {
				line = line[:len(line)-1]
			}
			if line != "" {
				handler(line)
			}
		}
	}()

	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// validIP returns s when it parses as an IP address and "" otherwise, so a
// hostname in a log field never fails event validation.
func validIP(s string) string {
	if net.ParseIP(s) == nil {
		return ""
	}
	return s
}
