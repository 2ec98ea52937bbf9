package engine

import (
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// LogEntry is one captured log line.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Component string    `json:"component,omitempty"`
	Message   string    `json:"message"`
	Error     string    `json:"error,omitempty"`
}

// LogBuffer keeps the most recent zerolog JSON lines in a fixed-size ring.
// It is installed next to the configured log output so /api/v1/logs can
// serve recent activity without shipping logs anywhere.
type LogBuffer struct {
	mu      sync.RWMutex
	entries []LogEntry
	pos     int
	full    bool
}

func NewLogBuffer(size int) *LogBuffer {
	if size <= 0 {
		size = 500
	}
	return &LogBuffer{entries: make([]LogEntry, size)}
}

// Write implements io.Writer. Each call carries one JSON event from zerolog.
func (b *LogBuffer) Write(p []byte) (int, error) {
	entry := parseLogLine(p)

	b.mu.Lock()
	b.entries[b.pos] = entry
	b.pos = (b.pos + 1) % len(b.entries)
	if b.pos == 0 {
		b.full = true
	}
	b.mu.Unlock()
	return len(p), nil
}

// Recent returns up to n entries, oldest first, keeping only those at or
// above minLevel when it is set.
func (b *LogBuffer) Recent(n int, minLevel string) []LogEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	total := b.pos
	if b.full {
		total = len(b.entries)
	}
	start := b.pos - total
	if start < 0 {
		start += len(b.entries)
	}

	floor := levelRank(minLevel)
	out := make([]LogEntry, 0, total)
	for i := 0; i < total; i++ {
		e := b.entries[(start+i)%len(b.entries)]
		if levelRank(e.Level) >= floor {
			out = append(out, e)
		}
	}
	if n > 0 && len(out) > n {
		out = out[len(out)-n:]
	}
	return out
}

func parseLogLine(p []byte) LogEntry {
	var raw struct {
		Time      time.Time `json:"time"`
		Level     string    `json:"level"`
		Component string    `json:"component"`
		Message   string    `json:"message"`
		Error     string    `json:"error"`
	}
	if err := json.Unmarshal(p, &raw); err != nil {
		return LogEntry{Timestamp: time.Now().UTC(), Message: strings.TrimSpace(string(p))}
	}
	if raw.Time.IsZero() {
		raw.Time = time.Now().UTC()
	}
	return LogEntry{
		Timestamp: raw.Time,
		Level:     raw.Level,
		Component: raw.Component,
		Message:   raw.Message,
		Error:     raw.Error,
	}
}

func levelRank(level string) int {
	switch strings.ToLower(level) {
	case "debug":
		return 1
	case "info":
		return 2
	case "warn":
		return 3
	case "error":
		return 4
	case "fatal", "panic":
		return 5
	}
	return 0
}
