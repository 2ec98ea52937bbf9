package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingSink struct{}

func (failingSink) Write(context.Context, Entry) error { return errors.New("disk full") }

func TestLog_FansOutToEverySink(t *testing.T) {
	ctx := context.Background()
	a, b := NewMemorySink(10), NewMemorySink(10)
	log := New(a, b)

	require.NoError(t, log.LogSuccess(ctx, "DISABLE_ACCOUNT", "security_response", "r1", map[string]interface{}{"userId": "u1"}))
	require.NoError(t, log.LogFailure(ctx, "ISOLATE_DEVICE", "security_response", "r2", "device not found"))

	for _, sink := range []*MemorySink{a, b} {
		entries := sink.Entries()
		require.Len(t, entries, 2)
		assert.Equal(t, OutcomeSuccess, entries[0].Outcome)
		assert.Equal(t, "u1", entries[0].Details["userId"])
		assert.Equal(t, OutcomeFailure, entries[1].Outcome)
		assert.Equal(t, "device not found", entries[1].Reason)
		assert.NotEmpty(t, entries[0].ID)
		assert.False(t, entries[0].Timestamp.IsZero())
	}
	assert.Len(t, a.Find("security_response", "r2"), 1)
}

func TestLog_ContinuesPastFailingSink(t *testing.T) {
	mem := NewMemorySink(10)
	log := New(failingSink{}, mem)

	err := log.LogFailure(context.Background(), "NOTIFY_ADMIN", "security_response", "r1", "smtp down")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Len(t, mem.Entries(), 1)
}

func TestMemorySink_Bounded(t *testing.T) {
	sink := NewMemorySink(2)
	for i := 0; i < 5; i++ {
		require.NoError(t, sink.Write(context.Background(), Entry{ResourceID: string(rune('a' + i))}))
	}
	entries := sink.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "d", entries[0].ResourceID)
	assert.Equal(t, "e", entries[1].ResourceID)
}

func TestLogSink_WritesStructuredLine(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink(zerolog.New(&buf))
	log := New(sink)

	require.NoError(t, log.LogFailure(context.Background(), "REVOKE_SESSIONS", "security_response", "r9", "redis unavailable"))

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "warn", line["level"])
	assert.Equal(t, "audit", line["component"])
	assert.Equal(t, "REVOKE_SESSIONS", line["action"])
	assert.Equal(t, "redis unavailable", line["reason"])
	assert.Equal(t, "FAILURE", line["outcome"])
}
