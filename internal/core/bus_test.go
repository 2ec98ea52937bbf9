package core

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus(t *testing.T) *EventBus {
	t.Helper()
	bus, err := NewEventBus(&BusConfig{Enabled: true, Embedded: true, Port: -1, DataDir: t.TempDir()}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.Close() })
	return bus
}

func TestEventBus_AccessEventRoundTrip(t *testing.T) {
	bus := newTestBus(t)
	require.True(t, bus.IsConnected())

	var (
		mu  sync.Mutex
		got []*AccessEvent
	)
	require.NoError(t, bus.SubscribeToAccessEvents(func(e *AccessEvent) {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
	}))

	sent := NewAccessEvent("u1", "read", "SENSITIVE.DATA", AccessSuccess)
	require.NoError(t, bus.PublishAccessEvent(sent))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 5*time.Second, 20*time.Millisecond)

	mu.Lock()
	assert.Equal(t, sent.ID, got[0].ID)
	assert.Equal(t, "SENSITIVE.DATA", got[0].ResourceType)
	mu.Unlock()

	require.Eventually(t, func() bool { return bus.GetMetrics()["messages_acked"] == 1 }, 5*time.Second, 20*time.Millisecond)
	assert.EqualValues(t, 1, bus.GetMetrics()["events_published"])
}

func TestEventBus_MalformedMessageIsTerminated(t *testing.T) {
	bus := newTestBus(t)
	called := make(chan struct{}, 1)
	require.NoError(t, bus.SubscribeToAccessEvents(func(*AccessEvent) { called <- struct{}{} }))

	_, err := bus.js.Publish(SubjectAccessEvents+".DOCUMENT", []byte("{not json"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return bus.GetMetrics()["messages_naked"] == 1 }, 5*time.Second, 20*time.Millisecond)
	assert.Empty(t, called)
}

func TestEventBus_Publish(t *testing.T) {
	bus := newTestBus(t)
	msgs := make(chan *nats.Msg, 1)
	require.NoError(t, bus.Subscribe(SubjectAlerts+".>", "", func(m *nats.Msg) {
		_ = m.Ack()
		msgs <- m
	}))

	require.NoError(t, bus.Publish(SubjectAlerts+".high", map[string]string{"id": "a1"}))

	select {
	case m := <-msgs:
		assert.Equal(t, SubjectAlerts+".high", m.Subject)
		var body map[string]string
		require.NoError(t, json.Unmarshal(m.Data, &body))
		assert.Equal(t, "a1", body["id"])
	case <-time.After(5 * time.Second):
		t.Fatal("no message received")
	}
	assert.EqualValues(t, 1, bus.GetMetrics()["messages_published"])
}

func TestEventBus_Close(t *testing.T) {
	bus := newTestBus(t)
	require.NoError(t, bus.Close())
	assert.False(t, bus.IsConnected())

	var nilBus *EventBus
	assert.False(t, nilBus.IsConnected())
}

func TestSubjectToken(t *testing.T) {
	assert.Equal(t, "unknown", subjectToken(""))
	assert.Equal(t, "SENSITIVE_DATA", subjectToken("SENSITIVE.DATA"))
	assert.Equal(t, "a_b_c_d", subjectToken("a*b>c d"))
}
