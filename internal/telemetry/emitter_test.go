package telemetry

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arqonbus/arqonbus/internal/config"
	"github.com/arqonbus/arqonbus/internal/protocol"
)

func testConfig(buffer int) config.TelemetryConfig {
	return config.TelemetryConfig{
		Enabled:       true,
		Room:          "arqonbus.telemetry",
		Channel:       "telemetry-stream",
		BufferSize:    buffer,
		FlushInterval: time.Hour, // tests flush explicitly
	}
}

func TestEmitAndFlushToSubscribers(t *testing.T) {
	em := NewEmitter(testConfig(10), nil, nil)

	var mu sync.Mutex
	var got []Event
	em.Subscribe(func(e Event) {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
	})

	em.ClientConnected("c1", map[string]interface{}{"remote": "127.0.0.1"})
	em.CommandFailed("ping", "c1", "boom")
	em.Flush()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2)
	assert.Equal(t, EventClientConnected, got[0].EventType)
	assert.Equal(t, "c1", got[0].ClientID)
	assert.NotEmpty(t, got[0].EventID)
	assert.Equal(t, "warning", got[1].Severity)
	assert.Equal(t, false, got[1].Metadata["success"])
}

func TestBufferDropsOldest(t *testing.T) {
	em := NewEmitter(testConfig(3), nil, nil)

	for i := 0; i < 5; i++ {
		em.EmitEvent(EventMessageRouted, "c1", "", map[string]interface{}{"n": i}, "info")
	}

	var got []Event
	em.Subscribe(func(e Event) { got = append(got, e) })
	em.Flush()

	require.Len(t, got, 3, "oldest events were evicted")
	assert.Equal(t, 2, got[0].Metadata["n"])
	assert.Equal(t, 4, got[2].Metadata["n"])

	stats := em.Stats()
	assert.Equal(t, int64(5), stats["events_emitted"])
	assert.Equal(t, int64(2), stats["events_dropped"])
}

func TestDisabledEmitterIsSilent(t *testing.T) {
	cfg := testConfig(10)
	cfg.Enabled = false
	em := NewEmitter(cfg, nil, nil)

	var got []Event
	em.Subscribe(func(e Event) { got = append(got, e) })
	em.EmitEvent(EventSystemError, "", "", nil, "error")
	em.Flush()

	assert.Empty(t, got)
}

func TestBackgroundDrain(t *testing.T) {
	cfg := testConfig(10)
	cfg.FlushInterval = 10 * time.Millisecond
	em := NewEmitter(cfg, nil, nil)

	var mu sync.Mutex
	count := 0
	em.Subscribe(func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	em.Start()
	em.ClientConnected("c1", nil)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	}, time.Second, 5*time.Millisecond)
	em.Stop()
}

func TestEventEnvelopeShape(t *testing.T) {
	em := NewEmitter(testConfig(10), nil, nil)
	em.MessageRouted("arq_1_1_abcdef", "c1", 3)

	var event Event
	em.Subscribe(func(e Event) { event = e })
	em.Flush()

	env := em.Envelope(event)
	assert.Equal(t, protocol.TypeTelemetry, env.Type)
	assert.Equal(t, "arqonbus.telemetry", env.Room)
	assert.Equal(t, "telemetry-stream", env.Channel)
	assert.Equal(t, TelemetrySender, env.Sender)
	assert.Equal(t, EventMessageRouted, env.Payload["event_type"])
}
