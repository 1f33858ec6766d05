package omega

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arqonbus/arqonbus/internal/config"
	"github.com/arqonbus/arqonbus/internal/protocol"
)

type labCaptor struct {
	mu   sync.Mutex
	sent []*protocol.Envelope
}

func (c *labCaptor) broadcast(e *protocol.Envelope) {
	c.mu.Lock()
	c.sent = append(c.sent, e)
	c.mu.Unlock()
}

func enabledConfig() config.OmegaConfig {
	return config.OmegaConfig{
		Enabled:       true,
		LabRoom:       "omega-lab",
		LabChannel:    "events",
		MaxEvents:     5,
		MaxSubstrates: 3,
	}
}

func newLane(t *testing.T) (*Lane, *labCaptor) {
	t.Helper()
	c := &labCaptor{}
	return NewLane(enabledConfig(), nil, c.broadcast, nil, nil), c
}

func TestDisabledLaneRejectsEverything(t *testing.T) {
	lane := NewLane(config.OmegaConfig{Enabled: false}, nil, nil, nil, nil)

	_, err := lane.RegisterSubstrate("c1", "probe-a", "sim", nil)
	assert.ErrorIs(t, err, ErrLaneDisabled)
	_, err = lane.Substrates()
	assert.ErrorIs(t, err, ErrLaneDisabled)
	_, err = lane.ListEvents(EventFilter{}, 10)
	assert.ErrorIs(t, err, ErrLaneDisabled)
	_, _, err = lane.ClearEvents(EventFilter{})
	assert.ErrorIs(t, err, ErrLaneDisabled)

	status := lane.Status()
	assert.Equal(t, false, status["enabled"])
}

func TestRegisterSubstrateLifecycle(t *testing.T) {
	lane, _ := newLane(t)

	sub, err := lane.RegisterSubstrate("c1", "probe-a", "sim", map[string]interface{}{"gen": 1})
	require.NoError(t, err)
	assert.Regexp(t, `^omega_[0-9a-f]{12}$`, sub.ID)
	assert.Equal(t, "c1", sub.OwnerID)

	subs, err := lane.Substrates()
	require.NoError(t, err)
	assert.Len(t, subs, 1)

	removed, removedEvents, err := lane.UnregisterSubstrate(sub.ID)
	require.NoError(t, err)
	require.NotNil(t, removed)
	assert.Equal(t, 0, removedEvents)

	removed, _, err = lane.UnregisterSubstrate(sub.ID)
	require.NoError(t, err)
	assert.Nil(t, removed, "second unregister is a no-op")
}

func TestRegisterSubstrateValidation(t *testing.T) {
	lane, _ := newLane(t)

	_, err := lane.RegisterSubstrate("c1", "", "sim", nil)
	assert.Error(t, err)
	_, err = lane.RegisterSubstrate("c1", "probe-a", "  ", nil)
	assert.Error(t, err)
}

func TestSubstrateLimit(t *testing.T) {
	lane, _ := newLane(t)

	for i := 0; i < 3; i++ {
		_, err := lane.RegisterSubstrate("c1", "probe", "sim", nil)
		require.NoError(t, err)
	}
	_, err := lane.RegisterSubstrate("c1", "probe", "sim", nil)
	assert.ErrorIs(t, err, ErrSubstrateLimit)
}

func TestEmitEventBroadcastsToLab(t *testing.T) {
	lane, captor := newLane(t)

	sub, err := lane.RegisterSubstrate("c1", "probe-a", "sim", nil)
	require.NoError(t, err)

	evt, err := lane.EmitEvent("c1", sub.ID, "pulse", map[string]interface{}{"level": 3})
	require.NoError(t, err)
	assert.Regexp(t, `^omega_evt_[0-9a-f]{12}$`, evt.ID)
	assert.Equal(t, "c1", evt.EmittedBy)

	captor.mu.Lock()
	defer captor.mu.Unlock()
	require.Len(t, captor.sent, 1)
	e := captor.sent[0]
	assert.Equal(t, protocol.TypeTelemetry, e.Type)
	assert.Equal(t, OmegaSender, e.Sender)
	assert.Equal(t, "omega-lab", e.Room)
	assert.Equal(t, "events", e.Channel)
	assert.Contains(t, e.Payload, "omega_event")
}

func TestEmitEventRequiresKnownSubstrate(t *testing.T) {
	lane, _ := newLane(t)

	_, err := lane.EmitEvent("c1", "omega_000000000000", "pulse", nil)
	assert.ErrorIs(t, err, ErrSubstrateNotFound)
}

func TestEventLogIsBounded(t *testing.T) {
	lane, _ := newLane(t) // MaxEvents 5

	sub, err := lane.RegisterSubstrate("c1", "probe-a", "sim", nil)
	require.NoError(t, err)

	for i := 0; i < 8; i++ {
		_, err := lane.EmitEvent("c1", sub.ID, "pulse", map[string]interface{}{"n": i})
		require.NoError(t, err)
	}

	events, err := lane.ListEvents(EventFilter{}, 100)
	require.NoError(t, err)
	require.Len(t, events, 5, "oldest events evicted")
	assert.Equal(t, 3, events[0].Payload["n"], "log keeps the newest entries")
}

func TestListEventsFilterAndLimit(t *testing.T) {
	lane, _ := newLane(t)

	a, err := lane.RegisterSubstrate("c1", "probe-a", "sim", nil)
	require.NoError(t, err)
	b, err := lane.RegisterSubstrate("c1", "probe-b", "sim", nil)
	require.NoError(t, err)

	_, err = lane.EmitEvent("c1", a.ID, "pulse", nil)
	require.NoError(t, err)
	_, err = lane.EmitEvent("c1", b.ID, "pulse", nil)
	require.NoError(t, err)
	_, err = lane.EmitEvent("c1", a.ID, "halt", nil)
	require.NoError(t, err)

	events, err := lane.ListEvents(EventFilter{SubstrateID: a.ID}, 100)
	require.NoError(t, err)
	assert.Len(t, events, 2)

	events, err = lane.ListEvents(EventFilter{Signal: "pulse"}, 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, b.ID, events[0].SubstrateID, "limit keeps the newest match")

	_, err = lane.ListEvents(EventFilter{}, 0)
	assert.Error(t, err)
}

func TestClearEventsAndUnregisterCleanup(t *testing.T) {
	lane, _ := newLane(t)

	a, err := lane.RegisterSubstrate("c1", "probe-a", "sim", nil)
	require.NoError(t, err)
	b, err := lane.RegisterSubstrate("c1", "probe-b", "sim", nil)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err = lane.EmitEvent("c1", a.ID, "pulse", nil)
		require.NoError(t, err)
	}
	_, err = lane.EmitEvent("c1", b.ID, "pulse", nil)
	require.NoError(t, err)

	removed, remaining, err := lane.ClearEvents(EventFilter{SubstrateID: a.ID})
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.Equal(t, 1, remaining)

	_, err = lane.EmitEvent("c1", b.ID, "halt", nil)
	require.NoError(t, err)
	sub, removedEvents, err := lane.UnregisterSubstrate(b.ID)
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.Equal(t, 2, removedEvents, "unregister drops the substrate's events")
}

func TestStatusWithoutRuntime(t *testing.T) {
	lane, _ := newLane(t)

	status := lane.Status()
	assert.Equal(t, true, status["enabled"])
	runtime, ok := status["runtime"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, false, runtime["available"])
	assert.Equal(t, "runtime unavailable", runtime["detail"])
}
