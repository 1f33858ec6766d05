package casil

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arqonbus/arqonbus/internal/config"
	"github.com/arqonbus/arqonbus/internal/protocol"
)

type recordingSink struct {
	mu     sync.Mutex
	events []string
	meta   []map[string]interface{}
}

func (r *recordingSink) EmitEvent(eventType, clientID, messageID string, metadata map[string]interface{}, severity string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, eventType)
	r.meta = append(r.meta, metadata)
}

func secretEnvelope() *protocol.Envelope {
	return protocol.NewMessage("lobby", "general", map[string]interface{}{
		"credentials": "api_key=sk_live_1234",
	})
}

func TestGate_HotReloadMonitorToEnforce(t *testing.T) {
	cfg := inspectionConfig()
	cfg.Mode = config.CASILModeMonitor
	gate := NewGate(cfg, nil, nil)

	// Monitor mode lets the secret through, tagged.
	out := gate.Process(secretEnvelope(), Context{ClientID: "c1"})
	assert.False(t, out.ShouldBlock())
	assert.Equal(t, ReasonMonitorMode, out.ReasonCode)

	// Reload to enforce: one pointer swap, same gate.
	next := gate.Snapshot().Config
	next.Mode = config.CASILModeEnforce
	require.NoError(t, gate.Reload(next))
	assert.Equal(t, config.CASILModeEnforce, gate.Mode())

	// The same secret is now blocked.
	out = gate.Process(secretEnvelope(), Context{ClientID: "c1"})
	assert.True(t, out.ShouldBlock())
	assert.Equal(t, ReasonBlockedSecret, out.ReasonCode)
}

func TestGate_ReloadRejectsInvalidConfig(t *testing.T) {
	gate := NewGate(inspectionConfig(), nil, nil)

	bad := gate.Snapshot().Config
	bad.Mode = "shadow"
	assert.Error(t, gate.Reload(bad))

	// The active snapshot is unchanged after a failed reload.
	assert.Equal(t, config.CASILModeMonitor, gate.Mode())
}

func TestGate_AnnotatesEnvelopeMetadata(t *testing.T) {
	gate := NewGate(inspectionConfig(), nil, nil)

	e := secretEnvelope()
	gate.Process(e, Context{ClientID: "c1"})

	require.NotNil(t, e.Metadata)
	annotation, ok := e.Metadata["casil"].(map[string]interface{})
	require.True(t, ok, "inspection annotation must be attached")
	assert.Equal(t, "data", annotation["kind"])
	assert.Equal(t, ReasonMonitorMode, annotation["reason_code"])
	assert.Equal(t, "high", annotation["risk_level"])
}

func TestGate_AnnotationDisabled(t *testing.T) {
	cfg := inspectionConfig()
	cfg.Metadata.ToEnvelope = false
	gate := NewGate(cfg, nil, nil)

	e := secretEnvelope()
	gate.Process(e, Context{})

	_, ok := e.Metadata["casil"]
	assert.False(t, ok)
}

func TestGate_TransportRedactionRewritesPayload(t *testing.T) {
	cfg := inspectionConfig()
	cfg.Policies.BlockOnProbableSecret = false
	cfg.Policies.Redaction.Paths = []string{"credentials"}
	cfg.Policies.Redaction.TransportRedaction = true
	gate := NewGate(cfg, nil, nil)

	e := secretEnvelope()
	out := gate.Process(e, Context{})

	assert.Equal(t, DecisionAllowWithRedaction, out.Decision)
	assert.Equal(t, RedactToken, e.Payload["credentials"],
		"delivered frame must carry the redacted payload")
}

func TestGate_EmitsDecisionTelemetry(t *testing.T) {
	sink := &recordingSink{}
	cfg := inspectionConfig()
	cfg.Mode = config.CASILModeEnforce
	gate := NewGate(cfg, sink, nil)

	gate.Process(secretEnvelope(), Context{ClientID: "c1"})

	require.Len(t, sink.events, 1)
	assert.Equal(t, "casil_decision", sink.events[0])
	assert.Equal(t, string(DecisionBlock), sink.meta[0]["decision"])
	assert.Equal(t, ReasonBlockedSecret, sink.meta[0]["reason_code"])
}

func TestGate_SkipsSideEffectsOutOfScope(t *testing.T) {
	sink := &recordingSink{}
	cfg := inspectionConfig()
	cfg.Scope.Include = []string{"secure-*:*"}
	gate := NewGate(cfg, sink, nil)

	e := secretEnvelope() // lobby:general, out of scope
	out := gate.Process(e, Context{})

	assert.Equal(t, ReasonOutOfScope, out.ReasonCode)
	assert.Empty(t, sink.events, "out-of-scope frames produce no telemetry")
	_, annotated := e.Metadata["casil"]
	assert.False(t, annotated)
}
