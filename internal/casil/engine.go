// Package casil implements the Content-Aware Safety & Inspection Layer: a
// deterministic scope → classify → policy → redact pipeline that every
// routable envelope passes through before delivery or persistence. The gate
// never fails open by accident: internal errors map to a configured fallback
// decision, and it never raises to callers.
package casil

import (
	"fmt"

	"github.com/arqonbus/arqonbus/internal/config"
	"github.com/arqonbus/arqonbus/internal/protocol"
)

// Context carries routing facts the envelope itself may omit.
type Context struct {
	Room     string
	Channel  string
	ClientID string
}

// Inspect runs one inspection pass. Pure function of (envelope, snapshot):
// no global state, no mutation of the input envelope.
func Inspect(e *protocol.Envelope, ctx Context, snap *Snapshot) (out Outcome) {
	cfg := &snap.Config
	if !cfg.Enabled {
		return Outcome{Decision: DecisionAllow, ReasonCode: ReasonDisabled}
	}

	room := e.Room
	if room == "" {
		room = ctx.Room
	}
	channel := e.Channel
	if channel == "" {
		channel = ctx.Channel
	}
	roomChannel := scopeTarget(room, channel)

	if !snap.inScope(room, channel) {
		return Outcome{Decision: DecisionAllow, ReasonCode: ReasonOutOfScope}
	}

	// Inspection must never take the broker down. Any panic below maps to
	// the deterministic fallback decision.
	defer func() {
		if r := recover(); r != nil {
			fallback := DecisionAllow
			if cfg.DefaultDecision == "block" {
				fallback = DecisionBlock
			}
			out = Outcome{
				Decision:      fallback,
				ReasonCode:    ReasonInternalError,
				InternalError: fmt.Sprintf("%v", r),
			}
		}
	}()

	serialized := flattenPayload(e.Payload, 0)
	truncated := serialized
	if cfg.Limits.MaxInspectBytes > 0 && len(truncated) > cfg.Limits.MaxInspectBytes {
		truncated = truncated[:cfg.Limits.MaxInspectBytes]
	}
	oversizeHint := cfg.Limits.MaxInspectBytes > 0 && len(serialized) > cfg.Limits.MaxInspectBytes

	classification := classify(e.Type, truncated, snap, oversizeHint)
	policy := evaluatePolicies(serialized, snap, classification.Flags)
	classification.Flags = policy.Flags

	reasonCode := policy.ReasonCode
	var redacted map[string]interface{}

	// Redaction also kicks in whenever any redaction rule is configured,
	// so observability copies stay clean even for allowed frames.
	redactionNeeded := policy.ShouldRedact ||
		len(cfg.Policies.Redaction.Paths) > 0 ||
		len(cfg.Policies.Redaction.Patterns) > 0 ||
		len(cfg.Policies.Redaction.NeverLogPayloadFor) > 0
	if redactionNeeded {
		redacted = redactStructured(e.Payload, snap)
	}

	decision := DecisionAllow
	switch {
	case policy.ShouldBlock && cfg.Mode == config.CASILModeEnforce:
		decision = DecisionBlock
	case redactionNeeded:
		decision = DecisionAllowWithRedaction
	}

	// Monitor mode observes what enforce would have blocked but lets the
	// frame through, tagged.
	if cfg.Mode == config.CASILModeMonitor && policy.ShouldBlock {
		if policy.ShouldRedact {
			decision = DecisionAllowWithRedaction
		} else if decision != DecisionAllowWithRedaction {
			decision = DecisionAllow
		}
		reasonCode = ReasonMonitorMode
	}

	return Outcome{
		Decision:           decision,
		ReasonCode:         reasonCode,
		Classification:     classification,
		RedactedPayload:    redacted,
		TransportRedaction: cfg.Policies.Redaction.TransportRedaction,
		Metadata: map[string]interface{}{
			"flags":               classification.Flags,
			"mode":                cfg.Mode,
			"room":                room,
			"channel":             channel,
			"room_channel":        roomChannel,
			"transport_redaction": cfg.Policies.Redaction.TransportRedaction,
		},
	}
}
