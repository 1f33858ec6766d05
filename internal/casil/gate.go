package casil

import (
	"log/slog"
	"sync/atomic"

	"github.com/arqonbus/arqonbus/internal/config"
	"github.com/arqonbus/arqonbus/internal/protocol"
)

// EventSink receives inspection decisions for the telemetry stream. The
// telemetry emitter satisfies this; tests use a recording stub.
type EventSink interface {
	EmitEvent(eventType, clientID, messageID string, metadata map[string]interface{}, severity string)
}

// Gate is the inspection entry point wired into the routing pipeline. It
// owns the active snapshot; Reload swaps it atomically so readers never
// lock and in-flight inspections keep their rules.
type Gate struct {
	snap atomic.Pointer[Snapshot]
	sink EventSink
	log  *slog.Logger
}

// NewGate builds a gate from the boot config. sink may be nil.
func NewGate(cfg config.CASILConfig, sink EventSink, log *slog.Logger) *Gate {
	if log == nil {
		log = slog.Default()
	}
	g := &Gate{sink: sink, log: log}
	g.snap.Store(NewSnapshot(cfg, log))
	return g
}

// Snapshot returns the active rule set.
func (g *Gate) Snapshot() *Snapshot { return g.snap.Load() }

// Mode returns the active inspection mode.
func (g *Gate) Mode() string { return g.snap.Load().Config.Mode }

// Reload validates and swaps in a new rule set. One pointer swap: no locks,
// no partial states.
func (g *Gate) Reload(cfg config.CASILConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	g.snap.Store(NewSnapshot(cfg, g.log))
	g.log.Info("inspection rules reloaded", "mode", cfg.Mode, "enabled", cfg.Enabled)
	return nil
}

// Process inspects an envelope and applies the outcome's side effects:
// telemetry, logging, metadata annotation and transport redaction. The
// returned outcome tells the router whether to drop the frame.
func (g *Gate) Process(e *protocol.Envelope, ctx Context) Outcome {
	snap := g.snap.Load()
	outcome := Inspect(e, ctx, snap)

	// Skip the observability side effects for frames the gate never
	// really looked at.
	if outcome.ReasonCode == ReasonDisabled || outcome.ReasonCode == ReasonOutOfScope {
		return outcome
	}

	cfg := &snap.Config
	if cfg.Metadata.ToTelemetry && g.sink != nil {
		severity := "info"
		if outcome.ShouldBlock() {
			severity = "warning"
		}
		meta := map[string]interface{}{
			"decision":    string(outcome.Decision),
			"reason_code": outcome.ReasonCode,
			"flags":       outcome.Classification.Flags,
			"room":        outcome.Metadata["room"],
			"channel":     outcome.Metadata["channel"],
		}
		if outcome.InternalError != "" {
			meta["internal_error"] = outcome.InternalError
		}
		g.sink.EmitEvent("casil_decision", ctx.ClientID, e.ID, meta, severity)
	}

	if cfg.Metadata.ToLogs {
		switch outcome.Decision {
		case DecisionBlock:
			g.log.Warn("🚫 inspection blocked message",
				"message_id", e.ID, "room", e.Room, "channel", e.Channel,
				"reason", outcome.ReasonCode)
		case DecisionAllowWithRedaction:
			g.log.Info("inspection redacted message",
				"message_id", e.ID, "room", e.Room, "channel", e.Channel,
				"reason", outcome.ReasonCode)
		}
	}

	if cfg.Metadata.ToEnvelope {
		e.SetMeta("casil", map[string]interface{}{
			"kind":        outcome.Classification.Kind,
			"risk_level":  outcome.Classification.RiskLevel,
			"flags":       outcome.Classification.Flags,
			"reason_code": outcome.ReasonCode,
			"decision":    string(outcome.Decision),
		})
	}

	if outcome.ShouldRedactTransport() && outcome.RedactedPayload != nil {
		e.Payload = outcome.RedactedPayload
	}
	return outcome
}
