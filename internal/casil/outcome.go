package casil

// Decision is the tri-state verdict of an inspection pass.
type Decision string

const (
	DecisionAllow              Decision = "ALLOW"
	DecisionAllowWithRedaction Decision = "ALLOW_WITH_REDACTION"
	DecisionBlock              Decision = "BLOCK"
)

// Reason codes attached to every outcome. Opaque strings by contract; the
// bus maps them straight onto error envelope codes when a frame is blocked.
const (
	ReasonBlockedSecret = "CASIL_POLICY_BLOCKED_SECRET"
	ReasonOversize      = "CASIL_POLICY_OVERSIZE"
	ReasonRedacted      = "CASIL_POLICY_REDACTED"
	ReasonAllowed       = "CASIL_POLICY_ALLOWED"
	ReasonInternalError = "CASIL_INTERNAL_ERROR"
	ReasonOutOfScope    = "CASIL_OUT_OF_SCOPE"
	ReasonDisabled      = "CASIL_DISABLED"
	ReasonMonitorMode   = "CASIL_MONITOR_MODE"
)

// Classification is the deterministic label set computed per envelope.
type Classification struct {
	Kind      string          // control | telemetry | data | system | unknown
	RiskLevel string          // low | medium | high
	Flags     map[string]bool // contains_probable_secret, oversize_payload
}

// Outcome is the structured result of one inspection pass.
type Outcome struct {
	Decision       Decision
	ReasonCode     string
	Classification Classification

	// RedactedPayload is the structured clone with sensitive material
	// replaced, nil when no redaction applied.
	RedactedPayload map[string]interface{}

	// Metadata feeds the telemetry record for this decision.
	Metadata map[string]interface{}

	// TransportRedaction mirrors the policy flag so callers can test
	// ShouldRedactTransport without reaching into config.
	TransportRedaction bool

	// InternalError carries the swallowed failure when the fallback
	// decision was used.
	InternalError string
}

// ShouldBlock reports whether the frame must not be delivered.
func (o Outcome) ShouldBlock() bool { return o.Decision == DecisionBlock }

// ShouldRedactTransport reports whether the delivered frame itself (not just
// observability copies) must carry the redacted payload.
func (o Outcome) ShouldRedactTransport() bool {
	return o.Decision == DecisionAllowWithRedaction && o.TransportRedaction
}
