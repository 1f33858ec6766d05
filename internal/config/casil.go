package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// Inspection modes.
const (
	CASILModeEnforce  = "enforce"
	CASILModeMonitor  = "monitor"
	CASILModeDisabled = "disabled"
)

// CASILConfig drives the content inspection gate. Scalars load from the
// environment; the richer list-valued policy knobs usually come from a YAML
// policy file layered on top via ApplyPolicyFile. The same struct shape is
// what op.casil.reload swaps in at runtime.
type CASILConfig struct {
	Enabled bool   `env:"ARQONBUS_CASIL_ENABLED" envDefault:"true" yaml:"enabled"`
	Mode    string `env:"ARQONBUS_CASIL_MODE" envDefault:"monitor" yaml:"mode"`

	// DefaultDecision is the deterministic fallback when inspection itself
	// fails: "allow" or "block".
	DefaultDecision string `env:"ARQONBUS_CASIL_DEFAULT_DECISION" envDefault:"allow" yaml:"default_decision"`

	// PolicyFile, when set, is loaded over the environment values at boot.
	PolicyFile string `env:"ARQONBUS_CASIL_POLICY_FILE" yaml:"-"`

	Limits   CASILLimits   `yaml:"limits"`
	Scope    CASILScope    `yaml:"scope"`
	Policies CASILPolicies `yaml:"policies"`
	Metadata CASILMetadata `yaml:"metadata"`
}

// CASILLimits bounds the work inspection may do per envelope.
type CASILLimits struct {
	MaxInspectBytes int `env:"ARQONBUS_CASIL_MAX_INSPECT_BYTES" envDefault:"65536" yaml:"max_inspect_bytes"`
	MaxPatterns     int `env:"ARQONBUS_CASIL_MAX_PATTERNS" envDefault:"64" yaml:"max_patterns"`
}

// CASILScope selects which (room, channel) pairs are inspected. Entries are
// "room:channel" globs; a trailing * matches by prefix. Excludes win over
// includes; an empty include list means everything.
type CASILScope struct {
	Include []string `env:"ARQONBUS_CASIL_SCOPE_INCLUDE" envSeparator:"," yaml:"include"`
	Exclude []string `env:"ARQONBUS_CASIL_SCOPE_EXCLUDE" envSeparator:"," yaml:"exclude"`
}

// CASILPolicies holds the decision rules applied to classified envelopes.
type CASILPolicies struct {
	MaxPayloadBytes       int            `env:"ARQONBUS_CASIL_MAX_PAYLOAD_BYTES" envDefault:"262144" yaml:"max_payload_bytes"`
	BlockOnProbableSecret bool           `env:"ARQONBUS_CASIL_BLOCK_ON_SECRET" envDefault:"true" yaml:"block_on_probable_secret"`
	Redaction             CASILRedaction `yaml:"redaction"`
}

// CASILRedaction configures how redacted clones are produced.
type CASILRedaction struct {
	// Paths are payload key names replaced with the sentinel wherever they
	// appear, up to a bounded nesting depth.
	Paths []string `env:"ARQONBUS_CASIL_REDACT_PATHS" envSeparator:"," yaml:"paths"`
	// Patterns are regexes substituted with the sentinel token. Empty
	// falls back to the built-in secret patterns.
	Patterns []string `env:"ARQONBUS_CASIL_REDACT_PATTERNS" envSeparator:"," yaml:"patterns"`
	// NeverLogPayloadFor lists "room:channel" globs whose payloads are
	// wholesale-redacted for logs and telemetry targets.
	NeverLogPayloadFor []string `env:"ARQONBUS_CASIL_NEVER_LOG_FOR" envSeparator:"," yaml:"never_log_payload_for"`
	// TransportRedaction applies redaction to the delivered frame too,
	// not just logs/telemetry copies.
	TransportRedaction bool `env:"ARQONBUS_CASIL_TRANSPORT_REDACTION" envDefault:"false" yaml:"transport_redaction"`
}

// CASILMetadata selects which copies get the inspection annotation.
type CASILMetadata struct {
	ToEnvelope  bool `env:"ARQONBUS_CASIL_META_TO_ENVELOPE" envDefault:"true" yaml:"to_envelope"`
	ToLogs      bool `env:"ARQONBUS_CASIL_META_TO_LOGS" envDefault:"true" yaml:"to_logs"`
	ToTelemetry bool `env:"ARQONBUS_CASIL_META_TO_TELEMETRY" envDefault:"true" yaml:"to_telemetry"`
}

// Validate checks the inspection knobs. Called at boot and again on every
// hot reload before the new snapshot is swapped in.
func (c *CASILConfig) Validate() error {
	switch c.Mode {
	case CASILModeEnforce, CASILModeMonitor, CASILModeDisabled:
	default:
		return fmt.Errorf("ARQONBUS_CASIL_MODE must be enforce, monitor or disabled (got %q)", c.Mode)
	}
	if c.DefaultDecision != "allow" && c.DefaultDecision != "block" {
		return fmt.Errorf("ARQONBUS_CASIL_DEFAULT_DECISION must be allow or block (got %q)", c.DefaultDecision)
	}
	if c.Limits.MaxInspectBytes < 1 {
		return fmt.Errorf("ARQONBUS_CASIL_MAX_INSPECT_BYTES must be > 0, got %d", c.Limits.MaxInspectBytes)
	}
	if c.Policies.MaxPayloadBytes < 1 {
		return fmt.Errorf("ARQONBUS_CASIL_MAX_PAYLOAD_BYTES must be > 0, got %d", c.Policies.MaxPayloadBytes)
	}
	return nil
}

// ApplyPolicyFile overlays a YAML policy document onto the config. Only the
// fields present in the file change; environment-derived values survive for
// the rest. Returns the merged copy, leaving the receiver untouched so the
// caller can still swap snapshots atomically.
func (c CASILConfig) ApplyPolicyFile(path string) (CASILConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return c, fmt.Errorf("open casil policy %s: %w", path, err)
	}
	defer f.Close()

	// Decode over a copy pre-seeded with current values so absent YAML
	// keys keep their environment defaults.
	merged := c
	if err := yaml.NewDecoder(f).Decode(&merged); err != nil {
		return c, fmt.Errorf("parse casil policy %s: %w", path, err)
	}
	merged.PolicyFile = c.PolicyFile
	if err := merged.Validate(); err != nil {
		return c, fmt.Errorf("casil policy %s: %w", path, err)
	}
	return merged, nil
}
