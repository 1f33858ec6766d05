package casil

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/arqonbus/arqonbus/internal/protocol"
)

// Built-in probable-secret patterns, used when no redaction patterns are
// configured.
var defaultSecretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)api[_-]?key`),
	regexp.MustCompile(`(?i)secret`),
	regexp.MustCompile(`(?i)token`),
	regexp.MustCompile(`(?i)password`),
	regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9\-\._]+`),
}

// flattenPayload serializes a payload for scanning. Truncation keeps the
// regex work bounded regardless of payload size.
func flattenPayload(payload map[string]interface{}, maxBytes int) string {
	data, err := json.Marshal(payload)
	var s string
	if err != nil {
		s = fmt.Sprintf("%v", payload)
	} else {
		s = string(data)
	}
	if maxBytes > 0 && len(s) > maxBytes {
		s = s[:maxBytes]
	}
	return s
}

// classify labels an envelope in a bounded, deterministic way. The serialized
// argument is the already-truncated payload text; oversize reports whether
// the full payload exceeded the inspection budget.
func classify(envType, serialized string, snap *Snapshot, oversize bool) Classification {
	c := Classification{Kind: "unknown", RiskLevel: "low", Flags: map[string]bool{}}

	switch envType {
	case protocol.TypeCommand:
		c.Kind = "control"
	case protocol.TypeTelemetry:
		c.Kind = "telemetry"
	case protocol.TypeMessage:
		c.Kind = "data"
	case protocol.TypeError:
		c.Kind = "system"
	}

	for _, re := range snap.secretPatterns {
		if re.MatchString(serialized) {
			c.Flags["contains_probable_secret"] = true
			c.RiskLevel = "high"
			break
		}
	}

	if oversize {
		c.Flags["oversize_payload"] = true
		if c.RiskLevel == "low" {
			c.RiskLevel = "medium"
		}
	}

	return c
}
