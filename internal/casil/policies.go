package casil

import "github.com/arqonbus/arqonbus/internal/config"

type policyResult struct {
	ShouldBlock  bool
	ShouldRedact bool
	ReasonCode   string
	Flags        map[string]bool
}

// evaluatePolicies applies the decision rules to a classified envelope.
// Deliberately conservative:
//   - oversize payloads mark for block regardless of content,
//   - probable secrets always redact, and mark for block in enforce mode or
//     when block_on_probable_secret is set,
//   - everything else passes as allowed.
//
// Whether a block marker becomes a BLOCK decision is the engine's call; the
// mode override lives there.
func evaluatePolicies(serialized string, snap *Snapshot, classFlags map[string]bool) policyResult {
	cfg := &snap.Config
	result := policyResult{ReasonCode: ReasonAllowed, Flags: map[string]bool{}}
	for k, v := range classFlags {
		result.Flags[k] = v
	}

	if cfg.Policies.MaxPayloadBytes > 0 && len(serialized) > cfg.Policies.MaxPayloadBytes {
		result.Flags["oversize_payload"] = true
		result.ShouldBlock = true
		result.ReasonCode = ReasonOversize
	}

	if result.Flags["contains_probable_secret"] {
		result.ShouldRedact = true
		if cfg.Policies.BlockOnProbableSecret || cfg.Mode == config.CASILModeEnforce {
			result.ShouldBlock = true
			result.ReasonCode = ReasonBlockedSecret
		}
	}

	if !result.ShouldBlock && result.ShouldRedact {
		result.ReasonCode = ReasonRedacted
	}
	return result
}
