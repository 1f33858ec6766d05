package casil

import "encoding/json"

// RedactToken is the sentinel substituted for sensitive material.
const RedactToken = "***REDACTED***"

// maxRedactDepth bounds recursion into nested payloads.
const maxRedactDepth = 10

// redactPaths replaces configured key names with the sentinel wherever they
// appear in a JSON-like structure.
func redactPaths(v interface{}, keys map[string]bool, depth int) interface{} {
	if depth > maxRedactDepth {
		return v
	}
	switch tv := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(tv))
		for k, val := range tv {
			if keys[k] {
				out[k] = RedactToken
			} else {
				out[k] = redactPaths(val, keys, depth+1)
			}
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(tv))
		for i, item := range tv {
			out[i] = redactPaths(item, keys, depth+1)
		}
		return out
	default:
		return v
	}
}

// redactStructured produces the redacted clone of a payload: key-name
// replacement first, then regex substitution over the serialized form.
func redactStructured(payload map[string]interface{}, snap *Snapshot) map[string]interface{} {
	keys := make(map[string]bool, len(snap.Config.Policies.Redaction.Paths))
	for _, p := range snap.Config.Policies.Redaction.Paths {
		keys[p] = true
	}

	working, _ := redactPaths(payload, keys, 0).(map[string]interface{})
	if working == nil {
		working = map[string]interface{}{}
	}
	if len(snap.redactPatterns) == 0 {
		return working
	}

	serialized, err := json.Marshal(working)
	if err != nil {
		return working
	}
	text := string(serialized)
	for _, re := range snap.redactPatterns {
		text = re.ReplaceAllString(text, RedactToken)
	}

	var out map[string]interface{}
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		// Substitution broke the JSON shape; keep the text form rather
		// than leaking the original.
		return map[string]interface{}{"redacted_text": text}
	}
	return out
}

// RedactForTarget returns the payload view safe for the given target. For
// logs and telemetry, (room:channel) pairs on the never-log list are hidden
// wholesale; otherwise the structured redacted clone is returned.
func RedactForTarget(payload map[string]interface{}, snap *Snapshot, target, roomChannel string) interface{} {
	if (target == "logs" || target == "telemetry") && snap.neverLogPayload(roomChannel) {
		return RedactToken
	}
	return redactStructured(payload, snap)
}
