package casil

import (
	"log/slog"
	"path"
	"regexp"

	"github.com/arqonbus/arqonbus/internal/config"
)

// Snapshot is an immutable, pre-compiled view of the inspection config.
// Inspection is a pure function of (envelope, snapshot); hot reload builds a
// new snapshot and swaps one pointer, so in-flight envelopes finish on the
// old rules.
type Snapshot struct {
	Config config.CASILConfig

	// secretPatterns drive classification scans: the configured redaction
	// patterns when present, else the built-in secret set.
	secretPatterns []*regexp.Regexp

	// redactPatterns drive substitution: configured patterns only.
	redactPatterns []*regexp.Regexp
}

// NewSnapshot compiles the config's regex sets. Invalid patterns are logged
// and skipped rather than failing the reload; inspection must never go dark
// over one bad expression.
func NewSnapshot(cfg config.CASILConfig, log *slog.Logger) *Snapshot {
	if log == nil {
		log = slog.Default()
	}
	snap := &Snapshot{Config: cfg}

	limit := cfg.Limits.MaxPatterns
	raw := cfg.Policies.Redaction.Patterns
	if limit > 0 && len(raw) > limit {
		raw = raw[:limit]
	}
	for _, expr := range raw {
		re, err := regexp.Compile(expr)
		if err != nil {
			log.Warn("skipping invalid inspection pattern", "pattern", expr, "error", err)
			continue
		}
		snap.redactPatterns = append(snap.redactPatterns, re)
	}

	if len(snap.redactPatterns) > 0 {
		snap.secretPatterns = snap.redactPatterns
	} else {
		snap.secretPatterns = defaultSecretPatterns
	}
	return snap
}

// matchPattern matches "room:channel" targets against a scope entry. A
// trailing * matches by prefix; anything else goes through glob matching.
func matchPattern(value, pattern string) bool {
	if n := len(pattern); n > 0 && pattern[n-1] == '*' {
		prefix := pattern[:n-1]
		return len(value) >= len(prefix) && value[:len(prefix)] == prefix
	}
	ok, err := path.Match(pattern, value)
	return err == nil && ok
}

// inScope decides whether a (room, channel) pair is inspected. Excludes win
// over includes; an empty include list inspects everything.
func (s *Snapshot) inScope(room, channel string) bool {
	if !s.Config.Enabled {
		return false
	}

	target := scopeTarget(room, channel)
	if target == "" {
		return false
	}

	for _, pattern := range s.Config.Scope.Exclude {
		if matchPattern(target, pattern) {
			return false
		}
	}
	if len(s.Config.Scope.Include) > 0 {
		for _, pattern := range s.Config.Scope.Include {
			if matchPattern(target, pattern) {
				return true
			}
		}
		return false
	}
	return true
}

func scopeTarget(room, channel string) string {
	switch {
	case room != "" && channel != "":
		return room + ":" + channel
	case room != "":
		return room
	default:
		return channel
	}
}

// neverLogPayload reports whether this target's payload is wholesale-hidden
// from logs and telemetry.
func (s *Snapshot) neverLogPayload(roomChannel string) bool {
	for _, pattern := range s.Config.Policies.Redaction.NeverLogPayloadFor {
		if ok, err := path.Match(pattern, roomChannel); err == nil && ok {
			return true
		}
	}
	return false
}
