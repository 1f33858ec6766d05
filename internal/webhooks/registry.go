// Package webhooks fans routed messages out to external HTTP endpoints.
// Rules are registered per client over the operator command surface and die
// with their owner's connection.
package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Rule subscribes an HTTP endpoint to messages routed through a scope. Room
// and Channel accept "*" as a match-all.
type Rule struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	URL       string    `json:"url"`
	Room      string    `json:"room"`
	Channel   string    `json:"channel"`
	Secret    string    `json:"-"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	FailCount int       `json:"fail_count"`
	Delivered int64     `json:"delivered"`
}

// Matches reports whether the rule covers a routed scope.
func (r *Rule) Matches(room, channel string) bool {
	return scopeMatch(r.Room, room) && scopeMatch(r.Channel, channel)
}

func scopeMatch(pattern, value string) bool {
	if pattern == "*" {
		return true
	}
	return pattern == value
}

// NewRuleID returns an id of the form wh_<12hex>.
func NewRuleID() string {
	return "wh_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// Registry stores webhook rules indexed by id and owner.
type Registry struct {
	mu      sync.RWMutex
	rules   map[string]*Rule
	byOwner map[string]map[string]struct{}
	logger  *log.Logger
}

// NewRegistry creates an empty rule registry.
func NewRegistry() *Registry {
	return &Registry{
		rules:   make(map[string]*Rule),
		byOwner: make(map[string]map[string]struct{}),
		logger:  log.New(log.Writer(), "[WEBHOOKS] ", log.LstdFlags),
	}
}

// Register validates and stores a rule, assigning its id.
func (r *Registry) Register(ownerID, url, room, channel, secret string) (*Rule, error) {
	if url == "" {
		return nil, fmt.Errorf("webhook url is required")
	}
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return nil, fmt.Errorf("webhook url must be http or https")
	}
	if room == "" || channel == "" {
		return nil, fmt.Errorf("room and channel are required (use * to match all)")
	}

	rule := &Rule{
		ID:        NewRuleID(),
		OwnerID:   ownerID,
		URL:       url,
		Room:      room,
		Channel:   channel,
		Secret:    secret,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}

	r.mu.Lock()
	r.rules[rule.ID] = rule
	if r.byOwner[ownerID] == nil {
		r.byOwner[ownerID] = make(map[string]struct{})
	}
	r.byOwner[ownerID][rule.ID] = struct{}{}
	r.mu.Unlock()

	r.logger.Printf("registered webhook %s -> %s (scope %s/%s)", rule.ID, url, room, channel)
	return rule, nil
}

// Unregister removes a rule; only its owner may do so.
func (r *Registry) Unregister(ownerID, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rule, ok := r.rules[id]
	if !ok {
		return fmt.Errorf("webhook %s not found", id)
	}
	if rule.OwnerID != ownerID {
		return fmt.Errorf("webhook %s is not owned by caller", id)
	}
	r.removeLocked(rule)
	r.logger.Printf("unregistered webhook %s", id)
	return nil
}

// RemoveOwner drops every rule an owner holds; called on disconnect.
func (r *Registry) RemoveOwner(ownerID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := r.byOwner[ownerID]
	removed := 0
	for id := range ids {
		if rule, ok := r.rules[id]; ok {
			r.removeLocked(rule)
			removed++
		}
	}
	if removed > 0 {
		r.logger.Printf("removed %d webhook rules for disconnected owner %s", removed, ownerID)
	}
	return removed
}

func (r *Registry) removeLocked(rule *Rule) {
	delete(r.rules, rule.ID)
	if owned, ok := r.byOwner[rule.OwnerID]; ok {
		delete(owned, rule.ID)
		if len(owned) == 0 {
			delete(r.byOwner, rule.OwnerID)
		}
	}
}

// MatchingRules returns active rules covering the routed scope.
func (r *Registry) MatchingRules(room, channel string) []*Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Rule
	for _, rule := range r.rules {
		if rule.Active && rule.Matches(room, channel) {
			out = append(out, rule)
		}
	}
	return out
}

// ListOwner returns the rules an owner holds.
func (r *Registry) ListOwner(ownerID string) []*Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Rule
	for id := range r.byOwner[ownerID] {
		if rule, ok := r.rules[id]; ok {
			out = append(out, rule)
		}
	}
	return out
}

// MarkFailed increments the failure count and disables the rule after the
// threshold.
func (r *Registry) MarkFailed(id string, maxFailures int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rule, ok := r.rules[id]
	if !ok {
		return
	}
	rule.FailCount++
	if maxFailures > 0 && rule.FailCount >= maxFailures {
		rule.Active = false
		r.logger.Printf("webhook %s disabled after %d failures", id, rule.FailCount)
	}
}

// MarkDelivered resets the failure streak and counts the delivery.
func (r *Registry) MarkDelivered(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rule, ok := r.rules[id]; ok {
		rule.FailCount = 0
		rule.Delivered++
	}
}

// Count returns the number of registered rules.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rules)
}

// SignPayload creates the HMAC-SHA256 signature receivers verify.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
