package routing

import (
	"sync"
	"time"
)

// Channel is one named stream within a room. Member changes and message
// accounting take the channel's own lock so hot channels do not contend on
// the topology lock.
type Channel struct {
	Name        string
	Room        string
	Description string
	CreatedAt   time.Time

	mu           sync.Mutex
	members      map[string]struct{}
	lastActivity time.Time

	totalMessages   int64
	totalBroadcasts int64
	// messageTimes is a rolling 24h window for rate reporting.
	messageTimes []time.Time
}

func newChannel(room, name, description string) *Channel {
	now := time.Now().UTC()
	return &Channel{
		Name:         name,
		Room:         room,
		Description:  description,
		CreatedAt:    now,
		lastActivity: now,
		members:      make(map[string]struct{}),
	}
}

// AddMember subscribes a client id.
func (c *Channel) AddMember(clientID string) {
	c.mu.Lock()
	c.members[clientID] = struct{}{}
	c.lastActivity = time.Now().UTC()
	c.mu.Unlock()
}

// RemoveMember drops a client id, reporting whether it was a member.
func (c *Channel) RemoveMember(clientID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.members[clientID]; !ok {
		return false
	}
	delete(c.members, clientID)
	c.lastActivity = time.Now().UTC()
	return true
}

// HasMember reports membership of a client id.
func (c *Channel) HasMember(clientID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.members[clientID]
	return ok
}

// Members returns a snapshot of member client ids.
func (c *Channel) Members() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.members))
	for id := range c.members {
		out = append(out, id)
	}
	return out
}

// MemberCount returns the current membership size.
func (c *Channel) MemberCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.members)
}

// RecordMessage accounts one routed message and trims the rate window.
func (c *Channel) RecordMessage() {
	now := time.Now().UTC()
	c.mu.Lock()
	c.totalMessages++
	c.totalBroadcasts++
	c.lastActivity = now
	c.messageTimes = append(c.messageTimes, now)
	cutoff := now.Add(-24 * time.Hour)
	trimmed := c.messageTimes
	for len(trimmed) > 0 && trimmed[0].Before(cutoff) {
		trimmed = trimmed[1:]
	}
	c.messageTimes = trimmed
	c.mu.Unlock()
}

// MessageRate returns average messages per hour over the given window.
func (c *Channel) MessageRate(window time.Duration) float64 {
	if window <= 0 {
		return 0
	}
	cutoff := time.Now().Add(-window)
	c.mu.Lock()
	recent := 0
	for _, ts := range c.messageTimes {
		if ts.After(cutoff) {
			recent++
		}
	}
	c.mu.Unlock()
	return float64(recent) / window.Hours()
}

// Stats returns a JSON-shaped view for channel_info.
func (c *Channel) Stats() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return map[string]interface{}{
		"channel":          c.Name,
		"room":             c.Room,
		"description":      c.Description,
		"created_at":       c.CreatedAt.Format(time.RFC3339),
		"last_activity":    c.lastActivity.Format(time.RFC3339),
		"member_count":     len(c.members),
		"total_messages":   c.totalMessages,
		"total_broadcasts": c.totalBroadcasts,
	}
}
