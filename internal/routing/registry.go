// Package routing owns the in-memory topology of the bus: connected clients,
// the room/channel namespace, the message router, and the operator dispatch
// layer on top of it.
package routing

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/arqonbus/arqonbus/internal/protocol"
)

// Peer is the send side of a connection. The bus client satisfies it with a
// buffered outbound queue; tests satisfy it with a slice.
type Peer interface {
	SendEnvelope(e *protocol.Envelope) error
}

// ClientInfo tracks one registered connection.
type ClientInfo struct {
	ClientID string
	Peer     Peer

	// Room/Channel is the client's current primary scope; Subscriptions
	// holds every room:channel pair it receives.
	Room    string
	Channel string

	ConnectedAt  time.Time
	LastActivity time.Time

	Subscriptions map[string]struct{}
	Metadata      map[string]interface{}
}

func subscriptionKey(room, channel string) string { return room + ":" + channel }

// Snapshot returns a JSON-shaped view for status commands.
func (c *ClientInfo) Snapshot() map[string]interface{} {
	subs := make([]string, 0, len(c.Subscriptions))
	for s := range c.Subscriptions {
		subs = append(subs, s)
	}
	return map[string]interface{}{
		"client_id":     c.ClientID,
		"room":          c.Room,
		"channel":       c.Channel,
		"connected_at":  c.ConnectedAt.UTC().Format(time.RFC3339),
		"last_activity": c.LastActivity.UTC().Format(time.RFC3339),
		"subscriptions": subs,
		"metadata":      c.Metadata,
	}
}

// ClientRegistry tracks connected clients and their room/channel membership.
type ClientRegistry struct {
	ids *protocol.IDGenerator
	log *slog.Logger

	mu      sync.RWMutex
	clients map[string]*ClientInfo

	// membership indexes room -> channel -> client ids.
	membership map[string]map[string]map[string]struct{}

	totalRegistered int64
}

// NewClientRegistry creates an empty registry minting client ids from ids.
func NewClientRegistry(ids *protocol.IDGenerator, log *slog.Logger) *ClientRegistry {
	if ids == nil {
		ids = protocol.NewIDGenerator()
	}
	if log == nil {
		log = slog.Default()
	}
	return &ClientRegistry{
		ids:        ids,
		log:        log,
		clients:    make(map[string]*ClientInfo),
		membership: make(map[string]map[string]map[string]struct{}),
	}
}

// Register adds a connection under a fresh client id and returns its info.
func (r *ClientRegistry) Register(peer Peer, room, channel string, metadata map[string]interface{}) *ClientInfo {
	now := time.Now().UTC()
	info := &ClientInfo{
		ClientID:      r.ids.ClientID(),
		Peer:          peer,
		Room:          room,
		Channel:       channel,
		ConnectedAt:   now,
		LastActivity:  now,
		Subscriptions: make(map[string]struct{}),
		Metadata:      metadata,
	}

	r.mu.Lock()
	r.clients[info.ClientID] = info
	if room != "" && channel != "" {
		r.addMembershipLocked(info.ClientID, room, channel)
		info.Subscriptions[subscriptionKey(room, channel)] = struct{}{}
	}
	r.totalRegistered++
	r.mu.Unlock()

	r.log.Info("registered client", "client_id", info.ClientID, "room", room, "channel", channel)
	return info
}

// Unregister drops a client and all its memberships.
func (r *ClientRegistry) Unregister(clientID string) {
	r.mu.Lock()
	info, ok := r.clients[clientID]
	if !ok {
		r.mu.Unlock()
		return
	}
	for sub := range info.Subscriptions {
		room, channel := splitSubscription(sub)
		r.removeMembershipLocked(clientID, room, channel)
	}
	delete(r.clients, clientID)
	r.mu.Unlock()

	r.log.Info("unregistered client", "client_id", clientID)
}

func splitSubscription(sub string) (string, string) {
	for i := 0; i < len(sub); i++ {
		if sub[i] == ':' {
			return sub[:i], sub[i+1:]
		}
	}
	return sub, ""
}

// Get looks up a client by id.
func (r *ClientRegistry) Get(clientID string) (*ClientInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.clients[clientID]
	return info, ok
}

// Join subscribes the client to room/channel and makes it the primary scope.
func (r *ClientRegistry) Join(clientID, room, channel string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.clients[clientID]
	if !ok {
		return fmt.Errorf("client %s not found", clientID)
	}
	info.Room = room
	info.Channel = channel
	info.Subscriptions[subscriptionKey(room, channel)] = struct{}{}
	r.addMembershipLocked(clientID, room, channel)
	return nil
}

// Leave drops the subscription; the primary scope clears when it matches.
func (r *ClientRegistry) Leave(clientID, room, channel string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.clients[clientID]
	if !ok {
		return
	}
	delete(info.Subscriptions, subscriptionKey(room, channel))
	r.removeMembershipLocked(clientID, room, channel)
	if info.Room == room && info.Channel == channel {
		info.Room = ""
		info.Channel = ""
	}
}

// Touch updates the client's activity timestamp.
func (r *ClientRegistry) Touch(clientID string) {
	r.mu.Lock()
	if info, ok := r.clients[clientID]; ok {
		info.LastActivity = time.Now().UTC()
	}
	r.mu.Unlock()
}

// ClientsIn returns clients subscribed to room/channel.
func (r *ClientRegistry) ClientsIn(room, channel string) []*ClientInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.clientsInLocked(room, channel)
}

func (r *ClientRegistry) clientsInLocked(room, channel string) []*ClientInfo {
	ids := r.membership[room][channel]
	out := make([]*ClientInfo, 0, len(ids))
	for id := range ids {
		if info, ok := r.clients[id]; ok {
			out = append(out, info)
		}
	}
	return out
}

// ClientsInRoom returns clients across every channel of a room, deduplicated.
func (r *ClientRegistry) ClientsInRoom(room string) []*ClientInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	var out []*ClientInfo
	for _, ids := range r.membership[room] {
		for id := range ids {
			if _, dup := seen[id]; dup {
				continue
			}
			if info, ok := r.clients[id]; ok {
				seen[id] = struct{}{}
				out = append(out, info)
			}
		}
	}
	return out
}

// All returns every connected client.
func (r *ClientRegistry) All() []*ClientInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ClientInfo, 0, len(r.clients))
	for _, info := range r.clients {
		out = append(out, info)
	}
	return out
}

// Count returns the number of connected clients.
func (r *ClientRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Broadcast sends the envelope to every target, skipping excludeID. Targets
// are snapshotted under the read lock; sends happen outside it so one slow
// peer cannot stall registration.
func (r *ClientRegistry) Broadcast(e *protocol.Envelope, targets []*ClientInfo, excludeID string) int {
	sent := 0
	for _, info := range targets {
		if info.ClientID == excludeID {
			continue
		}
		if err := info.Peer.SendEnvelope(e); err != nil {
			r.log.Error("failed to send to client", "client_id", info.ClientID, "error", err)
			continue
		}
		sent++
	}
	return sent
}

func (r *ClientRegistry) addMembershipLocked(clientID, room, channel string) {
	if r.membership[room] == nil {
		r.membership[room] = make(map[string]map[string]struct{})
	}
	if r.membership[room][channel] == nil {
		r.membership[room][channel] = make(map[string]struct{})
	}
	r.membership[room][channel][clientID] = struct{}{}
}

func (r *ClientRegistry) removeMembershipLocked(clientID, room, channel string) {
	channels, ok := r.membership[room]
	if !ok {
		return
	}
	ids, ok := channels[channel]
	if !ok {
		return
	}
	delete(ids, clientID)
	if len(ids) == 0 {
		delete(channels, channel)
	}
	if len(channels) == 0 {
		delete(r.membership, room)
	}
}

// Stats reports registry occupancy broken down by room and channel.
func (r *ClientRegistry) Stats() map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rooms := make(map[string]interface{}, len(r.membership))
	for room, channels := range r.membership {
		chCounts := make(map[string]interface{}, len(channels))
		total := 0
		for ch, ids := range channels {
			chCounts[ch] = len(ids)
			total += len(ids)
		}
		rooms[room] = map[string]interface{}{
			"total_clients": total,
			"channels":      chCounts,
		}
	}
	return map[string]interface{}{
		"current_clients":  len(r.clients),
		"total_registered": r.totalRegistered,
		"active_rooms":     len(r.membership),
		"room_stats":       rooms,
	}
}

// Health flags a high connection count and clients idle for over an hour.
func (r *ClientRegistry) Health() map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var checks []map[string]interface{}
	if len(r.clients) > 10000 {
		checks = append(checks, map[string]interface{}{
			"type": "warning", "message": "high number of connected clients",
		})
	}

	stale := 0
	cutoff := time.Now().Add(-time.Hour)
	for _, info := range r.clients {
		if info.LastActivity.Before(cutoff) {
			stale++
		}
	}
	if stale > 0 {
		checks = append(checks, map[string]interface{}{
			"type": "warning", "message": fmt.Sprintf("%d clients may be stale", stale),
		})
	}

	return map[string]interface{}{
		"status":        "healthy",
		"total_clients": len(r.clients),
		"active_rooms":  len(r.membership),
		"checks":        checks,
	}
}
