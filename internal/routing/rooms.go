package routing

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Namespace errors surfaced as command failures.
var (
	ErrRoomNotFound    = errors.New("room not found")
	ErrChannelNotFound = errors.New("channel not found")
	ErrChannelExists   = errors.New("channel already exists")
)

// Room groups channels under one name.
type Room struct {
	Name        string
	Description string
	CreatedAt   time.Time

	channels map[string]*Channel
}

// Topology is the two-level room/channel namespace, addressed by name. The
// structural lock covers room and channel creation/deletion only; membership
// and message accounting take each channel's own lock.
type Topology struct {
	log *slog.Logger

	mu    sync.RWMutex
	rooms map[string]*Room
}

// NewTopology creates an empty namespace.
func NewTopology(log *slog.Logger) *Topology {
	if log == nil {
		log = slog.Default()
	}
	return &Topology{
		log:   log,
		rooms: make(map[string]*Room),
	}
}

// EnsureDefaults creates the lobby/general pair every broker starts with.
func (t *Topology) EnsureDefaults() {
	if _, err := t.CreateChannel("lobby", "general", "default channel"); err != nil && !errors.Is(err, ErrChannelExists) {
		t.log.Error("failed to create default channel", "error", err)
	}
}

// CreateChannel creates the channel, creating the room with it when needed.
func (t *Topology) CreateChannel(room, channel, description string) (*Channel, error) {
	if room == "" || channel == "" {
		return nil, fmt.Errorf("room and channel names are required")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	rm, ok := t.rooms[room]
	if !ok {
		rm = &Room{
			Name:      room,
			CreatedAt: time.Now().UTC(),
			channels:  make(map[string]*Channel),
		}
		t.rooms[room] = rm
		t.log.Info("created room", "room", room)
	}
	if _, exists := rm.channels[channel]; exists {
		return nil, fmt.Errorf("%w: %s/%s", ErrChannelExists, room, channel)
	}

	ch := newChannel(room, channel, description)
	rm.channels[channel] = ch
	t.log.Info("created channel", "room", room, "channel", channel)
	return ch, nil
}

// DeleteChannel removes the channel; the room goes with its last channel.
func (t *Topology) DeleteChannel(room, channel string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	rm, ok := t.rooms[room]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRoomNotFound, room)
	}
	if _, ok := rm.channels[channel]; !ok {
		return fmt.Errorf("%w: %s/%s", ErrChannelNotFound, room, channel)
	}
	delete(rm.channels, channel)
	if len(rm.channels) == 0 {
		delete(t.rooms, room)
	}
	t.log.Info("deleted channel", "room", room, "channel", channel)
	return nil
}

// Channel looks up a channel by room and name.
func (t *Topology) Channel(room, channel string) (*Channel, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rm, ok := t.rooms[room]
	if !ok {
		return nil, false
	}
	ch, ok := rm.channels[channel]
	return ch, ok
}

// RoomExists reports whether a room is present.
func (t *Topology) RoomExists(room string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.rooms[room]
	return ok
}

// RoomChannels returns every channel of a room.
func (t *Topology) RoomChannels(room string) []*Channel {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rm, ok := t.rooms[room]
	if !ok {
		return nil
	}
	out := make([]*Channel, 0, len(rm.channels))
	for _, ch := range rm.channels {
		out = append(out, ch)
	}
	return out
}

// ListChannels returns room -> channel names across the namespace; a
// non-empty room argument narrows it to that room.
func (t *Topology) ListChannels(room string) map[string][]string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string][]string)
	for name, rm := range t.rooms {
		if room != "" && name != room {
			continue
		}
		names := make([]string, 0, len(rm.channels))
		for ch := range rm.channels {
			names = append(names, ch)
		}
		out[name] = names
	}
	return out
}

// Stats reports namespace occupancy.
func (t *Topology) Stats() map[string]interface{} {
	t.mu.RLock()
	defer t.mu.RUnlock()

	totalChannels := 0
	totalMembers := 0
	rooms := make(map[string]interface{}, len(t.rooms))
	for name, rm := range t.rooms {
		members := 0
		for _, ch := range rm.channels {
			members += ch.MemberCount()
		}
		rooms[name] = map[string]interface{}{
			"channel_count": len(rm.channels),
			"member_count":  members,
			"created_at":    rm.CreatedAt.Format(time.RFC3339),
		}
		totalChannels += len(rm.channels)
		totalMembers += members
	}
	return map[string]interface{}{
		"total_rooms":    len(t.rooms),
		"total_channels": totalChannels,
		"total_members":  totalMembers,
		"rooms":          rooms,
	}
}
