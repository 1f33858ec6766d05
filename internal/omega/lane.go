// Package omega is the feature-flagged experimental execution lane: a
// registry of named substrates, a bounded signal log broadcast into the lab
// room, and a container runtime for substrates that need real compute.
package omega

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arqonbus/arqonbus/internal/config"
	"github.com/arqonbus/arqonbus/internal/protocol"
)

// OmegaSender stamps lab-room telemetry envelopes.
const OmegaSender = "op-omega"

var (
	ErrLaneDisabled      = errors.New("tier-omega lane is disabled")
	ErrSubstrateNotFound = errors.New("unknown substrate_id")
	ErrSubstrateLimit    = errors.New("substrate limit reached")
)

// Substrate is a registered experimental compute target.
type Substrate struct {
	ID        string                 `json:"substrate_id"`
	Name      string                 `json:"name"`
	Kind      string                 `json:"kind"`
	OwnerID   string                 `json:"owner_client_id"`
	Metadata  map[string]interface{} `json:"metadata"`
	CreatedAt time.Time              `json:"created_at"`
}

// Event is one signal emitted against a substrate.
type Event struct {
	ID          string                 `json:"event_id"`
	SubstrateID string                 `json:"substrate_id"`
	Signal      string                 `json:"signal"`
	Payload     map[string]interface{} `json:"payload"`
	EmittedBy   string                 `json:"emitted_by"`
	Timestamp   string                 `json:"timestamp"`
}

// Broadcaster pushes lab telemetry envelopes into the bus.
type Broadcaster func(e *protocol.Envelope)

// Lane owns the substrate registry and the event log.
type Lane struct {
	cfg       config.OmegaConfig
	runtime   *Runtime
	broadcast Broadcaster
	ids       *protocol.IDGenerator
	log       *slog.Logger

	mu         sync.Mutex
	substrates map[string]*Substrate
	events     []Event
}

// NewLane wires the lane. runtime may be nil when container execution is not
// available; substrate registration still works, vm.* commands degrade.
func NewLane(cfg config.OmegaConfig, runtime *Runtime, broadcast Broadcaster, ids *protocol.IDGenerator, log *slog.Logger) *Lane {
	if ids == nil {
		ids = protocol.NewIDGenerator()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Lane{
		cfg:        cfg,
		runtime:    runtime,
		broadcast:  broadcast,
		ids:        ids,
		log:        log,
		substrates: make(map[string]*Substrate),
	}
}

// SetBroadcaster late-binds the lab broadcast. The lane is built before the
// bus server that carries its envelopes.
func (l *Lane) SetBroadcaster(b Broadcaster) {
	l.mu.Lock()
	l.broadcast = b
	l.mu.Unlock()
}

// Enabled reports whether the lane accepts commands.
func (l *Lane) Enabled() bool { return l.cfg.Enabled }

// Runtime exposes the container runtime, nil when unavailable.
func (l *Lane) Runtime() *Runtime { return l.runtime }

// LabScope returns the room/channel lab telemetry lands in.
func (l *Lane) LabScope() (room, channel string) {
	return l.cfg.LabRoom, l.cfg.LabChannel
}

func newSubstrateID() string {
	return "omega_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

func newEventID() string {
	return "omega_evt_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// RegisterSubstrate adds a substrate to the lane's registry.
func (l *Lane) RegisterSubstrate(ownerID, name, kind string, metadata map[string]interface{}) (*Substrate, error) {
	if !l.cfg.Enabled {
		return nil, ErrLaneDisabled
	}
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("'name' is required")
	}
	if strings.TrimSpace(kind) == "" {
		return nil, fmt.Errorf("'kind' is required")
	}
	if metadata == nil {
		metadata = map[string]interface{}{}
	}

	sub := &Substrate{
		ID:        newSubstrateID(),
		Name:      name,
		Kind:      kind,
		OwnerID:   ownerID,
		Metadata:  metadata,
		CreatedAt: time.Now().UTC(),
	}

	l.mu.Lock()
	limit := l.cfg.MaxSubstrates
	if limit < 1 {
		limit = 1
	}
	if len(l.substrates) >= limit {
		l.mu.Unlock()
		return nil, fmt.Errorf("%w: %d registered", ErrSubstrateLimit, limit)
	}
	l.substrates[sub.ID] = sub
	l.mu.Unlock()

	l.log.Info("registered omega substrate", "substrate_id", sub.ID, "kind", kind, "owner", ownerID)
	return sub, nil
}

// UnregisterSubstrate removes a substrate and its events. Returns the removed
// substrate (nil when absent) and how many events went with it.
func (l *Lane) UnregisterSubstrate(substrateID string) (*Substrate, int, error) {
	if !l.cfg.Enabled {
		return nil, 0, ErrLaneDisabled
	}
	if strings.TrimSpace(substrateID) == "" {
		return nil, 0, fmt.Errorf("'substrate_id' is required")
	}

	l.mu.Lock()
	sub, ok := l.substrates[substrateID]
	if !ok {
		l.mu.Unlock()
		return nil, 0, nil
	}
	delete(l.substrates, substrateID)

	retained := l.events[:0]
	removed := 0
	for _, evt := range l.events {
		if evt.SubstrateID == substrateID {
			removed++
			continue
		}
		retained = append(retained, evt)
	}
	l.events = retained
	l.mu.Unlock()

	l.log.Info("unregistered omega substrate", "substrate_id", substrateID, "removed_events", removed)
	return sub, removed, nil
}

// Substrates returns a snapshot of the registry.
func (l *Lane) Substrates() ([]*Substrate, error) {
	if !l.cfg.Enabled {
		return nil, ErrLaneDisabled
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]*Substrate, 0, len(l.substrates))
	for _, sub := range l.substrates {
		out = append(out, sub)
	}
	return out, nil
}

// Substrate looks one up by id.
func (l *Lane) Substrate(substrateID string) (*Substrate, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	sub, ok := l.substrates[substrateID]
	return sub, ok
}

// EmitEvent logs a signal against a substrate and broadcasts it into the lab
// room as a telemetry envelope.
func (l *Lane) EmitEvent(emitterID, substrateID, signal string, payload map[string]interface{}) (*Event, error) {
	if !l.cfg.Enabled {
		return nil, ErrLaneDisabled
	}
	if strings.TrimSpace(substrateID) == "" {
		return nil, fmt.Errorf("'substrate_id' is required")
	}
	if strings.TrimSpace(signal) == "" {
		return nil, fmt.Errorf("'signal' is required")
	}
	if payload == nil {
		payload = map[string]interface{}{}
	}

	l.mu.Lock()
	if _, ok := l.substrates[substrateID]; !ok {
		l.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSubstrateNotFound, substrateID)
	}
	evt := Event{
		ID:          newEventID(),
		SubstrateID: substrateID,
		Signal:      signal,
		Payload:     payload,
		EmittedBy:   emitterID,
		Timestamp:   time.Now().UTC().Format(time.RFC3339Nano),
	}
	l.events = append(l.events, evt)
	maxEvents := l.cfg.MaxEvents
	if maxEvents < 1 {
		maxEvents = 1
	}
	if len(l.events) > maxEvents {
		l.events = l.events[len(l.events)-maxEvents:]
	}
	broadcast := l.broadcast
	l.mu.Unlock()

	if broadcast != nil {
		e := l.ids.Envelope(protocol.TypeTelemetry)
		e.Room = l.cfg.LabRoom
		e.Channel = l.cfg.LabChannel
		e.Sender = OmegaSender
		e.Payload = map[string]interface{}{"omega_event": evt}
		broadcast(e)
	}
	return &evt, nil
}

// EventFilter narrows ListEvents and ClearEvents.
type EventFilter struct {
	SubstrateID string
	Signal      string
}

func (f EventFilter) matches(evt Event) bool {
	if f.SubstrateID != "" && evt.SubstrateID != f.SubstrateID {
		return false
	}
	if f.Signal != "" && evt.Signal != f.Signal {
		return false
	}
	return true
}

// ListEvents returns up to limit of the newest matching events, oldest first.
func (l *Lane) ListEvents(filter EventFilter, limit int) ([]Event, error) {
	if !l.cfg.Enabled {
		return nil, ErrLaneDisabled
	}
	if limit < 1 {
		return nil, fmt.Errorf("'limit' must be >= 1")
	}

	l.mu.Lock()
	var matched []Event
	for _, evt := range l.events {
		if filter.matches(evt) {
			matched = append(matched, evt)
		}
	}
	l.mu.Unlock()

	if len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}
	return matched, nil
}

// ClearEvents drops matching events, returning removed and remaining counts.
func (l *Lane) ClearEvents(filter EventFilter) (removed, remaining int, err error) {
	if !l.cfg.Enabled {
		return 0, 0, ErrLaneDisabled
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	before := len(l.events)
	retained := l.events[:0]
	for _, evt := range l.events {
		if filter.matches(evt) {
			continue
		}
		retained = append(retained, evt)
	}
	l.events = retained
	return before - len(retained), len(retained), nil
}

// Status summarizes the lane, including the runtime probe.
func (l *Lane) Status() map[string]interface{} {
	l.mu.Lock()
	substrates := len(l.substrates)
	events := len(l.events)
	l.mu.Unlock()

	status := map[string]interface{}{
		"enabled":         l.cfg.Enabled,
		"lab_room":        l.cfg.LabRoom,
		"lab_channel":     l.cfg.LabChannel,
		"max_events":      l.cfg.MaxEvents,
		"max_substrates":  l.cfg.MaxSubstrates,
		"substrate_count": substrates,
		"event_count":     events,
	}
	if l.runtime != nil {
		status["runtime"] = l.runtime.Snapshot()
	} else {
		status["runtime"] = map[string]interface{}{"available": false, "detail": "runtime unavailable"}
	}
	return status
}
