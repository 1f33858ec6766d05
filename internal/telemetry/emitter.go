// Package telemetry buffers broker events and fans them out to the
// telemetry room as envelopes of type telemetry. Emission never blocks the
// routing hot path: a full buffer drops the oldest event.
package telemetry

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arqonbus/arqonbus/internal/config"
	"github.com/arqonbus/arqonbus/internal/protocol"
)

// TelemetrySender marks events originated by the telemetry subsystem.
const TelemetrySender = "arqonbus"

// Event types emitted across the broker.
const (
	EventClientConnected    = "client_connected"
	EventClientDisconnected = "client_disconnected"
	EventClientRateLimited  = "client_rate_limited"
	EventMessageRouted      = "message_routed"
	EventMessageFailed      = "message_failed"
	EventChannelCreated     = "channel_created"
	EventChannelDeleted     = "channel_deleted"
	EventClientJoined       = "client_joined_channel"
	EventClientLeft         = "client_left_channel"
	EventCommandSucceeded   = "command_succeeded"
	EventCommandFailed      = "command_failed"
	EventSystemStarted      = "system_started"
	EventSystemStopped      = "system_stopped"
	EventSystemError        = "system_error"
	EventAuthFailed         = "authentication_failed"
	EventOperatorJoined     = "operator_joined"
	EventTaskDispatched     = "task_dispatched"
	EventStorageDegraded    = "storage_degraded"
)

// Event is one telemetry record before it becomes an envelope.
type Event struct {
	EventID   string                 `json:"event_id"`
	EventType string                 `json:"event_type"`
	Timestamp string                 `json:"timestamp"`
	ClientID  string                 `json:"client_id,omitempty"`
	MessageID string                 `json:"message_id,omitempty"`
	Severity  string                 `json:"severity"`
	Source    string                 `json:"source"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Subscriber receives every emitted event synchronously on the drain
// goroutine. Keep handlers fast.
type Subscriber func(Event)

// Emitter is the broker-wide telemetry pipe. It satisfies casil.EventSink.
type Emitter struct {
	cfg config.TelemetryConfig
	ids *protocol.IDGenerator
	log *slog.Logger

	mu          sync.Mutex
	buffer      []Event
	subscribers []Subscriber

	emitted int64
	dropped int64

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

// NewEmitter builds the emitter; Start launches the drain loop.
func NewEmitter(cfg config.TelemetryConfig, ids *protocol.IDGenerator, log *slog.Logger) *Emitter {
	if ids == nil {
		ids = protocol.NewIDGenerator()
	}
	if log == nil {
		log = slog.Default()
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	return &Emitter{
		cfg:  cfg,
		ids:  ids,
		log:  log,
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Subscribe registers a handler for every event. Subscribers added after
// Start still see subsequent events.
func (em *Emitter) Subscribe(s Subscriber) {
	em.mu.Lock()
	em.subscribers = append(em.subscribers, s)
	em.mu.Unlock()
}

// EmitEvent queues one event. A full buffer evicts the oldest entry rather
// than blocking the caller.
func (em *Emitter) EmitEvent(eventType, clientID, messageID string, metadata map[string]interface{}, severity string) {
	if !em.cfg.Enabled {
		return
	}
	if severity == "" {
		severity = "info"
	}
	event := Event{
		EventID:   uuid.NewString(),
		EventType: eventType,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		ClientID:  clientID,
		MessageID: messageID,
		Severity:  severity,
		Source:    TelemetrySender,
		Metadata:  metadata,
	}

	em.mu.Lock()
	if len(em.buffer) >= em.cfg.BufferSize {
		em.buffer = em.buffer[1:]
		em.dropped++
	}
	em.buffer = append(em.buffer, event)
	em.emitted++
	em.mu.Unlock()

	select {
	case em.wake <- struct{}{}:
	default:
	}
}

// Typed emit helpers for the common call sites.

func (em *Emitter) ClientConnected(clientID string, metadata map[string]interface{}) {
	em.EmitEvent(EventClientConnected, clientID, "", metadata, "info")
}

func (em *Emitter) ClientDisconnected(clientID string, metadata map[string]interface{}) {
	em.EmitEvent(EventClientDisconnected, clientID, "", metadata, "info")
}

func (em *Emitter) MessageRouted(messageID, clientID string, receivers int) {
	em.EmitEvent(EventMessageRouted, clientID, messageID,
		map[string]interface{}{"receivers": receivers}, "info")
}

func (em *Emitter) MessageFailed(messageID, clientID, reason string) {
	em.EmitEvent(EventMessageFailed, clientID, messageID,
		map[string]interface{}{"error": reason}, "warning")
}

func (em *Emitter) CommandSucceeded(command, clientID string, took time.Duration) {
	em.EmitEvent(EventCommandSucceeded, clientID, "", map[string]interface{}{
		"command_name":      command,
		"execution_time_ms": float64(took.Microseconds()) / 1000.0,
		"success":           true,
	}, "info")
}

func (em *Emitter) CommandFailed(command, clientID, reason string) {
	em.EmitEvent(EventCommandFailed, clientID, "", map[string]interface{}{
		"command_name": command,
		"error":        reason,
		"success":      false,
	}, "warning")
}

func (em *Emitter) AuthFailed(clientID, reason string) {
	em.EmitEvent(EventAuthFailed, clientID, "",
		map[string]interface{}{"reason": reason}, "warning")
}

func (em *Emitter) SystemError(err string, metadata map[string]interface{}) {
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	metadata["error"] = err
	em.EmitEvent(EventSystemError, "", "", metadata, "error")
}

// Start launches the background drain loop.
func (em *Emitter) Start() {
	if !em.cfg.Enabled {
		em.log.Info("telemetry emitter disabled")
		close(em.done)
		return
	}
	go em.drainLoop()
	em.log.Info("telemetry emitter started",
		"room", em.cfg.Room, "channel", em.cfg.Channel, "buffer", em.cfg.BufferSize)
}

// Stop halts the drain loop after a final flush.
func (em *Emitter) Stop() {
	if !em.cfg.Enabled {
		return
	}
	close(em.stop)
	<-em.done
}

func (em *Emitter) drainLoop() {
	defer close(em.done)
	ticker := time.NewTicker(em.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-em.wake:
			em.Flush()
		case <-ticker.C:
			em.Flush()
		case <-em.stop:
			em.Flush()
			return
		}
	}
}

// Flush delivers every buffered event to the subscribers.
func (em *Emitter) Flush() {
	em.mu.Lock()
	events := em.buffer
	em.buffer = nil
	subs := append([]Subscriber(nil), em.subscribers...)
	em.mu.Unlock()

	for _, event := range events {
		for _, s := range subs {
			s(event)
		}
	}
}

// Envelope converts an event into a telemetry envelope bound for the
// telemetry room.
func (em *Emitter) Envelope(event Event) *protocol.Envelope {
	e := em.ids.Envelope(protocol.TypeTelemetry)
	e.Room = em.cfg.Room
	e.Channel = em.cfg.Channel
	e.Sender = TelemetrySender
	e.Payload = map[string]interface{}{
		"event_id":   event.EventID,
		"event_type": event.EventType,
		"timestamp":  event.Timestamp,
		"client_id":  event.ClientID,
		"message_id": event.MessageID,
		"severity":   event.Severity,
		"source":     event.Source,
		"metadata":   event.Metadata,
	}
	return e
}

// Stats reports buffer state and counters.
func (em *Emitter) Stats() map[string]interface{} {
	em.mu.Lock()
	defer em.mu.Unlock()
	return map[string]interface{}{
		"enabled":         em.cfg.Enabled,
		"buffer_size":     len(em.buffer),
		"buffer_capacity": em.cfg.BufferSize,
		"events_emitted":  em.emitted,
		"events_dropped":  em.dropped,
		"subscribers":     len(em.subscribers),
	}
}
