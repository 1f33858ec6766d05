package routing

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/arqonbus/arqonbus/internal/protocol"
)

// SystemSender marks envelopes originated by the broker itself.
const SystemSender = "arqonbus"

// ErrRouting wraps all routing failures mapped to ROUTING_ERROR on the wire.
var ErrRouting = errors.New("routing failed")

// Router resolves an envelope's destination and fans it out. Precedence:
// to_client beats everything, then room+channel, then room, then global.
type Router struct {
	registry *ClientRegistry
	topology *Topology
	ids      *protocol.IDGenerator
	log      *slog.Logger

	mu          sync.Mutex
	totalRouted int64
	errors      int64
	byType      map[string]int64
	byDest      map[string]int64
}

// NewRouter wires the router over the registry and namespace.
func NewRouter(registry *ClientRegistry, topology *Topology, ids *protocol.IDGenerator, log *slog.Logger) *Router {
	if ids == nil {
		ids = protocol.NewIDGenerator()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		registry: registry,
		topology: topology,
		ids:      ids,
		log:      log,
		byType:   make(map[string]int64),
		byDest:   make(map[string]int64),
	}
}

// Route delivers the envelope and returns the receiver count.
func (rt *Router) Route(e *protocol.Envelope, senderID string) (int, error) {
	var (
		sent int
		err  error
		dest string
	)

	switch {
	case e.ToClient != "":
		dest = "direct"
		err = rt.RouteDirect(e, senderID, e.ToClient)
		if err == nil {
			sent = 1
		}
	case e.Room != "" && e.Channel != "":
		dest = e.Room + ":" + e.Channel
		sent, err = rt.routeToChannel(e, senderID, e.Room, e.Channel)
	case e.Room != "":
		dest = e.Room
		sent, err = rt.routeToRoom(e, senderID, e.Room)
	default:
		dest = "global"
		sent = rt.routeGlobal(e, senderID)
	}

	rt.account(e.Type, dest, err)
	if err != nil {
		rt.log.Error("routing error", "message_id", e.ID, "error", err)
		return 0, fmt.Errorf("%w: %v", ErrRouting, err)
	}
	return sent, nil
}

func (rt *Router) routeToChannel(e *protocol.Envelope, senderID, room, channel string) (int, error) {
	ch, ok := rt.topology.Channel(room, channel)
	if !ok {
		if !rt.topology.RoomExists(room) {
			return 0, fmt.Errorf("%w: %s", ErrRoomNotFound, room)
		}
		return 0, fmt.Errorf("%w: %s/%s", ErrChannelNotFound, room, channel)
	}

	ch.RecordMessage()
	targets := rt.registry.ClientsIn(room, channel)
	return rt.registry.Broadcast(e, targets, senderID), nil
}

func (rt *Router) routeToRoom(e *protocol.Envelope, senderID, room string) (int, error) {
	if !rt.topology.RoomExists(room) {
		return 0, fmt.Errorf("%w: %s", ErrRoomNotFound, room)
	}
	for _, ch := range rt.topology.RoomChannels(room) {
		ch.RecordMessage()
	}
	targets := rt.registry.ClientsInRoom(room)
	return rt.registry.Broadcast(e, targets, senderID), nil
}

func (rt *Router) routeGlobal(e *protocol.Envelope, senderID string) int {
	return rt.registry.Broadcast(e, rt.registry.All(), senderID)
}

// RouteDirect delivers to one client, stamping the sender on the envelope.
func (rt *Router) RouteDirect(e *protocol.Envelope, senderID, targetID string) error {
	target, ok := rt.registry.Get(targetID)
	if !ok {
		return fmt.Errorf("target client %s is not connected", targetID)
	}
	if e.Sender == "" {
		e.Sender = senderID
	}
	if err := target.Peer.SendEnvelope(e); err != nil {
		return fmt.Errorf("send to %s: %w", targetID, err)
	}
	return nil
}

// RouteError sends an error envelope back to the offending sender. Best
// effort: a vanished sender is not itself an error.
func (rt *Router) RouteError(original *protocol.Envelope, errorCode, message string) bool {
	if original.Sender == "" {
		return false
	}
	errEnv := rt.ids.Error(original.ID, errorCode, message)
	errEnv.Sender = SystemSender
	errEnv.SetMeta("original_message_type", original.Type)
	if err := rt.RouteDirect(errEnv, SystemSender, original.Sender); err != nil {
		rt.log.Error("failed to deliver error envelope", "request_id", original.ID, "error", err)
		return false
	}
	return true
}

func (rt *Router) account(msgType, dest string, routeErr error) {
	rt.mu.Lock()
	rt.totalRouted++
	rt.byType[msgType]++
	rt.byDest[dest]++
	if routeErr != nil {
		rt.errors++
	}
	rt.mu.Unlock()
}

// Stats reports routing counters.
func (rt *Router) Stats() map[string]interface{} {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	byType := make(map[string]interface{}, len(rt.byType))
	for k, v := range rt.byType {
		byType[k] = v
	}
	byDest := make(map[string]interface{}, len(rt.byDest))
	for k, v := range rt.byDest {
		byDest[k] = v
	}
	return map[string]interface{}{
		"total_messages_routed":   rt.totalRouted,
		"routing_errors":          rt.errors,
		"messages_by_type":        byType,
		"messages_by_destination": byDest,
	}
}

// Health reports degraded above a 5% error rate, unhealthy above 10%.
func (rt *Router) Health() map[string]interface{} {
	rt.mu.Lock()
	total, errs := rt.totalRouted, rt.errors
	rt.mu.Unlock()

	rate := float64(errs) / float64(max64(1, total))
	status := "healthy"
	var checks []map[string]interface{}
	if rate > 0.05 {
		checks = append(checks, map[string]interface{}{
			"type": "error", "message": "high routing error rate",
		})
		status = "degraded"
		if rate >= 0.10 {
			status = "unhealthy"
		}
	}
	return map[string]interface{}{
		"status":                status,
		"total_messages_routed": total,
		"routing_errors":        errs,
		"error_rate":            rate,
		"checks":                checks,
		"timestamp":             time.Now().UTC().Format(time.RFC3339),
	}
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
