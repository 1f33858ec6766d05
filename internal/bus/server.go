// Package bus is the WebSocket edge of the broker: it accepts connections,
// authenticates them, runs every inbound frame through the
// decode → validate → stamp → rate-limit → inspect → dispatch pipeline, and
// sends exactly one acknowledgement per accepted envelope.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/arqonbus/arqonbus/internal/casil"
	"github.com/arqonbus/arqonbus/internal/config"
	croneng "github.com/arqonbus/arqonbus/internal/cron"
	"github.com/arqonbus/arqonbus/internal/kvstore"
	"github.com/arqonbus/arqonbus/internal/metrics"
	"github.com/arqonbus/arqonbus/internal/middleware"
	"github.com/arqonbus/arqonbus/internal/omega"
	"github.com/arqonbus/arqonbus/internal/protocol"
	"github.com/arqonbus/arqonbus/internal/routing"
	"github.com/arqonbus/arqonbus/internal/security"
	"github.com/arqonbus/arqonbus/internal/storage"
	"github.com/arqonbus/arqonbus/internal/telemetry"
	"github.com/arqonbus/arqonbus/internal/webhooks"
)

// Error codes carried on error envelopes.
const (
	ErrCodeValidation      = "VALIDATION_ERROR"
	ErrCodeAuthorization   = "AUTHORIZATION_ERROR"
	ErrCodeMissingCommand  = "MISSING_COMMAND"
	ErrCodeUnknownCommand  = "UNKNOWN_COMMAND"
	ErrCodeRoomNotFound    = "ROOM_NOT_FOUND"
	ErrCodeChannelNotFound = "CHANNEL_NOT_FOUND"
	ErrCodeOperatorAuth    = "OPERATOR_AUTH_FAILED"
	ErrCodeFeatureDisabled = "FEATURE_DISABLED"
	ErrCodeRateLimited     = "RATE_LIMITED"
	ErrCodeExecution       = "EXECUTION_ERROR"
	ErrCodeUnsupportedWire = "unsupported_wire_format"
)

// Deps carries the externally wired subsystems into the server.
type Deps struct {
	Config  *config.Config
	Store   *storage.Store
	Gate    *casil.Gate
	Emitter *telemetry.Emitter
	Metrics *metrics.Metrics
	KV      kvstore.Store
	Lane    *omega.Lane
	IDs     *protocol.IDGenerator
	Log     *slog.Logger
}

// Server owns the connection set and the routing fabric behind it.
type Server struct {
	cfg *config.Config
	log *slog.Logger

	registry   *routing.ClientRegistry
	topology   *routing.Topology
	router     *routing.Router
	operators  *routing.OperatorRegistry
	dispatcher *routing.Dispatcher

	store   *storage.Store
	gate    *casil.Gate
	emitter *telemetry.Emitter
	metrics *metrics.Metrics

	auth    *security.Authenticator
	opGate  *security.OperatorGate
	limiter *middleware.RateLimiter

	hooks     *webhooks.Registry
	hookQueue *webhooks.Dispatcher
	cron      *croneng.Scheduler
	kv        kvstore.Store
	lane      *omega.Lane

	ids        *protocol.IDGenerator
	wireFormat string
	upgrader   websocket.Upgrader
	commands   map[string]commandHandler

	mu        sync.Mutex
	clients   map[string]*Client
	closed    bool
	startedAt time.Time

	httpServer *http.Server
}

// NewServer wires the bus on top of the provided subsystems.
func NewServer(d Deps) *Server {
	log := d.Log
	if log == nil {
		log = slog.Default()
	}

	ids := d.IDs
	if ids == nil {
		ids = protocol.NewIDGenerator()
	}

	registry := routing.NewClientRegistry(ids, log)
	topology := routing.NewTopology(log)
	topology.EnsureDefaults()
	router := routing.NewRouter(registry, topology, ids, log)

	var groups storage.GroupBackend
	if g, ok := d.Store.Groups(); ok {
		groups = g
	}
	operators := routing.NewOperatorRegistry(groups, d.Config.Redis.StreamPrefix, log)
	dispatcher := routing.NewDispatcher(operators, router, nil, log)

	s := &Server{
		cfg:        d.Config,
		log:        log,
		registry:   registry,
		topology:   topology,
		router:     router,
		operators:  operators,
		dispatcher: dispatcher,
		store:      d.Store,
		gate:       d.Gate,
		emitter:    d.Emitter,
		metrics:    d.Metrics,
		opGate:     security.NewOperatorGate(d.Config.Security.OperatorToken),
		limiter:    middleware.NewRateLimiter(d.Config.RateLimit),
		hooks:      webhooks.NewRegistry(),
		kv:         d.KV,
		lane:       d.Lane,
		ids:        ids,
		wireFormat: d.Config.Server.WireFormat,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients:   make(map[string]*Client),
		startedAt: time.Now().UTC(),
	}

	if d.Config.Security.EnableAuth {
		s.auth = security.NewAuthenticator(d.Config.Security)
	}
	if d.Config.Webhooks.Enabled {
		s.hookQueue = webhooks.NewDispatcher(s.hooks, d.Config.Webhooks)
	}
	if d.Config.Cron.Enabled {
		s.cron = croneng.NewScheduler(d.Config.Cron, ids, s.publish)
	}

	// Telemetry fan-out rides the bus itself: every drained event is also a
	// telemetry envelope into the configured room/channel.
	if d.Emitter != nil && d.Config.Telemetry.Enabled {
		topology.CreateChannel(d.Config.Telemetry.Room, d.Config.Telemetry.Channel, "internal telemetry stream")
		d.Emitter.Subscribe(func(evt telemetry.Event) {
			e := d.Emitter.Envelope(evt)
			s.router.Route(e, telemetry.TelemetrySender)
		})
	}
	if d.Lane != nil && d.Lane.Enabled() {
		room, channel := d.Lane.LabScope()
		topology.CreateChannel(room, channel, "tier-omega lab")
	}

	s.commands = s.commandTable()
	return s
}

// Handler returns the WebSocket endpoint mux.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/", s.HandleWebSocket)
	r.HandleFunc("/ws", s.HandleWebSocket)
	return r
}

// Start serves the WebSocket listener until Shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.httpServer = &http.Server{Addr: addr, Handler: s.Handler()}
	s.log.Info("bus listening", "addr", addr, "wire", s.wireFormat)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("bus listener: %w", err)
	}
	return nil
}

// HandleWebSocket authenticates, upgrades and registers one connection.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	var claims *security.Claims
	if s.auth != nil {
		var err error
		claims, err = s.auth.Authorize(r)
		if err != nil {
			if s.emitter != nil {
				s.emitter.AuthFailed(r.RemoteAddr, err.Error())
			}
			if s.metrics != nil {
				s.metrics.ConnectionsTotal.WithLabelValues("rejected_auth").Inc()
			}
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	if s.registry.Count() >= s.cfg.Server.MaxConnections {
		if s.metrics != nil {
			s.metrics.ConnectionsTotal.WithLabelValues("rejected_limit").Inc()
		}
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "connection limit reached"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}

	client := newClient(s, conn, claims)

	metadata := map[string]interface{}{}
	if claims != nil {
		role := claims.Role
		if role == "" {
			role = "user"
		}
		metadata["role"] = role
		if claims.TenantID != "" {
			metadata["tenant_id"] = claims.TenantID
		}
	}
	info := s.registry.Register(client, "lobby", "general", metadata)
	client.id = info.ClientID

	s.mu.Lock()
	s.clients[client.id] = client
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.ConnectionsActive.Inc()
		s.metrics.ConnectionsTotal.WithLabelValues("accepted").Inc()
	}
	if s.emitter != nil {
		s.emitter.ClientConnected(client.id, metadata)
	}

	go client.writePump()
	go client.readPump()

	welcome := s.ids.Message("", "", map[string]interface{}{
		"welcome":   "connected to arqonbus",
		"client_id": client.id,
	})
	welcome.Sender = routing.SystemSender
	welcome.ToClient = client.id
	if err := client.SendEnvelope(welcome); err != nil {
		s.log.Warn("welcome send failed", "client_id", client.id, "error", err)
	}

	s.log.Info("client connected", "client_id", client.id, "remote", r.RemoteAddr)
}

// disconnect tears one connection down. Order matters: the operator loop is
// already cancelled by the client's context; then operator registration,
// cron jobs, webhook rules, the rate-limit window and finally the registry
// entry go.
func (s *Server) disconnect(c *Client) {
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()

	s.operators.Unregister(c.id)
	if s.cron != nil {
		s.cron.CancelOwner(c.id)
	}
	s.hooks.RemoveOwner(c.id)
	s.limiter.Forget(c.id)
	s.registry.Unregister(c.id)

	if s.metrics != nil {
		s.metrics.ConnectionsActive.Dec()
	}
	if s.emitter != nil {
		s.emitter.ClientDisconnected(c.id, nil)
	}
	s.log.Info("client disconnected", "client_id", c.id)
}

// handleFrame runs the inbound pipeline on one decoded frame.
func (s *Server) handleFrame(c *Client, data []byte) {
	env, err := protocol.UnmarshalWire(data, s.wireFormat)
	if err != nil {
		s.sendError(c, "", ErrCodeValidation, err.Error())
		return
	}

	if violations := protocol.Validate(env); len(violations) > 0 {
		errEnv := s.ids.Error(env.ID, ErrCodeValidation, strings.Join(violations, "; "))
		errEnv.Sender = routing.SystemSender
		errEnv.Payload = map[string]interface{}{"violations": violations}
		c.SendEnvelope(errEnv)
		return
	}

	env.Sender = c.id
	env.FromClient = c.id

	if s.metrics != nil {
		s.metrics.MessagesReceived.WithLabelValues(env.Type).Inc()
	}

	if !s.limiter.Allow(c.id) {
		if s.metrics != nil {
			s.metrics.RateLimited.WithLabelValues(c.id).Inc()
		}
		s.sendError(c, env.ID, ErrCodeRateLimited, "message rate limit exceeded")
		return
	}

	// Inline inspection applies to message and command frames only.
	if env.Type == protocol.TypeMessage || env.Type == protocol.TypeCommand {
		outcome := s.gate.Process(env, casil.Context{
			Room:     env.Room,
			Channel:  env.Channel,
			ClientID: c.id,
		})
		if s.metrics != nil {
			s.metrics.RecordInspection(string(outcome.Decision), outcome.ReasonCode)
		}
		if outcome.ShouldBlock() {
			s.sendError(c, env.ID, outcome.ReasonCode, "message blocked by inspection policy")
			return
		}
		if outcome.ShouldRedactTransport() {
			env.Payload = outcome.RedactedPayload
		}
	}

	switch env.Type {
	case protocol.TypeMessage:
		s.handleMessage(c, env)
	case protocol.TypeCommand:
		s.handleCommand(c, env)
	case protocol.TypeResponse:
		s.handleResponse(c, env)
	case protocol.TypeOperatorJoin:
		s.handleOperatorJoinEnvelope(c, env)
	case protocol.TypeTelemetry:
		// Fire-and-forget: routed without acknowledgement.
		s.router.Route(env, c.id)
	}
}

// handleMessage persists, routes, fans out to webhooks and acks.
func (s *Server) handleMessage(c *Client, env *protocol.Envelope) {
	start := time.Now()

	if s.cfg.Storage.EnablePersistence {
		res := s.store.Append(c.ctx, env)
		if s.metrics != nil {
			s.metrics.RecordStorage(s.store.Backend().Name(), "append", res.Success)
			s.metrics.SetDegraded(s.store.Degraded())
		}
		if !res.Success {
			s.sendError(c, env.ID, ErrCodeExecution, fmt.Sprintf("storage rejected message: %v", res.Err))
			return
		}
	}

	sent, err := s.router.Route(env, c.id)
	if s.metrics != nil {
		dest := "global"
		switch {
		case env.ToClient != "":
			dest = "direct"
		case env.Room != "" && env.Channel != "":
			dest = "channel"
		case env.Room != "":
			dest = "room"
		}
		s.metrics.RecordRouted(env.Type, dest, time.Since(start).Seconds())
	}
	if err != nil {
		code := ErrCodeRoomNotFound
		if errors.Is(err, routing.ErrChannelNotFound) {
			code = ErrCodeChannelNotFound
		}
		if s.metrics != nil {
			s.metrics.RoutingErrors.WithLabelValues(code).Inc()
		}
		if s.emitter != nil {
			s.emitter.MessageFailed(env.ID, c.id, err.Error())
		}
		s.sendError(c, env.ID, code, err.Error())
		return
	}

	if s.emitter != nil {
		s.emitter.MessageRouted(env.ID, c.id, sent)
	}
	if s.hookQueue != nil {
		s.hookQueue.Emit(env)
	}

	ack := s.ids.Envelope(protocol.TypeMessageResponse)
	ack.RequestID = env.ID
	ack.Sender = routing.SystemSender
	ack.Payload = map[string]interface{}{"delivered_to": sent}
	c.SendEnvelope(ack)
}

// handleResponse feeds operator results into waiting task windows. No ack:
// a response is itself terminal.
func (s *Server) handleResponse(c *Client, env *protocol.Envelope) {
	if s.dispatcher.HandleResult(c.id, env) {
		if s.metrics != nil {
			s.metrics.TaskWindowWins.WithLabelValues("result_accepted").Inc()
		}
		return
	}
	// Not a task result; direct responses relay to their target if present.
	if env.ToClient != "" {
		s.router.RouteDirect(env, c.id, env.ToClient)
	}
}

// handleOperatorJoinEnvelope accepts the operator.join envelope form. Per
// the ack contract it sends no acknowledgement; errors still surface.
func (s *Server) handleOperatorJoinEnvelope(c *Client, env *protocol.Envelope) {
	group, _ := env.Payload["group"].(string)
	token, _ := env.Payload["auth_token"].(string)
	if err := s.joinOperator(c, group, token); err != nil {
		s.sendError(c, env.ID, operatorErrorCode(err), err.Error())
	}
}

// joinOperator checks the capability token and binds the client to a group,
// starting its delivery loop when the backend supports consumer groups. An
// unconfigured token means joins are open to any authenticated client.
func (s *Server) joinOperator(c *Client, group, token string) error {
	if err := s.opGate.Check(token); err != nil {
		if s.emitter != nil {
			s.emitter.AuthFailed(c.id, "operator token rejected")
		}
		return err
	}
	if err := s.operators.Register(c.ctx, c.id, group); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.OperatorsActive.WithLabelValues(group).Inc()
	}
	if groups, ok := s.store.Groups(); ok {
		go s.operatorLoop(c, groups, group)
	}
	return nil
}

func operatorErrorCode(err error) string {
	if errors.Is(err, security.ErrOperatorAuthFailed) {
		return ErrCodeOperatorAuth
	}
	return ErrCodeExecution
}

// publish is the internal injection point used by cron jobs, history replay
// and the omega lane: persist (messages only), route, fan out to webhooks.
func (s *Server) publish(e *protocol.Envelope) {
	if s.cfg.Storage.EnablePersistence && e.Type == protocol.TypeMessage {
		if res := s.store.Append(context.Background(), e); !res.Success {
			s.log.Warn("internal publish not persisted", "message_id", e.ID, "error", res.Err)
		}
	}
	if _, err := s.router.Route(e, e.Sender); err != nil {
		s.log.Warn("internal publish not routed", "message_id", e.ID, "error", err)
		return
	}
	if s.hookQueue != nil && e.Type == protocol.TypeMessage {
		s.hookQueue.Emit(e)
	}
}

// sendError delivers an error envelope to the client; the connection stays
// open.
func (s *Server) sendError(c *Client, requestID, code, message string) {
	errEnv := s.ids.Error(requestID, code, message)
	errEnv.Sender = routing.SystemSender
	if err := c.SendEnvelope(errEnv); err != nil {
		s.log.Warn("error envelope not delivered", "client_id", c.id, "code", code, "error", err)
	}
}

// Publish injects a broker-originated envelope into the routing fabric. The
// omega lane broadcasts lab events through here.
func (s *Server) Publish(e *protocol.Envelope) { s.publish(e) }

// Registry exposes the client registry (monitoring, tests).
func (s *Server) Registry() *routing.ClientRegistry { return s.registry }

// Topology exposes the room/channel namespace.
func (s *Server) Topology() *routing.Topology { return s.topology }

// Router exposes the router.
func (s *Server) Router() *routing.Router { return s.router }

// Dispatcher exposes the task dispatcher.
func (s *Server) Dispatcher() *routing.Dispatcher { return s.dispatcher }

// Stats aggregates the server-level counters for /stats.
func (s *Server) Stats(ctx context.Context) map[string]interface{} {
	stats := map[string]interface{}{
		"started_at":  s.startedAt.Format(time.RFC3339),
		"uptime_s":    int64(time.Since(s.startedAt).Seconds()),
		"wire_format": s.wireFormat,
		"clients":     s.registry.Stats(),
		"topology":    s.topology.Stats(),
		"routing":     s.router.Stats(),
		"operators":   s.operators.Stats(),
		"storage":     s.store.Stats(ctx),
		"rate_limit":  s.limiter.Stats(),
	}
	if s.emitter != nil {
		stats["telemetry"] = s.emitter.Stats()
	}
	if s.hookQueue != nil {
		stats["webhooks"] = s.hookQueue.Stats()
	}
	if s.cron != nil {
		stats["cron"] = s.cron.Stats()
	}
	if s.kv != nil {
		stats["kvstore"] = s.kv.Stats(ctx)
	}
	if s.lane != nil && s.lane.Enabled() {
		stats["omega"] = s.lane.Status()
	}
	return stats
}

// Health aggregates component health for /healthz.
func (s *Server) Health(ctx context.Context) map[string]interface{} {
	storageHealth := s.store.Health(ctx)
	routerHealth := s.router.Health()

	status := "healthy"
	if storageHealth.Status != "healthy" || routerHealth["status"] != "healthy" {
		status = "degraded"
	}
	if storageHealth.Status == "unhealthy" || routerHealth["status"] == "unhealthy" {
		status = "unhealthy"
	}
	return map[string]interface{}{
		"status":  status,
		"storage": storageHealth,
		"routing": routerHealth,
		"clients": s.registry.Health(),
	}
}

// Shutdown drains the bus: stop accepting, notify and close clients, stop
// the schedulers and worker pools.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	clients := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	if s.httpServer != nil {
		s.httpServer.Shutdown(ctx)
	}
	for _, c := range clients {
		c.close()
	}
	if s.cron != nil {
		s.cron.Stop()
	}
	if s.hookQueue != nil {
		s.hookQueue.Shutdown()
	}
	s.limiter.Close()
	s.log.Info("bus shut down", "drained_clients", len(clients))
	return nil
}
