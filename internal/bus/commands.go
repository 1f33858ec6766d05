package bus

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	croneng "github.com/arqonbus/arqonbus/internal/cron"
	"github.com/arqonbus/arqonbus/internal/kvstore"
	"github.com/arqonbus/arqonbus/internal/omega"
	"github.com/arqonbus/arqonbus/internal/protocol"
	"github.com/arqonbus/arqonbus/internal/routing"
	"github.com/arqonbus/arqonbus/internal/security"
	"github.com/arqonbus/arqonbus/internal/storage"
)

// Version reported by the version command.
const Version = "1.0.0"

// commandHandler executes one command and returns the response data.
type commandHandler func(c *Client, env *protocol.Envelope) (map[string]interface{}, error)

// Sentinel errors the command layer maps onto error codes.
var (
	errNotAdmin = errors.New("admin role required")
)

// valErr marks argument problems so they surface as VALIDATION_ERROR.
type valErr struct{ msg string }

func (e valErr) Error() string { return e.msg }

func invalidArg(format string, args ...interface{}) error {
	return valErr{msg: fmt.Sprintf(format, args...)}
}

// handleCommand runs one command envelope through the table and sends
// exactly one terminal reply: a success response or an error envelope.
func (s *Server) handleCommand(c *Client, env *protocol.Envelope) {
	start := time.Now()

	if env.Command == "" {
		s.sendError(c, env.ID, ErrCodeMissingCommand, "command name is required")
		return
	}
	handler, ok := s.commands[env.Command]
	if !ok {
		s.sendError(c, env.ID, ErrCodeUnknownCommand, fmt.Sprintf("unknown command: %s", env.Command))
		return
	}

	data, err := handler(c, env)
	took := time.Since(start)
	if err != nil {
		code := s.commandErrorCode(err)
		if s.metrics != nil {
			s.metrics.RecordCommand(env.Command, "error", took.Seconds())
		}
		if s.emitter != nil {
			s.emitter.CommandFailed(env.Command, c.id, err.Error())
		}
		s.sendError(c, env.ID, code, err.Error())
		return
	}

	if s.metrics != nil {
		s.metrics.RecordCommand(env.Command, "success", took.Seconds())
	}
	if s.emitter != nil {
		s.emitter.CommandSucceeded(env.Command, c.id, took)
	}

	resp := s.ids.Response(env.ID, protocol.StatusSuccess, map[string]interface{}{
		"message": fmt.Sprintf("%s ok", env.Command),
		"data":    data,
	})
	resp.Sender = routing.SystemSender
	c.SendEnvelope(resp)
}

func (s *Server) commandErrorCode(err error) string {
	var ve valErr
	switch {
	case errors.As(err, &ve):
		return ErrCodeValidation
	case errors.Is(err, errNotAdmin),
		errors.Is(err, croneng.ErrNotOwner):
		return ErrCodeAuthorization
	case errors.Is(err, security.ErrOperatorAuthFailed):
		return ErrCodeOperatorAuth
	case errors.Is(err, croneng.ErrDisabled),
		errors.Is(err, omega.ErrLaneDisabled),
		errors.Is(err, errFeatureDisabled):
		return ErrCodeFeatureDisabled
	case errors.Is(err, routing.ErrRoomNotFound):
		return ErrCodeRoomNotFound
	case errors.Is(err, routing.ErrChannelNotFound):
		return ErrCodeChannelNotFound
	default:
		return ErrCodeExecution
	}
}

func (s *Server) commandTable() map[string]commandHandler {
	return map[string]commandHandler{
		"ping":    s.cmdPing,
		"status":  s.cmdStatus,
		"version": s.cmdVersion,
		"help":    s.cmdHelp,

		"create_channel": s.cmdCreateChannel,
		"delete_channel": s.cmdDeleteChannel,
		"join_channel":   s.cmdJoinChannel,
		"leave_channel":  s.cmdLeaveChannel,
		"list_channels":  s.cmdListChannels,
		"channel_info":   s.cmdChannelInfo,
		"history":        s.cmdHistory,

		"operator.join": s.cmdOperatorJoin,
		"task.enqueue":  s.cmdTaskEnqueue,
		"task.dispatch": s.cmdTaskDispatch,
		"task.ack":      s.cmdTaskAck,

		"op.casil.get":    s.cmdCasilGet,
		"op.casil.reload": s.cmdCasilReload,

		"op.webhook.register":   s.cmdWebhookRegister,
		"op.webhook.unregister": s.cmdWebhookUnregister,
		"op.webhook.list":       s.cmdWebhookList,

		"op.cron.schedule": s.cmdCronSchedule,
		"op.cron.cancel":   s.cmdCronCancel,
		"op.cron.list":     s.cmdCronList,

		"op.store.set":    s.cmdStoreSet,
		"op.store.get":    s.cmdStoreGet,
		"op.store.delete": s.cmdStoreDelete,
		"op.store.list":   s.cmdStoreList,

		"op.history.get":    s.cmdHistoryGet,
		"op.history.replay": s.cmdHistoryReplay,

		"op.omega.status":               s.cmdOmegaStatus,
		"op.omega.register_substrate":   s.cmdOmegaRegisterSubstrate,
		"op.omega.unregister_substrate": s.cmdOmegaUnregisterSubstrate,
		"op.omega.list_substrates":      s.cmdOmegaListSubstrates,
		"op.omega.emit_event":           s.cmdOmegaEmitEvent,
		"op.omega.list_events":          s.cmdOmegaListEvents,
		"op.omega.clear_events":         s.cmdOmegaClearEvents,
		"op.omega.vm.probe":             s.cmdOmegaVMProbe,
		"op.omega.vm.list":              s.cmdOmegaVMList,
		"op.omega.vm.launch":            s.cmdOmegaVMLaunch,
		"op.omega.vm.stop":              s.cmdOmegaVMStop,
	}
}

// ============================================================================
// ARGUMENT HELPERS
// ============================================================================

func argString(env *protocol.Envelope, key string) string {
	if env.Args == nil {
		return ""
	}
	s, _ := env.Args[key].(string)
	return strings.TrimSpace(s)
}

func requireString(env *protocol.Envelope, key string) (string, error) {
	v := argString(env, key)
	if v == "" {
		return "", invalidArg("'%s' is required", key)
	}
	return v, nil
}

func argMap(env *protocol.Envelope, key string) map[string]interface{} {
	if env.Args == nil {
		return nil
	}
	m, _ := env.Args[key].(map[string]interface{})
	return m
}

// argFloat reads a numeric argument; JSON numbers arrive as float64.
func argFloat(env *protocol.Envelope, key string, def float64) (float64, error) {
	if env.Args == nil {
		return def, nil
	}
	raw, ok := env.Args[key]
	if !ok || raw == nil {
		return def, nil
	}
	switch v := raw.(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	default:
		return 0, invalidArg("'%s' must be a number", key)
	}
}

func argInt(env *protocol.Envelope, key string, def int) (int, error) {
	f, err := argFloat(env, key, float64(def))
	if err != nil {
		return 0, err
	}
	return int(f), nil
}

func argBool(env *protocol.Envelope, key string, def bool) (bool, error) {
	if env.Args == nil {
		return def, nil
	}
	raw, ok := env.Args[key]
	if !ok || raw == nil {
		return def, nil
	}
	b, ok := raw.(bool)
	if !ok {
		return false, invalidArg("'%s' must be a boolean", key)
	}
	return b, nil
}

func requireAdmin(c *Client) error {
	// Without auth every client is trusted; with auth the role claim rules.
	if c.server.auth == nil {
		return nil
	}
	if !c.IsAdmin() {
		return errNotAdmin
	}
	return nil
}

// ============================================================================
// SYSTEM COMMANDS
// ============================================================================

func (s *Server) cmdPing(c *Client, env *protocol.Envelope) (map[string]interface{}, error) {
	return map[string]interface{}{"pong": time.Now().UTC().Format(time.RFC3339Nano)}, nil
}

func (s *Server) cmdStatus(c *Client, env *protocol.Envelope) (map[string]interface{}, error) {
	return s.Stats(c.ctx), nil
}

func (s *Server) cmdVersion(c *Client, env *protocol.Envelope) (map[string]interface{}, error) {
	return map[string]interface{}{
		"version":  Version,
		"protocol": protocol.ProtocolVersion,
		"wire":     s.wireFormat,
	}, nil
}

func (s *Server) cmdHelp(c *Client, env *protocol.Envelope) (map[string]interface{}, error) {
	names := make([]string, 0, len(s.commands))
	for name := range s.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return map[string]interface{}{"commands": names}, nil
}

// ============================================================================
// CHANNEL COMMANDS
// ============================================================================

func (s *Server) cmdCreateChannel(c *Client, env *protocol.Envelope) (map[string]interface{}, error) {
	room, err := requireString(env, "room")
	if err != nil {
		return nil, err
	}
	channel := argString(env, "channel")
	if channel == "" {
		channel = argString(env, "name")
	}
	if channel == "" {
		return nil, invalidArg("'channel' is required")
	}
	ch, err := s.topology.CreateChannel(room, channel, argString(env, "description"))
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"room": room, "channel": ch.Name}, nil
}

func (s *Server) cmdDeleteChannel(c *Client, env *protocol.Envelope) (map[string]interface{}, error) {
	room, err := requireString(env, "room")
	if err != nil {
		return nil, err
	}
	channel, err := requireString(env, "channel")
	if err != nil {
		return nil, err
	}
	if err := s.topology.DeleteChannel(room, channel); err != nil {
		return nil, err
	}
	return map[string]interface{}{"room": room, "channel": channel, "deleted": true}, nil
}

func (s *Server) cmdJoinChannel(c *Client, env *protocol.Envelope) (map[string]interface{}, error) {
	room, err := requireString(env, "room")
	if err != nil {
		return nil, err
	}
	channel, err := requireString(env, "channel")
	if err != nil {
		return nil, err
	}
	// First join creates the channel.
	if _, ok := s.topology.Channel(room, channel); !ok {
		if _, err := s.topology.CreateChannel(room, channel, ""); err != nil {
			return nil, err
		}
	}
	if err := s.registry.Join(c.id, room, channel); err != nil {
		return nil, err
	}
	if ch, ok := s.topology.Channel(room, channel); ok {
		ch.AddMember(c.id)
	}
	return map[string]interface{}{"room": room, "channel": channel, "joined": true}, nil
}

func (s *Server) cmdLeaveChannel(c *Client, env *protocol.Envelope) (map[string]interface{}, error) {
	room, err := requireString(env, "room")
	if err != nil {
		return nil, err
	}
	channel, err := requireString(env, "channel")
	if err != nil {
		return nil, err
	}
	s.registry.Leave(c.id, room, channel)
	if ch, ok := s.topology.Channel(room, channel); ok {
		ch.RemoveMember(c.id)
	}
	return map[string]interface{}{"room": room, "channel": channel, "left": true}, nil
}

func (s *Server) cmdListChannels(c *Client, env *protocol.Envelope) (map[string]interface{}, error) {
	room := argString(env, "room")
	listing := s.topology.ListChannels(room)
	return map[string]interface{}{"rooms": listing}, nil
}

func (s *Server) cmdChannelInfo(c *Client, env *protocol.Envelope) (map[string]interface{}, error) {
	room, err := requireString(env, "room")
	if err != nil {
		return nil, err
	}
	channel, err := requireString(env, "channel")
	if err != nil {
		return nil, err
	}
	ch, ok := s.topology.Channel(room, channel)
	if !ok {
		if !s.topology.RoomExists(room) {
			return nil, fmt.Errorf("%w: %s", routing.ErrRoomNotFound, room)
		}
		return nil, fmt.Errorf("%w: %s/%s", routing.ErrChannelNotFound, room, channel)
	}
	return ch.Stats(), nil
}

func (s *Server) cmdHistory(c *Client, env *protocol.Envelope) (map[string]interface{}, error) {
	room, err := requireString(env, "room")
	if err != nil {
		return nil, err
	}
	channel, err := requireString(env, "channel")
	if err != nil {
		return nil, err
	}
	limit, err := argInt(env, "limit", 50)
	if err != nil {
		return nil, err
	}
	q := storage.HistoryQuery{Room: room, Channel: channel, Limit: limit}
	if since := argString(env, "since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return nil, invalidArg("'since' must be RFC3339: %v", err)
		}
		q.Since = t
	}
	entries, err := s.store.History(c.ctx, q)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"room":     room,
		"channel":  channel,
		"count":    len(entries),
		"messages": historyPayload(entries),
	}, nil
}

func historyPayload(entries []storage.Entry) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(entries))
	for _, entry := range entries {
		out = append(out, map[string]interface{}{
			"stored_at": entry.StoredAt.Format(time.RFC3339Nano),
			"envelope":  entry.Envelope,
		})
	}
	return out
}

// ============================================================================
// OPERATOR / TASK COMMANDS
// ============================================================================

func (s *Server) cmdOperatorJoin(c *Client, env *protocol.Envelope) (map[string]interface{}, error) {
	group, err := requireString(env, "group")
	if err != nil {
		return nil, err
	}
	if err := s.joinOperator(c, group, argString(env, "auth_token")); err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"group":  group,
		"stream": s.operators.Stream(group),
	}, nil
}

func (s *Server) cmdTaskEnqueue(c *Client, env *protocol.Envelope) (map[string]interface{}, error) {
	group, err := requireString(env, "group")
	if err != nil {
		return nil, err
	}
	payload := argMap(env, "payload")
	if payload == nil {
		return nil, invalidArg("'payload' must be an object")
	}
	groups, ok := s.store.Groups()
	if !ok {
		return nil, fmt.Errorf("task queueing requires the redis backend")
	}
	stream := s.operators.Stream(group)
	if err := groups.EnsureGroup(c.ctx, stream, group); err != nil {
		return nil, err
	}
	task := s.ids.Command("task.run", payload)
	task.Sender = c.id
	wire, err := task.MarshalJSONWire()
	if err != nil {
		return nil, err
	}
	id, err := groups.EnqueueTask(c.ctx, stream, map[string]interface{}{"envelope": string(wire)})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"stream": stream, "stream_id": id, "task_id": task.ID}, nil
}

func (s *Server) cmdTaskDispatch(c *Client, env *protocol.Envelope) (map[string]interface{}, error) {
	group, err := requireString(env, "group")
	if err != nil {
		return nil, err
	}
	payload := argMap(env, "payload")
	if payload == nil {
		return nil, invalidArg("'payload' must be an object")
	}
	strategy := argString(env, "strategy")
	if strategy == "" {
		strategy = routing.StrategyRoundRobin
	}

	task := s.ids.Command("task.run", payload)
	task.Sender = c.id

	if s.metrics != nil {
		s.metrics.TasksDispatched.WithLabelValues(group, strategy).Inc()
	}

	if strategy == routing.StrategyCompeting {
		winner, err := s.dispatcher.DispatchCompeting(c.ctx, task, group)
		if err != nil {
			if s.metrics != nil && errors.Is(err, routing.ErrNoWinner) {
				s.metrics.TaskWindowWins.WithLabelValues("no_winner").Inc()
			}
			return nil, err
		}
		if s.metrics != nil {
			s.metrics.TaskWindowWins.WithLabelValues("winner").Inc()
		}
		return map[string]interface{}{
			"task_id": task.ID,
			"winner":  winner.Sender,
			"result":  winner.Payload,
		}, nil
	}

	sent, err := s.dispatcher.Dispatch(task, group, strategy)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"task_id": task.ID, "sent": sent, "strategy": strategy}, nil
}

func (s *Server) cmdTaskAck(c *Client, env *protocol.Envelope) (map[string]interface{}, error) {
	streamID, err := requireString(env, "stream_id")
	if err != nil {
		return nil, err
	}
	group := s.operators.GroupOf(c.id)
	if group == "" {
		return nil, fmt.Errorf("client is not a registered operator")
	}
	groups, ok := s.store.Groups()
	if !ok {
		return nil, fmt.Errorf("task acknowledgement requires the redis backend")
	}
	acked, err := groups.Ack(c.ctx, s.operators.Stream(group), group, streamID)
	if err != nil {
		return nil, err
	}
	s.operators.RecordTask(c.id)
	return map[string]interface{}{"acked": acked, "stream_id": streamID}, nil
}

// ============================================================================
// CASIL ADMIN
// ============================================================================

func (s *Server) cmdCasilGet(c *Client, env *protocol.Envelope) (map[string]interface{}, error) {
	cfg := s.gate.Snapshot().Config
	return map[string]interface{}{
		"enabled":                  cfg.Enabled,
		"mode":                     cfg.Mode,
		"default_decision":         cfg.DefaultDecision,
		"scope_include":            cfg.Scope.Include,
		"scope_exclude":            cfg.Scope.Exclude,
		"max_payload_bytes":        cfg.Policies.MaxPayloadBytes,
		"max_inspect_bytes":        cfg.Limits.MaxInspectBytes,
		"max_patterns":             cfg.Limits.MaxPatterns,
		"block_on_probable_secret": cfg.Policies.BlockOnProbableSecret,
		"redaction_paths":          cfg.Policies.Redaction.Paths,
		"redaction_patterns":       cfg.Policies.Redaction.Patterns,
		"transport_redaction":      cfg.Policies.Redaction.TransportRedaction,
	}, nil
}

func (s *Server) cmdCasilReload(c *Client, env *protocol.Envelope) (map[string]interface{}, error) {
	if err := requireAdmin(c); err != nil {
		return nil, err
	}

	candidate := s.gate.Snapshot().Config

	if file := argString(env, "policy_file"); file != "" {
		merged, err := candidate.ApplyPolicyFile(file)
		if err != nil {
			return nil, invalidArg("policy file rejected: %v", err)
		}
		candidate = merged
	}
	if mode := argString(env, "mode"); mode != "" {
		candidate.Mode = strings.ToLower(mode)
	}
	if dd := argString(env, "default_decision"); dd != "" {
		candidate.DefaultDecision = strings.ToLower(dd)
	}
	if raw, ok := env.Args["enabled"]; ok && raw != nil {
		b, err := argBool(env, "enabled", candidate.Enabled)
		if err != nil {
			return nil, err
		}
		candidate.Enabled = b
	}
	if include, ok := stringList(env.Args, "include"); ok {
		candidate.Scope.Include = include
	}
	if exclude, ok := stringList(env.Args, "exclude"); ok {
		candidate.Scope.Exclude = exclude
	}
	if patterns, ok := stringList(env.Args, "patterns"); ok {
		candidate.Policies.Redaction.Patterns = patterns
	}
	if paths, ok := stringList(env.Args, "paths"); ok {
		candidate.Policies.Redaction.Paths = paths
	}
	if raw, ok := env.Args["block_on_probable_secret"]; ok && raw != nil {
		b, err := argBool(env, "block_on_probable_secret", candidate.Policies.BlockOnProbableSecret)
		if err != nil {
			return nil, err
		}
		candidate.Policies.BlockOnProbableSecret = b
	}
	if mpb, err := argInt(env, "max_payload_bytes", candidate.Policies.MaxPayloadBytes); err != nil {
		return nil, err
	} else {
		candidate.Policies.MaxPayloadBytes = mpb
	}

	if err := s.gate.Reload(candidate); err != nil {
		return nil, invalidArg("reload rejected: %v", err)
	}
	return map[string]interface{}{"mode": s.gate.Mode(), "reloaded": true}, nil
}

func stringList(args map[string]interface{}, key string) ([]string, bool) {
	if args == nil {
		return nil, false
	}
	raw, ok := args[key]
	if !ok || raw == nil {
		return nil, false
	}
	items, ok := raw.([]interface{})
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out, true
}

// ============================================================================
// WEBHOOK COMMANDS
// ============================================================================

func (s *Server) cmdWebhookRegister(c *Client, env *protocol.Envelope) (map[string]interface{}, error) {
	if !s.cfg.Webhooks.Enabled {
		return nil, fmt.Errorf("%w: webhooks", errFeatureDisabled)
	}
	url, err := requireString(env, "url")
	if err != nil {
		return nil, err
	}
	room, err := requireString(env, "room")
	if err != nil {
		return nil, err
	}
	channel, err := requireString(env, "channel")
	if err != nil {
		return nil, err
	}
	rule, err := s.hooks.Register(c.id, url, room, channel, argString(env, "secret"))
	if err != nil {
		return nil, invalidArg("%v", err)
	}
	return map[string]interface{}{"rule_id": rule.ID, "room": rule.Room, "channel": rule.Channel}, nil
}

func (s *Server) cmdWebhookUnregister(c *Client, env *protocol.Envelope) (map[string]interface{}, error) {
	id, err := requireString(env, "rule_id")
	if err != nil {
		return nil, err
	}
	if err := s.hooks.Unregister(c.id, id); err != nil {
		return nil, err
	}
	return map[string]interface{}{"rule_id": id, "removed": true}, nil
}

func (s *Server) cmdWebhookList(c *Client, env *protocol.Envelope) (map[string]interface{}, error) {
	rules := s.hooks.ListOwner(c.id)
	views := make([]map[string]interface{}, 0, len(rules))
	for _, r := range rules {
		views = append(views, map[string]interface{}{
			"rule_id":    r.ID,
			"url":        r.URL,
			"room":       r.Room,
			"channel":    r.Channel,
			"active":     r.Active,
			"delivered":  r.Delivered,
			"fail_count": r.FailCount,
		})
	}
	return map[string]interface{}{"rules": views, "count": len(views)}, nil
}

// ============================================================================
// CRON COMMANDS
// ============================================================================

func (s *Server) cmdCronSchedule(c *Client, env *protocol.Envelope) (map[string]interface{}, error) {
	if s.cron == nil {
		return nil, croneng.ErrDisabled
	}
	payload := argMap(env, "payload")
	if payload == nil {
		return nil, invalidArg("'payload' must be an object")
	}
	delay, err := argFloat(env, "delay_seconds", 0)
	if err != nil {
		return nil, err
	}
	interval, err := argFloat(env, "interval_seconds", 0)
	if err != nil {
		return nil, err
	}
	repeat, err := argInt(env, "repeat_count", 1)
	if err != nil {
		return nil, err
	}
	job, err := s.cron.Schedule(c.id, croneng.ScheduleRequest{
		Room:            argString(env, "room"),
		Channel:         argString(env, "channel"),
		Payload:         payload,
		DelaySeconds:    delay,
		IntervalSeconds: interval,
		CronExpr:        argString(env, "cron_expr"),
		RepeatCount:     repeat,
	})
	if err != nil {
		if errors.Is(err, croneng.ErrDisabled) || errors.Is(err, croneng.ErrJobLimit) {
			return nil, err
		}
		return nil, invalidArg("%v", err)
	}
	return map[string]interface{}{
		"job_id":           job.ID,
		"room":             job.Room,
		"channel":          job.Channel,
		"delay_seconds":    job.Delay,
		"interval_seconds": job.Interval,
		"cron_expr":        job.CronExpr,
		"repeat_count":     job.Repeat,
		"created_at":       job.CreatedAt.Format(time.RFC3339),
	}, nil
}

func (s *Server) cmdCronCancel(c *Client, env *protocol.Envelope) (map[string]interface{}, error) {
	if s.cron == nil {
		return nil, croneng.ErrDisabled
	}
	jobID, err := requireString(env, "job_id")
	if err != nil {
		return nil, err
	}
	cancelled, err := s.cron.Cancel(c.id, jobID, c.IsAdmin())
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"job_id": jobID, "cancelled": cancelled}, nil
}

func (s *Server) cmdCronList(c *Client, env *protocol.Envelope) (map[string]interface{}, error) {
	if s.cron == nil {
		return nil, croneng.ErrDisabled
	}
	jobs := s.cron.List(c.id, c.IsAdmin())
	return map[string]interface{}{"jobs": jobs, "count": len(jobs)}, nil
}

// ============================================================================
// KV STORE COMMANDS
// ============================================================================

func (c *Client) kvNamespace(env *protocol.Envelope) string {
	if ns := argString(env, "namespace"); ns != "" {
		return ns
	}
	return kvstore.NamespaceFor(c.TenantID())
}

func (s *Server) cmdStoreSet(c *Client, env *protocol.Envelope) (map[string]interface{}, error) {
	key, err := requireString(env, "key")
	if err != nil {
		return nil, err
	}
	value, ok := env.Args["value"]
	if !ok || value == nil {
		return nil, invalidArg("'value' is required")
	}
	ns := c.kvNamespace(env)
	updated, err := s.kv.Set(c.ctx, ns, key, value)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"namespace": ns, "key": key, "updated": updated}, nil
}

func (s *Server) cmdStoreGet(c *Client, env *protocol.Envelope) (map[string]interface{}, error) {
	key, err := requireString(env, "key")
	if err != nil {
		return nil, err
	}
	ns := c.kvNamespace(env)
	value, found, err := s.kv.Get(c.ctx, ns, key)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"namespace": ns, "key": key, "found": found, "value": value}, nil
}

func (s *Server) cmdStoreDelete(c *Client, env *protocol.Envelope) (map[string]interface{}, error) {
	key, err := requireString(env, "key")
	if err != nil {
		return nil, err
	}
	ns := c.kvNamespace(env)
	deleted, err := s.kv.Delete(c.ctx, ns, key)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"namespace": ns, "key": key, "deleted": deleted}, nil
}

func (s *Server) cmdStoreList(c *Client, env *protocol.Envelope) (map[string]interface{}, error) {
	ns := c.kvNamespace(env)
	keys, err := s.kv.List(c.ctx, ns, argString(env, "prefix"))
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"namespace": ns, "count": len(keys), "keys": keys}, nil
}

// ============================================================================
// HISTORY ADMIN
// ============================================================================

func (s *Server) cmdHistoryGet(c *Client, env *protocol.Envelope) (map[string]interface{}, error) {
	if err := requireAdmin(c); err != nil {
		return nil, err
	}
	return s.cmdHistory(c, env)
}

func (s *Server) cmdHistoryReplay(c *Client, env *protocol.Envelope) (map[string]interface{}, error) {
	if err := requireAdmin(c); err != nil {
		return nil, err
	}
	room, err := requireString(env, "room")
	if err != nil {
		return nil, err
	}
	channel, err := requireString(env, "channel")
	if err != nil {
		return nil, err
	}
	limit, err := argInt(env, "limit", 50)
	if err != nil {
		return nil, err
	}
	entries, err := s.store.History(c.ctx, storage.HistoryQuery{Room: room, Channel: channel, Limit: limit})
	if err != nil {
		return nil, err
	}

	// Oldest first so the replay preserves original order.
	replayed := 0
	for i := len(entries) - 1; i >= 0; i-- {
		dup := entries[i].Envelope.Clone()
		dup.SetMeta("replayed", true)
		if _, err := s.router.Route(dup, dup.Sender); err == nil {
			replayed++
		}
	}
	return map[string]interface{}{"room": room, "channel": channel, "replayed": replayed}, nil
}

// ============================================================================
// TIER-OMEGA COMMANDS
// ============================================================================

var errFeatureDisabled = errors.New("feature disabled")

func (s *Server) omegaLane() (*omega.Lane, error) {
	if s.lane == nil || !s.lane.Enabled() {
		return nil, omega.ErrLaneDisabled
	}
	return s.lane, nil
}

func (s *Server) cmdOmegaStatus(c *Client, env *protocol.Envelope) (map[string]interface{}, error) {
	lane, err := s.omegaLane()
	if err != nil {
		return nil, err
	}
	return lane.Status(), nil
}

func (s *Server) cmdOmegaRegisterSubstrate(c *Client, env *protocol.Envelope) (map[string]interface{}, error) {
	lane, err := s.omegaLane()
	if err != nil {
		return nil, err
	}
	if err := requireAdmin(c); err != nil {
		return nil, err
	}
	name, err := requireString(env, "name")
	if err != nil {
		return nil, err
	}
	kind, err := requireString(env, "kind")
	if err != nil {
		return nil, err
	}
	sub, err := lane.RegisterSubstrate(c.id, name, kind, argMap(env, "metadata"))
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"substrate_id": sub.ID,
		"name":         sub.Name,
		"kind":         sub.Kind,
		"created_at":   sub.CreatedAt.Format(time.RFC3339),
	}, nil
}

func (s *Server) cmdOmegaUnregisterSubstrate(c *Client, env *protocol.Envelope) (map[string]interface{}, error) {
	lane, err := s.omegaLane()
	if err != nil {
		return nil, err
	}
	if err := requireAdmin(c); err != nil {
		return nil, err
	}
	id, err := requireString(env, "substrate_id")
	if err != nil {
		return nil, err
	}
	sub, removedEvents, err := lane.UnregisterSubstrate(id)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return map[string]interface{}{"removed": false, "substrate_id": id}, nil
	}
	return map[string]interface{}{
		"removed":        true,
		"substrate_id":   id,
		"name":           sub.Name,
		"kind":           sub.Kind,
		"removed_events": removedEvents,
	}, nil
}

func (s *Server) cmdOmegaListSubstrates(c *Client, env *protocol.Envelope) (map[string]interface{}, error) {
	lane, err := s.omegaLane()
	if err != nil {
		return nil, err
	}
	subs, err := lane.Substrates()
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"substrates": subs, "count": len(subs)}, nil
}

func (s *Server) cmdOmegaEmitEvent(c *Client, env *protocol.Envelope) (map[string]interface{}, error) {
	lane, err := s.omegaLane()
	if err != nil {
		return nil, err
	}
	if err := requireAdmin(c); err != nil {
		return nil, err
	}
	substrateID, err := requireString(env, "substrate_id")
	if err != nil {
		return nil, err
	}
	signal, err := requireString(env, "signal")
	if err != nil {
		return nil, err
	}
	evt, err := lane.EmitEvent(c.id, substrateID, signal, argMap(env, "payload"))
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"event": evt}, nil
}

func (s *Server) cmdOmegaListEvents(c *Client, env *protocol.Envelope) (map[string]interface{}, error) {
	lane, err := s.omegaLane()
	if err != nil {
		return nil, err
	}
	limit, err := argInt(env, "limit", 50)
	if err != nil {
		return nil, err
	}
	events, err := lane.ListEvents(omega.EventFilter{
		SubstrateID: argString(env, "substrate_id"),
		Signal:      argString(env, "signal"),
	}, limit)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"events": events, "count": len(events), "limit": limit}, nil
}

func (s *Server) cmdOmegaClearEvents(c *Client, env *protocol.Envelope) (map[string]interface{}, error) {
	lane, err := s.omegaLane()
	if err != nil {
		return nil, err
	}
	if err := requireAdmin(c); err != nil {
		return nil, err
	}
	removed, remaining, err := lane.ClearEvents(omega.EventFilter{
		SubstrateID: argString(env, "substrate_id"),
		Signal:      argString(env, "signal"),
	})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"removed_count": removed, "remaining_count": remaining}, nil
}

func (s *Server) cmdOmegaVMProbe(c *Client, env *protocol.Envelope) (map[string]interface{}, error) {
	lane, err := s.omegaLane()
	if err != nil {
		return nil, err
	}
	rt := lane.Runtime()
	if rt == nil {
		return map[string]interface{}{"available": false, "detail": "runtime unavailable"}, nil
	}
	return rt.Snapshot(), nil
}

func (s *Server) cmdOmegaVMList(c *Client, env *protocol.Envelope) (map[string]interface{}, error) {
	lane, err := s.omegaLane()
	if err != nil {
		return nil, err
	}
	rt := lane.Runtime()
	if rt == nil || !rt.Available() {
		return map[string]interface{}{"available": false, "detail": "runtime unavailable", "vms": []interface{}{}}, nil
	}
	vms, err := rt.List(c.ctx)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"vms": vms, "count": len(vms)}, nil
}

func (s *Server) cmdOmegaVMLaunch(c *Client, env *protocol.Envelope) (map[string]interface{}, error) {
	lane, err := s.omegaLane()
	if err != nil {
		return nil, err
	}
	if err := requireAdmin(c); err != nil {
		return nil, err
	}
	substrateID, err := requireString(env, "substrate_id")
	if err != nil {
		return nil, err
	}
	if _, ok := lane.Substrate(substrateID); !ok {
		return nil, invalidArg("unknown substrate_id: %s", substrateID)
	}
	rt := lane.Runtime()
	if rt == nil || !rt.Available() {
		return map[string]interface{}{"available": false, "detail": "runtime unavailable"}, nil
	}
	return rt.Launch(c.ctx, substrateID)
}

func (s *Server) cmdOmegaVMStop(c *Client, env *protocol.Envelope) (map[string]interface{}, error) {
	lane, err := s.omegaLane()
	if err != nil {
		return nil, err
	}
	if err := requireAdmin(c); err != nil {
		return nil, err
	}
	vmID, err := requireString(env, "vm_id")
	if err != nil {
		return nil, err
	}
	rt := lane.Runtime()
	if rt == nil || !rt.Available() {
		return map[string]interface{}{"available": false, "detail": "runtime unavailable"}, nil
	}
	return rt.Stop(c.ctx, vmID)
}
