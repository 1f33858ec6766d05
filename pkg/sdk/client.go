// Package sdk is the Go client for an ArqonBus broker.
//
// It speaks the JSON wire over a single WebSocket connection and covers the
// three integration patterns: plain pub/sub messaging, request/response
// commands, and operator task handling with automatic acknowledgement.
//
// Quick start:
//
//	client, err := sdk.Dial(ctx, sdk.Config{
//	    URL:   "ws://localhost:8765/ws",
//	    Token: os.Getenv("ARQONBUS_TOKEN"),
//	    OnEnvelope: func(e *sdk.Envelope) {
//	        log.Printf("<- %s %v", e.Type, e.Payload)
//	    },
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	client.JoinChannel(ctx, "ops", "alerts")
//	client.Publish(ctx, "ops", "alerts", map[string]interface{}{"text": "hi"})
package sdk

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// TaskHandler processes one dispatched task and returns the result payload.
// A non-nil error reports task failure to the broker.
type TaskHandler func(task *Envelope) (map[string]interface{}, error)

// Config holds the connection profile.
type Config struct {
	// URL is the broker WebSocket endpoint, e.g. ws://localhost:8765/ws.
	URL string

	// Token is the bearer JWT presented during the handshake. Optional when
	// the broker runs without auth.
	Token string

	// Timeout bounds command round trips. Default 10s.
	Timeout time.Duration

	// OnEnvelope receives every uncorrelated inbound envelope: channel
	// messages, telemetry, direct sends.
	OnEnvelope func(*Envelope)

	// OnDisconnect fires once when the connection drops.
	OnDisconnect func(error)
}

// Client is one connection to the broker. Safe for concurrent use.
type Client struct {
	cfg  Config
	conn *websocket.Conn

	clientID string

	writeMu sync.Mutex

	mu          sync.Mutex
	pending     map[string]chan *Envelope
	taskHandler TaskHandler

	done    chan struct{}
	closeMu sync.Once
	readErr error
}

// Dial connects, waits for the broker's welcome and starts the read loop.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("sdk: broker URL is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}

	header := http.Header{}
	if cfg.Token != "" {
		header.Set("Authorization", "Bearer "+cfg.Token)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, cfg.URL, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("sdk: broker rejected credentials: %w", err)
		}
		return nil, fmt.Errorf("sdk: dial %s: %w", cfg.URL, err)
	}

	c := &Client{
		cfg:     cfg,
		conn:    conn,
		pending: make(map[string]chan *Envelope),
		done:    make(chan struct{}),
	}

	welcome, err := c.readEnvelope(cfg.Timeout)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("sdk: no welcome from broker: %w", err)
	}
	if id, ok := welcome.Payload["client_id"].(string); ok {
		c.clientID = id
	}

	go c.readLoop()
	return c, nil
}

// ClientID returns the broker-assigned id from the welcome frame.
func (c *Client) ClientID() string { return c.clientID }

// Close shuts the connection down. Idempotent.
func (c *Client) Close() error {
	c.closeMu.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		c.conn.Close()
	})
	return nil
}

// Publish sends a message into room/channel and waits for the broker's
// acknowledgement, returning the delivery count.
func (c *Client) Publish(ctx context.Context, room, channel string, payload map[string]interface{}) (int, error) {
	env := NewMessage(room, channel, payload)
	reply, err := c.roundTrip(ctx, env)
	if err != nil {
		return 0, err
	}
	if n, ok := reply.Payload["delivered_to"].(float64); ok {
		return int(n), nil
	}
	return 0, nil
}

// SendDirect sends a message to a single client by id.
func (c *Client) SendDirect(ctx context.Context, toClient string, payload map[string]interface{}) error {
	env := newEnvelope(TypeMessage)
	env.ToClient = toClient
	env.Payload = payload
	_, err := c.roundTrip(ctx, env)
	return err
}

// Command runs one broker command and returns the response's data object.
// Broker-side failures come back as *BusError.
func (c *Client) Command(ctx context.Context, name string, args map[string]interface{}) (map[string]interface{}, error) {
	reply, err := c.roundTrip(ctx, NewCommand(name, args))
	if err != nil {
		return nil, err
	}
	if data, ok := reply.Payload["data"].(map[string]interface{}); ok {
		return data, nil
	}
	return reply.Payload, nil
}

// JoinChannel subscribes this connection to room/channel, creating the
// channel on first use.
func (c *Client) JoinChannel(ctx context.Context, room, channel string) error {
	_, err := c.Command(ctx, "join_channel", map[string]interface{}{
		"room": room, "channel": channel,
	})
	return err
}

// LeaveChannel drops the subscription.
func (c *Client) LeaveChannel(ctx context.Context, room, channel string) error {
	_, err := c.Command(ctx, "leave_channel", map[string]interface{}{
		"room": room, "channel": channel,
	})
	return err
}

// History fetches stored messages for room/channel, newest first.
func (c *Client) History(ctx context.Context, room, channel string, limit int) ([]interface{}, error) {
	data, err := c.Command(ctx, "history", map[string]interface{}{
		"room": room, "channel": channel, "limit": limit,
	})
	if err != nil {
		return nil, err
	}
	messages, _ := data["messages"].([]interface{})
	return messages, nil
}

// JoinGroup registers this connection as an operator in a capability group.
// Every dispatched task runs through handler; results and stream
// acknowledgements go back automatically.
func (c *Client) JoinGroup(ctx context.Context, group, operatorToken string, handler TaskHandler) error {
	if handler == nil {
		return fmt.Errorf("sdk: task handler is required")
	}
	c.mu.Lock()
	c.taskHandler = handler
	c.mu.Unlock()

	_, err := c.Command(ctx, "operator.join", map[string]interface{}{
		"group": group, "auth_token": operatorToken,
	})
	if err != nil {
		c.mu.Lock()
		c.taskHandler = nil
		c.mu.Unlock()
	}
	return err
}

// roundTrip writes env and waits for the reply keyed to its id.
func (c *Client) roundTrip(ctx context.Context, env *Envelope) (*Envelope, error) {
	ch := make(chan *Envelope, 1)
	c.mu.Lock()
	c.pending[env.ID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, env.ID)
		c.mu.Unlock()
	}()

	if err := c.write(env); err != nil {
		return nil, err
	}

	timer := time.NewTimer(c.cfg.Timeout)
	defer timer.Stop()

	select {
	case reply := <-ch:
		if reply.Type == TypeError {
			return nil, &BusError{Code: reply.ErrorCode, Message: reply.Error}
		}
		if reply.Type == TypeResponse && reply.Status != StatusSuccess {
			return nil, &BusError{Code: reply.ErrorCode, Message: reply.Error}
		}
		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("sdk: no reply to %s within %s", env.ID, c.cfg.Timeout)
	case <-c.done:
		return nil, fmt.Errorf("sdk: connection closed")
	}
}

func (c *Client) write(env *Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("sdk: marshal envelope: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(c.cfg.Timeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("sdk: write: %w", err)
	}
	return nil
}

func (c *Client) readEnvelope(timeout time.Duration) (*Envelope, error) {
	c.conn.SetReadDeadline(time.Now().Add(timeout))
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("sdk: parse envelope: %w", err)
	}
	return &env, nil
}

func (c *Client) readLoop() {
	defer func() {
		if c.cfg.OnDisconnect != nil {
			select {
			case <-c.done:
				// Deliberate close; no callback.
			default:
				c.cfg.OnDisconnect(c.readErr)
			}
		}
		c.Close()
	}()

	for {
		c.conn.SetReadDeadline(time.Time{})
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.readErr = err
			return
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		c.dispatch(&env)
	}
}

// dispatch routes one inbound envelope: correlated replies to their waiter,
// tasks to the handler, everything else to OnEnvelope.
func (c *Client) dispatch(env *Envelope) {
	if env.RequestID != "" {
		c.mu.Lock()
		ch, ok := c.pending[env.RequestID]
		c.mu.Unlock()
		if ok {
			ch <- env
			return
		}
	}

	if env.Type == TypeCommand {
		c.mu.Lock()
		handler := c.taskHandler
		c.mu.Unlock()
		if handler != nil {
			go c.runTask(handler, env)
			return
		}
	}

	if c.cfg.OnEnvelope != nil {
		c.cfg.OnEnvelope(env)
	}
}

// runTask executes one dispatched task, reports the result and acknowledges
// durable stream entries.
func (c *Client) runTask(handler TaskHandler, task *Envelope) {
	payload, err := handler(task)

	var result *Envelope
	if err != nil {
		result = NewResponse(task.ID, StatusError, map[string]interface{}{
			"error": err.Error(),
		})
		result.ErrorCode = "EXECUTION_ERROR"
		result.Error = err.Error()
	} else {
		result = NewResponse(task.ID, StatusSuccess, payload)
	}
	if werr := c.write(result); werr != nil {
		return
	}

	if streamID := task.MetaString("stream_id"); streamID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeout)
		defer cancel()
		c.Command(ctx, "task.ack", map[string]interface{}{"stream_id": streamID})
	}
}
