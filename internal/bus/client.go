package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/arqonbus/arqonbus/internal/protocol"
	"github.com/arqonbus/arqonbus/internal/security"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	sendBuffer = 256
)

// Client is one accepted WebSocket connection. All writes go through the
// send channel into writePump; readPump owns all reads. A full send buffer
// drops the peer rather than blocking the broker.
type Client struct {
	server *Server
	conn   *websocket.Conn
	id     string
	claims *security.Claims // nil when auth is disabled

	send chan []byte
	done chan struct{}
	once sync.Once

	// ctx is the connection's task root; cancel tears down the operator
	// delivery loop with it.
	ctx    context.Context
	cancel context.CancelFunc
}

func newClient(s *Server, conn *websocket.Conn, claims *security.Claims) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		server: s,
		conn:   conn,
		claims: claims,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
}

// ID returns the broker-assigned client id.
func (c *Client) ID() string { return c.id }

// IsAdmin reports whether the connection authenticated with the admin role.
func (c *Client) IsAdmin() bool { return c.claims != nil && c.claims.IsAdmin() }

// TenantID returns the authenticated tenant claim, "" without auth.
func (c *Client) TenantID() string {
	if c.claims == nil {
		return ""
	}
	return c.claims.TenantID
}

// SendEnvelope queues an envelope for the peer. Never blocks: a peer too
// slow to drain its buffer gets an error and is marked for cleanup.
func (c *Client) SendEnvelope(e *protocol.Envelope) error {
	data, err := e.MarshalWire(c.server.wireFormat)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return fmt.Errorf("client %s is closed", c.id)
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		return fmt.Errorf("send buffer full for client %s", c.id)
	}
}

// close runs the teardown exactly once.
func (c *Client) close() {
	c.once.Do(func() {
		close(c.done)
		c.cancel()
		c.conn.Close()
		c.server.disconnect(c)
	})
}

// writePump owns every write on the connection: queued envelopes, pings and
// the close frame.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.server.cfg.Server.PingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	frameType := websocket.TextMessage
	if c.server.wireFormat == protocol.WireBinary {
		frameType = websocket.BinaryMessage
	}

	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(frameType, data); err != nil {
				c.server.log.Warn("write failed", "client_id", c.id, "error", err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// readPump owns every read and feeds the inbound pipeline.
func (c *Client) readPump() {
	defer c.close()

	c.conn.SetReadLimit(c.server.cfg.Server.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	expected := websocket.TextMessage
	if c.server.wireFormat == protocol.WireBinary {
		expected = websocket.BinaryMessage
	}

	for {
		frameType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.server.log.Warn("read failed", "client_id", c.id, "error", err)
			}
			return
		}

		if frameType != expected {
			c.server.sendError(c, "", ErrCodeUnsupportedWire,
				fmt.Sprintf("this broker speaks the %s wire", c.server.wireFormat))
			continue
		}

		c.server.registry.Touch(c.id)
		c.server.handleFrame(c, data)
	}
}
