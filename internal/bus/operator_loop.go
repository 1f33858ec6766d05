package bus

import (
	"context"
	"errors"
	"time"

	"github.com/arqonbus/arqonbus/internal/protocol"
	"github.com/arqonbus/arqonbus/internal/routing"
	"github.com/arqonbus/arqonbus/internal/storage"
)

const taskReadBlock = 5 * time.Second

// operatorLoop pulls durable tasks off the group's stream and pushes them to
// the operator, one at a time. A pushed task carries its stream id in
// metadata; the operator acknowledges with task.ack once the work is done,
// so an operator that dies mid-task leaves the entry pending for Claim.
//
// The loop runs until the connection context is cancelled.
func (s *Server) operatorLoop(c *Client, groups storage.GroupBackend, group string) {
	stream := s.operators.Stream(group)
	defer func() {
		if s.metrics != nil {
			s.metrics.OperatorsActive.WithLabelValues(group).Dec()
		}
	}()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		msgs, err := groups.ReadGroup(c.ctx, stream, group, c.id, 1, taskReadBlock)
		if err != nil {
			if errors.Is(err, context.Canceled) || c.ctx.Err() != nil {
				return
			}
			s.log.Warn("task stream read failed",
				"group", group, "operator_id", c.id, "error", err)
			// Back off so a broken backend does not spin the loop.
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		for _, msg := range msgs {
			task := s.taskEnvelope(msg)
			task.SetMeta("stream_id", msg.StreamID)
			task.SetMeta("group", group)
			if err := c.SendEnvelope(task); err != nil {
				s.log.Warn("task push failed",
					"operator_id", c.id, "stream_id", msg.StreamID, "error", err)
				return
			}
		}
	}
}

// taskEnvelope rebuilds the command envelope stored in a stream entry. An
// entry whose payload does not parse still reaches the operator, wrapped so
// nothing queued is silently dropped.
func (s *Server) taskEnvelope(msg storage.GroupMessage) *protocol.Envelope {
	if raw, ok := msg.Values["envelope"].(string); ok && raw != "" {
		if env, err := protocol.UnmarshalJSONWire([]byte(raw)); err == nil {
			return env
		}
	}
	env := s.ids.Command("task.run", msg.Values)
	env.Sender = routing.SystemSender
	return env
}
