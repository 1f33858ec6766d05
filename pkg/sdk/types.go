package sdk

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync/atomic"
	"time"
)

// ProtocolVersion is the wire version this SDK speaks.
const ProtocolVersion = "1.0"

// Envelope types seen on the wire.
const (
	TypeMessage         = "message"
	TypeCommand         = "command"
	TypeResponse        = "response"
	TypeError           = "error"
	TypeTelemetry       = "telemetry"
	TypeOperatorJoin    = "operator.join"
	TypeMessageResponse = "message_response"
)

// Response status values.
const (
	StatusSuccess = "success"
	StatusError   = "error"
	StatusPending = "pending"
)

// Envelope is the ArqonBus wire record as the SDK sees it.
type Envelope struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`
	Version   string    `json:"version"`

	Room       string `json:"room,omitempty"`
	Channel    string `json:"channel,omitempty"`
	Sender     string `json:"sender,omitempty"`
	FromClient string `json:"from_client,omitempty"`
	ToClient   string `json:"to_client,omitempty"`

	Payload map[string]interface{} `json:"payload,omitempty"`

	Command string                 `json:"command,omitempty"`
	Args    map[string]interface{} `json:"args,omitempty"`

	RequestID string `json:"request_id,omitempty"`
	Status    string `json:"status,omitempty"`
	Error     string `json:"error,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`

	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// MetaString reads a string metadata field, "" when absent.
func (e *Envelope) MetaString(key string) string {
	if e.Metadata == nil {
		return ""
	}
	s, _ := e.Metadata[key].(string)
	return s
}

var idSeq uint64

// newID produces a broker-acceptable message id: arq_<unix_ms>_<seq>_<6hex>.
func newID() string {
	buf := make([]byte, 3)
	rand.Read(buf)
	return fmt.Sprintf("arq_%d_%d_%s",
		time.Now().UnixMilli(),
		atomic.AddUint64(&idSeq, 1),
		hex.EncodeToString(buf))
}

func newEnvelope(envType string) *Envelope {
	return &Envelope{
		ID:        newID(),
		Timestamp: time.Now().UTC(),
		Type:      envType,
		Version:   ProtocolVersion,
	}
}

// NewMessage builds a message envelope bound for room/channel.
func NewMessage(room, channel string, payload map[string]interface{}) *Envelope {
	e := newEnvelope(TypeMessage)
	e.Room = room
	e.Channel = channel
	e.Payload = payload
	return e
}

// NewCommand builds a command envelope.
func NewCommand(name string, args map[string]interface{}) *Envelope {
	e := newEnvelope(TypeCommand)
	e.Command = name
	e.Args = args
	return e
}

// NewResponse builds a terminal response keyed to the request it answers.
func NewResponse(requestID, status string, payload map[string]interface{}) *Envelope {
	e := newEnvelope(TypeResponse)
	e.RequestID = requestID
	e.Status = status
	e.Payload = payload
	return e
}

// BusError is a broker error envelope surfaced as a Go error.
type BusError struct {
	Code    string
	Message string
}

func (e *BusError) Error() string {
	return fmt.Sprintf("arqonbus: %s: %s", e.Code, e.Message)
}
