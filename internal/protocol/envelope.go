// Package protocol defines the ArqonBus envelope: the canonical message
// record exchanged on the wire, its identifiers, validation rules, and the
// JSON and binary codecs.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// ProtocolVersion is the only wire version this broker speaks.
const ProtocolVersion = "1.0"

// Envelope types recognized on the wire.
const (
	TypeMessage      = "message"
	TypeCommand      = "command"
	TypeResponse     = "response"
	TypeError        = "error"
	TypeTelemetry    = "telemetry"
	TypeOperatorJoin = "operator.join"

	// TypeMessageResponse acknowledges an accepted message. Outbound only;
	// the validator does not accept it on the inbound path.
	TypeMessageResponse = "message_response"
)

// Response status values.
const (
	StatusSuccess = "success"
	StatusError   = "error"
	StatusPending = "pending"
)

// Envelope is the universal ArqonBus record. Every frame on the wire, every
// stored history entry, and every dispatched task is one of these.
//
// Routing hints (Room, Channel, Sender, ToClient, FromClient) are optional;
// the router interprets their presence. Payload, Args and Metadata are
// JSON-shaped maps: string keys, recursively JSON-valued.
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

	// Command shape.
	Command string                 `json:"command,omitempty"`
	Args    map[string]interface{} `json:"args,omitempty"`

	// Response shape.
	RequestID string `json:"request_id,omitempty"`
	Status    string `json:"status,omitempty"`
	Error     string `json:"error,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`

	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Envelope returns an envelope of the given type with a fresh id from this
// generator, the current UTC timestamp and the supported protocol version.
func (g *IDGenerator) Envelope(envType string) *Envelope {
	return &Envelope{
		ID:        g.MessageID(),
		Timestamp: time.Now().UTC(),
		Type:      envType,
		Version:   ProtocolVersion,
	}
}

// Message builds a message envelope bound for room/channel.
func (g *IDGenerator) Message(room, channel string, payload map[string]interface{}) *Envelope {
	e := g.Envelope(TypeMessage)
	e.Room = room
	e.Channel = channel
	e.Payload = payload
	return e
}

// Command builds a command envelope.
func (g *IDGenerator) Command(name string, args map[string]interface{}) *Envelope {
	e := g.Envelope(TypeCommand)
	e.Command = name
	e.Args = args
	return e
}

// Response builds a terminal response keyed to the request it answers.
func (g *IDGenerator) Response(requestID, status string, payload map[string]interface{}) *Envelope {
	e := g.Envelope(TypeResponse)
	e.RequestID = requestID
	e.Status = status
	e.Payload = payload
	return e
}

// Error builds an error reply keyed to the envelope that caused it.
func (g *IDGenerator) Error(requestID, errorCode, message string) *Envelope {
	e := g.Envelope(TypeError)
	e.RequestID = requestID
	e.ErrorCode = errorCode
	e.Error = message
	return e
}

// New builds an envelope of the given type from the package's convenience
// generator. Long-lived components hold an injected *IDGenerator instead.
func New(envType string) *Envelope { return defaultGenerator.Envelope(envType) }

// NewMessage builds a message envelope bound for room/channel.
func NewMessage(room, channel string, payload map[string]interface{}) *Envelope {
	return defaultGenerator.Message(room, channel, payload)
}

// NewCommand builds a command envelope.
func NewCommand(name string, args map[string]interface{}) *Envelope {
	return defaultGenerator.Command(name, args)
}

// NewResponse builds a terminal response keyed to the request it answers.
func NewResponse(requestID, status string, payload map[string]interface{}) *Envelope {
	return defaultGenerator.Response(requestID, status, payload)
}

// NewError builds an error reply keyed to the envelope that caused it.
func NewError(requestID, errorCode, message string) *Envelope {
	return defaultGenerator.Error(requestID, errorCode, message)
}

// Clone returns a deep copy. The inspection gate redacts clones so the
// original payload is never mutated in place.
func (e *Envelope) Clone() *Envelope {
	dup := *e
	dup.Payload = cloneMap(e.Payload)
	dup.Args = cloneMap(e.Args)
	dup.Metadata = cloneMap(e.Metadata)
	return &dup
}

// SetMeta annotates the envelope's metadata, allocating the map lazily.
func (e *Envelope) SetMeta(key string, value interface{}) {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
}

// MetaString reads a string metadata field, "" when absent or non-string.
func (e *Envelope) MetaString(key string) string {
	if e.Metadata == nil {
		return ""
	}
	s, _ := e.Metadata[key].(string)
	return s
}

// MarshalJSONWire serializes the envelope for a text frame.
func (e *Envelope) MarshalJSONWire() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("envelope %s: marshal: %w", e.ID, err)
	}
	return data, nil
}

// UnmarshalJSONWire parses a text frame into an envelope. Structural JSON
// errors are reported here; semantic violations are the validator's job.
func UnmarshalJSONWire(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("envelope: parse json: %w", err)
	}
	return &e, nil
}

func cloneMap(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch tv := v.(type) {
	case map[string]interface{}:
		return cloneMap(tv)
	case []interface{}:
		dup := make([]interface{}, len(tv))
		for i, item := range tv {
			dup[i] = cloneValue(item)
		}
		return dup
	default:
		return v
	}
}
