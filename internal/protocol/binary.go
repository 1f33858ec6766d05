package protocol

import (
	"errors"
	"fmt"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Wire formats accepted on the socket. JSON is development-only; staging and
// production enforce the binary framing.
const (
	WireJSON   = "json"
	WireBinary = "binary"
)

// ErrUnsupportedWireFormat is returned when a peer sends a frame kind the
// configuration forbids.
var ErrUnsupportedWireFormat = errors.New("unsupported_wire_format")

// Binary framing encodes the envelope's canonical field map as a protobuf
// google.protobuf.Struct. Any protobuf runtime can decode it without sharing
// generated code, which keeps cross-language workers on staging/prod cheap.

// MarshalBinaryWire serializes the envelope for a binary frame.
func (e *Envelope) MarshalBinaryWire() ([]byte, error) {
	st, err := structpb.NewStruct(e.wireMap())
	if err != nil {
		return nil, fmt.Errorf("envelope %s: binary encode: %w", e.ID, err)
	}
	data, err := proto.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("envelope %s: binary marshal: %w", e.ID, err)
	}
	return data, nil
}

// UnmarshalBinaryWire parses a binary frame into an envelope.
func UnmarshalBinaryWire(data []byte) (*Envelope, error) {
	var st structpb.Struct
	if err := proto.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("envelope: binary parse: %w", err)
	}
	return envelopeFromMap(st.AsMap())
}

// MarshalWire picks the codec for the given wire format.
func (e *Envelope) MarshalWire(format string) ([]byte, error) {
	switch format {
	case WireJSON:
		return e.MarshalJSONWire()
	case WireBinary:
		return e.MarshalBinaryWire()
	default:
		return nil, ErrUnsupportedWireFormat
	}
}

// UnmarshalWire picks the codec for the given wire format.
func UnmarshalWire(data []byte, format string) (*Envelope, error) {
	switch format {
	case WireJSON:
		return UnmarshalJSONWire(data)
	case WireBinary:
		return UnmarshalBinaryWire(data)
	default:
		return nil, ErrUnsupportedWireFormat
	}
}

// wireMap flattens the envelope into its canonical field map. Optional
// fields are omitted when empty, matching the JSON wire.
func (e *Envelope) wireMap() map[string]interface{} {
	m := map[string]interface{}{
		"id":        e.ID,
		"timestamp": e.Timestamp.UTC().Format(time.RFC3339Nano),
		"type":      e.Type,
		"version":   e.Version,
	}
	putNonEmpty(m, "room", e.Room)
	putNonEmpty(m, "channel", e.Channel)
	putNonEmpty(m, "sender", e.Sender)
	putNonEmpty(m, "from_client", e.FromClient)
	putNonEmpty(m, "to_client", e.ToClient)
	putNonEmpty(m, "command", e.Command)
	putNonEmpty(m, "request_id", e.RequestID)
	putNonEmpty(m, "status", e.Status)
	putNonEmpty(m, "error", e.Error)
	putNonEmpty(m, "error_code", e.ErrorCode)
	if e.Payload != nil {
		m["payload"] = e.Payload
	}
	if e.Args != nil {
		m["args"] = e.Args
	}
	if e.Metadata != nil {
		m["metadata"] = e.Metadata
	}
	return m
}

func envelopeFromMap(m map[string]interface{}) (*Envelope, error) {
	e := &Envelope{
		ID:         str(m, "id"),
		Type:       str(m, "type"),
		Version:    str(m, "version"),
		Room:       str(m, "room"),
		Channel:    str(m, "channel"),
		Sender:     str(m, "sender"),
		FromClient: str(m, "from_client"),
		ToClient:   str(m, "to_client"),
		Command:    str(m, "command"),
		RequestID:  str(m, "request_id"),
		Status:     str(m, "status"),
		Error:      str(m, "error"),
		ErrorCode:  str(m, "error_code"),
		Payload:    objField(m, "payload"),
		Args:       objField(m, "args"),
		Metadata:   objField(m, "metadata"),
	}
	if raw := str(m, "timestamp"); raw != "" {
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, fmt.Errorf("envelope: binary timestamp %q: %w", raw, err)
		}
		e.Timestamp = ts
	}
	return e, nil
}

func putNonEmpty(m map[string]interface{}, key, value string) {
	if value != "" {
		m[key] = value
	}
}

func str(m map[string]interface{}, key string) string {
	s, _ := m[key].(string)
	return s
}

func objField(m map[string]interface{}, key string) map[string]interface{} {
	obj, _ := m[key].(map[string]interface{})
	return obj
}
