package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidate_AcceptsWellFormedEnvelopes(t *testing.T) {
	cases := []*Envelope{
		NewMessage("lobby", "general", map[string]interface{}{"text": "hi"}),
		NewCommand("op.list_rooms", nil),
		NewResponse("arq_1_1_abc123", StatusSuccess, map[string]interface{}{"ok": true}),
		NewError("arq_1_1_abc123", "UNKNOWN_COMMAND", "no such command"),
	}
	for _, e := range cases {
		assert.Empty(t, Validate(e), "envelope type %s should validate", e.Type)
	}
}

func TestValidate_CollectsEveryViolation(t *testing.T) {
	// Empty envelope: id, type, version and timestamp all missing.
	violations := Validate(&Envelope{})
	assert.GreaterOrEqual(t, len(violations), 4, "all structural violations must be reported together")
}

func TestValidate_RejectsUnknownType(t *testing.T) {
	e := New("broadcast")
	e.Payload = map[string]interface{}{"x": 1}

	violations := Validate(e)
	assert.Contains(t, violations, "unsupported message type: broadcast")
}

func TestValidate_RejectsWrongVersion(t *testing.T) {
	e := NewMessage("lobby", "general", map[string]interface{}{"text": "hi"})
	e.Version = "2.0"

	violations := Validate(e)
	assert.Contains(t, violations, "unsupported protocol version: 2.0")
}

func TestValidate_MessageNeedsPayload(t *testing.T) {
	e := New(TypeMessage)

	violations := Validate(e)
	assert.Contains(t, violations, "message requires a non-empty payload")
}

func TestValidate_CommandNeedsName(t *testing.T) {
	e := New(TypeCommand)

	violations := Validate(e)
	assert.Contains(t, violations, "command requires a command name")
}

func TestValidate_ResponseShape(t *testing.T) {
	// Missing request_id and status.
	e := New(TypeResponse)
	violations := Validate(e)
	assert.Contains(t, violations, "response requires a request_id")
	assert.Contains(t, violations, "response requires a status")

	// Unsupported status value.
	e = NewResponse("arq_1_1_abc123", "maybe", nil)
	violations = Validate(e)
	assert.Contains(t, violations, "unsupported response status: maybe")

	// Non-success responses must carry a machine-readable code.
	e = NewResponse("arq_1_1_abc123", StatusError, nil)
	violations = Validate(e)
	assert.Contains(t, violations, "non-success response requires an error_code")

	e.ErrorCode = "EXECUTION_ERROR"
	assert.Empty(t, Validate(e))
}

func TestValidate_ErrorNeedsMessage(t *testing.T) {
	e := New(TypeError)

	violations := Validate(e)
	assert.Contains(t, violations, "error envelope requires an error message")
}

func TestValidate_BadIDFormat(t *testing.T) {
	e := NewMessage("lobby", "general", map[string]interface{}{"text": "hi"})
	e.ID = "not-an-id"

	violations := Validate(e)
	assert.Contains(t, violations, "invalid message id format: not-an-id")
}
