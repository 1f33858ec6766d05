package protocol

import "fmt"

// supportedTypes is the closed set of envelope types this broker accepts.
var supportedTypes = map[string]bool{
	TypeMessage:      true,
	TypeCommand:      true,
	TypeResponse:     true,
	TypeError:        true,
	TypeTelemetry:    true,
	TypeOperatorJoin: true,
}

// Validate checks an envelope against the protocol rules and returns every
// violation found, not just the first. An empty slice means the envelope is
// acceptable for routing.
func Validate(e *Envelope) []string {
	var errs []string

	if e.ID == "" {
		errs = append(errs, "message id is required")
	} else if !ValidMessageID(e.ID) {
		errs = append(errs, fmt.Sprintf("invalid message id format: %s", e.ID))
	}

	if e.Type == "" {
		errs = append(errs, "message type is required")
	} else if !supportedTypes[e.Type] {
		errs = append(errs, fmt.Sprintf("unsupported message type: %s", e.Type))
	}

	if e.Version == "" {
		errs = append(errs, "protocol version is required")
	} else if e.Version != ProtocolVersion {
		errs = append(errs, fmt.Sprintf("unsupported protocol version: %s", e.Version))
	}

	if e.Timestamp.IsZero() {
		errs = append(errs, "timestamp is required")
	}

	switch e.Type {
	case TypeMessage, TypeOperatorJoin:
		if len(e.Payload) == 0 {
			errs = append(errs, fmt.Sprintf("%s requires a non-empty payload", e.Type))
		}
	case TypeCommand:
		if e.Command == "" {
			errs = append(errs, "command requires a command name")
		}
	case TypeResponse:
		if e.RequestID == "" {
			errs = append(errs, "response requires a request_id")
		}
		if e.Status == "" {
			errs = append(errs, "response requires a status")
		} else if e.Status != StatusSuccess && e.Status != StatusError && e.Status != StatusPending {
			errs = append(errs, fmt.Sprintf("unsupported response status: %s", e.Status))
		}
		if e.Status != "" && e.Status != StatusSuccess && e.ErrorCode == "" {
			errs = append(errs, "non-success response requires an error_code")
		}
	case TypeError:
		if e.Error == "" {
			errs = append(errs, "error envelope requires an error message")
		}
	}

	return errs
}
