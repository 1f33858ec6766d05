package security

import (
	"crypto/subtle"
	"errors"
)

// ErrOperatorAuthFailed rejects an operator.join carrying a wrong token. The
// error code on the wire is OPERATOR_AUTH_FAILED.
var ErrOperatorAuthFailed = errors.New("operator capability token rejected")

// OperatorGate checks the shared-secret capability token presented on
// operator.join. An empty configured token means no token is required and
// any authenticated client may register as an operator.
type OperatorGate struct {
	token string
}

// NewOperatorGate builds the gate from the configured token.
func NewOperatorGate(token string) *OperatorGate {
	return &OperatorGate{token: token}
}

// Required reports whether joins must present the configured token.
func (g *OperatorGate) Required() bool { return g.token != "" }

// Check validates a presented token in constant time. Passes unconditionally
// when no token is configured.
func (g *OperatorGate) Check(presented string) error {
	if !g.Required() {
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(g.token), []byte(presented)) != 1 {
		return ErrOperatorAuthFailed
	}
	return nil
}
