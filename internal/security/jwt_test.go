package security

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arqonbus/arqonbus/internal/config"
)

const testSecret = "unit-test-secret-key"

func testAuthenticator(leeway time.Duration) *Authenticator {
	return NewAuthenticator(config.SecurityConfig{
		AuthSecret: testSecret,
		AuthLeeway: leeway,
	})
}

func TestVerifyRoundTrip(t *testing.T) {
	auth := testAuthenticator(30 * time.Second)

	token, err := Issue(testSecret, "client-42", "admin", "tenant-a", time.Hour)
	require.NoError(t, err)

	claims, err := auth.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "client-42", claims.Subject)
	assert.Equal(t, "tenant-a", claims.TenantID)
	assert.True(t, claims.IsAdmin())
}

func TestVerifyRejectsExpired(t *testing.T) {
	auth := testAuthenticator(0)

	token, err := Issue(testSecret, "client-42", "", "", -time.Minute)
	require.NoError(t, err)

	_, err = auth.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyLeewayToleratesSkew(t *testing.T) {
	token, err := Issue(testSecret, "client-42", "", "", -10*time.Second)
	require.NoError(t, err)

	_, err = testAuthenticator(0).Verify(token)
	assert.Error(t, err)

	_, err = testAuthenticator(30 * time.Second).Verify(token)
	assert.NoError(t, err)
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	auth := testAuthenticator(0)

	token, err := Issue("some-other-secret", "client-42", "", "", time.Hour)
	require.NoError(t, err)

	_, err = auth.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsEmpty(t *testing.T) {
	_, err := testAuthenticator(0).Verify("")
	assert.ErrorIs(t, err, ErrNoToken)
}

func TestFromRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Authorization", "Bearer abc123")
	assert.Equal(t, "abc123", FromRequest(r))

	r = httptest.NewRequest("GET", "/ws?token=qp456", nil)
	assert.Equal(t, "qp456", FromRequest(r))

	r = httptest.NewRequest("GET", "/ws", nil)
	assert.Equal(t, "", FromRequest(r))
}

func TestOperatorGate(t *testing.T) {
	gate := NewOperatorGate("op-secret")
	assert.True(t, gate.Required())
	assert.NoError(t, gate.Check("op-secret"))
	assert.ErrorIs(t, gate.Check("wrong"), ErrOperatorAuthFailed)
	assert.ErrorIs(t, gate.Check(""), ErrOperatorAuthFailed)

	// No configured token: joins need no credential at all.
	open := NewOperatorGate("")
	assert.False(t, open.Required())
	assert.NoError(t, open.Check(""))
	assert.NoError(t, open.Check("anything"))
}
