package webhooks

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arqonbus/arqonbus/internal/config"
	"github.com/arqonbus/arqonbus/internal/protocol"
)

func TestRegisterAndMatch(t *testing.T) {
	r := NewRegistry()

	rule, err := r.Register("c1", "https://example.com/hook", "lobby", "general", "")
	require.NoError(t, err)
	assert.Regexp(t, `^wh_[0-9a-f]{12}$`, rule.ID)

	wild, err := r.Register("c1", "https://example.com/all", "*", "*", "")
	require.NoError(t, err)

	matches := r.MatchingRules("lobby", "general")
	assert.Len(t, matches, 2)
	matches = r.MatchingRules("ops", "alerts")
	require.Len(t, matches, 1)
	assert.Equal(t, wild.ID, matches[0].ID)
}

func TestRegisterRejectsBadInput(t *testing.T) {
	r := NewRegistry()

	_, err := r.Register("c1", "", "lobby", "general", "")
	assert.Error(t, err)
	_, err = r.Register("c1", "ftp://example.com", "lobby", "general", "")
	assert.Error(t, err)
	_, err = r.Register("c1", "https://example.com", "", "general", "")
	assert.Error(t, err)
}

func TestUnregisterEnforcesOwnership(t *testing.T) {
	r := NewRegistry()
	rule, err := r.Register("c1", "https://example.com/hook", "*", "*", "")
	require.NoError(t, err)

	assert.Error(t, r.Unregister("c2", rule.ID))
	require.NoError(t, r.Unregister("c1", rule.ID))
	assert.Error(t, r.Unregister("c1", rule.ID))
}

func TestRemoveOwnerOnDisconnect(t *testing.T) {
	r := NewRegistry()
	_, err := r.Register("c1", "https://example.com/a", "*", "*", "")
	require.NoError(t, err)
	_, err = r.Register("c1", "https://example.com/b", "lobby", "*", "")
	require.NoError(t, err)
	keep, err := r.Register("c2", "https://example.com/c", "*", "*", "")
	require.NoError(t, err)

	assert.Equal(t, 2, r.RemoveOwner("c1"))
	assert.Equal(t, 1, r.Count())
	assert.Len(t, r.ListOwner("c2"), 1)
	_ = keep
}

func TestAutoDisableAfterFailures(t *testing.T) {
	r := NewRegistry()
	rule, err := r.Register("c1", "https://example.com/hook", "*", "*", "")
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		r.MarkFailed(rule.ID, 10)
	}
	assert.Empty(t, r.MatchingRules("lobby", "general"), "disabled rules stop matching")

	// A delivery resets the streak on an active rule.
	other, _ := r.Register("c1", "https://example.com/b", "*", "*", "")
	r.MarkFailed(other.ID, 10)
	r.MarkDelivered(other.ID)
	assert.Equal(t, 0, other.FailCount)
}

func TestDispatcherDeliversSignedPayload(t *testing.T) {
	var mu sync.Mutex
	var got Delivery
	var signature string
	done := make(chan struct{}, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		signature = req.Header.Get("X-ArqonBus-Signature")
		require.NoError(t, json.NewDecoder(req.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
		done <- struct{}{}
	}))
	defer srv.Close()

	registry := NewRegistry()
	rule, err := registry.Register("c1", srv.URL, "lobby", "general", "hook-secret")
	require.NoError(t, err)

	d := NewDispatcher(registry, config.WebhooksConfig{
		Enabled: true, Workers: 2, Timeout: 2 * time.Second, MaxRetries: 1, MaxFailures: 10,
	})
	defer d.Shutdown()

	e := protocol.NewMessage("lobby", "general", map[string]interface{}{"text": "hello"})
	d.Emit(e)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("webhook was not delivered")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, rule.ID, got.RuleID)
	assert.Equal(t, e.ID, got.Envelope.ID)
	assert.Contains(t, signature, "sha256=")

	payload, _ := json.Marshal(got)
	_ = payload // shape check above is sufficient; signature covers raw bytes
}

func TestRetryBackoffDoesNotParkWorkers(t *testing.T) {
	attempts := make(chan string, 4)
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		attempts <- req.Header.Get("X-ArqonBus-Delivery-Attempt")
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failing.Close()

	delivered := make(chan time.Time, 1)
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		delivered <- time.Now()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer healthy.Close()

	registry := NewRegistry()
	_, err := registry.Register("c1", failing.URL, "ops", "alerts", "")
	require.NoError(t, err)
	_, err = registry.Register("c1", healthy.URL, "lobby", "general", "")
	require.NoError(t, err)

	// A single worker: if the failing delivery's backoff slept on the worker,
	// the healthy delivery behind it would wait out the full backoff too.
	d := NewDispatcher(registry, config.WebhooksConfig{
		Enabled: true, Workers: 1, Timeout: time.Second, MaxRetries: 2, MaxFailures: 10,
	})
	defer d.Shutdown()

	d.Emit(protocol.NewMessage("ops", "alerts", map[string]interface{}{"text": "boom"}))
	select {
	case attempt := <-attempts:
		assert.Equal(t, "1", attempt)
	case <-time.After(2 * time.Second):
		t.Fatal("first delivery attempt never arrived")
	}

	start := time.Now()
	d.Emit(protocol.NewMessage("lobby", "general", map[string]interface{}{"text": "hello"}))
	select {
	case at := <-delivered:
		assert.Less(t, at.Sub(start), 900*time.Millisecond,
			"healthy delivery waited out another rule's backoff")
	case <-time.After(2 * time.Second):
		t.Fatal("healthy delivery never arrived")
	}

	// The failing delivery is still retried after its backoff.
	select {
	case attempt := <-attempts:
		assert.Equal(t, "2", attempt)
	case <-time.After(3 * time.Second):
		t.Fatal("retry never arrived")
	}
}

func TestDispatcherSkipsNonMatchingScope(t *testing.T) {
	hit := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hit <- struct{}{}
	}))
	defer srv.Close()

	registry := NewRegistry()
	_, err := registry.Register("c1", srv.URL, "ops", "alerts", "")
	require.NoError(t, err)

	d := NewDispatcher(registry, config.WebhooksConfig{Workers: 1, Timeout: time.Second, MaxRetries: 1})
	defer d.Shutdown()

	d.Emit(protocol.NewMessage("lobby", "general", nil))

	select {
	case <-hit:
		t.Fatal("delivery should not have matched")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSignPayloadStable(t *testing.T) {
	sig := SignPayload([]byte(`{"a":1}`), "secret")
	assert.Len(t, sig, 64)
	assert.Equal(t, sig, SignPayload([]byte(`{"a":1}`), "secret"))
	assert.NotEqual(t, sig, SignPayload([]byte(`{"a":2}`), "secret"))
}
