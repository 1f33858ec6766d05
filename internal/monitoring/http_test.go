package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	status string
}

func (f *fakeSource) Stats(ctx context.Context) map[string]interface{} {
	return map[string]interface{}{"clients": map[string]interface{}{"total": 3}}
}

func (f *fakeSource) Health(ctx context.Context) map[string]interface{} {
	return map[string]interface{}{"status": f.status}
}

func getJSON(t *testing.T, ts *httptest.Server, path string) (int, map[string]interface{}) {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

func TestHealthzReflectsStatus(t *testing.T) {
	source := &fakeSource{status: "healthy"}
	ts := httptest.NewServer(NewServer("127.0.0.1", 0, source, nil).Handler())
	defer ts.Close()

	code, body := getJSON(t, ts, "/healthz")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", body["status"])

	source.status = "degraded"
	code, _ = getJSON(t, ts, "/healthz")
	assert.Equal(t, http.StatusOK, code, "degraded still serves traffic")

	source.status = "unhealthy"
	code, body = getJSON(t, ts, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "unhealthy", body["status"])
}

func TestStatsEndpoint(t *testing.T) {
	ts := httptest.NewServer(NewServer("127.0.0.1", 0, &fakeSource{status: "healthy"}, nil).Handler())
	defer ts.Close()

	code, body := getJSON(t, ts, "/stats")
	assert.Equal(t, http.StatusOK, code)
	clients, ok := body["clients"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(3), clients["total"])
}

func TestMetricsEndpointServesPrometheus(t *testing.T) {
	ts := httptest.NewServer(NewServer("127.0.0.1", 0, &fakeSource{status: "healthy"}, nil).Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/plain")
}
