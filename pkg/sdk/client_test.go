package sdk_test

import (
	"context"
	"fmt"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arqonbus/arqonbus/internal/bus"
	"github.com/arqonbus/arqonbus/internal/casil"
	"github.com/arqonbus/arqonbus/internal/config"
	"github.com/arqonbus/arqonbus/internal/kvstore"
	"github.com/arqonbus/arqonbus/internal/protocol"
	"github.com/arqonbus/arqonbus/internal/storage"
	"github.com/arqonbus/arqonbus/pkg/sdk"
)

func startBroker(t *testing.T, mutate func(*config.Config)) string {
	t.Helper()
	cfg := &config.Config{
		Server: config.ServerConfig{
			MaxConnections: 16,
			MaxMessageSize: 1 << 20,
			PingInterval:   10 * time.Second,
			WireFormat:     protocol.WireJSON,
		},
		Storage: config.StorageConfig{Backend: "memory", Mode: config.StorageModeDegraded, MaxHistorySize: 100},
		Redis:   config.RedisConfig{StreamPrefix: "arqonbus"},
		Cron:    config.CronConfig{Enabled: true, MaxPerUser: 5},
		CASIL:   config.CASILConfig{Enabled: false},
	}
	if mutate != nil {
		mutate(cfg)
	}

	log := slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError}))
	store := storage.NewStore(storage.NewMemoryBackend(100), cfg.Storage.Mode, 100, log)
	server := bus.NewServer(bus.Deps{
		Config: cfg,
		Store:  store,
		Gate:   casil.NewGate(cfg.CASIL, nil, log),
		KV:     kvstore.NewMemoryStore(),
		Log:    log,
	})
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		server.Shutdown(ctx)
	})
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func dialSDK(t *testing.T, url string, cfg sdk.Config) *sdk.Client {
	t.Helper()
	cfg.URL = url
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client, err := sdk.Dial(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestDialAssignsClientID(t *testing.T) {
	url := startBroker(t, nil)
	client := dialSDK(t, url, sdk.Config{})
	assert.Regexp(t, `^arq_client_[0-9a-f]{32}$`, client.ClientID())
}

func TestDialRejectedWithoutToken(t *testing.T) {
	url := startBroker(t, func(cfg *config.Config) {
		cfg.Security.EnableAuth = true
		cfg.Security.AuthSecret = "secret"
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := sdk.Dial(ctx, sdk.Config{URL: url})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rejected credentials")
}

func TestPublishAndReceive(t *testing.T) {
	url := startBroker(t, nil)

	received := make(chan *sdk.Envelope, 1)
	subscriber := dialSDK(t, url, sdk.Config{
		OnEnvelope: func(e *sdk.Envelope) {
			if e.Type == sdk.TypeMessage {
				received <- e
			}
		},
	})
	require.NotEmpty(t, subscriber.ClientID())

	publisher := dialSDK(t, url, sdk.Config{})
	ctx := context.Background()

	delivered, err := publisher.Publish(ctx, "lobby", "general", map[string]interface{}{"text": "hello"})
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)

	select {
	case e := <-received:
		assert.Equal(t, "hello", e.Payload["text"])
		assert.Equal(t, publisher.ClientID(), e.Sender)
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber never received the message")
	}
}

func TestCommandSurfacesBrokerErrors(t *testing.T) {
	url := startBroker(t, nil)
	client := dialSDK(t, url, sdk.Config{})
	ctx := context.Background()

	_, err := client.Command(ctx, "no.such.command", nil)
	require.Error(t, err)
	var busErr *sdk.BusError
	require.ErrorAs(t, err, &busErr)
	assert.Equal(t, "UNKNOWN_COMMAND", busErr.Code)
}

func TestJoinChannelAndHistory(t *testing.T) {
	url := startBroker(t, func(cfg *config.Config) {
		cfg.Storage.EnablePersistence = true
	})
	ctx := context.Background()

	subscriber := dialSDK(t, url, sdk.Config{})
	require.NoError(t, subscriber.JoinChannel(ctx, "ops", "alerts"))

	publisher := dialSDK(t, url, sdk.Config{})
	require.NoError(t, publisher.JoinChannel(ctx, "ops", "alerts"))
	_, err := publisher.Publish(ctx, "ops", "alerts", map[string]interface{}{"n": 1})
	require.NoError(t, err)

	messages, err := publisher.History(ctx, "ops", "alerts", 10)
	require.NoError(t, err)
	assert.Len(t, messages, 1)

	require.NoError(t, subscriber.LeaveChannel(ctx, "ops", "alerts"))
}

func TestOperatorHandlesDispatchedTask(t *testing.T) {
	url := startBroker(t, func(cfg *config.Config) {
		cfg.Security.OperatorToken = "hush"
	})
	ctx := context.Background()

	var mu sync.Mutex
	var seen []*sdk.Envelope
	operator := dialSDK(t, url, sdk.Config{})
	err := operator.JoinGroup(ctx, "workers", "hush", func(task *sdk.Envelope) (map[string]interface{}, error) {
		mu.Lock()
		seen = append(seen, task)
		mu.Unlock()
		n, _ := task.Args["n"].(float64)
		return map[string]interface{}{"doubled": n * 2}, nil
	})
	require.NoError(t, err)

	user := dialSDK(t, url, sdk.Config{})
	data, err := user.Command(ctx, "task.dispatch", map[string]interface{}{
		"group":    "workers",
		"strategy": "competing",
		"payload":  map[string]interface{}{"n": 21},
	})
	require.NoError(t, err)

	result, ok := data["result"].(map[string]interface{})
	require.True(t, ok, "competing dispatch returns the winning result")
	assert.Equal(t, float64(42), result["doubled"])
	assert.Equal(t, operator.ClientID(), data["winner"])

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 1)
	assert.Equal(t, "task.run", seen[0].Command)
}

func TestJoinGroupRejectsBadToken(t *testing.T) {
	url := startBroker(t, func(cfg *config.Config) {
		cfg.Security.OperatorToken = "hush"
	})
	client := dialSDK(t, url, sdk.Config{})

	err := client.JoinGroup(context.Background(), "workers", "wrong",
		func(task *sdk.Envelope) (map[string]interface{}, error) { return nil, nil })
	require.Error(t, err)
	var busErr *sdk.BusError
	require.ErrorAs(t, err, &busErr)
	assert.Equal(t, "OPERATOR_AUTH_FAILED", busErr.Code)
}

func TestCommandTimeoutRespectsContext(t *testing.T) {
	url := startBroker(t, nil)
	client := dialSDK(t, url, sdk.Config{Timeout: 5 * time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := client.Command(ctx, "ping", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestKVRoundTripViaSDK(t *testing.T) {
	url := startBroker(t, nil)
	client := dialSDK(t, url, sdk.Config{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := client.Command(ctx, "op.store.set", map[string]interface{}{
			"key": fmt.Sprintf("k%d", i), "value": i,
		})
		require.NoError(t, err)
	}

	data, err := client.Command(ctx, "op.store.list", nil)
	require.NoError(t, err)
	assert.Equal(t, float64(3), data["count"])
}
