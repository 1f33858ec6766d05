// Command arqonbusd runs the ArqonBus broker: the WebSocket listener, the
// monitoring HTTP listener, and every subsystem the profile enables.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/arqonbus/arqonbus/internal/bus"
	"github.com/arqonbus/arqonbus/internal/casil"
	"github.com/arqonbus/arqonbus/internal/config"
	"github.com/arqonbus/arqonbus/internal/kvstore"
	"github.com/arqonbus/arqonbus/internal/metrics"
	"github.com/arqonbus/arqonbus/internal/monitoring"
	"github.com/arqonbus/arqonbus/internal/omega"
	"github.com/arqonbus/arqonbus/internal/protocol"
	"github.com/arqonbus/arqonbus/internal/storage"
	"github.com/arqonbus/arqonbus/internal/telemetry"
)

const shutdownGrace = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "arqonbusd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	if errs := config.StartupPreflightErrors(cfg); len(errs) > 0 {
		for _, e := range errs {
			log.Error("preflight check failed", "error", e)
		}
		return fmt.Errorf("%d preflight check(s) failed", len(errs))
	}
	cfg.LogProfile(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	ids := protocol.NewIDGenerator()

	emitter := telemetry.NewEmitter(cfg.Telemetry, ids, log)
	if cfg.Telemetry.Enabled {
		emitter.Start()
		defer emitter.Stop()
	}

	gate := casil.NewGate(cfg.CASIL, emitter, log)
	m := metrics.New()

	kv := openKV(store, log)
	lane := openLane(ctx, cfg, ids, log)

	server := bus.NewServer(bus.Deps{
		Config:  cfg,
		Store:   store,
		Gate:    gate,
		Emitter: emitter,
		Metrics: m,
		KV:      kv,
		Lane:    lane,
		IDs:     ids,
		Log:     log,
	})
	if lane != nil {
		lane.SetBroadcaster(func(e *protocol.Envelope) { server.Publish(e) })
	}

	errCh := make(chan error, 2)
	go func() { errCh <- server.Start() }()

	var monSrv *monitoring.Server
	if cfg.Server.MonitoringPort > 0 {
		monSrv = monitoring.NewServer(cfg.Server.Host, cfg.Server.MonitoringPort, server, log)
		go func() { errCh <- monSrv.Start() }()
	}

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if monSrv != nil {
		monSrv.Shutdown(drainCtx)
	}
	if err := server.Shutdown(drainCtx); err != nil {
		return fmt.Errorf("drain bus: %w", err)
	}
	if lane != nil {
		if rt := lane.Runtime(); rt != nil {
			rt.Close()
		}
	}
	log.Info("arqonbusd stopped")
	return nil
}

// openKV rides the redis pool when the storage backend provides one,
// otherwise keys live in process memory.
func openKV(store *storage.Store, log *slog.Logger) kvstore.Store {
	if rb, ok := store.Backend().(*storage.RedisBackend); ok {
		log.Info("kv store on redis")
		return kvstore.NewRedisStore(rb.Client())
	}
	log.Info("kv store in memory")
	return kvstore.NewMemoryStore()
}

// openLane builds the tier-omega lane when enabled. A missing container
// daemon degrades the lane to registry-and-events only.
func openLane(ctx context.Context, cfg *config.Config, ids *protocol.IDGenerator, log *slog.Logger) *omega.Lane {
	if !cfg.Omega.Enabled {
		return nil
	}
	runtime := omega.NewRuntime(ctx, cfg.Omega, log)
	return omega.NewLane(cfg.Omega, runtime, nil, ids, log)
}
