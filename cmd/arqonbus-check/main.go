// Command arqonbus-check runs the deployment pre-flight: configuration,
// backing stores, and a live WebSocket round trip against the broker.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	_ "github.com/lib/pq"

	"github.com/arqonbus/arqonbus/internal/config"
	"github.com/arqonbus/arqonbus/pkg/sdk"
)

const checkTimeout = 5 * time.Second

type check struct {
	Name string
	Run  func(cfg *config.Config) error
}

func main() {
	fmt.Println("ArqonBus Pre-Flight Diagnostic")
	fmt.Println("---------------------------------------------------------")

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Checking %-30s \033[31m[FAIL]\033[0m\n", "Configuration...")
		fmt.Printf("  >> %v\n", err)
		os.Exit(1)
	}

	checks := []check{
		{"Configuration", checkPreflight},
		{"Hot stack (redis)", checkRedis},
		{"Durable stack (postgres)", checkPostgres},
		{"Broker (websocket)", checkBroker},
	}

	failures := 0
	for _, c := range checks {
		fmt.Printf("Checking %-30s ", c.Name+"...")
		if err := c.Run(cfg); err != nil {
			failures++
			fmt.Println("\033[31m[FAIL]\033[0m")
			fmt.Printf("  >> %v\n", err)
		} else {
			fmt.Println("\033[32m[OK]\033[0m")
		}
	}

	fmt.Println("---------------------------------------------------------")
	if failures > 0 {
		fmt.Printf("Status: %d check(s) failed.\n", failures)
		os.Exit(1)
	}
	fmt.Println("Status: ready for traffic.")
}

func checkPreflight(cfg *config.Config) error {
	if errs := config.StartupPreflightErrors(cfg); len(errs) > 0 {
		return fmt.Errorf("%d preflight violation(s), first: %s", len(errs), errs[0])
	}
	return nil
}

func checkRedis(cfg *config.Config) error {
	if cfg.Storage.Backend != "redis" && cfg.Redis.URL == "" {
		return nil // not part of this profile
	}

	ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
	defer cancel()

	var client *redis.Client
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		client = redis.NewClient(opts)
	} else {
		client = redis.NewClient(&redis.Options{
			Addr:     fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}
	defer client.Close()

	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func checkPostgres(cfg *config.Config) error {
	if cfg.Storage.Backend != "postgres" && cfg.Postgres.URL == "" {
		return nil // not part of this profile
	}

	db, err := sql.Open("postgres", cfg.Postgres.URL)
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	return nil
}

func checkBroker(cfg *config.Config) error {
	url := os.Getenv("ARQONBUS_URL")
	if url == "" {
		url = fmt.Sprintf("ws://%s:%d/ws", cfg.Server.Host, cfg.Server.Port)
	}

	ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
	defer cancel()

	client, err := sdk.Dial(ctx, sdk.Config{
		URL:   url,
		Token: os.Getenv("ARQONBUS_TOKEN"),
	})
	if err != nil {
		return fmt.Errorf("dial broker: %w", err)
	}
	defer client.Close()

	data, err := client.Command(ctx, "ping", nil)
	if err != nil {
		return fmt.Errorf("ping command: %w", err)
	}
	if _, ok := data["pong"]; !ok {
		return fmt.Errorf("unexpected ping response: %v", data)
	}
	slog.Debug("broker reachable", "client_id", client.ClientID())
	return nil
}
