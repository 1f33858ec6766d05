// Command loadtest hammers a running broker with concurrent publishers and
// reports delivery latency percentiles.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arqonbus/arqonbus/pkg/sdk"
)

type loadConfig struct {
	URL            string
	Token          string
	Messages       int
	Concurrency    int
	Room           string
	Channel        string
	ReportInterval time.Duration
}

type loadStats struct {
	sent    atomic.Uint64
	failed  atomic.Uint64
	started time.Time

	mu        sync.Mutex
	latencies []time.Duration
}

func (s *loadStats) record(d time.Duration) {
	s.sent.Add(1)
	s.mu.Lock()
	s.latencies = append(s.latencies, d)
	s.mu.Unlock()
}

func main() {
	url := flag.String("url", "ws://localhost:8765/ws", "broker URL")
	messages := flag.Int("messages", 1000, "total messages to publish")
	concurrency := flag.Int("concurrency", 10, "concurrent publisher connections")
	room := flag.String("room", "lobby", "target room")
	channel := flag.String("channel", "general", "target channel")
	report := flag.Duration("report", 5*time.Second, "stats reporting interval")
	flag.Parse()

	cfg := loadConfig{
		URL:            *url,
		Token:          os.Getenv("ARQONBUS_TOKEN"),
		Messages:       *messages,
		Concurrency:    *concurrency,
		Room:           *room,
		Channel:        *channel,
		ReportInterval: *report,
	}

	slog.Info("starting broker load test",
		"url", cfg.URL,
		"messages", cfg.Messages,
		"concurrency", cfg.Concurrency,
		"target", cfg.Room+"/"+cfg.Channel)

	stats, err := run(cfg)
	if err != nil {
		slog.Error("load test aborted", "error", err)
		os.Exit(1)
	}
	printResults(cfg, stats)
}

func run(cfg loadConfig) (*loadStats, error) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// One passive subscriber so every publish has someone to deliver to.
	subscriber, err := sdk.Dial(ctx, sdk.Config{URL: cfg.URL, Token: cfg.Token})
	if err != nil {
		return nil, fmt.Errorf("dial subscriber: %w", err)
	}
	defer subscriber.Close()
	if err := subscriber.JoinChannel(ctx, cfg.Room, cfg.Channel); err != nil {
		return nil, fmt.Errorf("join %s/%s: %w", cfg.Room, cfg.Channel, err)
	}

	stats := &loadStats{started: time.Now()}
	go reportLoop(ctx, stats, cfg.ReportInterval)

	jobs := make(chan int, cfg.Messages)
	for i := 0; i < cfg.Messages; i++ {
		jobs <- i
	}
	close(jobs)

	var wg sync.WaitGroup
	for w := 0; w < cfg.Concurrency; w++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			client, err := sdk.Dial(ctx, sdk.Config{URL: cfg.URL, Token: cfg.Token})
			if err != nil {
				slog.Error("worker dial failed", "worker", workerID, "error", err)
				return
			}
			defer client.Close()

			for n := range jobs {
				start := time.Now()
				_, err := client.Publish(ctx, cfg.Room, cfg.Channel, map[string]interface{}{
					"seq":    n,
					"worker": workerID,
				})
				if err != nil {
					stats.failed.Add(1)
					continue
				}
				stats.record(time.Since(start))
			}
		}(w)
	}

	wg.Wait()
	return stats, nil
}

func reportLoop(ctx context.Context, stats *loadStats, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sent := stats.sent.Load()
			elapsed := time.Since(stats.started).Seconds()
			slog.Info("progress",
				"sent", sent,
				"failed", stats.failed.Load(),
				"rate_per_s", fmt.Sprintf("%.1f", float64(sent)/elapsed))
		}
	}
}

func printResults(cfg loadConfig, stats *loadStats) {
	stats.mu.Lock()
	latencies := append([]time.Duration(nil), stats.latencies...)
	stats.mu.Unlock()

	elapsed := time.Since(stats.started)
	sent := stats.sent.Load()
	failed := stats.failed.Load()

	fmt.Println("\n=== Load Test Results ===")
	fmt.Printf("Messages sent:     %d\n", sent)
	fmt.Printf("Messages failed:   %d\n", failed)
	fmt.Printf("Elapsed:           %s\n", elapsed.Round(time.Millisecond))
	if elapsed.Seconds() > 0 {
		fmt.Printf("Throughput:        %.1f msg/s\n", float64(sent)/elapsed.Seconds())
	}
	if len(latencies) == 0 {
		return
	}

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	fmt.Printf("Latency min:       %s\n", latencies[0].Round(time.Microsecond))
	fmt.Printf("Latency p50:       %s\n", percentile(latencies, 0.50).Round(time.Microsecond))
	fmt.Printf("Latency p95:       %s\n", percentile(latencies, 0.95).Round(time.Microsecond))
	fmt.Printf("Latency p99:       %s\n", percentile(latencies, 0.99).Round(time.Microsecond))
	fmt.Printf("Latency max:       %s\n", latencies[len(latencies)-1].Round(time.Microsecond))
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)-1) * p)
	return sorted[idx]
}
