package storage

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/arqonbus/arqonbus/internal/circuitbreaker"
	"github.com/arqonbus/arqonbus/internal/config"
	"github.com/arqonbus/arqonbus/internal/protocol"
)

// RedisBackend stores history in append-only redis streams: one stream per
// (room:channel), per-sender mirror streams, and a global stream. It also
// implements GroupBackend, the consumer-group capability the operator
// dispatch fabric runs on.
type RedisBackend struct {
	client  *redis.Client
	prefix  string
	maxLen  int64
	breaker *circuitbreaker.Breaker
	log     *slog.Logger
}

// NewRedisBackend dials redis from the config and verifies the connection.
func NewRedisBackend(ctx context.Context, cfg config.RedisConfig, maxHistory int, log *slog.Logger) (*RedisBackend, error) {
	if log == nil {
		log = slog.Default()
	}

	var opts *redis.Options
	if cfg.URL != "" {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{
			Addr:     cfg.RedisAddr(),
			Password: cfg.Password,
			DB:       cfg.DB,
		}
	}
	opts.PoolSize = cfg.PoolSize
	opts.DialTimeout = cfg.Timeout
	opts.ReadTimeout = cfg.Timeout
	opts.WriteTimeout = cfg.Timeout

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	log.Info("connected to redis", "addr", opts.Addr, "db", opts.DB)
	return &RedisBackend{
		client:  client,
		prefix:  cfg.StreamPrefix,
		maxLen:  int64(maxHistory),
		breaker: circuitbreaker.New(circuitbreaker.DefaultConfig("redis")),
		log:     log,
	}, nil
}

func (r *RedisBackend) channelStream(room, channel string) string {
	return fmt.Sprintf("%s:channel_%s:%s", r.prefix, room, channel)
}

func (r *RedisBackend) senderStream(sender string) string {
	return fmt.Sprintf("%s:client_%s", r.prefix, sender)
}

func (r *RedisBackend) globalStream() string {
	return r.prefix + ":messages"
}

// Append writes the envelope to the channel stream, the sender mirror and
// the global stream. All streams are length-capped.
func (r *RedisBackend) Append(ctx context.Context, e *protocol.Envelope) error {
	wire, err := e.MarshalJSONWire()
	if err != nil {
		return err
	}
	values := map[string]interface{}{
		"id":        e.ID,
		"type":      e.Type,
		"room":      e.Room,
		"channel":   e.Channel,
		"sender":    e.Sender,
		"stored_at": time.Now().UTC().Format(time.RFC3339Nano),
		"envelope":  string(wire),
	}

	return r.breaker.Do(func() error {
		pipe := r.client.Pipeline()
		streams := []string{r.globalStream()}
		if e.Room != "" || e.Channel != "" {
			streams = append(streams, r.channelStream(e.Room, e.Channel))
		}
		if e.Sender != "" {
			streams = append(streams, r.senderStream(e.Sender))
		}
		for _, stream := range streams {
			pipe.XAdd(ctx, &redis.XAddArgs{
				Stream: stream,
				MaxLen: r.maxLen,
				Approx: true,
				Values: values,
			})
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("redis xadd: %w", err)
		}
		return nil
	})
}

// History reads the relevant stream newest-first. A room without a channel
// (or a channel without a room) has no dedicated stream; those scopes read
// the global stream and filter on the envelope's own fields.
func (r *RedisBackend) History(ctx context.Context, q HistoryQuery) ([]Entry, error) {
	stream := r.globalStream()
	var roomFilter, channelFilter string
	switch {
	case q.Sender != "":
		stream = r.senderStream(q.Sender)
	case q.Room != "" && q.Channel != "":
		stream = r.channelStream(q.Room, q.Channel)
	default:
		roomFilter = q.Room
		channelFilter = q.Channel
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}

	// Filters must see every record before the limit applies, or a capped
	// fetch undercounts. Streams are length-bounded, so reading them whole
	// stays bounded too.
	filtered := roomFilter != "" || channelFilter != "" || !q.Since.IsZero() || !q.Until.IsZero()

	var entries []Entry
	err := r.breaker.Do(func() error {
		var (
			msgs []redis.XMessage
			err  error
		)
		if filtered {
			msgs, err = r.client.XRevRange(ctx, stream, "+", "-").Result()
		} else {
			msgs, err = r.client.XRevRangeN(ctx, stream, "+", "-", int64(limit)).Result()
		}
		if err != nil {
			return fmt.Errorf("redis xrevrange %s: %w", stream, err)
		}
		entries = make([]Entry, 0, limit)
		for _, msg := range msgs {
			if len(entries) >= limit {
				break
			}
			entry, err := entryFromStreamValues(msg.Values)
			if err != nil {
				r.log.Warn("skipping unparseable stream record", "stream", stream, "stream_id", msg.ID, "error", err)
				continue
			}
			if roomFilter != "" && entry.Envelope.Room != roomFilter {
				continue
			}
			if channelFilter != "" && entry.Envelope.Channel != channelFilter {
				continue
			}
			if !q.Since.IsZero() && entry.StoredAt.Before(q.Since) {
				continue
			}
			if !q.Until.IsZero() && entry.StoredAt.After(q.Until) {
				continue
			}
			entries = append(entries, entry)
		}
		return nil
	})
	return entries, err
}

func entryFromStreamValues(values map[string]interface{}) (Entry, error) {
	raw, _ := values["envelope"].(string)
	if raw == "" {
		return Entry{}, fmt.Errorf("record carries no envelope field")
	}
	e, err := protocol.UnmarshalJSONWire([]byte(raw))
	if err != nil {
		return Entry{}, err
	}
	storedAt := e.Timestamp
	if rawTS, _ := values["stored_at"].(string); rawTS != "" {
		if ts, err := time.Parse(time.RFC3339Nano, rawTS); err == nil {
			storedAt = ts
		}
	}
	return Entry{Envelope: e, StoredAt: storedAt}, nil
}

// Delete removes the entry from the global stream. Mirror streams are
// length-capped rather than tombstoned; the global stream is the record of
// truth for id-addressed deletes.
func (r *RedisBackend) Delete(ctx context.Context, id string) error {
	return r.breaker.Do(func() error {
		msgs, err := r.client.XRange(ctx, r.globalStream(), "-", "+").Result()
		if err != nil {
			return fmt.Errorf("redis xrange: %w", err)
		}
		for _, msg := range msgs {
			if envID, _ := msg.Values["id"].(string); envID == id {
				if err := r.client.XDel(ctx, r.globalStream(), msg.ID).Err(); err != nil {
					return fmt.Errorf("redis xdel: %w", err)
				}
				return nil
			}
		}
		return ErrNotFound
	})
}

// Clear drops whole streams for the given scope. A zero scope clears the
// global stream only; before-bounds fall back to trimming to zero since
// stream ids are time-prefixed.
func (r *RedisBackend) Clear(ctx context.Context, room, channel string, before time.Time) (int, error) {
	removed := 0
	err := r.breaker.Do(func() error {
		streams := []string{r.globalStream()}
		if room != "" || channel != "" {
			streams = []string{r.channelStream(room, channel)}
		}
		for _, stream := range streams {
			if !before.IsZero() {
				// Stream ids are ms-timestamp prefixed; everything below
				// the cutoff id is dropped.
				minID := fmt.Sprintf("%d-0", before.UnixMilli())
				n, err := r.client.XTrimMinID(ctx, stream, minID).Result()
				if err != nil {
					return fmt.Errorf("redis xtrim %s: %w", stream, err)
				}
				removed += int(n)
				continue
			}
			n, err := r.client.XLen(ctx, stream).Result()
			if err == nil {
				removed += int(n)
			}
			if err := r.client.Del(ctx, stream).Err(); err != nil {
				return fmt.Errorf("redis del %s: %w", stream, err)
			}
		}
		return nil
	})
	return removed, err
}

// Stats reports stream occupancy and breaker posture.
func (r *RedisBackend) Stats(ctx context.Context) map[string]interface{} {
	stats := map[string]interface{}{
		"backend":       r.Name(),
		"stream_prefix": r.prefix,
		"max_len":       r.maxLen,
		"breaker_state": r.breaker.State().String(),
	}
	if n, err := r.client.XLen(ctx, r.globalStream()).Result(); err == nil {
		stats["global_stream_len"] = n
	}
	return stats
}

// Health pings redis.
func (r *RedisBackend) Health(ctx context.Context) Health {
	start := time.Now()
	if err := r.client.Ping(ctx).Err(); err != nil {
		return Health{Status: "unhealthy", Backend: r.Name(), Detail: map[string]interface{}{"error": err.Error()}}
	}
	return Health{
		Status:  "healthy",
		Backend: r.Name(),
		Detail:  map[string]interface{}{"ping_ms": time.Since(start).Milliseconds()},
	}
}

// Close releases the connection pool.
func (r *RedisBackend) Close() error { return r.client.Close() }

// Name identifies the backend in stats and health reports.
func (r *RedisBackend) Name() string { return "redis" }

// Client exposes the shared connection pool for sibling components (the KV
// store rides on the same redis instance).
func (r *RedisBackend) Client() *redis.Client { return r.client }

// ============================================================================
// CONSUMER GROUPS
// ============================================================================

// EnsureGroup creates the consumer group, creating the stream with it.
// Idempotent: an already-existing group is not an error.
func (r *RedisBackend) EnsureGroup(ctx context.Context, stream, group string) error {
	err := r.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("redis xgroup create %s/%s: %w", stream, group, err)
	}
	return nil
}

// ReadGroup performs one cooperative blocking read on the group. Records
// returned here are pending on the group until Ack'd by this consumer or
// Claim'd by another.
func (r *RedisBackend) ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]GroupMessage, error) {
	res, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil // block timeout, nothing new
	}
	if err != nil {
		return nil, fmt.Errorf("redis xreadgroup %s/%s: %w", stream, group, err)
	}

	var out []GroupMessage
	for _, streamRes := range res {
		for _, msg := range streamRes.Messages {
			out = append(out, GroupMessage{StreamID: msg.ID, Values: msg.Values})
		}
	}
	return out, nil
}

// Ack confirms processing of the given stream ids for the group.
func (r *RedisBackend) Ack(ctx context.Context, stream, group string, ids ...string) (int64, error) {
	n, err := r.client.XAck(ctx, stream, group, ids...).Result()
	if err != nil {
		return 0, fmt.Errorf("redis xack %s/%s: %w", stream, group, err)
	}
	return n, nil
}

// Pending counts delivered-but-unacked records on the group.
func (r *RedisBackend) Pending(ctx context.Context, stream, group string) (int64, error) {
	res, err := r.client.XPending(ctx, stream, group).Result()
	if err != nil {
		return 0, fmt.Errorf("redis xpending %s/%s: %w", stream, group, err)
	}
	return res.Count, nil
}

// Claim transfers pending records idle for at least minIdle to consumer,
// re-delivering work from a crashed operator.
func (r *RedisBackend) Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, ids ...string) ([]GroupMessage, error) {
	msgs, err := r.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis xclaim %s/%s: %w", stream, group, err)
	}
	out := make([]GroupMessage, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, GroupMessage{StreamID: msg.ID, Values: msg.Values})
	}
	return out, nil
}

// EnqueueTask appends a task record to a group stream.
func (r *RedisBackend) EnqueueTask(ctx context.Context, stream string, values map[string]interface{}) (string, error) {
	id, err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: 10000,
		Approx: true,
		Values: values,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("redis xadd %s: %w", stream, err)
	}
	return id, nil
}
