// Package storage persists routed envelopes and exposes the consumer-group
// primitives the task dispatch fabric runs on. Backends are pluggable
// (memory, redis streams, postgres); the Store wrapper adds the
// degraded/strict failure posture on top of whichever backend is configured.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/arqonbus/arqonbus/internal/protocol"
)

// ErrStrictMode wraps backend failures when the store runs in strict mode:
// the caller must treat it as fatal rather than degrade silently.
var ErrStrictMode = errors.New("storage strict mode: backend failure is fatal")

// ErrNotFound is returned by Delete when no entry carries the given id.
var ErrNotFound = errors.New("storage: entry not found")

// Entry is one stored envelope with its storage instant.
type Entry struct {
	Envelope *protocol.Envelope
	StoredAt time.Time
}

// HistoryQuery selects stored entries. Zero-valued fields are unconstrained;
// results come back newest-first.
type HistoryQuery struct {
	Room    string
	Channel string
	Sender  string
	Limit   int
	Since   time.Time
	Until   time.Time
}

// AppendResult reports the outcome of one append.
type AppendResult struct {
	Success bool
	ID      string
	Err     error
}

// Health is the backend's self-assessment.
type Health struct {
	Status  string // healthy | degraded | unhealthy
	Backend string
	Detail  map[string]interface{}
}

// Backend is the storage contract every history backend implements.
type Backend interface {
	Append(ctx context.Context, e *protocol.Envelope) error
	History(ctx context.Context, q HistoryQuery) ([]Entry, error)
	Delete(ctx context.Context, id string) error
	Clear(ctx context.Context, room, channel string, before time.Time) (int, error)
	Stats(ctx context.Context) map[string]interface{}
	Health(ctx context.Context) Health
	Close() error
	Name() string
}

// GroupMessage is one record delivered through a consumer group read.
type GroupMessage struct {
	// StreamID is the backend-assigned record id used for Ack and Claim.
	StreamID string
	Values   map[string]interface{}
}

// GroupBackend is the optional consumer-group capability used for operator
// task distribution. The dispatcher checks for it at runtime; only the
// redis streams backend provides it.
type GroupBackend interface {
	EnsureGroup(ctx context.Context, stream, group string) error
	ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]GroupMessage, error)
	Ack(ctx context.Context, stream, group string, ids ...string) (int64, error)
	Pending(ctx context.Context, stream, group string) (int64, error)
	Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, ids ...string) ([]GroupMessage, error)
	EnqueueTask(ctx context.Context, stream string, values map[string]interface{}) (string, error)
}

// TaskStream names the durable stream for a capability group.
func TaskStream(prefix, group string) string {
	if prefix == "" {
		prefix = "arqonbus"
	}
	return prefix + ":group:" + group
}
