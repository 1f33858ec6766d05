package storage

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/arqonbus/arqonbus/internal/protocol"
)

// MemoryBackend keeps history in per-(room,channel) bounded rings plus a
// global id index. It is the development default and the fallback every
// degraded-mode store carries.
type MemoryBackend struct {
	mu sync.RWMutex

	// buckets holds entries oldest-first per "room:channel" key.
	buckets map[string][]*Entry

	// index maps envelope id to its bucket for O(1) delete.
	index map[string]string

	capacity int

	appends int64
	evicted int64
	deletes int64
}

// NewMemoryBackend creates a memory backend bounding each (room, channel)
// bucket to capacity entries.
func NewMemoryBackend(capacity int) *MemoryBackend {
	if capacity < 1 {
		capacity = 1000
	}
	return &MemoryBackend{
		buckets:  make(map[string][]*Entry),
		index:    make(map[string]string),
		capacity: capacity,
	}
}

func bucketKey(room, channel string) string { return room + ":" + channel }

// bucketMatches resolves a partial (room, channel) scope against a bucket
// key. A room without a channel spans every channel of that room; a channel
// without a room spans every room carrying that channel; neither spans all.
func bucketMatches(key, room, channel string) bool {
	switch {
	case room != "" && channel != "":
		return key == bucketKey(room, channel)
	case room != "":
		return strings.HasPrefix(key, room+":")
	case channel != "":
		return strings.HasSuffix(key, ":"+channel)
	default:
		return true
	}
}

// Append stores a copy of the envelope, evicting the bucket's oldest entry
// when the ring is full.
func (m *MemoryBackend) Append(_ context.Context, e *protocol.Envelope) error {
	entry := &Entry{Envelope: e.Clone(), StoredAt: time.Now().UTC()}
	key := bucketKey(e.Room, e.Channel)

	m.mu.Lock()
	defer m.mu.Unlock()

	bucket := m.buckets[key]
	if len(bucket) >= m.capacity {
		oldest := bucket[0]
		bucket = bucket[1:]
		delete(m.index, oldest.Envelope.ID)
		m.evicted++
	}
	m.buckets[key] = append(bucket, entry)
	m.index[e.ID] = key
	m.appends++
	return nil
}

// History returns matching entries newest-first.
func (m *MemoryBackend) History(_ context.Context, q HistoryQuery) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	exact := q.Room != "" && q.Channel != ""
	var candidates []*Entry
	if exact {
		candidates = m.buckets[bucketKey(q.Room, q.Channel)]
	} else {
		for key, bucket := range m.buckets {
			if bucketMatches(key, q.Room, q.Channel) {
				candidates = append(candidates, bucket...)
			}
		}
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}

	// Walk newest-first; buckets are stored oldest-first. Cross-bucket scopes
	// collect everything first: the flattened slice loses per-bucket ordering
	// and must be sorted before the limit applies.
	out := make([]Entry, 0, limit)
	for i := len(candidates) - 1; i >= 0; i-- {
		if exact && len(out) >= limit {
			break
		}
		entry := candidates[i]
		if !matchesQuery(entry, q) {
			continue
		}
		out = append(out, *entry)
	}
	if !exact {
		sortNewestFirst(out)
		if len(out) > limit {
			out = out[:limit]
		}
	}
	return out, nil
}

func matchesQuery(entry *Entry, q HistoryQuery) bool {
	if q.Sender != "" && entry.Envelope.Sender != q.Sender {
		return false
	}
	if !q.Since.IsZero() && entry.StoredAt.Before(q.Since) {
		return false
	}
	if !q.Until.IsZero() && entry.StoredAt.After(q.Until) {
		return false
	}
	return true
}

func sortNewestFirst(entries []Entry) {
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j].StoredAt.After(entries[j-1].StoredAt); j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
}

// Delete removes the entry with the given id.
func (m *MemoryBackend) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key, ok := m.index[id]
	if !ok {
		return ErrNotFound
	}
	bucket := m.buckets[key]
	for i, entry := range bucket {
		if entry.Envelope.ID == id {
			m.buckets[key] = append(bucket[:i], bucket[i+1:]...)
			break
		}
	}
	delete(m.index, id)
	m.deletes++
	return nil
}

// Clear drops entries matching the given scope; zero values widen the scope.
// Returns the number of entries removed.
func (m *MemoryBackend) Clear(_ context.Context, room, channel string, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key, bucket := range m.buckets {
		if !bucketMatches(key, room, channel) {
			continue
		}
		kept := bucket[:0]
		for _, entry := range bucket {
			if before.IsZero() || entry.StoredAt.Before(before) {
				delete(m.index, entry.Envelope.ID)
				removed++
				continue
			}
			kept = append(kept, entry)
		}
		if len(kept) == 0 {
			delete(m.buckets, key)
		} else {
			m.buckets[key] = kept
		}
	}
	return removed, nil
}

// Stats reports counters and occupancy.
func (m *MemoryBackend) Stats(_ context.Context) map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return map[string]interface{}{
		"backend":        m.Name(),
		"buckets":        len(m.buckets),
		"stored_entries": len(m.index),
		"capacity":       m.capacity,
		"appends":        m.appends,
		"evicted":        m.evicted,
		"deletes":        m.deletes,
	}
}

// Health always reports healthy; memory cannot fail short of OOM.
func (m *MemoryBackend) Health(_ context.Context) Health {
	return Health{Status: "healthy", Backend: m.Name()}
}

// Close is a no-op for the memory backend.
func (m *MemoryBackend) Close() error { return nil }

// Name identifies the backend in stats and health reports.
func (m *MemoryBackend) Name() string { return "memory" }
