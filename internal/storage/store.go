package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arqonbus/arqonbus/internal/config"
	"github.com/arqonbus/arqonbus/internal/protocol"
)

// Store wraps a backend with the configured failure posture.
//
// Degraded mode: a failing backend is swapped for the in-memory fallback so
// the bus keeps routing; the swap is visible in stats and health. Strict
// mode: backend failures wrap ErrStrictMode and surface to the caller.
type Store struct {
	backend  Backend
	fallback *MemoryBackend
	mode     string
	log      *slog.Logger

	mu       sync.RWMutex
	degraded bool

	degradedOps atomic.Int64
	appendErrs  atomic.Int64
}

// Open builds the configured backend and wraps it in a Store. The memory
// backend never fails construction; redis and postgres dial eagerly so a
// strict profile fails fast.
func Open(ctx context.Context, cfg *config.Config, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}

	var backend Backend
	var err error
	switch cfg.Storage.Backend {
	case "redis":
		backend, err = NewRedisBackend(ctx, cfg.Redis, cfg.Storage.MaxHistorySize, log)
	case "postgres":
		backend, err = NewPostgresBackend(ctx, cfg.Postgres, log)
	default:
		backend = NewMemoryBackend(cfg.Storage.MaxHistorySize)
	}
	if err != nil {
		if cfg.Storage.Mode == config.StorageModeStrict {
			return nil, fmt.Errorf("%w: %v", ErrStrictMode, err)
		}
		log.Warn("storage backend unavailable, starting degraded on memory",
			"backend", cfg.Storage.Backend, "error", err)
		store := NewStore(NewMemoryBackend(cfg.Storage.MaxHistorySize), cfg.Storage.Mode, cfg.Storage.MaxHistorySize, log)
		store.markDegraded()
		return store, nil
	}
	return NewStore(backend, cfg.Storage.Mode, cfg.Storage.MaxHistorySize, log), nil
}

// NewStore wraps an already-constructed backend.
func NewStore(backend Backend, mode string, fallbackCapacity int, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	if mode == "" {
		mode = config.StorageModeDegraded
	}
	return &Store{
		backend:  backend,
		fallback: NewMemoryBackend(fallbackCapacity),
		mode:     mode,
		log:      log,
	}
}

// Mode reports the configured failure posture.
func (s *Store) Mode() string { return s.mode }

// Degraded reports whether the store is currently serving off the fallback.
func (s *Store) Degraded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.degraded
}

func (s *Store) markDegraded() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.degraded {
		s.degraded = true
		s.log.Warn("storage degraded: serving history from memory fallback",
			"backend", s.backend.Name())
	}
}

func (s *Store) clearDegraded() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.degraded {
		s.degraded = false
		s.log.Info("storage recovered", "backend", s.backend.Name())
	}
}

// active picks the backend to serve a degraded-mode read.
func (s *Store) active() Backend {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.degraded {
		return s.fallback
	}
	return s.backend
}

// Append persists the envelope according to the failure posture and always
// returns a result describing what happened.
func (s *Store) Append(ctx context.Context, env *protocol.Envelope) AppendResult {
	err := s.backend.Append(ctx, env)
	if err == nil {
		s.clearDegraded()
		// Keep the fallback warm so a later failure still has recent history.
		if s.mode == config.StorageModeDegraded && s.backend.Name() != "memory" {
			_ = s.fallback.Append(ctx, env)
		}
		return AppendResult{Success: true, ID: env.ID}
	}

	s.appendErrs.Add(1)
	if s.mode == config.StorageModeStrict {
		return AppendResult{ID: env.ID, Err: fmt.Errorf("%w: %v", ErrStrictMode, err)}
	}

	s.markDegraded()
	s.degradedOps.Add(1)
	if fbErr := s.fallback.Append(ctx, env); fbErr != nil {
		return AppendResult{ID: env.ID, Err: fbErr}
	}
	return AppendResult{Success: true, ID: env.ID, Err: err}
}

// History queries the active backend; degraded mode falls back to memory on
// failure.
func (s *Store) History(ctx context.Context, q HistoryQuery) ([]Entry, error) {
	entries, err := s.active().History(ctx, q)
	if err == nil {
		return entries, nil
	}
	if s.mode == config.StorageModeStrict {
		return nil, fmt.Errorf("%w: %v", ErrStrictMode, err)
	}
	s.markDegraded()
	s.degradedOps.Add(1)
	return s.fallback.History(ctx, q)
}

// Delete removes an entry by id from both the backend and the fallback.
func (s *Store) Delete(ctx context.Context, id string) error {
	fbErr := s.fallback.Delete(ctx, id)
	err := s.backend.Delete(ctx, id)
	if err == nil || err == ErrNotFound && fbErr == nil {
		return nil
	}
	if err == ErrNotFound {
		return ErrNotFound
	}
	if s.mode == config.StorageModeStrict {
		return fmt.Errorf("%w: %v", ErrStrictMode, err)
	}
	s.markDegraded()
	s.degradedOps.Add(1)
	return fbErr
}

// Clear removes entries in scope from both the backend and the fallback.
func (s *Store) Clear(ctx context.Context, room, channel string, before time.Time) (int, error) {
	fbRemoved, _ := s.fallback.Clear(ctx, room, channel, before)
	removed, err := s.backend.Clear(ctx, room, channel, before)
	if err == nil {
		return removed, nil
	}
	if s.mode == config.StorageModeStrict {
		return 0, fmt.Errorf("%w: %v", ErrStrictMode, err)
	}
	s.markDegraded()
	s.degradedOps.Add(1)
	return fbRemoved, nil
}

// Groups reports the consumer-group capability when the backend provides it.
func (s *Store) Groups() (GroupBackend, bool) {
	g, ok := s.backend.(GroupBackend)
	return g, ok
}

// Backend exposes the wrapped backend, mainly for stats and tooling.
func (s *Store) Backend() Backend { return s.backend }

// Stats merges backend stats with the wrapper's posture counters.
func (s *Store) Stats(ctx context.Context) map[string]interface{} {
	stats := s.backend.Stats(ctx)
	stats["mode"] = s.mode
	stats["degraded_mode_active"] = s.Degraded()
	stats["degraded_operations"] = s.degradedOps.Load()
	stats["append_errors"] = s.appendErrs.Load()
	return stats
}

// Health reports the backend health, downgraded while the fallback serves.
func (s *Store) Health(ctx context.Context) Health {
	h := s.backend.Health(ctx)
	if s.Degraded() {
		h.Status = "degraded"
		if h.Detail == nil {
			h.Detail = map[string]interface{}{}
		}
		h.Detail["fallback"] = "memory"
	}
	return h
}

// Close releases the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}
