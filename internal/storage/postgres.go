package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"

	"github.com/arqonbus/arqonbus/internal/circuitbreaker"
	"github.com/arqonbus/arqonbus/internal/config"
	"github.com/arqonbus/arqonbus/internal/protocol"
)

// PostgresBackend is the durable-state projection: idempotent inserts keyed
// on envelope id, history served off a (room, channel, stored_at desc)
// index.
type PostgresBackend struct {
	db      *sql.DB
	table   string
	breaker *circuitbreaker.Breaker
	log     *slog.Logger
}

// NewPostgresBackend opens the pool, verifies connectivity and ensures the
// schema.
func NewPostgresBackend(ctx context.Context, cfg config.PostgresConfig, log *slog.Logger) (*PostgresBackend, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("postgres backend requires ARQONBUS_DATABASE_URL")
	}
	if log == nil {
		log = slog.Default()
	}

	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	p := &PostgresBackend{
		db:      db,
		table:   cfg.Table,
		breaker: circuitbreaker.New(circuitbreaker.DefaultConfig("postgres")),
		log:     log,
	}
	if err := p.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	log.Info("connected to postgres", "table", cfg.Table)
	return p, nil
}

func (p *PostgresBackend) ensureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id        TEXT PRIMARY KEY,
			room      TEXT NOT NULL DEFAULT '',
			channel   TEXT NOT NULL DEFAULT '',
			sender    TEXT NOT NULL DEFAULT '',
			msg_type  TEXT NOT NULL,
			stored_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			envelope  JSONB NOT NULL
		)`, p.table)
	if _, err := p.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create table %s: %w", p.table, err)
	}
	idx := fmt.Sprintf(
		`CREATE INDEX IF NOT EXISTS %s_scope_idx ON %s (room, channel, stored_at DESC)`,
		p.table, p.table)
	if _, err := p.db.ExecContext(ctx, idx); err != nil {
		return fmt.Errorf("create index on %s: %w", p.table, err)
	}
	return nil
}

// Append inserts the envelope; replays of the same id are no-ops.
func (p *PostgresBackend) Append(ctx context.Context, e *protocol.Envelope) error {
	wire, err := e.MarshalJSONWire()
	if err != nil {
		return err
	}
	return p.breaker.Do(func() error {
		query := fmt.Sprintf(`
			INSERT INTO %s (id, room, channel, sender, msg_type, stored_at, envelope)
			VALUES ($1, $2, $3, $4, $5, now(), $6)
			ON CONFLICT (id) DO NOTHING`, p.table)
		if _, err := p.db.ExecContext(ctx, query, e.ID, e.Room, e.Channel, e.Sender, e.Type, wire); err != nil {
			return fmt.Errorf("postgres insert: %w", err)
		}
		return nil
	})
}

// History queries the scope index newest-first.
func (p *PostgresBackend) History(ctx context.Context, q HistoryQuery) ([]Entry, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}

	where := "1=1"
	args := []interface{}{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if q.Room != "" {
		where += " AND room = " + arg(q.Room)
	}
	if q.Channel != "" {
		where += " AND channel = " + arg(q.Channel)
	}
	if q.Sender != "" {
		where += " AND sender = " + arg(q.Sender)
	}
	if !q.Since.IsZero() {
		where += " AND stored_at >= " + arg(q.Since)
	}
	if !q.Until.IsZero() {
		where += " AND stored_at <= " + arg(q.Until)
	}
	query := fmt.Sprintf(
		`SELECT envelope, stored_at FROM %s WHERE %s ORDER BY stored_at DESC LIMIT %s`,
		p.table, where, arg(limit))

	var entries []Entry
	err := p.breaker.Do(func() error {
		rows, err := p.db.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("postgres history: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var raw []byte
			var storedAt time.Time
			if err := rows.Scan(&raw, &storedAt); err != nil {
				return fmt.Errorf("postgres history scan: %w", err)
			}
			e, err := protocol.UnmarshalJSONWire(raw)
			if err != nil {
				p.log.Warn("skipping unparseable stored envelope", "error", err)
				continue
			}
			entries = append(entries, Entry{Envelope: e, StoredAt: storedAt})
		}
		return rows.Err()
	})
	return entries, err
}

// Delete removes the row with the given id.
func (p *PostgresBackend) Delete(ctx context.Context, id string) error {
	return p.breaker.Do(func() error {
		res, err := p.db.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, p.table), id)
		if err != nil {
			return fmt.Errorf("postgres delete: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// Clear removes rows in scope, optionally bounded by time.
func (p *PostgresBackend) Clear(ctx context.Context, room, channel string, before time.Time) (int, error) {
	where := "1=1"
	args := []interface{}{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if room != "" {
		where += " AND room = " + arg(room)
	}
	if channel != "" {
		where += " AND channel = " + arg(channel)
	}
	if !before.IsZero() {
		where += " AND stored_at < " + arg(before)
	}

	removed := 0
	err := p.breaker.Do(func() error {
		res, err := p.db.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE %s`, p.table, where), args...)
		if err != nil {
			return fmt.Errorf("postgres clear: %w", err)
		}
		n, _ := res.RowsAffected()
		removed = int(n)
		return nil
	})
	return removed, err
}

// Stats reports row count, pool state and breaker posture.
func (p *PostgresBackend) Stats(ctx context.Context) map[string]interface{} {
	stats := map[string]interface{}{
		"backend":       p.Name(),
		"table":         p.table,
		"breaker_state": p.breaker.State().String(),
		"open_conns":    p.db.Stats().OpenConnections,
	}
	var count int64
	if err := p.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT count(*) FROM %s`, p.table)).Scan(&count); err == nil {
		stats["stored_entries"] = count
	}
	return stats
}

// Health pings the pool.
func (p *PostgresBackend) Health(ctx context.Context) Health {
	start := time.Now()
	if err := p.db.PingContext(ctx); err != nil {
		return Health{Status: "unhealthy", Backend: p.Name(), Detail: map[string]interface{}{"error": err.Error()}}
	}
	return Health{
		Status:  "healthy",
		Backend: p.Name(),
		Detail:  map[string]interface{}{"ping_ms": time.Since(start).Milliseconds()},
	}
}

// Close drains the pool.
func (p *PostgresBackend) Close() error { return p.db.Close() }

// Name identifies the backend in stats and health reports.
func (p *PostgresBackend) Name() string { return "postgres" }
