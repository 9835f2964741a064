// Package audit persists scheduling events to Postgres for operational
// inspection: why a message was auto-acked, when promotions fire, how often
// probes coalesce. It implements the telemetry Notifier contract and is
// enabled only when a DSN is configured.
package audit

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"gateway-inbox/internal/telemetry"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

const insertTimeout = 5 * time.Second

// Sink writes scheduling events to the scheduling_events table.
type Sink struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Sink, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Sink{pool: pool}, nil
}

func (s *Sink) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// RunMigrations executes the embedded SQL migrations in order. The schema
// uses IF NOT EXISTS throughout, so re-running against an initialized
// database is already-ready, not an error.
func (s *Sink) RunMigrations(ctx context.Context) error {
	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		content, err := migrationFiles.ReadFile("migrations/" + e.Name())
		if err != nil {
			return fmt.Errorf("read migration %s: %w", e.Name(), err)
		}
		sql := strings.TrimSpace(string(content))
		if sql == "" {
			continue
		}
		if _, err := s.pool.Exec(ctx, sql); err != nil {
			return fmt.Errorf("exec migration %s: %w", e.Name(), err)
		}
	}
	return nil
}

// Notify records one scheduling event. The insert runs on its own goroutine
// with a bounded timeout so an unavailable database can never block or fail
// the queue operation being instrumented.
func (s *Sink) Notify(event string, fields telemetry.Fields) {
	messageID, _ := fields["id"].(string)
	source, _ := fields["source"].(string)
	label, _ := fields["priority_label"].(string)
	waitMs := int64(0)
	if v, ok := fields["wait_time_ms"].(int64); ok {
		waitMs = v
	}
	detail, err := json.Marshal(fields)
	if err != nil {
		detail = []byte("{}")
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), insertTimeout)
		defer cancel()
		_, err := s.pool.Exec(ctx, `
			INSERT INTO scheduling_events (event, message_id, source, priority_label, wait_time_ms, detail, recorded_at)
			VALUES ($1, $2, $3, $4, $5, $6, NOW())
		`, event, messageID, source, label, waitMs, detail)
		if err != nil {
			slog.Warn("audit insert failed", "event", event, "error", err)
		}
	}()
}

var _ telemetry.Notifier = (*Sink)(nil)
