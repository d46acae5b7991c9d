// Package audit records job and simulation milestones in a relational table
// for operators. Writes are best-effort: a dead database cannot fail a job,
// and a circuit breaker keeps a dead database from slowing one down.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

const schema = `
CREATE TABLE IF NOT EXISTS audit_events (
	id         BIGSERIAL PRIMARY KEY,
	ts         TIMESTAMPTZ NOT NULL,
	session_id TEXT NOT NULL,
	model      TEXT NOT NULL DEFAULT '',
	event      TEXT NOT NULL,
	detail     TEXT NOT NULL DEFAULT ''
)`

const insertSQL = `INSERT INTO audit_events (ts, session_id, model, event, detail) VALUES ($1, $2, $3, $4, $5)`

const recentSQL = `SELECT id, ts, session_id, model, event, detail FROM audit_events ORDER BY id DESC LIMIT $1`

// Row is one audit record.
type Row struct {
	ID        int64     `db:"id" json:"id"`
	TS        time.Time `db:"ts" json:"ts"`
	SessionID string    `db:"session_id" json:"session_id"`
	Model     string    `db:"model" json:"model"`
	Event     string    `db:"event" json:"event"`
	Detail    string    `db:"detail" json:"detail"`
}

// Store writes and reads the audit table. A nil *Store is valid and records
// nothing, which is how the service runs without AUDIT_DSN.
type Store struct {
	db  *sqlx.DB
	cb  *gobreaker.CircuitBreaker
	log *zap.Logger
}

// Open connects to the audit database and ensures the table exists.
func Open(dsn string, log *zap.Logger) (*Store, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping audit db: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create audit table: %w", err)
	}
	return NewStore(db, log), nil
}

// NewStore wraps an existing connection, which tests back with sqlmock.
func NewStore(db *sqlx.DB, log *zap.Logger) *Store {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "audit",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	})
	return &Store{db: db, cb: cb, log: log}
}

// Record inserts one audit row. Failures are logged and dropped.
func (s *Store) Record(ctx context.Context, sid, model, event, detail string) {
	if s == nil {
		return
	}
	_, err := s.cb.Execute(func() (interface{}, error) {
		cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		_, err := s.db.ExecContext(cctx, insertSQL, time.Now().UTC(), sid, model, event, detail)
		return nil, err
	})
	if err != nil {
		s.log.Warn("audit write dropped",
			zap.String("session", sid),
			zap.String("event", event),
			zap.Error(err))
	}
}

// Recent returns the newest rows, most recent first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Row, error) {
	if s == nil {
		return []Row{}, nil
	}
	rows := []Row{}
	if err := s.db.SelectContext(ctx, &rows, recentSQL, limit); err != nil {
		return nil, fmt.Errorf("query audit rows: %w", err)
	}
	return rows, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	return s.db.Close()
}
