// Package journal keeps a diagnostics trail of call sessions in PostgreSQL:
// state changes, quality samples, reconnection attempts and toasts.
package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq" // also registers the postgres driver
	"go.uber.org/zap"

	"github.com/mikeyg42/callcore/internal/config"
)

// Kind classifies a journal entry
type Kind string

const (
	KindSession   Kind = "session"
	KindQuality   Kind = "quality"
	KindReconnect Kind = "reconnect"
	KindToast     Kind = "toast"
)

// Entry is one journal row
type Entry struct {
	ID        uuid.UUID
	SessionID string
	Kind      Kind
	Summary   string
	Tags      []string
	Data      map[string]any
	At        time.Time
}

// Store persists entries
type Store interface {
	Insert(ctx context.Context, entries []Entry) error
	Recent(ctx context.Context, sessionID string, limit int) ([]Entry, error)
	Close() error
}

// row is the database shape of an Entry
type row struct {
	ID        uuid.UUID      `db:"id"`
	SessionID string         `db:"session_id"`
	Kind      string         `db:"kind"`
	Summary   string         `db:"summary"`
	Tags      pq.StringArray `db:"tags"`
	Data      string         `db:"data"`
	At        time.Time      `db:"occurred_at"`
}

func toRow(e Entry) (row, error) {
	data := "{}"
	if len(e.Data) > 0 {
		b, err := json.Marshal(e.Data)
		if err != nil {
			return row{}, fmt.Errorf("failed to marshal entry data: %w", err)
		}
		data = string(b)
	}
	tags := e.Tags
	if tags == nil {
		tags = []string{}
	}
	return row{
		ID:        e.ID,
		SessionID: e.SessionID,
		Kind:      string(e.Kind),
		Summary:   e.Summary,
		Tags:      pq.StringArray(tags),
		Data:      data,
		At:        e.At,
	}, nil
}

func (r row) entry() (Entry, error) {
	e := Entry{
		ID:        r.ID,
		SessionID: r.SessionID,
		Kind:      Kind(r.Kind),
		Summary:   r.Summary,
		Tags:      []string(r.Tags),
		At:        r.At,
	}
	if len(r.Data) > 0 {
		if err := json.Unmarshal([]byte(r.Data), &e.Data); err != nil {
			return Entry{}, fmt.Errorf("failed to unmarshal entry data: %w", err)
		}
	}
	return e, nil
}

// PostgresStore implements Store on PostgreSQL
type PostgresStore struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewPostgresStore connects, sizes the pool and creates the schema
func NewPostgresStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = zap.L()
	}

	db, err := sqlx.Open("postgres", cfg.GetDatabaseDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.Journal.MaxConnections)
	db.SetMaxIdleConns(cfg.Journal.MaxConnections)
	if cfg.Journal.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.Journal.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &PostgresStore{
		db:     db,
		logger: logger.Named("journal-store"),
	}
	if err := store.initSchema(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS call_events (
		id UUID PRIMARY KEY,
		session_id VARCHAR(255) NOT NULL,
		kind VARCHAR(20) NOT NULL CHECK (kind IN ('session', 'quality', 'reconnect', 'toast')),
		summary TEXT NOT NULL,
		tags TEXT[] DEFAULT '{}',
		data JSONB DEFAULT '{}',
		occurred_at TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_call_events_session ON call_events(session_id, occurred_at DESC);
	CREATE INDEX IF NOT EXISTS idx_call_events_kind ON call_events(kind);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

const insertQuery = `
	INSERT INTO call_events (id, session_id, kind, summary, tags, data, occurred_at)
	VALUES (:id, :session_id, :kind, :summary, :tags, :data, :occurred_at)
	ON CONFLICT (id) DO NOTHING
`

// Insert writes entries in one transaction
func (s *PostgresStore) Insert(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}

	rows := make([]row, 0, len(entries))
	for _, e := range entries {
		r, err := toRow(e)
		if err != nil {
			return err
		}
		rows = append(rows, r)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if _, err := tx.NamedExecContext(ctx, insertQuery, rows); err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to insert call events: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit call events: %w", err)
	}
	return nil
}

// Recent returns the newest entries of a session, newest first
func (s *PostgresStore) Recent(ctx context.Context, sessionID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, session_id, kind, summary, tags, data, occurred_at
		FROM call_events
		WHERE session_id = $1
		ORDER BY occurred_at DESC
		LIMIT $2
	`
	var rows []row
	if err := s.db.SelectContext(ctx, &rows, query, sessionID, limit); err != nil {
		return nil, fmt.Errorf("failed to query call events: %w", err)
	}

	entries := make([]Entry, 0, len(rows))
	for _, r := range rows {
		e, err := r.entry()
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Close closes the database connection
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// permanent reports whether retrying the statement cannot help: SQL errors
// and constraint violations, as opposed to connection trouble.
func permanent(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	switch pqErr.Code.Class() {
	case "22", "23", "42":
		return true
	}
	return false
}
