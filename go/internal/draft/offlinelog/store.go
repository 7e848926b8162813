// Package offlinelog persists actions issued while a client was offline so
// they survive a restart and replay in enqueue order.
package offlinelog

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

//go:embed migrations/*.sql
var migrations embed.FS

// ErrNotFound is returned when an action id is not in the log.
var ErrNotFound = errors.New("offline action not found")

// Action is one queued offline action.
type Action struct {
	ID         uuid.UUID
	Type       string
	Payload    json.RawMessage
	EnqueuedAt time.Time
	RetryCount int
}

// Store is the SQLite-backed offline log.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the log at path and applies migrations. Use
// ":memory:" for a throwaway log.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open offline log: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite
	db.SetConnMaxLifetime(0)

	if err := migrateUp(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug().Str("path", path).Msg("offline log opened")
	return &Store{db: db}, nil
}

func migrateUp(db *sql.DB) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("load offline log migrations: %w", err)
	}
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("offline log migrate driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("offline log migrate: %w", err)
	}
	// m.Close would close db as well; only release the source.
	defer src.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("offline log migrate up: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Append adds an action at the tail of the log.
func (s *Store) Append(ctx context.Context, a Action) error {
	payload := []byte(a.Payload)
	if payload == nil {
		payload = []byte("null")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO offline_actions (id, type, payload, enqueued_at, retry_count) VALUES (?, ?, ?, ?, ?)`,
		a.ID.String(), a.Type, payload, a.EnqueuedAt.UnixNano(), a.RetryCount,
	)
	if err != nil {
		return fmt.Errorf("append offline action: %w", err)
	}
	return nil
}

// List returns all actions in enqueue order.
func (s *Store) List(ctx context.Context) ([]Action, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, payload, enqueued_at, retry_count FROM offline_actions ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("list offline actions: %w", err)
	}
	defer rows.Close()

	var out []Action
	for rows.Next() {
		var (
			id       string
			a        Action
			payload  []byte
			enqueued int64
		)
		if err := rows.Scan(&id, &a.Type, &payload, &enqueued, &a.RetryCount); err != nil {
			return nil, fmt.Errorf("scan offline action: %w", err)
		}
		if a.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("parse offline action id: %w", err)
		}
		a.Payload = json.RawMessage(payload)
		a.EnqueuedAt = time.Unix(0, enqueued).UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}

// Remove deletes one action.
func (s *Store) Remove(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM offline_actions WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("remove offline action: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkRetry bumps the retry count of an action and returns the new value.
func (s *Store) MarkRetry(ctx context.Context, id uuid.UUID) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`UPDATE offline_actions SET retry_count = retry_count + 1 WHERE id = ? RETURNING retry_count`,
		id.String(),
	).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("mark offline action retry: %w", err)
	}
	return n, nil
}

// Clear drops every action and returns how many were dropped.
func (s *Store) Clear(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM offline_actions`)
	if err != nil {
		return 0, fmt.Errorf("clear offline actions: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Len returns the number of queued actions.
func (s *Store) Len(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM offline_actions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count offline actions: %w", err)
	}
	return n, nil
}
