package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// Status is the persisted synchronization state of the relayer.
type Status string

const (
	// StatusUnsynced means the two registries disagree and no propagation is
	// outstanding.
	StatusUnsynced Status = "unsynced"
	// StatusPending means a propagation transaction has been submitted and
	// has not been confirmed as mined yet.
	StatusPending Status = "pending"
	// StatusSynced means the two registries agree on the latest root.
	StatusSynced Status = "synced"
)

// ErrNotInitialized represents the error when the singleton status row is
// missing, i.e. Initialize was never called.
var ErrNotInitialized = errors.New("sync status row not initialized")

// Valid reports whether s is one of the three known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusUnsynced, StatusPending, StatusSynced:
		return true
	}
	return false
}

// SyncStatus is the singleton status record. LastSynced is nil until the
// first transition to synced.
type SyncStatus struct {
	Status     Status
	LastSynced *time.Time
}

const createTable = `
CREATE TABLE IF NOT EXISTS service_status (
	id SMALLINT PRIMARY KEY,
	status TEXT NOT NULL,
	last_synced TIMESTAMPTZ
)`

// Store persists the singleton sync status row in Postgres. All mutations
// are single-row atomic updates; the row is created once and never deleted.
type Store struct {
	db *sql.DB
}

// NewStore opens a connection pool against the given Postgres connection
// string and verifies connectivity.
func NewStore(ctx context.Context, conn string) (*Store, error) {
	db, err := sql.Open("postgres", conn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return &Store{db: db}, nil
}

// Initialize creates the status table and the singleton row if absent.
// Idempotent: a second call leaves an existing row untouched. A fresh row
// starts unsynced with no last-synced timestamp.
func (s *Store) Initialize(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, createTable); err != nil {
		return fmt.Errorf("creating status table: %w", err)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO service_status (id, status)
		VALUES (1, $1)
		ON CONFLICT (id) DO NOTHING`,
		string(StatusUnsynced))
	if err != nil {
		return fmt.Errorf("initializing status row: %w", err)
	}
	return nil
}

// SetStatus atomically updates the singleton row. The last-synced timestamp
// is stamped only on transitions to synced and left untouched otherwise.
func (s *Store) SetStatus(ctx context.Context, status Status) error {
	if !status.Valid() {
		return fmt.Errorf("invalid status %q", status)
	}

	var (
		res sql.Result
		err error
	)
	if status == StatusSynced {
		res, err = s.db.ExecContext(ctx, `
			UPDATE service_status
			SET status = $1, last_synced = CURRENT_TIMESTAMP
			WHERE id = 1`,
			string(status))
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE service_status
			SET status = $1
			WHERE id = 1`,
			string(status))
	}
	if err != nil {
		return fmt.Errorf("updating status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotInitialized
	}
	return nil
}

// GetStatus reads the singleton row.
func (s *Store) GetStatus(ctx context.Context) (*SyncStatus, error) {
	var (
		status     string
		lastSynced sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT status, last_synced
		FROM service_status
		WHERE id = 1`).Scan(&status, &lastSynced)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotInitialized
	}
	if err != nil {
		return nil, fmt.Errorf("reading status: %w", err)
	}

	out := &SyncStatus{Status: Status(status)}
	if lastSynced.Valid {
		t := lastSynced.Time
		out.LastSynced = &t
	}
	return out, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}
