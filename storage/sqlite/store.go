// Package sqlite provides a SQLite-backed DurableStore for session state,
// events, and snapshots.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	stdSync "sync"
	"time"

	gamesync "github.com/cardroom/go-game-sync"
	syncErrors "github.com/cardroom/go-game-sync/errors"
	"github.com/cardroom/go-game-sync/logging"

	// Go SQLite driver
	_ "github.com/mattn/go-sqlite3"
)

// Operation constants for consistent error reporting
const (
	opPersistEvent    = "sqlite.PersistEvent"
	opPersistSnapshot = "sqlite.PersistSnapshot"
	opPersistState    = "sqlite.PersistState"
	opLoadState       = "sqlite.LoadState"
	opLoadEvents      = "sqlite.LoadEvents"
	opLoadSnapshot    = "sqlite.LoadLatestSnapshot"
	opLatestSequence  = "sqlite.LatestSequence"
	opOldestVersion   = "sqlite.OldestEventVersion"
	opPruneSnapshots  = "sqlite.PruneSnapshots"
)

// Config holds configuration options for the Store.
//
// Production-ready defaults are applied by DefaultConfig() including:
//   - WAL mode enabled for better concurrency
//   - Connection pool with 25 max open, 5 max idle connections
//   - Connection lifetimes of 1 hour max, 5 minutes max idle
type Config struct {
	// DataSourceName is the connection string for the SQLite database.
	// Example: "file:gamesync.db?_journal_mode=WAL"
	DataSourceName string

	// EnableWAL enables Write-Ahead Logging mode for better concurrency.
	// When true, automatically appends "?_journal_mode=WAL" to DataSourceName.
	EnableWAL bool

	// Connection pool settings for production workloads.
	// Defaults: MaxOpen=25, MaxIdle=5, Lifetime=1h, IdleTime=5m
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// setDefaults applies default values to the config
func (c *Config) setDefaults() {
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 25
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 5
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = time.Hour
	}
	if c.ConnMaxIdleTime == 0 {
		c.ConnMaxIdleTime = 5 * time.Minute
	}
	if c.EnableWAL {
		if !strings.Contains(c.DataSourceName, "?_journal_mode=") {
			c.DataSourceName += "?_journal_mode=WAL"
		}
	}
}

// DefaultConfig returns a Config with production-ready defaults.
func DefaultConfig(dataSourceName string) *Config {
	config := &Config{
		DataSourceName: dataSourceName,
		EnableWAL:      true,
	}
	config.setDefaults()
	return config
}

// NewWithDataSource is a convenience constructor
func NewWithDataSource(dataSourceName string) (*Store, error) {
	return New(DefaultConfig(dataSourceName))
}

// Store implements gamesync.DurableStore on SQLite.
type Store struct {
	db     *sql.DB
	mu     stdSync.RWMutex
	closed bool
	logger *logging.Logger
}

// Compile-time check to ensure Store satisfies the DurableStore interface
var _ gamesync.DurableStore = (*Store)(nil)

// New creates a new Store from a Config.
func New(config *Config) (*Store, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	config.setDefaults()

	if config.DataSourceName == "" {
		return nil, fmt.Errorf("DataSourceName is required")
	}

	logger := logging.WithComponent(logging.Component("sqlite-store"))
	logger.InfoContext(context.Background(), "Opening SQLite database",
		slog.String("data_source", config.DataSourceName),
		slog.Bool("wal_enabled", config.EnableWAL),
	)

	db, err := sql.Open("sqlite3", config.DataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to sqlite database: %w", err)
	}

	store := &Store{
		db:     db,
		logger: logger,
	}

	if err := store.setupSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to setup database schema: %w", err)
	}

	logger.InfoContext(context.Background(), "SQLite store initialized")
	return store, nil
}

// setupSchema creates the sessions, events, and snapshots tables.
func (s *Store) setupSchema() error {
	query := `
    CREATE TABLE IF NOT EXISTS sessions (
        session_id  TEXT PRIMARY KEY,
        version     INTEGER NOT NULL,
        state       TEXT NOT NULL,
        updated_at  TIMESTAMP NOT NULL,
        updated_by  TEXT NOT NULL DEFAULT ''
    );
    CREATE TABLE IF NOT EXISTS events (
        session_id       TEXT NOT NULL,
        sequence         INTEGER NOT NULL,
        version          INTEGER NOT NULL,
        actor            TEXT NOT NULL,
        action_type      TEXT NOT NULL,
        payload          TEXT,
        payload_checksum TEXT NOT NULL,
        state_checksum   TEXT NOT NULL,
        created_at       TIMESTAMP NOT NULL,
        PRIMARY KEY (session_id, sequence)
    );
    CREATE INDEX IF NOT EXISTS idx_events_version ON events (session_id, version);
    CREATE TABLE IF NOT EXISTS snapshots (
        session_id  TEXT NOT NULL,
        version     INTEGER NOT NULL,
        state       TEXT NOT NULL,
        checksum    TEXT NOT NULL,
        created_at  TIMESTAMP NOT NULL,
        PRIMARY KEY (session_id, version)
    );
    `
	_, err := s.db.Exec(query)
	return err
}

func (s *Store) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// PersistEvent writes the event and the session state it produced in one
// transaction. Either both rows land or neither does; the caller treats the
// return as the commit point for the action.
func (s *Store) PersistEvent(ctx context.Context, event gamesync.Event, state *gamesync.GameState) (err error) {
	if s.isClosed() {
		return gamesync.ErrStoreClosed
	}

	stateJSON, err := json.Marshal(state)
	if err != nil {
		return syncErrors.NewPersistence(opPersistEvent, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return syncErrors.NewPersistence(opPersistEvent, err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (session_id, sequence, version, actor, action_type, payload, payload_checksum, state_checksum, created_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.SessionID, event.Sequence, event.Version, event.Actor, string(event.Type),
		string(event.Payload), event.PayloadChecksum, event.StateChecksum, event.Timestamp.UTC())
	if err != nil {
		return syncErrors.NewPersistence(opPersistEvent, err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO sessions (session_id, version, state, updated_at, updated_by)
         VALUES (?, ?, ?, ?, ?)
         ON CONFLICT(session_id) DO UPDATE SET
             version = excluded.version,
             state = excluded.state,
             updated_at = excluded.updated_at,
             updated_by = excluded.updated_by`,
		state.SessionID, state.Version, string(stateJSON), state.UpdatedAt.UTC(), state.UpdatedBy)
	if err != nil {
		return syncErrors.NewPersistence(opPersistEvent, err)
	}

	if err = tx.Commit(); err != nil {
		return syncErrors.NewPersistence(opPersistEvent, err)
	}
	return nil
}

// PersistSnapshot writes a full-state snapshot.
func (s *Store) PersistSnapshot(ctx context.Context, snapshot gamesync.Snapshot) error {
	if s.isClosed() {
		return gamesync.ErrStoreClosed
	}

	stateJSON, err := json.Marshal(snapshot.State)
	if err != nil {
		return syncErrors.NewPersistence(opPersistSnapshot, err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO snapshots (session_id, version, state, checksum, created_at)
         VALUES (?, ?, ?, ?, ?)
         ON CONFLICT(session_id, version) DO UPDATE SET
             state = excluded.state,
             checksum = excluded.checksum,
             created_at = excluded.created_at`,
		snapshot.SessionID, snapshot.Version, string(stateJSON), snapshot.Checksum, snapshot.CreatedAt.UTC())
	if err != nil {
		return syncErrors.NewPersistence(opPersistSnapshot, err)
	}
	return nil
}

// PersistState upserts the authoritative session row outside the event path.
func (s *Store) PersistState(ctx context.Context, state *gamesync.GameState) error {
	if s.isClosed() {
		return gamesync.ErrStoreClosed
	}

	stateJSON, err := json.Marshal(state)
	if err != nil {
		return syncErrors.NewPersistence(opPersistState, err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, version, state, updated_at, updated_by)
         VALUES (?, ?, ?, ?, ?)
         ON CONFLICT(session_id) DO UPDATE SET
             version = excluded.version,
             state = excluded.state,
             updated_at = excluded.updated_at,
             updated_by = excluded.updated_by`,
		state.SessionID, state.Version, string(stateJSON), state.UpdatedAt.UTC(), state.UpdatedBy)
	if err != nil {
		return syncErrors.NewPersistence(opPersistState, err)
	}
	return nil
}

// LoadState returns the authoritative state for a session.
func (s *Store) LoadState(ctx context.Context, sessionID string) (*gamesync.GameState, error) {
	if s.isClosed() {
		return nil, gamesync.ErrStoreClosed
	}

	var stateJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM sessions WHERE session_id = ?`, sessionID).Scan(&stateJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, gamesync.ErrSessionNotFound
	}
	if err != nil {
		return nil, syncErrors.NewPersistence(opLoadState, err)
	}

	var state gamesync.GameState
	if err := json.Unmarshal([]byte(stateJSON), &state); err != nil {
		return nil, syncErrors.NewPersistence(opLoadState, err)
	}
	return &state, nil
}

// LoadEvents returns events with fromVersion <= version <= toVersion in
// sequence order. A toVersion of 0 means no upper bound.
func (s *Store) LoadEvents(ctx context.Context, sessionID string, fromVersion, toVersion int64) ([]gamesync.Event, error) {
	if s.isClosed() {
		return nil, gamesync.ErrStoreClosed
	}

	query := `SELECT session_id, sequence, version, actor, action_type, payload, payload_checksum, state_checksum, created_at
              FROM events WHERE session_id = ? AND version >= ?`
	args := []any{sessionID, fromVersion}
	if toVersion > 0 {
		query += ` AND version <= ?`
		args = append(args, toVersion)
	}
	query += ` ORDER BY sequence ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, syncErrors.NewPersistence(opLoadEvents, err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// LoadLatestSnapshot returns the most recent snapshot for a session.
func (s *Store) LoadLatestSnapshot(ctx context.Context, sessionID string) (*gamesync.Snapshot, error) {
	if s.isClosed() {
		return nil, gamesync.ErrStoreClosed
	}

	var (
		snap      gamesync.Snapshot
		stateJSON string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, version, state, checksum, created_at
         FROM snapshots WHERE session_id = ? ORDER BY version DESC LIMIT 1`,
		sessionID).Scan(&snap.SessionID, &snap.Version, &stateJSON, &snap.Checksum, &snap.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, gamesync.ErrSnapshotNotFound
	}
	if err != nil {
		return nil, syncErrors.NewPersistence(opLoadSnapshot, err)
	}

	snap.State = &gamesync.GameState{}
	if err := json.Unmarshal([]byte(stateJSON), snap.State); err != nil {
		return nil, syncErrors.NewPersistence(opLoadSnapshot, err)
	}
	return &snap, nil
}

// LatestSequence returns the highest stored sequence number for a session.
func (s *Store) LatestSequence(ctx context.Context, sessionID string) (int64, error) {
	if s.isClosed() {
		return 0, gamesync.ErrStoreClosed
	}

	var max sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(sequence) FROM events WHERE session_id = ?`, sessionID).Scan(&max)
	if err != nil {
		return 0, syncErrors.NewPersistence(opLatestSequence, err)
	}
	if !max.Valid {
		return 0, nil
	}
	return max.Int64, nil
}

// OldestEventVersion returns the lowest surviving event version for a
// session, or 0 when the log is empty.
func (s *Store) OldestEventVersion(ctx context.Context, sessionID string) (int64, error) {
	if s.isClosed() {
		return 0, gamesync.ErrStoreClosed
	}

	var min sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MIN(version) FROM events WHERE session_id = ?`, sessionID).Scan(&min)
	if err != nil {
		return 0, syncErrors.NewPersistence(opOldestVersion, err)
	}
	if !min.Valid {
		return 0, nil
	}
	return min.Int64, nil
}

// PruneSnapshots keeps the most recent `keep` snapshots and deletes older
// ones together with events older than the oldest retained snapshot.
func (s *Store) PruneSnapshots(ctx context.Context, sessionID string, keep int) (pruned int, err error) {
	if s.isClosed() {
		return 0, gamesync.ErrStoreClosed
	}
	if keep <= 0 {
		return 0, fmt.Errorf("keep must be positive, got %d", keep)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, syncErrors.NewPersistence(opPruneSnapshots, err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	// The version floor below which snapshots (and their preceding events)
	// are no longer needed for replay.
	var floor sql.NullInt64
	err = tx.QueryRowContext(ctx,
		`SELECT MIN(version) FROM (
             SELECT version FROM snapshots WHERE session_id = ?
             ORDER BY version DESC LIMIT ?
         )`, sessionID, keep).Scan(&floor)
	if err != nil {
		return 0, syncErrors.NewPersistence(opPruneSnapshots, err)
	}
	if !floor.Valid {
		return 0, tx.Commit()
	}

	res, err := tx.ExecContext(ctx,
		`DELETE FROM snapshots WHERE session_id = ? AND version < ?`,
		sessionID, floor.Int64)
	if err != nil {
		return 0, syncErrors.NewPersistence(opPruneSnapshots, err)
	}
	n, _ := res.RowsAffected()

	_, err = tx.ExecContext(ctx,
		`DELETE FROM events WHERE session_id = ? AND version <= ?`,
		sessionID, floor.Int64)
	if err != nil {
		return 0, syncErrors.NewPersistence(opPruneSnapshots, err)
	}

	if err = tx.Commit(); err != nil {
		return 0, syncErrors.NewPersistence(opPruneSnapshots, err)
	}
	return int(n), nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Stats returns database statistics for monitoring
func (s *Store) Stats() sql.DBStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return sql.DBStats{}
	}
	return s.db.Stats()
}

// scanEvents is a helper to scan sql.Rows into a slice of events.
func scanEvents(rows *sql.Rows) ([]gamesync.Event, error) {
	var events []gamesync.Event
	for rows.Next() {
		var (
			evt        gamesync.Event
			actionType string
			payload    sql.NullString
		)
		if err := rows.Scan(&evt.SessionID, &evt.Sequence, &evt.Version, &evt.Actor,
			&actionType, &payload, &evt.PayloadChecksum, &evt.StateChecksum, &evt.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		evt.Type = gamesync.ActionType(actionType)
		if payload.Valid {
			evt.Payload = json.RawMessage(payload.String)
		}
		events = append(events, evt)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return events, nil
}
