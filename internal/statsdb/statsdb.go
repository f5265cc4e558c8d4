// Package statsdb persists relay session summaries and periodic counter
// snapshots to a local SQLite database. Buffered datagrams themselves are
// never persisted.
package statsdb

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/petrf99/grfp-tech-utils/internal/relay"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB wraps the SQLite connection.
type DB struct {
	*sql.DB
}

// Open opens (creating if needed) the database at path and applies any
// pending migrations.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open stats db: %w", err)
	}
	db := &DB{conn}
	if err := db.migrateUp(); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

func (db *DB) migrateUp() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load embedded migrations: %w", err)
	}
	driver, err := migratesqlite.WithInstance(db.DB, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	// Not closing m: it would close the underlying DB connection.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// Session is one recorded relay run.
type Session struct {
	ID         string
	Name       string
	ListenAddr string
	TargetAddr string
	StartedAt  time.Time
	EndedAt    *time.Time
}

// StartSession records the beginning of a relay run and returns its ID.
func (db *DB) StartSession(name, listenAddr, targetAddr string) (string, error) {
	id := uuid.NewString()
	_, err := db.Exec(
		`INSERT INTO relay_sessions (session_id, name, listen_addr, target_addr, started_at)
		 VALUES (?, ?, ?, ?, ?)`,
		id, name, listenAddr, targetAddr, time.Now().UTC(),
	)
	if err != nil {
		return "", fmt.Errorf("start session: %w", err)
	}
	return id, nil
}

// EndSession marks a relay run as finished.
func (db *DB) EndSession(id string) error {
	res, err := db.Exec(
		`UPDATE relay_sessions SET ended_at = ? WHERE session_id = ?`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return fmt.Errorf("end session: no session %q", id)
	}
	return err
}

// GetSession fetches one session by ID.
func (db *DB) GetSession(id string) (*Session, error) {
	var s Session
	var ended sql.NullTime
	err := db.QueryRow(
		`SELECT session_id, name, listen_addr, target_addr, started_at, ended_at
		 FROM relay_sessions WHERE session_id = ?`, id,
	).Scan(&s.ID, &s.Name, &s.ListenAddr, &s.TargetAddr, &s.StartedAt, &ended)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if ended.Valid {
		s.EndedAt = &ended.Time
	}
	return &s, nil
}

// CounterRow is one persisted snapshot of the relay counters.
type CounterRow struct {
	SessionID  string
	RecordedAt time.Time
	Snapshot   relay.StatsSnapshot
}

// RecordCounters stores a snapshot of the relay counters for a session.
func (db *DB) RecordCounters(sessionID string, snap relay.StatsSnapshot) error {
	_, err := db.Exec(
		`INSERT INTO relay_counters
		 (session_id, recorded_at, received, received_bytes, forwarded, forwarded_bytes, decode_drops, rejected, send_errors)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID, time.Now().UTC(),
		snap.Received, snap.ReceivedBytes,
		snap.Forwarded, snap.ForwardedBytes,
		snap.DecodeDrops, snap.Rejected, snap.SendErrors,
	)
	if err != nil {
		return fmt.Errorf("record counters: %w", err)
	}
	return nil
}

// SessionCounters returns all snapshots recorded for a session, oldest first.
func (db *DB) SessionCounters(sessionID string) ([]CounterRow, error) {
	rows, err := db.Query(
		`SELECT session_id, recorded_at, received, received_bytes, forwarded, forwarded_bytes, decode_drops, rejected, send_errors
		 FROM relay_counters WHERE session_id = ? ORDER BY recorded_at`, sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("session counters: %w", err)
	}
	defer rows.Close()

	var out []CounterRow
	for rows.Next() {
		var r CounterRow
		if err := rows.Scan(
			&r.SessionID, &r.RecordedAt,
			&r.Snapshot.Received, &r.Snapshot.ReceivedBytes,
			&r.Snapshot.Forwarded, &r.Snapshot.ForwardedBytes,
			&r.Snapshot.DecodeDrops, &r.Snapshot.Rejected, &r.Snapshot.SendErrors,
		); err != nil {
			return nil, fmt.Errorf("scan counter row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
