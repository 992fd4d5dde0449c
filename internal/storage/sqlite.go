package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"nerdhub/internal/presence"
)

const defaultBusyTimeout = 5000

// SQLiteMirror keeps the latest snapshot in a local SQLite file so that a
// process on the same host can read presence without the websocket.
type SQLiteMirror struct {
	db *sql.DB
}

// NewSQLiteMirror opens the database at path. Call Close when done.
func NewSQLiteMirror(path string) (*SQLiteMirror, error) {
	if path == "" {
		path = "nerdhub.db"
	}
	db, err := sql.Open("sqlite", buildDSN(path))
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d;", defaultBusyTimeout)); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteMirror{db: db}, nil
}

func (m *SQLiteMirror) Close() error {
	if m == nil || m.db == nil {
		return nil
	}
	return m.db.Close()
}

// SQLiteFilePath returns the file behind a sqlite DSN, or "" when the
// database lives in memory.
func SQLiteFilePath(dsn string) string {
	path := strings.TrimPrefix(dsn, "sqlite://")
	path = strings.TrimPrefix(path, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" || path == ":memory:" || strings.Contains(dsn, "mode=memory") {
		return ""
	}
	return path
}

func buildDSN(path string) string {
	switch {
	case strings.HasPrefix(path, "sqlite://"):
		path = path[len("sqlite://"):]
	case strings.HasPrefix(path, "file:"), strings.HasPrefix(path, ":memory:"):
		// already in a form sqlite understands
	default:
		path = "file:" + path
	}
	separator := "?"
	if strings.Contains(path, "?") {
		separator = "&"
	}
	return fmt.Sprintf("%s%s_pragma=busy_timeout=%d&_pragma=foreign_keys=ON", path, separator, defaultBusyTimeout)
}

// Migrate creates the two tables: one row per present user and a single
// meta row carrying seq and taken.
func (m *SQLiteMirror) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS presence_entries (
			user_id TEXT PRIMARY KEY,
			building_id TEXT NOT NULL,
			last_seen INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS presence_entries_building ON presence_entries(building_id);`,
		`CREATE TABLE IF NOT EXISTS presence_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			seq INTEGER NOT NULL,
			taken INTEGER NOT NULL
		);`,
	}
	for _, stmt := range statements {
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Write replaces the stored state with snap in one transaction.
func (m *SQLiteMirror) Write(ctx context.Context, snap presence.Snapshot) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM presence_entries`); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO presence_entries (user_id, building_id, last_seen) VALUES (?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, e := range snap.Entries {
		if _, err := stmt.ExecContext(ctx, e.UserID, e.BuildingID, e.LastSeen.UnixMilli()); err != nil {
			return fmt.Errorf("insert %s: %w", e.UserID, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO presence_meta (id, seq, taken) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET seq=excluded.seq, taken=excluded.taken`, int64(snap.Seq), snap.Taken.UnixMilli()); err != nil {
		return err
	}
	return tx.Commit()
}

func (m *SQLiteMirror) Read(ctx context.Context) (presence.Snapshot, error) {
	var snap presence.Snapshot
	var seq, taken int64
	err := m.db.QueryRowContext(ctx, `SELECT seq, taken FROM presence_meta WHERE id = 1`).Scan(&seq, &taken)
	if err == sql.ErrNoRows {
		return snap, ErrNoSnapshot
	}
	if err != nil {
		return snap, err
	}
	snap.Seq = uint64(seq)
	snap.Taken = time.UnixMilli(taken).UTC()

	rows, err := m.db.QueryContext(ctx, `SELECT user_id, building_id, last_seen FROM presence_entries ORDER BY user_id`)
	if err != nil {
		return snap, err
	}
	defer rows.Close()
	snap.Entries = []presence.Entry{}
	for rows.Next() {
		var e presence.Entry
		var lastSeen int64
		if err := rows.Scan(&e.UserID, &e.BuildingID, &lastSeen); err != nil {
			return snap, err
		}
		e.LastSeen = time.UnixMilli(lastSeen).UTC()
		e.Verified = true
		snap.Entries = append(snap.Entries, e)
	}
	return snap, rows.Err()
}

// Counts answers per-building occupancy straight from SQL.
func (m *SQLiteMirror) Counts(ctx context.Context) (map[string]int, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT building_id, COUNT(*) FROM presence_entries GROUP BY building_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var building string
		var n int
		if err := rows.Scan(&building, &n); err != nil {
			return nil, err
		}
		out[building] = n
	}
	return out, rows.Err()
}
