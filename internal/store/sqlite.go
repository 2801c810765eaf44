package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jelmore/jelmore/internal/protocol"
	"github.com/jelmore/jelmore/internal/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id                TEXT PRIMARY KEY,
	status            TEXT NOT NULL,
	query             TEXT NOT NULL,
	variant           TEXT NOT NULL,
	current_directory TEXT NOT NULL DEFAULT '',
	config            TEXT NOT NULL,
	metadata          TEXT NOT NULL DEFAULT '{}',
	output_buffer     TEXT NOT NULL DEFAULT '[]',
	metrics           TEXT NOT NULL DEFAULT '{}',
	process_id        INTEGER NOT NULL DEFAULT 0,
	created_at        TEXT NOT NULL,
	updated_at        TEXT NOT NULL,
	last_activity     TEXT NOT NULL,
	terminated_at     TEXT
);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
CREATE INDEX IF NOT EXISTS idx_sessions_last_activity ON sessions(last_activity);
`

// SQLiteStore is the durable session backend. All timestamps are stored as
// RFC 3339 text in UTC; nested structures are stored as JSON columns.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and ensures the
// schema. A single writer connection avoids SQLITE_BUSY under concurrent
// session updates.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable wal: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Insert stores a new session row. Fails if the id already exists.
func (s *SQLiteStore) Insert(ctx context.Context, sess *types.Session) error {
	cols, err := encodeColumns(sess)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions
			(id, status, query, variant, current_directory, config, metadata,
			 output_buffer, metrics, process_id, created_at, updated_at,
			 last_activity, terminated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(sess.ID), string(sess.Status), sess.Query, sess.Config.Variant,
		sess.CurrentDirectory, cols.config, cols.metadata, cols.output,
		cols.metrics, sess.ProcessID, fmtTime(sess.CreatedAt),
		fmtTime(sess.UpdatedAt), fmtTime(sess.LastActivity), cols.terminated)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// Get loads one session by id, returning ErrNotFound for absent rows.
func (s *SQLiteStore) Get(ctx context.Context, id types.SessionID) (*types.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, status, query, current_directory, config, metadata,
		       output_buffer, metrics, process_id, created_at, updated_at,
		       last_activity, terminated_at
		FROM sessions WHERE id = ?`, string(id))
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	return sess, err
}

// Update rewrites the mutable columns of an existing session.
func (s *SQLiteStore) Update(ctx context.Context, sess *types.Session) error {
	cols, err := encodeColumns(sess)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET
			status = ?, current_directory = ?, config = ?, metadata = ?,
			output_buffer = ?, metrics = ?, process_id = ?, updated_at = ?,
			last_activity = ?, terminated_at = ?
		WHERE id = ?`,
		string(sess.Status), sess.CurrentDirectory, cols.config, cols.metadata,
		cols.output, cols.metrics, sess.ProcessID, fmtTime(sess.UpdatedAt),
		fmtTime(sess.LastActivity), cols.terminated, string(sess.ID))
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.ErrNotFound
	}
	return nil
}

// Delete removes a session row. Absent rows return ErrNotFound.
func (s *SQLiteStore) Delete(ctx context.Context, id types.SessionID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, string(id))
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.ErrNotFound
	}
	return nil
}

// List returns sessions matching the filter, newest first.
func (s *SQLiteStore) List(ctx context.Context, filter types.SessionFilter) ([]*types.Session, error) {
	query := `
		SELECT id, status, query, current_directory, config, metadata,
		       output_buffer, metrics, process_id, created_at, updated_at,
		       last_activity, terminated_at
		FROM sessions`
	var args []any
	if filter.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*types.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// Stale returns sessions whose last activity predates olderThan. Terminal
// sessions are already retired and suspended ones hold no process, so both
// are excluded.
func (s *SQLiteStore) Stale(ctx context.Context, olderThan time.Time) ([]*types.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, status, query, current_directory, config, metadata,
		       output_buffer, metrics, process_id, created_at, updated_at,
		       last_activity, terminated_at
		FROM sessions
		WHERE last_activity < ? AND status NOT IN (?, ?, ?)
		ORDER BY last_activity ASC`,
		fmtTime(olderThan), string(types.StatusTerminated), string(types.StatusFailed),
		string(types.StatusSuspended))
	if err != nil {
		return nil, fmt.Errorf("scan stale sessions: %w", err)
	}
	defer rows.Close()

	var out []*types.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

type encodedColumns struct {
	config     string
	metadata   string
	output     string
	metrics    string
	terminated sql.NullString
}

func encodeColumns(sess *types.Session) (encodedColumns, error) {
	var c encodedColumns
	for _, enc := range []struct {
		dst *string
		src any
	}{
		{&c.config, sess.Config},
		{&c.metadata, sess.Metadata},
		{&c.output, sess.OutputBuffer},
		{&c.metrics, sess.Metrics},
	} {
		b, err := json.Marshal(enc.src)
		if err != nil {
			return c, fmt.Errorf("encode session column: %w", err)
		}
		*enc.dst = string(b)
	}
	if c.metadata == "null" {
		c.metadata = "{}"
	}
	if c.output == "null" {
		c.output = "[]"
	}
	if sess.TerminatedAt != nil {
		c.terminated = sql.NullString{String: fmtTime(*sess.TerminatedAt), Valid: true}
	}
	return c, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*types.Session, error) {
	var (
		sess                               types.Session
		id, status                         string
		config, metadata, output, metrics  string
		createdAt, updatedAt, lastActivity string
		terminatedAt                       sql.NullString
	)
	err := row.Scan(&id, &status, &sess.Query, &sess.CurrentDirectory,
		&config, &metadata, &output, &metrics, &sess.ProcessID,
		&createdAt, &updatedAt, &lastActivity, &terminatedAt)
	if err != nil {
		return nil, err
	}
	sess.ID = types.SessionID(id)
	sess.Status = types.Status(status)

	if err := json.Unmarshal([]byte(config), &sess.Config); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := json.Unmarshal([]byte(metadata), &sess.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	sess.OutputBuffer = []protocol.DecodedEvent{}
	if err := json.Unmarshal([]byte(output), &sess.OutputBuffer); err != nil {
		return nil, fmt.Errorf("decode output buffer: %w", err)
	}
	if err := json.Unmarshal([]byte(metrics), &sess.Metrics); err != nil {
		return nil, fmt.Errorf("decode metrics: %w", err)
	}

	if sess.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if sess.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if sess.LastActivity, err = parseTime(lastActivity); err != nil {
		return nil, err
	}
	if terminatedAt.Valid {
		t, err := parseTime(terminatedAt.String)
		if err != nil {
			return nil, err
		}
		sess.TerminatedAt = &t
	}
	return &sess, nil
}

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored timestamp %q: %w", s, err)
	}
	return t, nil
}
