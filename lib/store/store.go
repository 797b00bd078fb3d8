/*
Copyright 2025 fwdslsh, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package store implements the durable event store: an append-only,
// per-session ordered event log plus a mutable session table, backed by a
// local SQLite database.
//
// The store is the authoritative source for replay and for the next
// sequence number. Sequence allocation and insertion happen inside one
// serialized write transaction per process, so concurrent appends to the
// same session always produce distinct, gap-free, monotonically increasing
// seq values. Readers proceed concurrently with the writer (WAL mode).
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/fwdslsh/dispatch"
	"github.com/fwdslsh/dispatch/lib/defaults"
	"github.com/fwdslsh/dispatch/lib/events"
	"github.com/fwdslsh/dispatch/lib/session"
)

var (
	eventsAppended = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_store_events_appended_total",
			Help: "Number of events appended to the store",
		},
	)
	appendFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_store_append_failures_total",
			Help: "Number of failed event appends",
		},
	)
)

func init() {
	prometheus.MustRegister(eventsAppended)
	prometheus.MustRegister(appendFailures)
}

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	status TEXT NOT NULL,
	owner TEXT NOT NULL DEFAULT '',
	metadata BLOB,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS sessions_kind ON sessions (kind);
CREATE INDEX IF NOT EXISTS sessions_status ON sessions (status);
CREATE TABLE IF NOT EXISTS events (
	session_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	channel TEXT NOT NULL,
	type TEXT NOT NULL,
	payload BLOB,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (session_id, seq)
);
CREATE TABLE IF NOT EXISTS layouts (
	client_id TEXT NOT NULL,
	session_id TEXT NOT NULL,
	tile_id TEXT NOT NULL,
	updated_at INTEGER NOT NULL,
	UNIQUE (session_id, client_id)
);
`

// Config is the configuration of the event store.
type Config struct {
	// Path is the location of the SQLite database file.
	Path string
	// Clock is used to stamp session rows.
	Clock clockwork.Clock
	// Logger emits store diagnostics.
	Logger *slog.Logger
	// MaxPayloadBytes caps the payload of a single appended event.
	MaxPayloadBytes int
	// BusyTimeout sets the SQLite busy timeout in milliseconds.
	BusyTimeout int
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Path == "" {
		return trace.BadParameter("missing parameter Path")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(dispatch.ComponentKey, dispatch.ComponentStore)
	}
	if c.MaxPayloadBytes <= 0 {
		c.MaxPayloadBytes = defaults.MaxPayloadBytes
	}
	if c.BusyTimeout <= 0 {
		c.BusyTimeout = 10000
	}
	return nil
}

// Store is a SQLite-backed event store.
type Store struct {
	cfg Config
	db  *sql.DB

	// wmu serializes all writes. SQLite allows a single writer at a time;
	// funneling writes through one mutex keeps seq allocation and insertion
	// atomic without retry loops on SQLITE_BUSY.
	wmu sync.Mutex
}

// New opens (and if necessary creates) the store at cfg.Path.
func New(cfg Config) (*Store, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	dsn := fmt.Sprintf("file:%v?%v", cfg.Path, url.Values{
		"_busy_timeout": []string{fmt.Sprintf("%v", cfg.BusyTimeout)},
		"_journal_mode": []string{"WAL"},
		"_synchronous":  []string{"NORMAL"},
	}.Encode())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, trace.Wrap(err, "opening database %v", cfg.Path)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, trace.NewAggregate(trace.Wrap(err, "creating schema"), db.Close())
	}
	cfg.Logger.Debug("Opened event store.", "path", cfg.Path)
	return &Store{cfg: cfg, db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return trace.Wrap(s.db.Close())
}

// CreateSession inserts a new session row. Returns an AlreadyExists error
// if the id is taken.
func (s *Store) CreateSession(ctx context.Context, sess session.Session) error {
	if sess.ID == "" {
		return trace.BadParameter("missing session id")
	}
	if err := session.ValidStatus(sess.Status); err != nil {
		return trace.Wrap(err)
	}
	now := s.cfg.Clock.Now().UnixMilli()
	if sess.CreatedAt == 0 {
		sess.CreatedAt = now
	}
	if sess.UpdatedAt == 0 {
		sess.UpdatedAt = now
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO sessions (id, kind, status, owner, metadata, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		sess.ID.String(), sess.Kind, sess.Status, sess.Owner, []byte(sess.Metadata), sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		return convertError(err, "session %v already exists", sess.ID)
	}
	return nil
}

// GetSession returns the session row by id.
func (s *Store) GetSession(ctx context.Context, id session.ID) (*session.Session, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, kind, status, owner, metadata, created_at, updated_at FROM sessions WHERE id = ?",
		id.String())
	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, trace.NotFound("session %v not found", id)
		}
		return nil, trace.Wrap(err)
	}
	return sess, nil
}

// ListSessions returns session rows matching the filter, most recently
// updated first.
func (s *Store) ListSessions(ctx context.Context, filter session.Filter) ([]session.Session, error) {
	query := "SELECT id, kind, status, owner, metadata, created_at, updated_at FROM sessions WHERE 1=1"
	var args []any
	if filter.Kind != "" {
		query += " AND kind = ?"
		args = append(args, filter.Kind)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}
	if filter.Owner != "" {
		query += " AND owner = ?"
		args = append(args, filter.Owner)
	}
	query += " ORDER BY updated_at DESC"
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer rows.Close()
	var out []session.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, *sess)
	}
	return out, trace.Wrap(rows.Err())
}

// UpdateSessionStatus transitions the session row to the given status.
func (s *Store) UpdateSessionStatus(ctx context.Context, id session.ID, status string, updatedAt int64) error {
	if err := session.ValidStatus(status); err != nil {
		return trace.Wrap(err)
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	res, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?",
		status, updatedAt, id.String())
	if err != nil {
		return trace.Wrap(err)
	}
	return oneRowAffected(res, "session %v not found", id)
}

// UpdateSessionMetadata replaces the kind-specific metadata blob of the
// session. Used by adapters that learn state they need on resume, e.g. the
// agent adapter recording the external conversation id.
func (s *Store) UpdateSessionMetadata(ctx context.Context, id session.ID, metadata []byte, updatedAt int64) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	res, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET metadata = ?, updated_at = ? WHERE id = ?",
		metadata, updatedAt, id.String())
	if err != nil {
		return trace.Wrap(err)
	}
	return oneRowAffected(res, "session %v not found", id)
}

// AppendEvent atomically allocates the next sequence number for the session
// and inserts the event, returning the allocated seq. The append is durable
// before it becomes visible to readers.
func (s *Store) AppendEvent(ctx context.Context, id session.ID, channel, eventType string, payload []byte, ts int64) (int64, error) {
	if channel == "" || eventType == "" {
		return 0, trace.BadParameter("missing event channel or type")
	}
	if len(payload) > s.cfg.MaxPayloadBytes {
		return 0, trace.LimitExceeded("event payload of %v bytes exceeds the limit of %v bytes",
			len(payload), s.cfg.MaxPayloadBytes)
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		appendFailures.Inc()
		return 0, trace.Wrap(err)
	}
	defer tx.Rollback()

	var status string
	if err := tx.QueryRowContext(ctx,
		"SELECT status FROM sessions WHERE id = ?", id.String()).Scan(&status); err != nil {
		appendFailures.Inc()
		if errors.Is(err, sql.ErrNoRows) {
			return 0, trace.NotFound("session %v not found", id)
		}
		return 0, trace.Wrap(err)
	}
	if status == session.StatusStopped || status == session.StatusError {
		appendFailures.Inc()
		return 0, trace.CompareFailed("session %v is terminated, no further events are accepted", id)
	}

	var seq int64
	if err := tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(seq), 0) + 1 FROM events WHERE session_id = ?",
		id.String()).Scan(&seq); err != nil {
		appendFailures.Inc()
		return 0, trace.Wrap(err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO events (session_id, seq, channel, type, payload, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		id.String(), seq, channel, eventType, payload, ts); err != nil {
		appendFailures.Inc()
		return 0, convertError(err, "event %v/%v already exists", id, seq)
	}
	if err := tx.Commit(); err != nil {
		appendFailures.Inc()
		return 0, trace.Wrap(err)
	}
	eventsAppended.Inc()
	return seq, nil
}

// ReadEventsSince returns up to limit events of the session with
// seq > since, in ascending seq order. A limit of 0 means no limit.
func (s *Store) ReadEventsSince(ctx context.Context, id session.ID, since int64, limit int) ([]events.Event, error) {
	query := "SELECT seq, channel, type, payload, created_at FROM events WHERE session_id = ? AND seq > ? ORDER BY seq ASC"
	args := []any{id.String(), since}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer rows.Close()
	var out []events.Event
	for rows.Next() {
		event := events.Event{SessionID: id}
		if err := rows.Scan(&event.Seq, &event.Channel, &event.Type, &event.Payload, &event.Time); err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, event)
	}
	return out, trace.Wrap(rows.Err())
}

// LastSeq returns the highest sequence number stored for the session, or 0
// if the session has no events yet.
func (s *Store) LastSeq(ctx context.Context, id session.ID) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(seq), 0) FROM events WHERE session_id = ?",
		id.String()).Scan(&seq)
	return seq, trace.Wrap(err)
}

// GetLayout returns the workspace layout rows of one client.
func (s *Store) GetLayout(ctx context.Context, clientID string) ([]session.Layout, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT client_id, session_id, tile_id, updated_at FROM layouts WHERE client_id = ? ORDER BY updated_at ASC",
		clientID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer rows.Close()
	var out []session.Layout
	for rows.Next() {
		var l session.Layout
		var sid string
		if err := rows.Scan(&l.ClientID, &sid, &l.TileID, &l.UpdatedAt); err != nil {
			return nil, trace.Wrap(err)
		}
		l.SessionID = session.ID(sid)
		out = append(out, l)
	}
	return out, trace.Wrap(rows.Err())
}

// SetLayout upserts the placement of one session for one client.
func (s *Store) SetLayout(ctx context.Context, layout session.Layout) error {
	if layout.ClientID == "" || layout.SessionID == "" {
		return trace.BadParameter("missing client or session id")
	}
	if layout.UpdatedAt == 0 {
		layout.UpdatedAt = s.cfg.Clock.Now().UnixMilli()
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO layouts (client_id, session_id, tile_id, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (session_id, client_id) DO UPDATE SET tile_id = excluded.tile_id, updated_at = excluded.updated_at`,
		layout.ClientID, layout.SessionID.String(), layout.TileID, layout.UpdatedAt)
	return trace.Wrap(err)
}

// RemoveLayout deletes the placement of one session for one client.
func (s *Store) RemoveLayout(ctx context.Context, clientID string, id session.ID) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM layouts WHERE client_id = ? AND session_id = ?",
		clientID, id.String())
	if err != nil {
		return trace.Wrap(err)
	}
	return oneRowAffected(res, "no layout for client %v session %v", clientID, id)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*session.Session, error) {
	var sess session.Session
	var id string
	var metadata []byte
	if err := row.Scan(&id, &sess.Kind, &sess.Status, &sess.Owner, &metadata, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
		return nil, err
	}
	sess.ID = session.ID(id)
	sess.Metadata = metadata
	return &sess, nil
}

func oneRowAffected(res sql.Result, format string, args ...any) error {
	n, err := res.RowsAffected()
	if err != nil {
		return trace.Wrap(err)
	}
	if n == 0 {
		return trace.NotFound(format, args...)
	}
	return nil
}

// convertError maps SQLite constraint violations to AlreadyExists errors.
func convertError(err error, format string, args ...any) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
		return trace.AlreadyExists(format, args...)
	}
	return trace.Wrap(err)
}
