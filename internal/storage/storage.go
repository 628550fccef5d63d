// Package storage provides durable, instance-scoped storage for the agent
// runtime: the persist blob, message history, stream logs, schedules, and
// WebSocket connection attachments. All tables are namespaced by the
// "<class>/<name>" instance key so every instance owns its rows exclusively.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// ErrNotFound is returned for missing rows.
var ErrNotFound = errors.New("storage: not found")

// Store owns the database connection and the schema.
type Store struct {
	db *sqlx.DB
}

// New creates a Store and initializes the schema.
func New(db *sqlx.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS persist (
			instance TEXT PRIMARY KEY,
			payload TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			instance TEXT NOT NULL,
			id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			payload TEXT NOT NULL,
			PRIMARY KEY (instance, id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_instance_seq ON messages(instance, seq)`,
		`CREATE TABLE IF NOT EXISTS streams (
			instance TEXT NOT NULL,
			id TEXT NOT NULL,
			completed INTEGER NOT NULL DEFAULT 0,
			canceled INTEGER NOT NULL DEFAULT 0,
			position INTEGER NOT NULL DEFAULT 0,
			chunks TEXT NOT NULL DEFAULT '[]',
			PRIMARY KEY (instance, id)
		)`,
		`CREATE TABLE IF NOT EXISTS schedules (
			instance TEXT NOT NULL,
			id TEXT NOT NULL,
			kind TEXT NOT NULL,
			next_run INTEGER NOT NULL,
			payload TEXT NOT NULL,
			PRIMARY KEY (instance, id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_schedules_next_run ON schedules(instance, next_run)`,
		`CREATE TABLE IF NOT EXISTS connections_attach (
			conn_id TEXT PRIMARY KEY,
			instance TEXT NOT NULL,
			attach TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	// Update query planner statistics before closing; lightweight and safe.
	_, _ = s.db.Exec("PRAGMA optimize")
	return s.db.Close()
}

// Instance returns a view of the store scoped to one (class, name) pair.
func (s *Store) Instance(class, name string) *InstanceStore {
	return &InstanceStore{db: s.db, key: class + "/" + name}
}

// InstanceStore is the per-instance view over the shared tables. Writes are
// expected to run under the owning instance's single-writer discipline.
type InstanceStore struct {
	db  *sqlx.DB
	key string
}

// Key returns the "<class>/<name>" namespace key.
func (is *InstanceStore) Key() string { return is.key }

// --- persist blob ---

// GetPersist returns the instance's persist blob, or ErrNotFound.
func (is *InstanceStore) GetPersist() ([]byte, error) {
	var payload string
	err := is.db.Get(&payload, `SELECT payload FROM persist WHERE instance = ?`, is.key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get persist: %w", err)
	}
	return []byte(payload), nil
}

// PutPersist upserts the instance's persist blob.
func (is *InstanceStore) PutPersist(payload []byte) error {
	_, err := is.db.Exec(`INSERT INTO persist (instance, payload, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(instance) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		is.key, string(payload), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("put persist: %w", err)
	}
	return nil
}

// --- messages ---

// UpsertMessage stores a message payload by id. Inserts append to the tail of
// the ordering; updates keep the original position.
func (is *InstanceStore) UpsertMessage(id string, payload []byte) error {
	res, err := is.db.Exec(`UPDATE messages SET payload = ? WHERE instance = ? AND id = ?`,
		string(payload), is.key, id)
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	_, err = is.db.Exec(`INSERT INTO messages (instance, id, seq, payload)
		VALUES (?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE instance = ?), ?)`,
		is.key, id, is.key, string(payload))
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// GetMessage returns one message payload, or ErrNotFound.
func (is *InstanceStore) GetMessage(id string) ([]byte, error) {
	var payload string
	err := is.db.Get(&payload, `SELECT payload FROM messages WHERE instance = ? AND id = ?`, is.key, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return []byte(payload), nil
}

// ListMessages returns all message payloads in insertion order.
func (is *InstanceStore) ListMessages() ([][]byte, error) {
	var payloads []string
	err := is.db.Select(&payloads, `SELECT payload FROM messages WHERE instance = ? ORDER BY seq`, is.key)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	out := make([][]byte, len(payloads))
	for i, p := range payloads {
		out[i] = []byte(p)
	}
	return out, nil
}

// DeleteMessages removes the instance's entire message history.
func (is *InstanceStore) DeleteMessages() error {
	if _, err := is.db.Exec(`DELETE FROM messages WHERE instance = ?`, is.key); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	return nil
}

// --- streams ---

// StreamRow is the persisted form of one resumable stream.
type StreamRow struct {
	ID        string `db:"id"`
	Completed bool   `db:"completed"`
	Canceled  bool   `db:"canceled"`
	Position  int64  `db:"position"`
	Chunks    string `db:"chunks"`
}

// CreateStream inserts an empty stream row. Creating an existing stream is a
// no-op so POST /chat with a reused streamId stays idempotent.
func (is *InstanceStore) CreateStream(id string) error {
	_, err := is.db.Exec(`INSERT OR IGNORE INTO streams (instance, id) VALUES (?, ?)`, is.key, id)
	if err != nil {
		return fmt.Errorf("create stream: %w", err)
	}
	return nil
}

// GetStream returns one stream row, or ErrNotFound.
func (is *InstanceStore) GetStream(id string) (*StreamRow, error) {
	var row StreamRow
	err := is.db.Get(&row, `SELECT id, completed, canceled, position, chunks
		FROM streams WHERE instance = ? AND id = ?`, is.key, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get stream: %w", err)
	}
	return &row, nil
}

// PutStream upserts a stream row.
func (is *InstanceStore) PutStream(row *StreamRow) error {
	_, err := is.db.Exec(`INSERT INTO streams (instance, id, completed, canceled, position, chunks)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(instance, id) DO UPDATE SET
			completed = excluded.completed,
			canceled = excluded.canceled,
			position = excluded.position,
			chunks = excluded.chunks`,
		is.key, row.ID, row.Completed, row.Canceled, row.Position, row.Chunks)
	if err != nil {
		return fmt.Errorf("put stream: %w", err)
	}
	return nil
}

// DeleteStreams removes all of the instance's streams (all-or-nothing per
// stream; follows chat history clears).
func (is *InstanceStore) DeleteStreams() error {
	if _, err := is.db.Exec(`DELETE FROM streams WHERE instance = ?`, is.key); err != nil {
		return fmt.Errorf("delete streams: %w", err)
	}
	return nil
}

// --- schedules ---

// PutSchedule upserts a schedule row; nextRun is epoch milliseconds.
func (is *InstanceStore) PutSchedule(id, kind string, nextRun int64, payload []byte) error {
	_, err := is.db.Exec(`INSERT INTO schedules (instance, id, kind, next_run, payload)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(instance, id) DO UPDATE SET
			kind = excluded.kind, next_run = excluded.next_run, payload = excluded.payload`,
		is.key, id, kind, nextRun, string(payload))
	if err != nil {
		return fmt.Errorf("put schedule: %w", err)
	}
	return nil
}

// DeleteSchedule removes one schedule; reports whether a row existed.
func (is *InstanceStore) DeleteSchedule(id string) (bool, error) {
	res, err := is.db.Exec(`DELETE FROM schedules WHERE instance = ? AND id = ?`, is.key, id)
	if err != nil {
		return false, fmt.Errorf("delete schedule: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// GetSchedule returns one schedule payload, or ErrNotFound.
func (is *InstanceStore) GetSchedule(id string) ([]byte, error) {
	var payload string
	err := is.db.Get(&payload, `SELECT payload FROM schedules WHERE instance = ? AND id = ?`, is.key, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get schedule: %w", err)
	}
	return []byte(payload), nil
}

// ListSchedules returns all schedule payloads ordered by next fire time.
func (is *InstanceStore) ListSchedules() ([][]byte, error) {
	var payloads []string
	err := is.db.Select(&payloads, `SELECT payload FROM schedules WHERE instance = ? ORDER BY next_run`, is.key)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	out := make([][]byte, len(payloads))
	for i, p := range payloads {
		out[i] = []byte(p)
	}
	return out, nil
}

// ListSchedulesByKind returns schedule payloads of one kind.
func (is *InstanceStore) ListSchedulesByKind(kind string) ([][]byte, error) {
	var payloads []string
	err := is.db.Select(&payloads,
		`SELECT payload FROM schedules WHERE instance = ? AND kind = ? ORDER BY next_run`, is.key, kind)
	if err != nil {
		return nil, fmt.Errorf("list schedules by kind: %w", err)
	}
	out := make([][]byte, len(payloads))
	for i, p := range payloads {
		out[i] = []byte(p)
	}
	return out, nil
}

// MinNextRun returns the earliest next_run (epoch ms) across all persisted
// schedules, or ok=false when the instance has none.
func (is *InstanceStore) MinNextRun() (int64, bool, error) {
	var next sql.NullInt64
	err := is.db.Get(&next, `SELECT MIN(next_run) FROM schedules WHERE instance = ?`, is.key)
	if err != nil {
		return 0, false, fmt.Errorf("min next_run: %w", err)
	}
	if !next.Valid {
		return 0, false, nil
	}
	return next.Int64, true, nil
}

// --- connection attachments ---

// PutAttachment stores a connection's serialized attachment. The attachment
// is the durable source of truth for per-connection capability flags.
func (is *InstanceStore) PutAttachment(connID string, attach []byte) error {
	_, err := is.db.Exec(`INSERT INTO connections_attach (conn_id, instance, attach) VALUES (?, ?, ?)
		ON CONFLICT(conn_id) DO UPDATE SET attach = excluded.attach`,
		connID, is.key, string(attach))
	if err != nil {
		return fmt.Errorf("put attachment: %w", err)
	}
	return nil
}

// GetAttachment returns a connection's attachment, or ErrNotFound.
func (is *InstanceStore) GetAttachment(connID string) ([]byte, error) {
	var attach string
	err := is.db.Get(&attach, `SELECT attach FROM connections_attach WHERE conn_id = ?`, connID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get attachment: %w", err)
	}
	return []byte(attach), nil
}

// DeleteAttachment removes a connection's attachment.
func (is *InstanceStore) DeleteAttachment(connID string) error {
	if _, err := is.db.Exec(`DELETE FROM connections_attach WHERE conn_id = ?`, connID); err != nil {
		return fmt.Errorf("delete attachment: %w", err)
	}
	return nil
}

// ClearAll wipes every row the instance owns. Used by schedule callbacks that
// reset an agent; safe to call while a callback is running.
func (is *InstanceStore) ClearAll() error {
	for _, stmt := range []string{
		`DELETE FROM persist WHERE instance = ?`,
		`DELETE FROM messages WHERE instance = ?`,
		`DELETE FROM streams WHERE instance = ?`,
		`DELETE FROM schedules WHERE instance = ?`,
		`DELETE FROM connections_attach WHERE instance = ?`,
	} {
		if _, err := is.db.Exec(stmt, is.key); err != nil {
			return fmt.Errorf("clear all: %w", err)
		}
	}
	return nil
}
