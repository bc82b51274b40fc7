// Package store persists finished optimization tasks in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/copyleftdev/qvopt/internal/buffer"
	qverrors "github.com/copyleftdev/qvopt/internal/errors"
	"github.com/copyleftdev/qvopt/internal/optimization"
	"github.com/copyleftdev/qvopt/internal/task"
)

// Record is the persisted outcome of a task.
type Record struct {
	ID          string           `json:"id"`
	Name        string           `json:"name,omitempty"`
	Optimizer   string           `json:"optimizer"`
	Status      task.Status      `json:"status"`
	OptVal      float64          `json:"opt_val"`
	OptParams   []float64        `json:"opt_params,omitempty"`
	Evaluations int              `json:"evaluations"`
	Error       string           `json:"error,omitempty"`
	Buffer      *buffer.Snapshot `json:"buffer,omitempty"`
	Started     time.Time        `json:"started"`
	Finished    time.Time        `json:"finished"`

	History []optimization.Evaluation `json:"history,omitempty"`
}

// NewRecord describes the finished task h. b and err are what h.Sync
// returned.
func NewRecord(name string, h *task.Handle, b *task.Bundle, err error) *Record {
	rec := &Record{
		ID:          h.ID(),
		Name:        name,
		Optimizer:   h.Optimizer(),
		Status:      h.Status(),
		Evaluations: h.Evaluations(),
		Started:     h.Started(),
		Finished:    h.Finished(),
		History:     h.History(),
	}
	if err != nil {
		rec.Error = err.Error()
	}
	if b != nil {
		rec.OptVal = b.OptVal
		rec.OptParams = b.OptParams
		if b.Buffer != nil {
			snap := b.Buffer.Snapshot()
			rec.Buffer = &snap
		}
	}
	return rec
}

// Store is a SQLite-backed record store.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens or creates the database at dsn, e.g. "file:qvopt.db" or
// ":memory:".
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, qverrors.Wrap(err, "opening database").WithComponent("store")
	}
	// An in-memory database lives in one connection.
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{
		"PRAGMA busy_timeout = 5000",
		`CREATE TABLE IF NOT EXISTS tasks (
			id      TEXT PRIMARY KEY,
			status  TEXT NOT NULL,
			started INTEGER NOT NULL,
			data    TEXT NOT NULL
		)`,
		"CREATE INDEX IF NOT EXISTS tasks_started ON tasks (started)",
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, qverrors.Wrap(err, "preparing schema").WithComponent("store")
		}
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save inserts or replaces rec.
func (s *Store) Save(ctx context.Context, rec *Record) error {
	if rec == nil || rec.ID == "" {
		return qverrors.E(qverrors.KindInvalid, "record has no id")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return qverrors.Wrap(err, "encoding record")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO tasks (id, status, started, data) VALUES (?, ?, ?, ?)",
		rec.ID, string(rec.Status), rec.Started.UnixNano(), string(data))
	if err != nil {
		return qverrors.Wrapf(err, "saving task %s", rec.ID).WithComponent("store")
	}
	return nil
}

// Get returns the record with id, or a NotFound error.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	var data string
	err := s.db.QueryRowContext(ctx, "SELECT data FROM tasks WHERE id = ?", id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, qverrors.E(qverrors.KindNotFound, "task %s", id).WithComponent("store")
	}
	if err != nil {
		return nil, qverrors.Wrapf(err, "querying task %s", id).WithComponent("store")
	}
	return decode(data)
}

// List returns up to limit records, newest first. A limit <= 0 means all.
func (s *Store) List(ctx context.Context, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, "SELECT data FROM tasks ORDER BY started DESC, id LIMIT ?", limit)
	if err != nil {
		return nil, qverrors.Wrap(err, "listing tasks").WithComponent("store")
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, qverrors.Wrap(err, "scanning task").WithComponent("store")
		}
		rec, err := decode(data)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func decode(data string) (*Record, error) {
	var rec Record
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, qverrors.Wrap(err, "decoding record").WithComponent("store")
	}
	return &rec, nil
}
