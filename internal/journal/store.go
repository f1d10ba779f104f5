package journal

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"gsscan/internal/config"
	"gsscan/internal/queue"
)

//go:embed schema.sql
var schemaSQL string

// schemaVersion is bumped whenever schema.sql changes incompatibly.
const schemaVersion = 1

// ErrSchemaMismatch indicates the journal was written by an incompatible version.
var ErrSchemaMismatch = errors.New("journal schema version mismatch")

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
	timeLayout              = time.RFC3339Nano
)

// Entry is one journaled lifecycle event.
type Entry struct {
	ID           int64           `json:"id"`
	ModelID      string          `json:"modelId"`
	TaskID       string          `json:"taskId"`
	Name         string          `json:"name"`
	Kind         queue.EventKind `json:"kind"`
	From         queue.Status    `json:"from,omitempty"`
	To           queue.Status    `json:"to"`
	Stage        string          `json:"stage,omitempty"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
	PlyPath      string          `json:"plyPath,omitempty"`
	At           time.Time       `json:"at"`
}

// Store persists journal entries in SQLite.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens the journal configured in cfg.
func Open(cfg *config.Config) (*Store, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}
	return OpenPath(cfg.Paths.JournalFile)
}

// OpenPath opens or creates the journal database at path.
func OpenPath(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}
	store := &Store{db: db, path: path}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Path returns the database location.
func (s *Store) Path() string {
	return s.path
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) initSchema(ctx context.Context) error {
	var tableExists int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&tableExists)
	if err != nil {
		return fmt.Errorf("check schema_version table: %w", err)
	}
	if tableExists == 0 {
		return s.createSchema(ctx)
	}

	var version int
	if err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version != schemaVersion {
		return fmt.Errorf("%w: database has version %d, expected %d (delete %s to start a fresh journal)",
			ErrSchemaMismatch, version, schemaVersion, s.path)
	}
	return nil
}

func (s *Store) createSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return tx.Commit()
}

// Observe journals a registry event.
func (s *Store) Observe(ctx context.Context, event queue.Event) error {
	entry := Entry{
		ModelID:      event.Model.ID,
		TaskID:       event.Model.TaskID,
		Name:         event.Model.Name,
		Kind:         event.Kind,
		To:           event.Model.Status,
		Stage:        event.Model.Stage,
		ErrorMessage: event.Model.ErrorMessage,
		PlyPath:      event.Model.PlyPath,
		At:           event.At,
	}
	if event.Kind == queue.EventStatusChanged {
		entry.From = event.Transition.From
		entry.To = event.Transition.To
	}
	_, err := s.Record(ctx, entry)
	return err
}

// Record appends entry and returns its row id.
func (s *Store) Record(ctx context.Context, entry Entry) (int64, error) {
	if entry.ModelID == "" {
		return 0, errors.New("journal: model id is required")
	}
	if entry.At.IsZero() {
		entry.At = time.Now()
	}
	var id int64
	err := retryOnBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `INSERT INTO entries
			(model_id, task_id, name, kind, from_status, to_status, stage, error_message, ply_path, occurred_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			entry.ModelID, entry.TaskID, entry.Name, string(entry.Kind), string(entry.From), string(entry.To),
			entry.Stage, entry.ErrorMessage, entry.PlyPath, entry.At.UTC().Format(timeLayout),
		)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("insert journal entry: %w", err)
	}
	return id, nil
}

// History returns the entries of one model, oldest first. ref matches a model
// id or a task id.
func (s *Store) History(ctx context.Context, ref string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, model_id, task_id, name, kind, from_status, to_status,
		stage, error_message, ply_path, occurred_at
		FROM entries WHERE model_id = ? OR task_id = ? ORDER BY id ASC`, ref, ref)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	return scanEntries(rows)
}

// Recent returns the newest entries across all models, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, model_id, task_id, name, kind, from_status, to_status,
		stage, error_message, ply_path, occurred_at
		FROM entries ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent: %w", err)
	}
	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	defer rows.Close()
	var entries []Entry
	for rows.Next() {
		var (
			entry          Entry
			kind, from, to string
			occurred       string
		)
		if err := rows.Scan(&entry.ID, &entry.ModelID, &entry.TaskID, &entry.Name, &kind, &from, &to,
			&entry.Stage, &entry.ErrorMessage, &entry.PlyPath, &occurred); err != nil {
			return nil, fmt.Errorf("scan journal entry: %w", err)
		}
		entry.Kind = queue.EventKind(kind)
		entry.From = queue.Status(from)
		entry.To = queue.Status(to)
		at, err := time.Parse(timeLayout, occurred)
		if err != nil {
			return nil, fmt.Errorf("parse journal time %q: %w", occurred, err)
		}
		entry.At = at
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate journal: %w", err)
	}
	return entries, nil
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := range busyRetryAttempts {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay = min(delay*2, busyRetryMaxBackoff)
	}
	return lastErr
}
