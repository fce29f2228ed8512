package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // pure-Go SQLite driver

	serrors "github.com/coriolis-systems/sagarelay/pkg/sagarelay/errors"
)

// SQLiteStore persists records, outbox rows, and saga instances to SQLite.
// It is suitable for single-process production use.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.Mutex
	closed bool
}

// NewSQLiteStore opens (creating if necessary) a SQLite-backed Store.
// path may be a file path or ":memory:" for testing.
//
// The database file is created with restrictive permissions (0600) before
// sql.Open ever touches it, closing the TOCTOU window where it would
// otherwise be briefly world-readable.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			f, createErr := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
			if createErr == nil {
				if closeErr := f.Close(); closeErr != nil {
					slog.Warn("failed to close store file after creation",
						slog.String("path", path), slog.String("error", closeErr.Error()))
				}
			}
			// Ignore createErr - file might have appeared between Stat and OpenFile.
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, err
	}

	if path != ":memory:" {
		if err := os.Chmod(path, 0600); err != nil {
			slog.Warn("failed to set restrictive permissions on store file",
				slog.String("path", path),
				slog.String("error", err.Error()),
				slog.String("security_note", "store data may be readable by other users"))
		}
	}

	return &SQLiteStore{db: db}, nil
}

func createSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS records (
			id TEXT PRIMARY KEY,
			step_data TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS outbox (
			id TEXT PRIMARY KEY,
			event_type TEXT NOT NULL,
			payload BLOB NOT NULL,
			scheduled_for TEXT NOT NULL,
			processed INTEGER NOT NULL DEFAULT 0,
			processed_at TEXT,
			retry_count INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			seq INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_claim ON outbox(processed, scheduled_for)`,
		`CREATE TABLE IF NOT EXISTS sagas (
			correlation_id TEXT PRIMARY KEY,
			workflow_name TEXT NOT NULL DEFAULT '',
			current_state TEXT NOT NULL,
			original_record TEXT NOT NULL,
			started_at TEXT NOT NULL,
			last_updated TEXT NOT NULL,
			completed_at TEXT,
			last_error TEXT NOT NULL DEFAULT '',
			steps TEXT NOT NULL,
			version INTEGER NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func insertRecord(ctx context.Context, x execer, rec Record) error {
	data, err := json.Marshal(rec.StepData)
	if err != nil {
		return &serrors.DeserializationError{Target: "Record.StepData", Cause: err}
	}
	_, err = x.ExecContext(ctx, `INSERT INTO records (id, step_data) VALUES (?, ?)`, rec.ID, string(data))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "constraint")
}

func enqueueOutbox(ctx context.Context, x execer, eventType string, payload []byte, scheduledFor time.Time, seq int64) (string, error) {
	id := uuid.NewString()
	_, err := x.ExecContext(ctx, `
		INSERT INTO outbox (id, event_type, payload, scheduled_for, seq)
		VALUES (?, ?, ?, ?, ?)
	`, id, eventType, payload, scheduledFor.UTC().Format(time.RFC3339Nano), seq)
	if err != nil {
		return "", fmt.Errorf("enqueue outbox: %w", err)
	}
	return id, nil
}

func saveSaga(ctx context.Context, x execer, saga *SagaInstance, expectedVersion int) error {
	recordJSON, err := json.Marshal(saga.OriginalRecord.StepData)
	if err != nil {
		return &serrors.DeserializationError{Target: "SagaInstance.OriginalRecord", Cause: err}
	}
	stepsJSON, err := json.Marshal(saga.Steps)
	if err != nil {
		return &serrors.DeserializationError{Target: "SagaInstance.Steps", Cause: err}
	}

	var completedAt sql.NullString
	if saga.CompletedAt != nil {
		completedAt = sql.NullString{String: saga.CompletedAt.UTC().Format(time.RFC3339Nano), Valid: true}
	}

	newVersion := expectedVersion + 1
	now := time.Now().UTC()

	if expectedVersion == 0 {
		// Insert path: fails with a unique violation if the row already
		// exists, which (since expectedVersion==0 means "no row yet" from
		// the caller's point of view) is itself a concurrency conflict.
		_, err := x.ExecContext(ctx, `
			INSERT INTO sagas (correlation_id, workflow_name, current_state, original_record, started_at, last_updated, completed_at, last_error, steps, version)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, saga.CorrelationID, saga.WorkflowName, saga.CurrentState, string(recordJSON),
			saga.StartedAt.UTC().Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
			completedAt, saga.LastError, string(stepsJSON), newVersion)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrConcurrencyConflict
			}
			return fmt.Errorf("insert saga: %w", err)
		}
	} else {
		res, err := x.ExecContext(ctx, `
			UPDATE sagas SET current_state=?, original_record=?, last_updated=?, completed_at=?, last_error=?, steps=?, version=?
			WHERE correlation_id=? AND version=?
		`, saga.CurrentState, string(recordJSON), now.Format(time.RFC3339Nano),
			completedAt, saga.LastError, string(stepsJSON), newVersion,
			saga.CorrelationID, expectedVersion)
		if err != nil {
			return fmt.Errorf("update saga: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("update saga rows affected: %w", err)
		}
		if n == 0 {
			return ErrConcurrencyConflict
		}
	}

	saga.Version = newVersion
	saga.LastUpdated = now
	return nil
}

// InsertRecord implements Mutator.
func (s *SQLiteStore) InsertRecord(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	return insertRecord(ctx, s.db, rec)
}

// EnqueueOutbox implements Mutator.
func (s *SQLiteStore) EnqueueOutbox(ctx context.Context, eventType string, payload []byte, scheduledFor time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrStoreClosed
	}
	seq, err := s.nextSeq(ctx, s.db)
	if err != nil {
		return "", err
	}
	return enqueueOutbox(ctx, s.db, eventType, payload, scheduledFor, seq)
}

func (s *SQLiteStore) nextSeq(ctx context.Context, x execer) (int64, error) {
	var max sql.NullInt64
	if err := x.QueryRowContext(ctx, `SELECT MAX(seq) FROM outbox`).Scan(&max); err != nil {
		return 0, fmt.Errorf("next outbox seq: %w", err)
	}
	return max.Int64 + 1, nil
}

// SaveSaga implements Mutator.
func (s *SQLiteStore) SaveSaga(ctx context.Context, saga *SagaInstance, expectedVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	return saveSaga(ctx, s.db, saga, expectedVersion)
}

// ClaimDueOutbox implements Store. SQLite has no row-level locking, but
// since every call takes the store-wide mutex, claiming is already
// single-writer; this satisfies the "equivalent single-writer discipline"
// the contract allows in place of SELECT...FOR UPDATE SKIP LOCKED.
func (s *SQLiteStore) ClaimDueOutbox(ctx context.Context, now time.Time, batchSize int) ([]OutboxRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_type, payload, scheduled_for, processed, processed_at, retry_count, last_error
		FROM outbox
		WHERE processed = 0 AND scheduled_for <= ?
		ORDER BY scheduled_for ASC, seq ASC
		LIMIT ?
	`, now.UTC().Format(time.RFC3339Nano), batchSize)
	if err != nil {
		return nil, fmt.Errorf("claim due outbox: %w", err)
	}
	defer rows.Close()

	var result []OutboxRow
	for rows.Next() {
		row, err := scanOutboxRow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, row)
	}
	return result, rows.Err()
}

func scanOutboxRow(rows *sql.Rows) (OutboxRow, error) {
	var row OutboxRow
	var scheduledFor string
	var processedAt sql.NullString
	var processedInt int
	if err := rows.Scan(&row.ID, &row.EventType, &row.Payload, &scheduledFor, &processedInt, &processedAt, &row.RetryCount, &row.LastError); err != nil {
		return OutboxRow{}, fmt.Errorf("scan outbox row: %w", err)
	}
	row.Processed = processedInt != 0
	var err error
	row.ScheduledFor, err = time.Parse(time.RFC3339Nano, scheduledFor)
	if err != nil {
		return OutboxRow{}, fmt.Errorf("parse scheduled_for: %w", err)
	}
	if processedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, processedAt.String)
		if err != nil {
			return OutboxRow{}, fmt.Errorf("parse processed_at: %w", err)
		}
		row.ProcessedAt = &t
	}
	return row, nil
}

// MarkProcessed implements Store.
func (s *SQLiteStore) MarkProcessed(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE outbox SET processed=1, processed_at=? WHERE id=?
	`, time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	return rowsAffectedOrNotFound(res)
}

// MarkFailed implements Store.
func (s *SQLiteStore) MarkFailed(ctx context.Context, id string, lastErr string, nextScheduledFor time.Time, newRetryCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE outbox SET last_error=?, scheduled_for=?, retry_count=? WHERE id=?
	`, lastErr, nextScheduledFor.UTC().Format(time.RFC3339Nano), newRetryCount, id)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return rowsAffectedOrNotFound(res)
}

func rowsAffectedOrNotFound(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrOutboxRowNotFound
	}
	return nil
}

// LoadSaga implements Store.
func (s *SQLiteStore) LoadSaga(ctx context.Context, correlationID string) (*SagaInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	return loadSaga(ctx, s.db, correlationID)
}

func loadSaga(ctx context.Context, x execer, correlationID string) (*SagaInstance, error) {
	row := x.QueryRowContext(ctx, `
		SELECT correlation_id, workflow_name, current_state, original_record, started_at, last_updated, completed_at, last_error, steps, version
		FROM sagas WHERE correlation_id = ?
	`, correlationID)

	var saga SagaInstance
	var recordJSON, stepsJSON, startedAt, lastUpdated string
	var completedAt sql.NullString
	saga.CorrelationID = correlationID

	if err := row.Scan(&saga.CorrelationID, &saga.WorkflowName, &saga.CurrentState, &recordJSON, &startedAt, &lastUpdated, &completedAt, &saga.LastError, &stepsJSON, &saga.Version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSagaNotFound
		}
		return nil, fmt.Errorf("load saga: %w", err)
	}

	saga.OriginalRecord.ID = correlationID
	if err := json.Unmarshal([]byte(recordJSON), &saga.OriginalRecord.StepData); err != nil {
		return nil, &serrors.DeserializationError{Target: "SagaInstance.OriginalRecord", Cause: err}
	}
	if err := json.Unmarshal([]byte(stepsJSON), &saga.Steps); err != nil {
		return nil, &serrors.DeserializationError{Target: "SagaInstance.Steps", Cause: err}
	}

	var err error
	saga.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt)
	if err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	saga.LastUpdated, err = time.Parse(time.RFC3339Nano, lastUpdated)
	if err != nil {
		return nil, fmt.Errorf("parse last_updated: %w", err)
	}
	if completedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, completedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse completed_at: %w", err)
		}
		saga.CompletedAt = &t
	}

	return &saga, nil
}

// sqliteTx is the Mutator handed to WithTransaction bodies.
type sqliteTx struct {
	store *SQLiteStore
	tx    *sql.Tx
}

func (t *sqliteTx) InsertRecord(ctx context.Context, rec Record) error {
	return insertRecord(ctx, t.tx, rec)
}

func (t *sqliteTx) EnqueueOutbox(ctx context.Context, eventType string, payload []byte, scheduledFor time.Time) (string, error) {
	seq, err := t.store.nextSeq(ctx, t.tx)
	if err != nil {
		return "", err
	}
	return enqueueOutbox(ctx, t.tx, eventType, payload, scheduledFor, seq)
}

func (t *sqliteTx) SaveSaga(ctx context.Context, saga *SagaInstance, expectedVersion int) error {
	return saveSaga(ctx, t.tx, saga, expectedVersion)
}

// WithTransaction implements Store.
func (s *SQLiteStore) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx Mutator) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(ctx, &sqliteTx{store: s, tx: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback also failed: %s)", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// CountRecords implements Store.
func (s *SQLiteStore) CountRecords(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStoreClosed
	}
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}

// CountOutbox implements Store.
func (s *SQLiteStore) CountOutbox(ctx context.Context, processed bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStoreClosed
	}
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox WHERE processed = ?`, boolToInt(processed)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count outbox: %w", err)
	}
	return n, nil
}

// CountSagasByState implements Store.
func (s *SQLiteStore) CountSagasByState(ctx context.Context) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	rows, err := s.db.QueryContext(ctx, `SELECT current_state, COUNT(*) FROM sagas GROUP BY current_state`)
	if err != nil {
		return nil, fmt.Errorf("count sagas by state: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("scan saga state count: %w", err)
		}
		counts[state] = n
	}
	return counts, rows.Err()
}

// RecentOutbox implements Store.
func (s *SQLiteStore) RecentOutbox(ctx context.Context, n int) ([]OutboxRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_type, payload, scheduled_for, processed, processed_at, retry_count, last_error
		FROM outbox ORDER BY seq DESC LIMIT ?
	`, n)
	if err != nil {
		return nil, fmt.Errorf("recent outbox: %w", err)
	}
	defer rows.Close()

	var result []OutboxRow
	for rows.Next() {
		row, err := scanOutboxRow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, row)
	}
	return result, rows.Err()
}

// SagaSummary implements Store.
func (s *SQLiteStore) SagaSummary(ctx context.Context, correlationID string) (*SagaSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	saga, err := loadSaga(ctx, s.db, correlationID)
	if err != nil {
		return nil, err
	}
	return &SagaSummary{
		CorrelationID: saga.CorrelationID,
		CurrentState:  saga.CurrentState,
		CompletedAt:   saga.CompletedAt,
		LastError:     saga.LastError,
		Steps:         saga.Steps,
	}, nil
}

// RequeueDeadLetter implements Store.
func (s *SQLiteStore) RequeueDeadLetter(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE outbox SET retry_count=0, last_error='', scheduled_for=? WHERE id=?
	`, time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("requeue dead letter: %w", err)
	}
	return rowsAffectedOrNotFound(res)
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
