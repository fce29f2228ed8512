package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store for testing and single-process demos.
// Data is lost when the process exits.
type MemoryStore struct {
	mu        sync.Mutex
	closed    bool
	records   map[string]Record
	outbox    map[string]OutboxRow
	outboxSeq map[string]int // id -> insertion sequence, for stable tie-break
	nextSeq   int
	sagas     map[string]SagaInstance
}

// NewMemoryStore creates a new in-memory Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:   make(map[string]Record),
		outbox:    make(map[string]OutboxRow),
		outboxSeq: make(map[string]int),
		sagas:     make(map[string]SagaInstance),
	}
}

// InsertRecord implements Mutator.
func (m *MemoryStore) InsertRecord(ctx context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertRecordLocked(rec)
}

func (m *MemoryStore) insertRecordLocked(rec Record) error {
	if m.closed {
		return ErrStoreClosed
	}
	if _, exists := m.records[rec.ID]; exists {
		return ErrDuplicateKey
	}
	m.records[rec.ID] = cloneRecord(rec)
	return nil
}

// EnqueueOutbox implements Mutator.
func (m *MemoryStore) EnqueueOutbox(ctx context.Context, eventType string, payload []byte, scheduledFor time.Time) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enqueueOutboxLocked(eventType, payload, scheduledFor)
}

func (m *MemoryStore) enqueueOutboxLocked(eventType string, payload []byte, scheduledFor time.Time) (string, error) {
	if m.closed {
		return "", ErrStoreClosed
	}
	id := uuid.NewString()
	stored := append([]byte(nil), payload...)
	m.outbox[id] = OutboxRow{
		ID:           id,
		EventType:    eventType,
		Payload:      stored,
		ScheduledFor: scheduledFor,
	}
	m.nextSeq++
	m.outboxSeq[id] = m.nextSeq
	return id, nil
}

// ClaimDueOutbox implements Store.
func (m *MemoryStore) ClaimDueOutbox(ctx context.Context, now time.Time, batchSize int) ([]OutboxRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	var due []OutboxRow
	for _, row := range m.outbox {
		if !row.Processed && !row.ScheduledFor.After(now) {
			due = append(due, row)
		}
	}

	sort.Slice(due, func(i, j int) bool {
		if due[i].ScheduledFor.Equal(due[j].ScheduledFor) {
			return m.outboxSeq[due[i].ID] < m.outboxSeq[due[j].ID]
		}
		return due[i].ScheduledFor.Before(due[j].ScheduledFor)
	})

	if len(due) > batchSize {
		due = due[:batchSize]
	}
	return due, nil
}

// MarkProcessed implements Store.
func (m *MemoryStore) MarkProcessed(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}
	row, ok := m.outbox[id]
	if !ok {
		return ErrOutboxRowNotFound
	}
	now := time.Now().UTC()
	row.Processed = true
	row.ProcessedAt = &now
	m.outbox[id] = row
	return nil
}

// MarkFailed implements Store.
func (m *MemoryStore) MarkFailed(ctx context.Context, id string, lastErr string, nextScheduledFor time.Time, newRetryCount int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}
	row, ok := m.outbox[id]
	if !ok {
		return ErrOutboxRowNotFound
	}
	row.LastError = lastErr
	row.ScheduledFor = nextScheduledFor
	row.RetryCount = newRetryCount
	m.outbox[id] = row
	return nil
}

// LoadSaga implements Store.
func (m *MemoryStore) LoadSaga(ctx context.Context, correlationID string) (*SagaInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadSagaLocked(correlationID)
}

func (m *MemoryStore) loadSagaLocked(correlationID string) (*SagaInstance, error) {
	if m.closed {
		return nil, ErrStoreClosed
	}
	saga, ok := m.sagas[correlationID]
	if !ok {
		return nil, ErrSagaNotFound
	}
	return saga.Clone(), nil
}

// SaveSaga implements Mutator.
func (m *MemoryStore) SaveSaga(ctx context.Context, saga *SagaInstance, expectedVersion int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveSagaLocked(saga, expectedVersion)
}

func (m *MemoryStore) saveSagaLocked(saga *SagaInstance, expectedVersion int) error {
	if m.closed {
		return ErrStoreClosed
	}
	existing, ok := m.sagas[saga.CorrelationID]
	if ok {
		if existing.Version != expectedVersion {
			return ErrConcurrencyConflict
		}
	} else if expectedVersion != 0 {
		return ErrConcurrencyConflict
	}

	toStore := *saga.Clone()
	toStore.Version = expectedVersion + 1
	toStore.LastUpdated = time.Now().UTC()
	m.sagas[saga.CorrelationID] = toStore
	saga.Version = toStore.Version
	return nil
}

// memTx is the Mutator handed to WithTransaction bodies. Because all
// MemoryStore mutations already happen under a single mutex, a "transaction"
// here is simply the act of holding that mutex for the whole closure.
type memTx struct {
	store *MemoryStore
}

func (t *memTx) InsertRecord(ctx context.Context, rec Record) error {
	return t.store.insertRecordLocked(rec)
}

func (t *memTx) EnqueueOutbox(ctx context.Context, eventType string, payload []byte, scheduledFor time.Time) (string, error) {
	return t.store.enqueueOutboxLocked(eventType, payload, scheduledFor)
}

func (t *memTx) SaveSaga(ctx context.Context, saga *SagaInstance, expectedVersion int) error {
	return t.store.saveSagaLocked(saga, expectedVersion)
}

// WithTransaction implements Store. There is no partial-rollback support:
// since every op here is an in-memory map mutation that cannot itself
// fail except for the domain errors callers are expected to handle
// (ErrDuplicateKey, ErrConcurrencyConflict), a non-nil fn error simply
// means the caller already decided not to apply later steps.
func (m *MemoryStore) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx Mutator) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}
	return fn(ctx, &memTx{store: m})
}

// CountRecords implements Store.
func (m *MemoryStore) CountRecords(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrStoreClosed
	}
	return len(m.records), nil
}

// CountOutbox implements Store.
func (m *MemoryStore) CountOutbox(ctx context.Context, processed bool) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrStoreClosed
	}
	n := 0
	for _, row := range m.outbox {
		if row.Processed == processed {
			n++
		}
	}
	return n, nil
}

// CountSagasByState implements Store.
func (m *MemoryStore) CountSagasByState(ctx context.Context) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrStoreClosed
	}
	counts := make(map[string]int)
	for _, saga := range m.sagas {
		counts[saga.CurrentState]++
	}
	return counts, nil
}

// RecentOutbox implements Store.
func (m *MemoryStore) RecentOutbox(ctx context.Context, n int) ([]OutboxRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrStoreClosed
	}

	rows := make([]OutboxRow, 0, len(m.outbox))
	for _, row := range m.outbox {
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool {
		return m.outboxSeq[rows[i].ID] > m.outboxSeq[rows[j].ID]
	})
	if len(rows) > n {
		rows = rows[:n]
	}
	return rows, nil
}

// SagaSummary implements Store.
func (m *MemoryStore) SagaSummary(ctx context.Context, correlationID string) (*SagaSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrStoreClosed
	}
	saga, ok := m.sagas[correlationID]
	if !ok {
		return nil, ErrSagaNotFound
	}
	summary := &SagaSummary{
		CorrelationID: saga.CorrelationID,
		CurrentState:  saga.CurrentState,
		CompletedAt:   saga.CompletedAt,
		LastError:     saga.LastError,
		Steps:         make(map[string]StepState, len(saga.Steps)),
	}
	for k, v := range saga.Steps {
		summary.Steps[k] = v
	}
	return summary, nil
}

// RequeueDeadLetter implements Store.
func (m *MemoryStore) RequeueDeadLetter(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	row, ok := m.outbox[id]
	if !ok {
		return ErrOutboxRowNotFound
	}
	row.RetryCount = 0
	row.LastError = ""
	row.ScheduledFor = time.Now().UTC()
	m.outbox[id] = row
	return nil
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func cloneRecord(rec Record) Record {
	clone := Record{ID: rec.ID, StepData: make(map[string]json.RawMessage, len(rec.StepData))}
	for k, v := range rec.StepData {
		clone.StepData[k] = append(json.RawMessage(nil), v...)
	}
	return clone
}
