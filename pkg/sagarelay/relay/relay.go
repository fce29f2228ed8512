// Package relay implements the Outbox Relay (C4): a polling worker that
// claims due outbox rows, publishes them to the Dispatcher, and retires
// or reschedules them based on the publish outcome.
//
// Grounded on the DLQProcessor poll loop in the event package: claim a
// batch, process it, sleep, repeat, with the same graceful-shutdown
// shape (finish the in-flight batch, then stop).
package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coriolis-systems/sagarelay/pkg/sagarelay/event"
	"github.com/coriolis-systems/sagarelay/pkg/sagarelay/store"
)

// Config configures a Relay.
type Config struct {
	// BatchSize is the number of outbox rows claimed per poll.
	// Default: 20
	BatchSize int

	// PollInterval is how often to poll for due rows.
	// Default: 500ms
	PollInterval time.Duration

	// MaxRetries is how many failed publish attempts a row tolerates
	// before it is left dead-lettered.
	// Default: 5
	MaxRetries int

	// Backoff is the reschedule delay table: after the n-th failed
	// attempt a row is rescheduled Backoff[n-1] later, and attempts past
	// the end of the table reuse its last entry.
	// Default: 2s, 4s, 8s, 16s, 32s
	Backoff []time.Duration

	Logger *slog.Logger

	// Source is the event source name stamped onto relayed events.
	Source string

	// DLQ receives a record of every row the relay gives up on, for
	// operator visibility and manual replay independent of the store's
	// own dead-letter horizon. Optional; nil disables it.
	DLQ event.DeadLetterQueue
}

// DefaultConfig provides reasonable defaults, matching the canonical
// backoff table: 2s, 4s, 8s, 16s, 32s for retries 1 through 5.
var DefaultConfig = Config{
	BatchSize:    20,
	PollInterval: 500 * time.Millisecond,
	MaxRetries:   5,
	Backoff: []time.Duration{
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		32 * time.Second,
	},
	Source: "relay",
}

// Relay is the C4 component.
type Relay struct {
	store      store.Store
	dispatcher event.Bus
	cfg        Config
	logger     *slog.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New creates a Relay polling s and publishing to dispatcher.
func New(s store.Store, dispatcher event.Bus, cfg Config) *Relay {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig.BatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig.PollInterval
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultConfig.MaxRetries
	}
	if len(cfg.Backoff) == 0 {
		cfg.Backoff = DefaultConfig.Backoff
	}
	if cfg.Source == "" {
		cfg.Source = DefaultConfig.Source
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{store: s, dispatcher: dispatcher, cfg: cfg, logger: logger}
}

// Start begins the poll loop in a background goroutine. A second call
// while already running is a no-op.
func (r *Relay) Start(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	r.mu.Unlock()

	go r.run(ctx)
}

// Stop signals the poll loop to finish its in-flight batch and exit,
// blocking until it has.
func (r *Relay) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	close(r.stopCh)
	done := r.doneCh
	r.running = false
	r.mu.Unlock()

	<-done
}

func (r *Relay) run(ctx context.Context) {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.PollOnce(ctx)
		}
	}
}

// PollOnce claims and processes one batch of due outbox rows. Exported
// so tests and demos can drive the relay deterministically instead of
// waiting on the poll timer.
func (r *Relay) PollOnce(ctx context.Context) {
	due, err := r.store.ClaimDueOutbox(ctx, time.Now().UTC(), r.cfg.BatchSize)
	if err != nil {
		r.logger.Error("relay: claim failed", "error", err)
		return
	}

	for _, row := range due {
		r.processRow(ctx, row)
	}
}

func (r *Relay) processRow(ctx context.Context, row store.OutboxRow) {
	cid, data, decodeErr := event.Decode(row.Payload)
	if decodeErr != nil {
		r.logger.Error("relay: dead-lettering row with undecodable payload", "outbox_id", row.ID, "error", decodeErr)
		r.failRow(ctx, row, decodeErr)
		return
	}

	evt := event.NewAny(row.EventType, r.cfg.Source, "", json.RawMessage(data), event.WithCorrelationID(cid))

	err := r.dispatcher.Publish(ctx, evt)
	if err == nil {
		if markErr := r.store.MarkProcessed(ctx, row.ID); markErr != nil {
			r.logger.Error("relay: mark processed failed", "outbox_id", row.ID, "error", markErr)
		}
		return
	}

	r.failRow(ctx, row, err)
}

// deadLetterAt is the scheduled_for given to a dead-lettered row: a fixed
// instant at the end of year 9999, so ClaimDueOutbox (which has no notion
// of MaxRetries) never returns it until RequeueDeadLetter resets it.
var deadLetterAt = time.Date(9999, time.December, 31, 0, 0, 0, 0, time.UTC)

// failRow increments a row's retry count and reschedules it per the
// backoff table, or moves it to deadLetterAt once MaxRetries is
// reached, leaving it dead-lettered until explicitly requeued.
func (r *Relay) failRow(ctx context.Context, row store.OutboxRow, cause error) {
	newRetryCount := row.RetryCount + 1

	var nextScheduledFor time.Time
	if newRetryCount >= r.cfg.MaxRetries {
		r.logger.Warn("relay: dead-lettering outbox row", "outbox_id", row.ID, "event_type", row.EventType, "retry_count", newRetryCount, "error", cause)
		nextScheduledFor = deadLetterAt
		r.recordDeadLetter(ctx, row, cause)
	} else {
		delay := r.cfg.Backoff[len(r.cfg.Backoff)-1]
		if newRetryCount-1 < len(r.cfg.Backoff) {
			delay = r.cfg.Backoff[newRetryCount-1]
		}
		nextScheduledFor = time.Now().UTC().Add(delay)
	}

	if markErr := r.store.MarkFailed(ctx, row.ID, cause.Error(), nextScheduledFor, newRetryCount); markErr != nil {
		r.logger.Error("relay: mark failed failed", "outbox_id", row.ID, "error", markErr)
	}
}

// recordDeadLetter mirrors a permanently failed row into the configured
// DeadLetterQueue, independent of the store's own dead-letter bookkeeping,
// so operators have a queryable, replayable record of what was dropped.
func (r *Relay) recordDeadLetter(ctx context.Context, row store.OutboxRow, cause error) {
	if r.cfg.DLQ == nil {
		return
	}
	cid, data, decodeErr := event.Decode(row.Payload)
	if decodeErr != nil {
		data = row.Payload
	}
	evt := event.NewAny(row.EventType, r.cfg.Source, "", json.RawMessage(data), event.WithCorrelationID(cid))
	failed := event.NewFailedEvent(evt, cause, "relay")
	failed.AttemptCount = row.RetryCount + 1
	if err := r.cfg.DLQ.Enqueue(ctx, failed); err != nil {
		r.logger.Error("relay: dlq enqueue failed", "outbox_id", row.ID, "error", err)
	}
}
