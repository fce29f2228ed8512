// Package ingress implements the Ingress component (C3): it drains a
// MessageSource, turns each inbound message into a durable Record plus a
// co-committed SagaStarted outbox row, and acks the source only after
// that commit lands.
package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/coriolis-systems/sagarelay/pkg/sagarelay/event"
	"github.com/coriolis-systems/sagarelay/pkg/sagarelay/store"
)

// Message is one unit of inbound work. ID becomes the saga's correlation
// ID; it must be stable across redeliveries of the same logical message.
type Message struct {
	ID       string
	Workflow string
	Payload  map[string]json.RawMessage
}

// MessageSource is the external boundary Ingress drains. Receive blocks
// until a message is available or ctx is done. Ack must only be called
// after the message's effects are durably committed; a message not acked
// is expected to be redelivered.
type MessageSource interface {
	Receive(ctx context.Context) (*Message, error)
	Ack(ctx context.Context, id string) error
}

// Config configures an Ingress.
type Config struct {
	Logger *slog.Logger

	// Source is the event source name stamped onto the SagaStarted
	// event this Ingress produces.
	Source string
}

// DefaultConfig provides reasonable defaults.
var DefaultConfig = Config{Source: "ingress"}

// Ingress is the C3 component.
type Ingress struct {
	store      store.Store
	dispatcher event.Bus
	cfg        Config
	logger     *slog.Logger
}

// New creates an Ingress over s, publishing best-effort immediate
// notifications on dispatcher.
func New(s store.Store, dispatcher event.Bus, cfg Config) *Ingress {
	if cfg.Source == "" {
		cfg.Source = DefaultConfig.Source
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingress{store: s, dispatcher: dispatcher, cfg: cfg, logger: logger}
}

// Run drains src until ctx is canceled, processing one message at a
// time. Returns nil on clean shutdown (ctx canceled), or the first
// unrecoverable source error.
func (i *Ingress) Run(ctx context.Context, src MessageSource) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		msg, err := src.Receive(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}

		if err := i.processOne(ctx, msg); err != nil {
			i.logger.Error("ingress: failed to process message", "message_id", msg.ID, "error", err)
			continue
		}

		if err := src.Ack(ctx, msg.ID); err != nil {
			i.logger.Error("ingress: failed to ack message", "message_id", msg.ID, "error", err)
		}
	}
}

// processOne runs the 6-step commit algorithm for a single message:
// insert the record, enqueue its SagaStarted event, commit both
// atomically, then best-effort publish. A duplicate record ID (a
// redelivered message whose prior attempt already committed) is treated
// as success, not failure, so the caller still acks it.
func (i *Ingress) processOne(ctx context.Context, msg *Message) error {
	rec := store.Record{ID: msg.ID, StepData: msg.Payload}
	evtType := "SagaStarted-" + msg.Workflow
	data, err := json.Marshal(msg.Payload)
	if err != nil {
		return err
	}
	envelope, err := event.Encode(msg.ID, data)
	if err != nil {
		return err
	}

	var alreadyStarted bool
	err = i.store.WithTransaction(ctx, func(ctx context.Context, tx store.Mutator) error {
		if err := tx.InsertRecord(ctx, rec); err != nil {
			if errors.Is(err, store.ErrDuplicateKey) {
				alreadyStarted = true
				return nil
			}
			return err
		}
		_, err := tx.EnqueueOutbox(ctx, evtType, envelope, time.Now().UTC())
		return err
	})
	if err != nil {
		return err
	}
	if alreadyStarted {
		i.logger.Debug("ingress: record already started, treating as idempotent success", "message_id", msg.ID)
		return nil
	}

	evt := event.NewAny(evtType, i.cfg.Source, "", msg.Payload, event.WithCorrelationID(msg.ID))
	if pubErr := i.dispatcher.Publish(ctx, evt); pubErr != nil {
		i.logger.Debug("ingress: best-effort immediate publish failed, outbox relay will deliver it", "message_id", msg.ID, "error", pubErr)
	}
	return nil
}
