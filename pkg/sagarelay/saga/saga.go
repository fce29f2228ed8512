// Package saga implements the orchestration engine (C5): a linear,
// event-driven state machine that advances one correlated saga instance
// per inbound event, persists the new state and any outbound commands in
// a single transaction, and surfaces unrecoverable conditions as handler
// errors for the dispatcher and outbox relay to act on.
//
// Design Influences:
//   - Microservices.io Saga Pattern (orchestration variant)
//   - Temporal Sagas (durable, replayable workflow state)
package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	serrors "github.com/coriolis-systems/sagarelay/pkg/sagarelay/errors"
	"github.com/coriolis-systems/sagarelay/pkg/sagarelay/event"
	"github.com/coriolis-systems/sagarelay/pkg/sagarelay/observability"
	"github.com/coriolis-systems/sagarelay/pkg/sagarelay/registry"
	"github.com/coriolis-systems/sagarelay/pkg/sagarelay/store"
)

// StateInitial is the state a saga occupies the instant it is created,
// before its first command has been issued.
const StateInitial = "Initial"

// StateFinal is the absorbing terminal state. A saga reaches it either by
// completing every step or by exhausting a step's retry budget; LastError
// distinguishes the two outcomes.
const StateFinal = "Final"

// StepDescriptor is a single step of a linear saga, described statically
// rather than discovered through reflection: its command and outcome
// event types, how to build the outbound command payload, and its retry
// budget.
type StepDescriptor struct {
	// Key identifies the step (e.g. "order-created") and is used to
	// derive its command and outcome event types.
	Key string

	// MaxRetries bounds how many times the command is reissued after a
	// Failed outcome before the saga is moved to StateFinal with an error.
	MaxRetries int

	// BuildCommand returns the payload published for this step's command
	// event, built from the saga's original inbound record.
	BuildCommand func(rec store.Record) ([]byte, error)
}

// CommandEventType is the event type published to invoke this step.
func (s StepDescriptor) CommandEventType() string { return "Call-" + s.Key }

// SucceededEventType is the event type the step executor publishes on a
// 2xx response.
func (s StepDescriptor) SucceededEventType() string { return s.Key + "-Succeeded" }

// FailedEventType is the event type the step executor publishes on any
// non-2xx response, timeout, or transport error.
func (s StepDescriptor) FailedEventType() string { return s.Key + "-Failed" }

// Definition describes one saga workflow: its ordered steps and the
// event type used to start it. WaitingState(i) names the state the saga
// occupies while step i is outstanding.
type Definition struct {
	// Name identifies the workflow, and appears as the suffix of its
	// start event type: "SagaStarted-<Name>".
	Name string

	Steps []StepDescriptor
}

// StartEventType is the event type that begins a saga of this definition.
func (d Definition) StartEventType() string { return "SagaStarted-" + d.Name }

// WaitingState names the state a saga occupies while awaiting the
// outcome of step index i (0-based).
func (d Definition) WaitingState(i int) string { return fmt.Sprintf("WaitingFor%d", i+1) }

// stepIndexForState returns the step index a WaitingFor<n> state refers
// to, or -1 if state isn't a waiting state of this definition.
func (d Definition) stepIndexForState(state string) int {
	for i := range d.Steps {
		if d.WaitingState(i) == state {
			return i
		}
	}
	return -1
}

// Validate checks structural invariants: a non-empty name, at least one
// step, non-empty keys, non-negative retry budgets.
func (d Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("saga: definition name is required")
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("saga: definition %q has no steps", d.Name)
	}
	for i, s := range d.Steps {
		if s.Key == "" {
			return fmt.Errorf("saga: definition %q step %d has no key", d.Name, i)
		}
		if s.MaxRetries < 0 {
			return fmt.Errorf("saga: definition %q step %q has negative MaxRetries", d.Name, s.Key)
		}
	}
	return nil
}

// EngineConfig configures the Engine.
type EngineConfig struct {
	// MaxConcurrencyRetries bounds how many times ProcessEvent reloads and
	// reapplies a transition after losing a SaveSaga race via
	// ErrConcurrencyConflict, before surfacing the conflict as a handler
	// error.
	// Default: 3
	MaxConcurrencyRetries int

	// ConflictBackoff is the delay between concurrency-conflict retries.
	// Default: 10ms
	ConflictBackoff time.Duration

	Logger *slog.Logger

	// Metrics records saga run completions (success/failure, duration).
	// Defaults to a no-op recorder.
	Metrics observability.MetricsRecorder

	// Tracing emits a span per processed event. Defaults to a no-op
	// manager.
	Tracing observability.SpanManager
}

// DefaultEngineConfig provides reasonable defaults.
var DefaultEngineConfig = EngineConfig{
	MaxConcurrencyRetries: 3,
	ConflictBackoff:       10 * time.Millisecond,
}

// Engine is the saga orchestration component (C5). It implements
// event.Handler so it can be registered directly on a Dispatcher: every
// SagaStarted-<workflow> event and every <key>-Succeeded/<key>-Failed
// event for a registered workflow is routed to ProcessEvent.
type Engine struct {
	store       store.Store
	definitions *registry.Registry[string, Definition]
	cfg         EngineConfig
	logger      *slog.Logger
	metrics     observability.MetricsRecorder
	tracing     observability.SpanManager
}

// NewEngine creates a saga Engine backed by s.
func NewEngine(s store.Store, cfg EngineConfig) *Engine {
	if cfg.MaxConcurrencyRetries <= 0 {
		cfg.MaxConcurrencyRetries = DefaultEngineConfig.MaxConcurrencyRetries
	}
	if cfg.ConflictBackoff <= 0 {
		cfg.ConflictBackoff = DefaultEngineConfig.ConflictBackoff
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observability.NoopMetrics{}
	}
	tracing := cfg.Tracing
	if tracing == nil {
		tracing = observability.NoopSpanManager{}
	}
	return &Engine{
		store:       s,
		definitions: registry.New[string, Definition](),
		cfg:         cfg,
		logger:      logger,
		metrics:     metrics,
		tracing:     tracing,
	}
}

// Register adds a workflow definition. Panics if it fails Validate, the
// same way MustRegister does elsewhere in this codebase for
// configuration errors discovered at startup.
func (e *Engine) Register(def Definition) {
	if err := def.Validate(); err != nil {
		panic(err)
	}
	e.definitions.Register(def.Name, def)
}

// Handles returns every event type this engine's registered workflows
// care about: each workflow's start event plus every step's outcome
// events.
func (e *Engine) Handles() []string {
	var types []string
	e.definitions.Range(func(_ string, def Definition) bool {
		types = append(types, def.StartEventType())
		for _, s := range def.Steps {
			types = append(types, s.SucceededEventType(), s.FailedEventType())
		}
		return true
	})
	return types
}

// Handle implements event.Handler.
func (e *Engine) Handle(ctx context.Context, evt event.Event) ([]event.Event, error) {
	return nil, e.ProcessEvent(ctx, evt)
}

// outboxIntent is a command this engine wants durably published,
// produced as a side effect of one transition and co-committed with the
// saga's new state.
type outboxIntent struct {
	eventType string
	payload   []byte
}

// ProcessEvent advances exactly one saga instance in response to one
// event. It is idempotent for redelivered start events and retries
// bounded numbers of times against optimistic-concurrency conflicts
// before surfacing them as an error.
func (e *Engine) ProcessEvent(ctx context.Context, evt event.Event) (err error) {
	ctx, span := e.tracing.StartRunSpan(ctx, "saga.engine", evt.CorrelationID())
	defer func() { e.tracing.EndSpanWithError(span, err) }()

	var lastErr error
	for attempt := 0; attempt <= e.cfg.MaxConcurrencyRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				err = ctx.Err()
				return err
			case <-time.After(e.cfg.ConflictBackoff):
			}
		}

		procErr := e.tryProcessEvent(ctx, evt)
		if procErr == nil {
			return nil
		}
		if !errors.Is(procErr, store.ErrConcurrencyConflict) {
			err = procErr
			return err
		}
		lastErr = procErr
	}
	err = fmt.Errorf("saga: giving up on correlation %s after %d concurrency conflicts: %w",
		evt.CorrelationID(), e.cfg.MaxConcurrencyRetries+1, lastErr)
	return err
}

func (e *Engine) tryProcessEvent(ctx context.Context, evt event.Event) error {
	if def, ok := e.matchStart(evt); ok {
		return e.startSaga(ctx, def, evt)
	}

	cid := evt.CorrelationID()
	saga, err := e.store.LoadSaga(ctx, cid)
	if err != nil {
		return err
	}

	def, ok := e.definitions.Get(saga.WorkflowName)
	if !ok {
		return &serrors.UnexpectedEventForStateError{CorrelationID: cid, State: saga.CurrentState, EventType: evt.Type()}
	}

	stepIdx := def.stepIndexForState(saga.CurrentState)
	if stepIdx < 0 {
		return &serrors.UnexpectedEventForStateError{CorrelationID: cid, State: saga.CurrentState, EventType: evt.Type()}
	}
	step := def.Steps[stepIdx]

	switch evt.Type() {
	case step.SucceededEventType():
		return e.applySucceeded(ctx, saga, def, stepIdx, evt)
	case step.FailedEventType():
		return e.applyFailed(ctx, saga, def, stepIdx, evt)
	default:
		return &serrors.UnexpectedEventForStateError{CorrelationID: cid, State: saga.CurrentState, EventType: evt.Type()}
	}
}

// matchStart reports whether evt begins a registered workflow.
func (e *Engine) matchStart(evt event.Event) (Definition, bool) {
	const prefix = "SagaStarted-"
	if !strings.HasPrefix(evt.Type(), prefix) {
		return Definition{}, false
	}
	name := strings.TrimPrefix(evt.Type(), prefix)
	return e.definitions.Get(name)
}

// startSaga creates a new instance and enqueues its first command. A
// start event for a correlation ID that already has a saga is treated as
// a redelivery (the outbox row that produced it may have been
// rescheduled after a crash between commit and MarkProcessed) and is a
// no-op, not an error.
func (e *Engine) startSaga(ctx context.Context, def Definition, evt event.Event) error {
	cid := evt.CorrelationID()

	if _, err := e.store.LoadSaga(ctx, cid); err == nil {
		e.logger.Debug("saga already started, ignoring redelivered start event", "correlation_id", cid)
		return nil
	} else if !errors.Is(err, store.ErrSagaNotFound) {
		return err
	}

	observability.LogRunStart(e.logger, cid)

	rec := store.Record{ID: cid, StepData: decodeStepData(evt)}
	first := def.Steps[0]
	payload, err := first.BuildCommand(rec)
	if err != nil {
		return &serrors.DeserializationError{Target: first.CommandEventType(), Cause: err}
	}
	payload, err = withRetryCount(payload, 0)
	if err != nil {
		return &serrors.DeserializationError{Target: first.CommandEventType(), Cause: err}
	}

	now := time.Now().UTC()
	saga := &store.SagaInstance{
		CorrelationID:  cid,
		WorkflowName:   def.Name,
		CurrentState:   def.WaitingState(0),
		OriginalRecord: rec,
		StartedAt:      now,
		LastUpdated:    now,
		Steps:          map[string]store.StepState{},
	}

	return e.commit(ctx, saga, 0, []outboxIntent{{eventType: first.CommandEventType(), payload: payload}})
}

func (e *Engine) applySucceeded(ctx context.Context, saga *store.SagaInstance, def Definition, stepIdx int, evt event.Event) error {
	step := def.Steps[stepIdx]
	state := saga.Steps[step.Key]
	state.APICalled = true
	state.Response = string(evt.DataBytes())
	state.LastError = ""
	saga.Steps[step.Key] = state
	observability.LogNodeComplete(e.logger, step.Key, float64(time.Since(saga.LastUpdated).Milliseconds()))

	var intents []outboxIntent
	if stepIdx == len(def.Steps)-1 {
		now := time.Now().UTC()
		saga.CurrentState = StateFinal
		saga.CompletedAt = &now
		duration := now.Sub(saga.StartedAt)
		observability.LogRunComplete(e.logger, saga.CorrelationID, float64(duration.Milliseconds()), len(saga.Steps))
		e.metrics.RecordGraphRun(ctx, true, duration)
	} else {
		next := def.Steps[stepIdx+1]
		payload, err := next.BuildCommand(saga.OriginalRecord)
		if err != nil {
			return &serrors.DeserializationError{Target: next.CommandEventType(), Cause: err}
		}
		payload, err = withRetryCount(payload, 0)
		if err != nil {
			return &serrors.DeserializationError{Target: next.CommandEventType(), Cause: err}
		}
		saga.CurrentState = def.WaitingState(stepIdx + 1)
		intents = append(intents, outboxIntent{eventType: next.CommandEventType(), payload: payload})
	}

	return e.commit(ctx, saga, saga.Version, intents)
}

// applyFailed advances a step on a <key>-Failed outcome. The retry-vs-Final
// decision compares the step's retry count as it stood before this
// failure: a step with MaxRetries=Mk is re-issued Mk times (Mk+1 total
// Call-<key> events) before the saga gives up, so the comparison must happen
// before state.RetryCount is incremented for this attempt.
func (e *Engine) applyFailed(ctx context.Context, saga *store.SagaInstance, def Definition, stepIdx int, evt event.Event) error {
	step := def.Steps[stepIdx]
	state := saga.Steps[step.Key]
	state.LastError = string(evt.DataBytes())
	observability.LogNodeError(e.logger, step.Key, errors.New(state.LastError))

	if state.RetryCount < step.MaxRetries {
		state.RetryCount++
		saga.Steps[step.Key] = state
		payload, err := step.BuildCommand(saga.OriginalRecord)
		if err != nil {
			return &serrors.DeserializationError{Target: step.CommandEventType(), Cause: err}
		}
		payload, err = withRetryCount(payload, state.RetryCount)
		if err != nil {
			return &serrors.DeserializationError{Target: step.CommandEventType(), Cause: err}
		}
		return e.commit(ctx, saga, saga.Version, []outboxIntent{{eventType: step.CommandEventType(), payload: payload}})
	}

	saga.Steps[step.Key] = state
	saga.CurrentState = StateFinal
	saga.LastError = fmt.Sprintf("step %q exhausted %d retries", step.Key, step.MaxRetries)
	duration := time.Since(saga.StartedAt)
	observability.LogRunError(e.logger, saga.CorrelationID, errors.New(saga.LastError), float64(duration.Milliseconds()), step.Key)
	e.metrics.RecordGraphRun(ctx, false, duration)
	return e.commit(ctx, saga, saga.Version, nil)
}

// withRetryCount merges a retry_count field into a JSON object command
// payload, so the published Call-<key> event carries the attempt count
// stepexec must echo back on a Failed outcome (spec: commands carry "the
// step payload and a retry_count").
func withRetryCount(payload []byte, retryCount int) ([]byte, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(payload, &obj); err != nil {
		return nil, err
	}
	if obj == nil {
		obj = map[string]json.RawMessage{}
	}
	n, err := json.Marshal(retryCount)
	if err != nil {
		return nil, err
	}
	obj["retry_count"] = n
	return json.Marshal(obj)
}

// commit persists saga and enqueues its outbound intents as one atomic
// transaction: either both the state transition and its commands land,
// or neither does.
func (e *Engine) commit(ctx context.Context, saga *store.SagaInstance, expectedVersion int, intents []outboxIntent) error {
	return e.store.WithTransaction(ctx, func(ctx context.Context, tx store.Mutator) error {
		if err := tx.SaveSaga(ctx, saga, expectedVersion); err != nil {
			return err
		}
		for _, intent := range intents {
			envelope, err := event.Encode(saga.CorrelationID, intent.payload)
			if err != nil {
				return err
			}
			if _, err := tx.EnqueueOutbox(ctx, intent.eventType, envelope, time.Now().UTC()); err != nil {
				return err
			}
		}
		return nil
	})
}

// decodeStepData extracts the inbound record's step payload map from a
// SagaStarted event. The dispatcher hands handlers an Event whose
// DataBytes is the already-unwrapped payload (the relay and ingress
// strip the outbox envelope before publishing), so this only needs to
// handle the step-data JSON object itself.
func decodeStepData(evt event.Event) map[string]json.RawMessage {
	if data, ok := evt.Data().(map[string]json.RawMessage); ok {
		return data
	}
	out := map[string]json.RawMessage{}
	raw := evt.DataBytes()
	if len(raw) == 0 {
		return out
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		out["_"] = append(json.RawMessage(nil), raw...)
	}
	return out
}
