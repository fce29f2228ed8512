// Package stepexec implements the Step Executor (C6): it receives
// Call-<key> command events, issues one bounded HTTP POST per step, and
// publishes the corresponding Succeeded or Failed outcome event back to
// the Dispatcher. It performs no local retries; retry policy lives
// entirely in the saga engine.
package stepexec

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coriolis-systems/sagarelay/pkg/sagarelay/event"
	"github.com/coriolis-systems/sagarelay/pkg/sagarelay/observability"
)

// Endpoint describes where a step's command is delivered.
type Endpoint struct {
	// Key matches the saga package's StepDescriptor.Key.
	Key string

	URL string

	// Timeout bounds the HTTP round trip for this step.
	// Default: 5s
	Timeout time.Duration
}

// Config configures an Executor.
type Config struct {
	Client *http.Client
	Logger *slog.Logger
	Source string

	// Metrics records per-step execution counts and latency. Defaults to
	// a no-op recorder.
	Metrics observability.MetricsRecorder

	// Tracing emits a span per step invocation. Defaults to a no-op
	// manager.
	Tracing observability.SpanManager
}

// DefaultConfig provides reasonable defaults.
var DefaultConfig = Config{Source: "stepexec"}

// DefaultStepTimeout is used for any Endpoint that doesn't set one.
const DefaultStepTimeout = 5 * time.Second

// Executor is the C6 component. It subscribes to Call-<key> events for
// every registered Endpoint and publishes <key>-Succeeded/<key>-Failed
// outcome events.
type Executor struct {
	endpoints  map[string]Endpoint
	dispatcher event.Bus
	client     *http.Client
	logger     *slog.Logger
	source     string
	metrics    observability.MetricsRecorder
	tracing    observability.SpanManager
}

// New creates an Executor publishing outcomes to dispatcher.
func New(dispatcher event.Bus, cfg Config) *Executor {
	client := cfg.Client
	if client == nil {
		client = http.DefaultClient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	source := cfg.Source
	if source == "" {
		source = DefaultConfig.Source
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observability.NoopMetrics{}
	}
	tracing := cfg.Tracing
	if tracing == nil {
		tracing = observability.NoopSpanManager{}
	}
	return &Executor{
		endpoints:  map[string]Endpoint{},
		dispatcher: dispatcher,
		client:     client,
		logger:     logger,
		source:     source,
		metrics:    metrics,
		tracing:    tracing,
	}
}

// Register adds or replaces the endpoint for a step key.
func (x *Executor) Register(ep Endpoint) {
	if ep.Timeout <= 0 {
		ep.Timeout = DefaultStepTimeout
	}
	x.endpoints[ep.Key] = ep
}

// Handles returns the Call-<key> event types for every registered
// endpoint.
func (x *Executor) Handles() []string {
	types := make([]string, 0, len(x.endpoints))
	for key := range x.endpoints {
		types = append(types, "Call-"+key)
	}
	return types
}

// Handle implements event.Handler. It never returns an error: any
// failure to reach the remote step produces a Failed outcome event
// instead, since the whole point of this component is to turn transport
// failures into saga-visible events rather than handler errors.
func (x *Executor) Handle(ctx context.Context, evt event.Event) ([]event.Event, error) {
	const prefix = "Call-"
	key := strings.TrimPrefix(evt.Type(), prefix)
	ep, ok := x.endpoints[key]
	if !ok {
		x.logger.Warn("stepexec: no endpoint registered for command", "event_type", evt.Type())
		return nil, nil
	}

	x.execute(ctx, ep, evt)
	return nil, nil
}

func (x *Executor) execute(ctx context.Context, ep Endpoint, evt event.Event) {
	ctx, span := x.tracing.StartNodeSpan(ctx, "stepexec.call")
	var spanErr error
	defer func() { x.tracing.EndSpanWithError(span, spanErr) }()

	observability.LogNodeStart(x.logger, ep.Key)
	done := observability.TimedOperation()

	reqCtx, cancel := context.WithTimeout(ctx, ep.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, ep.URL, bytes.NewReader(evt.DataBytes()))
	if err != nil {
		spanErr = err
		x.finish(ctx, ep.Key, done(), err)
		x.publishFailed(ctx, ep.Key, evt, err.Error())
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := x.client.Do(req)
	if err != nil {
		spanErr = err
		x.finish(ctx, ep.Key, done(), err)
		x.publishFailed(ctx, ep.Key, evt, err.Error())
		return
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		x.finish(ctx, ep.Key, done(), nil)
		x.publishSucceeded(ctx, ep.Key, evt, body)
		return
	}

	stepErr := fmt.Errorf("stepexec: step %q returned status %d", ep.Key, resp.StatusCode)
	spanErr = stepErr
	x.finish(ctx, ep.Key, done(), stepErr)
	x.publishFailed(ctx, ep.Key, evt, strings.TrimSpace(string(body)))
}

// finish records the outcome of one HTTP call against the configured
// MetricsRecorder and logs it at the appropriate level.
func (x *Executor) finish(ctx context.Context, key string, durationMs float64, err error) {
	x.metrics.RecordNodeExecution(ctx, key, time.Duration(durationMs)*time.Millisecond, err)
	if err != nil {
		observability.LogNodeError(x.logger, key, err)
		return
	}
	observability.LogNodeComplete(x.logger, key, durationMs)
}

func (x *Executor) publishSucceeded(ctx context.Context, key string, cause event.Event, responseBody []byte) {
	outcome := event.NewAnyFromParent(cause, key+"-Succeeded", x.source, json.RawMessage(responseBody))
	if err := x.dispatcher.Publish(ctx, outcome); err != nil {
		x.logger.Error("stepexec: failed to publish succeeded outcome", "step", key, "error", err)
	}
}

func (x *Executor) publishFailed(ctx context.Context, key string, cause event.Event, reason string) {
	payload, _ := json.Marshal(map[string]any{
		"error":       reason,
		"retry_count": incomingRetryCount(cause),
	})
	outcome := event.NewAnyFromParent(cause, key+"-Failed", x.source, json.RawMessage(payload))
	if err := x.dispatcher.Publish(ctx, outcome); err != nil {
		x.logger.Error("stepexec: failed to publish failed outcome", "step", key, "error", err)
	}
}

// incomingRetryCount extracts the retry_count the saga engine attached to
// the command event, so a Failed outcome echoes it back per spec (a
// failure event carries "the incoming retry_count"). Missing or
// unparseable fields default to 0 rather than failing the publish.
func incomingRetryCount(cmd event.Event) int {
	var wrapper struct {
		RetryCount int `json:"retry_count"`
	}
	_ = json.Unmarshal(cmd.DataBytes(), &wrapper)
	return wrapper.RetryCount
}
