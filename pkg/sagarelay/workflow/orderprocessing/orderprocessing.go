// Package orderprocessing defines the reference three-step saga used by
// the example wiring and the end-to-end test scenarios: order-created,
// order-processed, order-shipped, each invoked in turn and each able to
// retry twice before the saga is abandoned.
package orderprocessing

import (
	"encoding/json"
	"fmt"

	"github.com/coriolis-systems/sagarelay/pkg/sagarelay/saga"
	"github.com/coriolis-systems/sagarelay/pkg/sagarelay/store"
)

// emptyPayload is substituted for a step whose key is absent from the
// inbound record's step_data, per spec: the downstream HTTP call still
// happens, it just carries no body-derived fields.
var emptyPayload = json.RawMessage(`{}`)

// Name identifies this workflow; its SagaStarted event type is
// "SagaStarted-orderprocessing".
const Name = "orderprocessing"

// Step keys, in execution order.
const (
	StepOrderCreated   = "order-created"
	StepOrderProcessed = "order-processed"
	StepOrderShipped   = "order-shipped"
)

// Definition returns the canonical three-step saga: each step forwards
// the step data stored under its own key in the original record, and
// tolerates two retries before the saga gives up.
func Definition() saga.Definition {
	return saga.Definition{
		Name: Name,
		Steps: []saga.StepDescriptor{
			{Key: StepOrderCreated, MaxRetries: 2, BuildCommand: buildCommand(StepOrderCreated)},
			{Key: StepOrderProcessed, MaxRetries: 2, BuildCommand: buildCommand(StepOrderProcessed)},
			{Key: StepOrderShipped, MaxRetries: 2, BuildCommand: buildCommand(StepOrderShipped)},
		},
	}
}

// buildCommand returns a BuildCommand closure that forwards rec's
// step-scoped payload for key, substituting an empty object when the key
// is absent from step_data.
func buildCommand(key string) func(store.Record) ([]byte, error) {
	return func(rec store.Record) ([]byte, error) {
		if raw, ok := rec.StepData[key]; ok {
			return raw, nil
		}
		return append(json.RawMessage(nil), emptyPayload...), nil
	}
}

// DecodeResponse is a convenience for tests and demos reading a step's
// raw HTTP response body back out of a StepState.
func DecodeResponse(s store.StepState, out any) error {
	if s.Response == "" {
		return fmt.Errorf("orderprocessing: step has no response recorded")
	}
	return json.Unmarshal([]byte(s.Response), out)
}
