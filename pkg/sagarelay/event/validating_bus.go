package event

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnregisteredEventType is returned by ValidatingBus.Publish for an
// event type with no schema registered.
var ErrUnregisteredEventType = errors.New("event: unregistered event type")

// ValidatingBus wraps a Bus and rejects publishes of event types that
// haven't been registered in an EventRegistry, so a mistyped or malformed
// event type is caught at the dispatcher boundary instead of silently
// failing to match any subscriber downstream. Subscribe/SubscribeAll/Close
// pass straight through; only Publish is guarded.
type ValidatingBus struct {
	Bus
	registry *EventRegistry
}

// NewValidatingBus wraps bus, validating every published event against
// registry before handing it off.
func NewValidatingBus(bus Bus, registry *EventRegistry) *ValidatingBus {
	return &ValidatingBus{Bus: bus, registry: registry}
}

// Publish validates evt's type is registered before delegating to the
// wrapped Bus. A schema mismatch is returned as an error rather than
// published; the check is the registry's Validate (latest registered
// schema and its compatible versions), not ValidateStrict.
func (b *ValidatingBus) Publish(ctx context.Context, evt Event) error {
	if !b.registry.Has(evt.Type()) {
		return fmt.Errorf("event: %w: %q", ErrUnregisteredEventType, evt.Type())
	}
	if err := b.registry.Validate(evt); err != nil {
		return err
	}
	return b.Bus.Publish(ctx, evt)
}
