// Package event provides event-driven architecture primitives for flowgraph.
//
// # Overview
//
// This package implements industry best practices for event-driven systems:
//
//   - Event interface with correlation and causation tracking
//   - EventRegistry for schema management and validation (Confluent-style)
//   - Bus for pub/sub fan-out distribution, optionally schema-validating
//   - DeadLetterQueue and ParkedLetterQueue for error handling
//   - PoisonPillDetector for identifying problematic events
//
// # Design Influences
//
//   - Confluent Schema Registry: Schema versioning and compatibility
//   - AWS EventBridge: Dead letter queues, error handling patterns
//   - Temporal: Signals, queries, workflow interaction patterns
//   - Apache Kafka: Fan-out, fan-in, correlation IDs
//   - LangGraph: Agent-controlled transitions, human-in-the-loop
//
// # Event Interface
//
// All events implement the Event interface, which provides:
//
//   - Identity: ID, Type, Source
//   - Correlation: CorrelationID (traces related events), CausationID (parent event)
//   - Metadata: Timestamp, Version (schema), TenantID
//   - Payload: Data() returns the event payload
//
// Use BaseEvent[T] for type-safe event implementations:
//
//	type OrderCreated struct {
//	    event.BaseEvent[OrderPayload]
//	}
//
//	evt := event.New("order.created", "orders", tenantID, OrderPayload{...})
//
// # Event Correlation
//
// Events support distributed tracing through correlation and causation IDs:
//
//	// Parent event creates a new correlation chain
//	parent := event.New("workflow.started", "flow", tenantID, payload)
//	// parent.CorrelationID() == parent.ID() (root of chain)
//
//	// Child events inherit correlation, set causation
//	child := event.NewFromParent(parent, "step.completed", "flow", stepPayload)
//	// child.CorrelationID() == parent.ID()
//	// child.CausationID() == parent.ID()
//
// # Registry and Schema Validation
//
// EventRegistry manages event type definitions with version support:
//
//	registry := event.NewEventRegistry()
//	registry.Register(&event.EventSchema{
//	    Type:    "order.created",
//	    Source:  "orders",
//	    Version: 1,
//	    Tags:    []string{"commerce", "orders"},
//	})
//
//	// Validate events against their schema
//	if err := registry.Validate(evt); err != nil {
//	    // Handle validation error
//	}
//
// # Bus for Pub/Sub
//
// LocalBus provides in-memory pub/sub with fan-out:
//
//	bus := event.NewBus(event.BusConfig{
//	    DeduplicateTTL: 5*time.Minute,
//	})
//
//	// Subscribe to specific types
//	sub := bus.Subscribe([]string{"order.created"}, handler)
//	defer sub.Unsubscribe()
//
//	// Or subscribe to all events
//	sub := bus.SubscribeAll(auditHandler)
//
//	// Publish events
//	bus.Publish(ctx, evt)
//
// ValidatingBus wraps a Bus and rejects publishes of event types that
// were never registered with an EventRegistry:
//
//	bus := event.NewValidatingBus(event.NewBus(event.BusConfig{}), registry)
//
// # Error Handling
//
// DeadLetterQueue stores failed events for retry:
//
//	dlq := event.NewInMemoryDLQ(event.DLQConfig{MaxRetries: 5})
//	dlq.Enqueue(ctx, event.NewFailedEvent(evt, err, "relay"))
//
//	// DLQProcessor periodically replays due events back onto a Bus
//	processor := event.NewDLQProcessor(dlq, bus, event.DLQProcessorConfig{})
//	processor.Start(ctx)
//
// ParkedLetterQueue stores permanently failed events requiring manual review.
//
// PoisonPillDetector identifies events that consistently cause failures.
package event
