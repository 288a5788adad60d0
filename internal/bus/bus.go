// Package bus distributes run events to live observers and persists them for
// replay. The kernel publishes after the durable append commits; subscribers
// that fall behind lose events but always learn about the loss through a
// stream_gap marker.
package bus

import (
	"context"

	"github.com/EffortlessMetrics/switchyard/internal/runtime"
)

// EventBus fans events out to subscribers.
type EventBus interface {
	// Publish delivers an event to all matching subscribers. It never blocks
	// on a slow subscriber.
	Publish(event runtime.Event)

	// Subscribe registers a subscriber for one run.
	Subscribe(runID string) Subscription

	// SubscribeAll registers a subscriber for every run.
	SubscribeAll() Subscription

	// Close shuts down the bus and all subscriptions.
	Close() error
}

// Subscription receives events. The channel closes when the subscription or
// the bus closes.
type Subscription interface {
	Events() <-chan runtime.Event
	Close() error
}

// EventStore persists events for replay across process restarts.
type EventStore interface {
	// Append stores one event. (run_id, seq) is unique.
	Append(ctx context.Context, event runtime.Event) error

	// List returns a run's events with Seq > afterSeq, oldest first.
	// limit <= 0 means no limit.
	List(ctx context.Context, runID string, afterSeq uint64, limit int) ([]runtime.Event, error)

	// LatestSeq returns the highest stored Seq for a run, 0 when empty.
	LatestSeq(ctx context.Context, runID string) (uint64, error)

	Close() error
}
