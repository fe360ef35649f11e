// Package bus provides the bounded FIFO event queue at the center of the
// engine.
//
// The bus is multi-producer, single-consumer: connectors and handlers
// publish from their own goroutines, and exactly one dispatcher drains it.
// When the queue is full, producers block until space frees up. Events are
// never dropped; backpressure propagates to the producers.
package bus

import (
	"context"

	"cryptobot/pkg/types"
)

// DefaultCapacity bounds the queue when the config does not override it.
const DefaultCapacity = 10000

// Bus is a bounded FIFO queue of events.
type Bus struct {
	ch chan types.Event
}

// New creates a bus with the given capacity. Non-positive capacities fall
// back to DefaultCapacity.
func New(capacity int) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Bus{ch: make(chan types.Event, capacity)}
}

// Publish enqueues an event, blocking while the bus is full. It returns the
// context error if ctx is cancelled before space frees up.
func (b *Bus) Publish(ctx context.Context, e types.Event) error {
	select {
	case b.ch <- e:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Events returns the consumer side of the queue. Only the dispatcher should
// read from it.
func (b *Bus) Events() <-chan types.Event { return b.ch }

// Len reports the current queue depth, sampled for the telemetry gauge.
func (b *Bus) Len() int { return len(b.ch) }

// Cap reports the configured capacity.
func (b *Bus) Cap() int { return cap(b.ch) }
