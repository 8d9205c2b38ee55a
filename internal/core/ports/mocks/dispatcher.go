package mocks

import (
	"context"
	"fmt"
	"sync"

	"github.com/lueurxax/scam-relay/internal/core/domain"
)

// Dispatcher is a thread-safe recording implementation of ports.Dispatcher.
type Dispatcher struct {
	mu       sync.Mutex
	messages []domain.MergedMessage
	seq      int

	// EnqueueFn allows overriding Enqueue behavior. Returning an error leaves
	// the message unrecorded.
	EnqueueFn func(ctx context.Context, msg domain.MergedMessage) (string, error)
}

// NewDispatcher creates a new mock dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{}
}

// Enqueue records the message and returns a sequential delivery id.
func (d *Dispatcher) Enqueue(ctx context.Context, msg domain.MergedMessage) (string, error) {
	if d.EnqueueFn != nil {
		id, err := d.EnqueueFn(ctx, msg)
		if err != nil {
			return "", err
		}

		d.record(msg)

		return id, nil
	}

	return d.record(msg), nil
}

func (d *Dispatcher) record(msg domain.MergedMessage) string {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.seq++
	d.messages = append(d.messages, msg)

	return fmt.Sprintf("delivery-%d", d.seq)
}

// Messages returns a copy of all dispatched messages in dispatch order.
func (d *Dispatcher) Messages() []domain.MergedMessage {
	d.mu.Lock()
	defer d.mu.Unlock()

	return append([]domain.MergedMessage(nil), d.messages...)
}

// Count returns the number of dispatched messages.
func (d *Dispatcher) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.messages)
}

// Reset clears recorded messages.
func (d *Dispatcher) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.messages = nil
	d.seq = 0
}
