package sink

import (
	"context"

	"github.com/hazyhaar/horosdom/elemwatch/event"
)

// EventFunc receives events in process, without serialisation.
type EventFunc func(ctx context.Context, ev event.Event) error

// Callback hands events to a Go function. Used when the consumer lives in
// the same binary as the daemon.
type Callback struct {
	fn EventFunc
}

// NewCallback creates a Callback sink. A nil fn drops every event.
func NewCallback(fn EventFunc) *Callback {
	return &Callback{fn: fn}
}

func (c *Callback) Send(ctx context.Context, ev event.Event) error {
	if c.fn == nil {
		return nil
	}
	return c.fn(ctx, ev)
}

func (c *Callback) Close() error { return nil }
