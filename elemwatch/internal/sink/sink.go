// Package sink delivers match events to their consumers.
package sink

import (
	"context"

	"github.com/hazyhaar/horosdom/elemwatch/event"
)

// Sink is the output interface. Implementations deliver events to stdout,
// a webhook or an in-process function.
type Sink interface {
	Send(ctx context.Context, ev event.Event) error
	Close() error
}

type envelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}
