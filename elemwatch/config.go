package elemwatch

import (
	"context"
	"log/slog"
	"runtime"
	"time"

	"github.com/google/uuid"
)

// YieldFunc is called between two chunks of a processing pass to hand the
// scheduler a chance to run other work. A non-nil error aborts the pass.
type YieldFunc func(ctx context.Context) error

// Gosched yields the processor to other goroutines.
func Gosched(ctx context.Context) error {
	runtime.Gosched()
	return ctx.Err()
}

// Frame returns a YieldFunc that waits for the next frame of a d-paced clock.
func Frame(d time.Duration) YieldFunc {
	return func(ctx context.Context) error {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			return nil
		}
	}
}

// Config tunes a Registry.
type Config struct {
	// Throttle is the delay between the first mutation of a burst and the
	// processing pass. Default: 5ms.
	Throttle time.Duration
	// ChunkSize bounds how many elements are matched between two yields,
	// and how many the eager scan matches per lock. Default: 50.
	ChunkSize int
	// Yield runs between chunks. Default: Gosched.
	Yield YieldFunc
	// DedupWindow is how long a mutation record is remembered so that the
	// same record delivered by two nested watches is processed once.
	// Default: 2s.
	DedupWindow time.Duration
	// NewID generates registration IDs. Default: "reg_" + UUIDv7.
	NewID  func() string
	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.Throttle <= 0 {
		c.Throttle = 5 * time.Millisecond
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = 50
	}
	if c.Yield == nil {
		c.Yield = Gosched
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = 2 * time.Second
	}
	if c.NewID == nil {
		c.NewID = func() string { return "reg_" + uuid.Must(uuid.NewV7()).String() }
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}
