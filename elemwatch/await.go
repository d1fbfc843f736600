package elemwatch

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/net/html"

	"github.com/hazyhaar/horosdom/dom"
)

// Mode selects the await strategy.
type Mode int

const (
	// Observed resolves from a fire-once registration.
	Observed Mode = iota
	// Polling queries the document every interval.
	Polling
)

func (m Mode) String() string {
	if m == Polling {
		return "polling"
	}
	return "observed"
}

// ParseMode maps "polling" / "observed" (or "") to a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "observed":
		return Observed, nil
	case "polling":
		return Polling, nil
	}
	return Observed, fmt.Errorf("elemwatch: unknown await mode %q", s)
}

type awaitConfig struct {
	mode     Mode
	interval time.Duration
	maxIter  int
	root     *html.Node
	timeout  time.Duration
}

// AwaitOption configures Await.
type AwaitOption func(*awaitConfig)

// WithPolling switches to polling mode. interval <= 0 keeps the default
// of 100ms.
func WithPolling(interval time.Duration) AwaitOption {
	return func(c *awaitConfig) {
		c.mode = Polling
		if interval > 0 {
			c.interval = interval
		}
	}
}

// WithMaxIterations bounds polling attempts. 0 polls until ctx is done.
func WithMaxIterations(n int) AwaitOption {
	return func(c *awaitConfig) { c.maxIter = n }
}

// WithRoot scopes the search to a subtree.
func WithRoot(root *html.Node) AwaitOption {
	return func(c *awaitConfig) { c.root = root }
}

// WithTimeout bounds the whole wait, in either mode.
func WithTimeout(d time.Duration) AwaitOption {
	return func(c *awaitConfig) { c.timeout = d }
}

// Await blocks until an element matching selector is present under the
// configured root. Both modes first wait for the document to leave the
// Loading state. A polling await with a positive iteration budget returns a
// *NotFoundError once it is exhausted; every other wait ends only on success
// or ctx.
func Await(ctx context.Context, r *Registry, selector string, opts ...AwaitOption) (*html.Node, error) {
	cfg := awaitConfig{interval: 100 * time.Millisecond}
	for _, o := range opts {
		o(&cfg)
	}

	sel, err := dom.Compile(selector)
	if err != nil {
		return nil, err
	}

	if cfg.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.timeout)
		defer cancel()
	}

	if err := r.doc.WaitReady(ctx); err != nil {
		return nil, fmt.Errorf("elemwatch: await %q: %w", selector, err)
	}

	if cfg.mode == Polling {
		return poll(ctx, r.doc, sel, cfg)
	}
	return observe(ctx, r, sel, cfg)
}

func poll(ctx context.Context, doc *dom.Document, sel dom.Selector, cfg awaitConfig) (*html.Node, error) {
	timer := time.NewTimer(cfg.interval)
	timer.Stop()
	defer timer.Stop()

	attempts := 0
	for {
		if el := doc.QuerySelector(cfg.root, sel); el != nil {
			return el, nil
		}
		attempts++
		if cfg.maxIter > 0 && attempts >= cfg.maxIter {
			return nil, &NotFoundError{Selector: sel.String(), Attempts: attempts}
		}

		timer.Reset(cfg.interval)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("elemwatch: await %q: %w", sel.String(), ctx.Err())
		case <-timer.C:
		}
	}
}

func observe(ctx context.Context, r *Registry, sel dom.Selector, cfg awaitConfig) (*html.Node, error) {
	found := make(chan *html.Node, 1)
	g, err := r.Register(sel.String(), Criteria{
		Check: r.doc.Matcher(sel),
		Once:  true,
		Root:  cfg.root,
	}, func(el *html.Node) {
		select {
		case found <- el:
		default:
		}
	})
	if err != nil {
		return nil, err
	}
	defer g.Unregister()

	select {
	case el := <-found:
		return el, nil
	default:
	}
	// Cover an element attached between the watch and the scan.
	if el := r.doc.QuerySelector(cfg.root, sel); el != nil {
		return el, nil
	}

	select {
	case el := <-found:
		return el, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("elemwatch: await %q: %w", sel.String(), ctx.Err())
	}
}

// Future is the pending result of an asynchronous Await.
type Future struct {
	done chan struct{}
	el   *html.Node
	err  error
}

// Go runs Await in its own goroutine.
func Go(ctx context.Context, r *Registry, selector string, opts ...AwaitOption) *Future {
	f := &Future{done: make(chan struct{})}
	go func() {
		defer close(f.done)
		f.el, f.err = Await(ctx, r, selector, opts...)
	}()
	return f
}

// Done is closed once the result is available.
func (f *Future) Done() <-chan struct{} { return f.done }

// Result blocks until the await ends.
func (f *Future) Result() (*html.Node, error) {
	<-f.done
	return f.el, f.err
}

// Wait blocks until the await ends or ctx is done. Cancelling ctx here does
// not cancel the await itself.
func (f *Future) Wait(ctx context.Context) (*html.Node, error) {
	select {
	case <-f.done:
		return f.el, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
