// Package elemwatch lets many independent consumers register interest in
// elements of a mutating dom.Document and get called back when matching
// elements appear, without each of them polling or holding its own observer.
//
// A Registry merges every registration into one watch per subtree root,
// coalesces mutation bursts behind a short throttle, and matches the newly
// inserted elements in fixed-size chunks separated by a scheduler yield.
// Await builds a one-shot wait on top of it.
package elemwatch

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/html"

	"github.com/hazyhaar/horosdom/dom"
)

type passState int

const (
	stateIdle passState = iota
	stateArmed
	stateProcessing
)

// Registration is one (criteria, callback) interest held by a Registry.
type Registration struct {
	id       string
	event    string
	criteria Criteria
	callback func(*html.Node)
	root     *html.Node
	since    uint64 // document sequence covered by the eager scan
	reg      *Registry

	removed atomic.Bool
	fired   atomic.Bool

	// deliverMu serialises callback invocations. The eager scan runs on the
	// registering goroutine while the loop may deliver new insertions.
	deliverMu sync.Mutex
}

// ID returns the opaque registration token.
func (g *Registration) ID() string { return g.id }

// Event returns the grouping key the registration was made under.
func (g *Registration) Event() string { return g.event }

// Active reports whether the registration can still fire.
func (g *Registration) Active() bool { return !g.removed.Load() }

// Unregister removes the registration. No invocation starts after it
// returns. Calling it again is a no-op; calling it from the registration's
// own callback is allowed.
func (g *Registration) Unregister() {
	if !g.removed.CompareAndSwap(false, true) {
		return
	}
	g.reg.detach(g)
}

// Registry is the observation service. Create one per Document with New,
// Start it, and Stop it when done.
type Registry struct {
	doc    *dom.Document
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	events    []string // event names in first-registration order
	listeners map[string][]*Registration
	watches   map[*html.Node]*watch
	pending   *pendingSet
	seen      *seenRecords
	state     passState
	timer     *time.Timer
	cancel    context.CancelFunc
	stopped   bool

	fireC chan struct{}
	done  chan struct{}
	stats counters
}

// New creates a Registry over doc.
func New(doc *dom.Document, cfg Config) *Registry {
	cfg.defaults()
	return &Registry{
		doc:       doc,
		cfg:       cfg,
		logger:    cfg.Logger,
		listeners: make(map[string][]*Registration),
		watches:   make(map[*html.Node]*watch),
		pending:   newPendingSet(),
		seen:      newSeenRecords(cfg.DedupWindow),
		fireC:     make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// Document returns the observed document.
func (r *Registry) Document() *dom.Document { return r.doc }

// Start launches the processing loop. It returns immediately; the loop runs
// until ctx is cancelled or Stop is called.
func (r *Registry) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil || r.stopped {
		return
	}
	ctx, r.cancel = context.WithCancel(ctx)
	go r.loop(ctx)
}

// Stop ends the processing loop and disconnects every watch. It must not be
// called from a callback.
func (r *Registry) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	var obs []*dom.Observer
	for root, w := range r.watches {
		obs = append(obs, w.obs)
		delete(r.watches, root)
	}
	cancel := r.cancel
	r.mu.Unlock()

	for _, o := range obs {
		o.Disconnect()
	}
	if cancel != nil {
		cancel()
		<-r.done
	}
	r.logger.Debug("registry: stopped")
}

// Register adds an interest under event. Every element already under the
// criteria root that matches is delivered before Register returns; elements
// inserted later are delivered by the processing loop. Invocations of one
// registration never overlap; distinct registrations may run concurrently.
// A callback must not block on the processing loop.
func (r *Registry) Register(event string, c Criteria, fn func(*html.Node)) (*Registration, error) {
	if fn == nil {
		return nil, &CriteriaError{Field: "callback", Reason: "must not be nil"}
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	root := c.Root
	if root == nil {
		root = r.doc.Root()
	}
	g := &Registration{
		id:       r.cfg.NewID(),
		event:    event,
		criteria: c,
		callback: fn,
		root:     root,
		reg:      r,
	}

	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil, ErrStopped
	}
	r.acquireWatchLocked(root)
	// The snapshot and the listener insertion happen under the registry
	// lock, so a pass either sees the registration or only holds elements
	// the snapshot already covers.
	elems, since := r.doc.Snapshot(root)
	g.since = since
	if _, ok := r.listeners[event]; !ok {
		r.events = append(r.events, event)
	}
	r.listeners[event] = append(r.listeners[event], g)
	r.mu.Unlock()

	r.logger.Debug("registry: registered",
		"event", event, "registration", g.id, "once", c.Once, "existing", len(elems))

	r.scan(g, elems)
	return g, nil
}

// UnregisterEvent removes every registration made under event.
func (r *Registry) UnregisterEvent(event string) {
	r.mu.Lock()
	regs := r.listeners[event]
	r.mu.Unlock()
	for _, g := range regs {
		g.Unregister()
	}
}

// Listeners returns the number of live registrations under event.
func (r *Registry) Listeners(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.listeners[event])
}

// Events returns the event names with live registrations, in
// first-registration order.
func (r *Registry) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	copy(out, r.events)
	return out
}

func (r *Registry) detach(g *Registration) {
	r.mu.Lock()
	regs := r.listeners[g.event]
	kept := make([]*Registration, 0, len(regs))
	for _, x := range regs {
		if x != g {
			kept = append(kept, x)
		}
	}
	if len(kept) == len(regs) {
		// Already gone (UnregisterEvent raced with Unregister, or Stop).
		r.mu.Unlock()
		return
	}
	if len(kept) == 0 {
		delete(r.listeners, g.event)
		for i, e := range r.events {
			if e == g.event {
				r.events = append(r.events[:i:i], r.events[i+1:]...)
				break
			}
		}
	} else {
		r.listeners[g.event] = kept
	}
	obs := r.releaseWatchLocked(g.root)
	r.mu.Unlock()

	if obs != nil {
		obs.Disconnect()
	}
}

// scan is the eager pass over elements present at registration time.
func (r *Registry) scan(g *Registration, elems []*html.Node) {
	size := r.cfg.ChunkSize
	for start := 0; start < len(elems); start += size {
		end := min(start+size, len(elems))
		var hits []*html.Node
		r.doc.Read(func() {
			for _, el := range elems[start:end] {
				if r.test(g, el) {
					hits = append(hits, el)
				}
			}
		})
		for _, el := range hits {
			r.deliver(g, el)
			if !g.Active() {
				return
			}
		}
	}
}

// onMutations is the callback of every watch.
func (r *Registry) onMutations(records []dom.Record) {
	now := time.Now()
	r.mu.Lock()
	fresh := records[:0:0]
	for _, rec := range records {
		if len(rec.Added) > 0 && r.seen.first(rec.Seq, now) {
			fresh = append(fresh, rec)
		}
	}
	r.mu.Unlock()
	if len(fresh) == 0 {
		return
	}

	// Descendants of an inserted subtree are newly inserted too.
	var added []pendingEntry
	r.doc.Read(func() {
		for _, rec := range fresh {
			for _, n := range rec.Added {
				for _, el := range dom.Elements(n) {
					added = append(added, pendingEntry{el: el, seq: rec.Seq})
				}
			}
		}
	})
	if len(added) == 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	for _, e := range added {
		r.pending.add(e.el, e.seq)
	}
	if r.state == stateIdle {
		r.state = stateArmed
		r.armLocked()
	}
}

func (r *Registry) armLocked() {
	r.timer = time.AfterFunc(r.cfg.Throttle, func() {
		select {
		case r.fireC <- struct{}{}:
		default:
		}
	})
}

func (r *Registry) loop(ctx context.Context) {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.fireC:
			r.runPass(ctx)
		}
	}
}

// runPass consumes the whole pending set in chunks.
func (r *Registry) runPass(ctx context.Context) {
	r.mu.Lock()
	r.state = stateProcessing
	r.timer = nil
	batch := r.pending.take()
	regs := r.snapshotLocked()
	r.mu.Unlock()

	r.stats.passes.Add(1)
	start := time.Now()

	size := r.cfg.ChunkSize
	for i := 0; i < len(batch); i += size {
		if i > 0 {
			if err := r.cfg.Yield(ctx); err != nil {
				r.logger.Debug("registry: pass interrupted", "error", err, "remaining", len(batch)-i)
				break
			}
		}
		r.processChunk(batch[i:min(i+size, len(batch))], regs)
	}

	r.mu.Lock()
	if r.pending.len() > 0 && !r.stopped {
		r.state = stateArmed
		r.armLocked()
	} else {
		r.state = stateIdle
	}
	r.mu.Unlock()

	r.logger.Debug("registry: pass complete",
		"elements", len(batch), "registrations", len(regs), "duration", time.Since(start))
}

// snapshotLocked flattens the listener map in event order. Registrations
// added afterwards are not part of the in-flight pass.
func (r *Registry) snapshotLocked() []*Registration {
	var out []*Registration
	for _, e := range r.events {
		out = append(out, r.listeners[e]...)
	}
	return out
}

type hit struct {
	g  *Registration
	el *html.Node
}

func (r *Registry) processChunk(chunk []pendingEntry, regs []*Registration) {
	r.stats.chunks.Add(1)

	var hits []hit
	r.doc.Read(func() {
		for _, e := range chunk {
			for _, g := range regs {
				if e.seq <= g.since || !g.Active() {
					continue
				}
				if !dom.Contains(g.root, e.el) {
					continue
				}
				if r.test(g, e.el) {
					hits = append(hits, hit{g: g, el: e.el})
				}
			}
		}
	})

	for _, h := range hits {
		r.deliver(h.g, h.el)
	}
}

// test evaluates criteria with the document read-locked. A panicking check
// is a predicate fault: logged, counted, treated as no match.
func (r *Registry) test(g *Registration, el *html.Node) (ok bool) {
	defer func() {
		if p := recover(); p != nil {
			ok = false
			r.stats.predicateFaults.Add(1)
			r.logger.Warn("registry: predicate panicked",
				"event", g.event, "registration", g.id, "panic", p)
		}
	}()
	return g.criteria.matches(el)
}

// deliver invokes the callback unless the registration is gone. A once
// registration is removed before its callback runs, so it is already absent
// from the listener map when the callback returns.
func (r *Registry) deliver(g *Registration, el *html.Node) {
	if !g.Active() {
		return
	}
	if g.criteria.Once {
		if !g.fired.CompareAndSwap(false, true) {
			return
		}
		g.Unregister()
		r.invoke(g, el)
		return
	}
	g.deliverMu.Lock()
	defer g.deliverMu.Unlock()
	if !g.Active() {
		return
	}
	r.invoke(g, el)
}

func (r *Registry) invoke(g *Registration, el *html.Node) {
	defer func() {
		if p := recover(); p != nil {
			r.stats.callbackFaults.Add(1)
			r.logger.Warn("registry: callback panicked",
				"event", g.event, "registration", g.id, "panic", p,
				"stack", string(debug.Stack()))
		}
	}()
	r.stats.delivered.Add(1)
	g.callback(el)
}
