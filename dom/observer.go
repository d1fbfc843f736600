package dom

import (
	"sync"

	"golang.org/x/net/html"
)

// Observer receives child-list records for a subtree. Records are queued at
// mutation time and handed to the callback in batches on the observer's own
// goroutine, in mutation order.
type Observer struct {
	doc  *Document
	root *html.Node
	fn   func([]Record)

	mu    sync.Mutex
	queue []Record

	wake chan struct{}
	done chan struct{}
	once sync.Once
}

// Observe subscribes fn to child-list changes anywhere under root (root
// included). A nil root observes the whole document.
func (d *Document) Observe(root *html.Node, fn func([]Record)) *Observer {
	if root == nil {
		root = d.root
	}
	o := &Observer{
		doc:  d,
		root: root,
		fn:   fn,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}

	d.mu.Lock()
	d.observers[o] = struct{}{}
	d.mu.Unlock()

	go o.run()
	return o
}

// Root returns the observed subtree root.
func (o *Observer) Root() *html.Node { return o.root }

// Disconnect stops delivery. Queued records are dropped. Safe to call more
// than once and from inside the callback.
func (o *Observer) Disconnect() {
	o.once.Do(func() {
		o.doc.mu.Lock()
		delete(o.doc.observers, o)
		o.doc.mu.Unlock()
		close(o.done)
	})
}

// enqueue is called with the document write lock held; it must not block.
func (o *Observer) enqueue(rec Record) {
	o.mu.Lock()
	o.queue = append(o.queue, rec)
	o.mu.Unlock()

	select {
	case o.wake <- struct{}{}:
	default:
	}
}

func (o *Observer) run() {
	for {
		select {
		case <-o.done:
			return
		case <-o.wake:
			o.mu.Lock()
			batch := o.queue
			o.queue = nil
			o.mu.Unlock()

			if len(batch) == 0 {
				continue
			}
			select {
			case <-o.done:
				return
			default:
			}
			o.fn(batch)
		}
	}
}
