package elemwatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/net/html"

	"github.com/hazyhaar/horosdom/dom"
	"github.com/hazyhaar/horosdom/kit"
)

// DefaultRemoteAwaitTimeout bounds awaits requested over HTTP or MCP that
// set no timeout of their own.
const DefaultRemoteAwaitTimeout = 30 * time.Second

// MaxRemoteAwait caps the timeout and polling interval of remote awaits.
const MaxRemoteAwait = time.Hour

var errBadRequest = errors.New("bad request")

// AwaitRequest is the remote form of Await.
type AwaitRequest struct {
	Selector      string `json:"selector"`
	Mode          string `json:"mode,omitempty"` // observed | polling
	IntervalMs    int    `json:"interval_ms,omitempty"`
	MaxIterations int    `json:"max_iterations,omitempty"`
	TimeoutMs     int    `json:"timeout_ms,omitempty"`
	Root          string `json:"root,omitempty"` // selector of the scoping element
}

// ElementInfo describes an element in responses.
type ElementInfo struct {
	XPath   string   `json:"xpath"`
	Tag     string   `json:"tag"`
	ID      string   `json:"id,omitempty"`
	Classes []string `json:"classes,omitempty"`
	Text    string   `json:"text,omitempty"`
	HTML    string   `json:"html"`
}

// InsertRequest appends a fragment to the first element matching Parent.
type InsertRequest struct {
	Parent string `json:"parent"`
	HTML   string `json:"html"`
}

// InsertResponse lists the inserted top-level elements.
type InsertResponse struct {
	Inserted []ElementInfo `json:"inserted"`
}

// RemoveRequest detaches every element matching Selector.
type RemoveRequest struct {
	Selector string `json:"selector"`
}

// RemoveResponse counts removed elements.
type RemoveResponse struct {
	Removed int `json:"removed"`
}

func (d *Daemon) describe(el *html.Node) ElementInfo {
	var info ElementInfo
	d.doc.Read(func() {
		info = ElementInfo{
			XPath:   dom.XPath(el),
			Tag:     el.Data,
			ID:      dom.ID(el),
			Classes: dom.Classes(el),
			Text:    truncate(dom.TextContent(el), maxEventText),
			HTML:    dom.OuterHTML(el),
		}
	})
	return info
}

func (d *Daemon) endpoint(name string, ep kit.Endpoint) kit.Endpoint {
	return kit.Logging(d.logger, name)(ep)
}

func (d *Daemon) awaitEndpoint() kit.Endpoint {
	return d.endpoint("await", func(ctx context.Context, req any) (any, error) {
		r := req.(*AwaitRequest)
		if r.Selector == "" {
			return nil, fmt.Errorf("%w: selector is required", errBadRequest)
		}
		mode, err := ParseMode(r.Mode)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errBadRequest, err)
		}
		timeout, err := remoteDuration("timeout_ms", r.TimeoutMs)
		if err != nil {
			return nil, err
		}
		interval, err := remoteDuration("interval_ms", r.IntervalMs)
		if err != nil {
			return nil, err
		}
		if r.MaxIterations < 0 {
			return nil, fmt.Errorf("%w: max_iterations must not be negative", errBadRequest)
		}

		if timeout == 0 {
			timeout = DefaultRemoteAwaitTimeout
		}
		opts := []AwaitOption{WithTimeout(timeout)}
		if mode == Polling {
			opts = append(opts, WithPolling(interval), WithMaxIterations(r.MaxIterations))
		}
		if r.Root != "" {
			sel, err := dom.Compile(r.Root)
			if err != nil {
				return nil, err
			}
			root := d.doc.QuerySelector(nil, sel)
			if root == nil {
				return nil, &NotFoundError{Selector: r.Root, Attempts: 1}
			}
			opts = append(opts, WithRoot(root))
		}

		el, err := d.Await(ctx, r.Selector, opts...)
		if err != nil {
			return nil, err
		}
		return d.describe(el), nil
	})
}

// remoteDuration converts a millisecond field, rejecting values outside
// [0, MaxRemoteAwait] before the multiplication can overflow.
func remoteDuration(field string, ms int) (time.Duration, error) {
	if ms < 0 || int64(ms) > MaxRemoteAwait.Milliseconds() {
		return 0, fmt.Errorf("%w: %s must be between 0 and %d", errBadRequest, field, MaxRemoteAwait.Milliseconds())
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func (d *Daemon) insertEndpoint() kit.Endpoint {
	return d.endpoint("insert", func(_ context.Context, req any) (any, error) {
		r := req.(*InsertRequest)
		if r.Parent == "" {
			return nil, fmt.Errorf("%w: parent is required", errBadRequest)
		}
		nodes, err := d.Insert(r.Parent, r.HTML)
		if err != nil {
			return nil, err
		}
		resp := InsertResponse{Inserted: []ElementInfo{}}
		for _, n := range nodes {
			if n.Type == html.ElementNode {
				resp.Inserted = append(resp.Inserted, d.describe(n))
			}
		}
		return resp, nil
	})
}

func (d *Daemon) removeEndpoint() kit.Endpoint {
	return d.endpoint("remove", func(_ context.Context, req any) (any, error) {
		r := req.(*RemoveRequest)
		if r.Selector == "" {
			return nil, fmt.Errorf("%w: selector is required", errBadRequest)
		}
		n, err := d.RemoveAll(r.Selector)
		if err != nil {
			return nil, err
		}
		return RemoveResponse{Removed: n}, nil
	})
}

func (d *Daemon) statsEndpoint() kit.Endpoint {
	return d.endpoint("stats", func(context.Context, any) (any, error) {
		return d.Stats(), nil
	})
}

func (d *Daemon) rulesEndpoint() kit.Endpoint {
	return d.endpoint("rules", func(context.Context, any) (any, error) {
		return map[string]any{"rules": d.Rules()}, nil
	})
}
