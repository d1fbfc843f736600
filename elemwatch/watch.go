package elemwatch

import (
	"golang.org/x/net/html"

	"github.com/hazyhaar/horosdom/dom"
)

// watch is the single document subscription shared by every registration
// scoped to the same root.
type watch struct {
	root *html.Node
	obs  *dom.Observer
	refs int
}

func (r *Registry) acquireWatchLocked(root *html.Node) {
	w, ok := r.watches[root]
	if !ok {
		w = &watch{root: root, obs: r.doc.Observe(root, r.onMutations)}
		r.watches[root] = w
		r.logger.Debug("registry: watch created", "root", rootName(root))
	}
	w.refs++
}

// releaseWatchLocked drops one reference and returns the observer to
// disconnect once the last registration for root is gone.
func (r *Registry) releaseWatchLocked(root *html.Node) *dom.Observer {
	w, ok := r.watches[root]
	if !ok {
		return nil
	}
	w.refs--
	if w.refs > 0 {
		return nil
	}
	delete(r.watches, root)
	r.logger.Debug("registry: watch disposed", "root", rootName(root))
	return w.obs
}

func rootName(n *html.Node) string {
	if n.Type == html.DocumentNode {
		return "#document"
	}
	return n.Data
}
