package elemwatch

import (
	"time"

	"golang.org/x/net/html"
)

// pendingEntry is an inserted element waiting for a pass. seq is the latest
// insertion sequence seen for it.
type pendingEntry struct {
	el  *html.Node
	seq uint64
}

// pendingSet keeps first-insertion order and drops duplicates.
type pendingSet struct {
	order []pendingEntry
	index map[*html.Node]int
}

func newPendingSet() *pendingSet {
	return &pendingSet{index: make(map[*html.Node]int)}
}

func (p *pendingSet) add(el *html.Node, seq uint64) {
	if i, ok := p.index[el]; ok {
		if seq > p.order[i].seq {
			p.order[i].seq = seq
		}
		return
	}
	p.index[el] = len(p.order)
	p.order = append(p.order, pendingEntry{el: el, seq: seq})
}

func (p *pendingSet) len() int { return len(p.order) }

// take returns the current content and leaves the set empty.
func (p *pendingSet) take() []pendingEntry {
	out := p.order
	p.order = nil
	p.index = make(map[*html.Node]int, len(out))
	return out
}

// seenRecords remembers recently accepted record sequence numbers so the
// same child-list change delivered by two nested watches is expanded once.
// Entries older than the window are pruned.
type seenRecords struct {
	window    time.Duration
	at        map[uint64]time.Time
	lastPrune time.Time
}

func newSeenRecords(window time.Duration) *seenRecords {
	return &seenRecords{window: window, at: make(map[uint64]time.Time)}
}

// first reports whether seq has not been seen within the window, and
// records it.
func (s *seenRecords) first(seq uint64, now time.Time) bool {
	if now.Sub(s.lastPrune) > s.window {
		cutoff := now.Add(-s.window)
		for k, t := range s.at {
			if t.Before(cutoff) {
				delete(s.at, k)
			}
		}
		s.lastPrune = now
	}
	if _, ok := s.at[seq]; ok {
		return false
	}
	s.at[seq] = now
	return true
}
