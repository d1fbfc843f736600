package elemwatch

import "sync/atomic"

// Stats are point-in-time counters.
type Stats struct {
	Passes          int64 `json:"passes"`
	Chunks          int64 `json:"chunks"`
	Delivered       int64 `json:"delivered"`
	CallbackFaults  int64 `json:"callback_faults"`
	PredicateFaults int64 `json:"predicate_faults"`
	Registrations   int   `json:"registrations"`
	Watches         int   `json:"watches"`
	Pending         int   `json:"pending"`
}

type counters struct {
	passes          atomic.Int64
	chunks          atomic.Int64
	delivered       atomic.Int64
	callbackFaults  atomic.Int64
	predicateFaults atomic.Int64
}

// Stats returns the current counters.
func (r *Registry) Stats() Stats {
	s := Stats{
		Passes:          r.stats.passes.Load(),
		Chunks:          r.stats.chunks.Load(),
		Delivered:       r.stats.delivered.Load(),
		CallbackFaults:  r.stats.callbackFaults.Load(),
		PredicateFaults: r.stats.predicateFaults.Load(),
	}
	r.mu.Lock()
	for _, regs := range r.listeners {
		s.Registrations += len(regs)
	}
	s.Watches = len(r.watches)
	s.Pending = r.pending.len()
	r.mu.Unlock()
	return s
}
