// Package counter implements the Traffic Counter: a lock-free pair of
// per-tunnel byte totals. Counters are observational only — nothing in
// the tunnel core gates control flow on their value.
package counter

import "sync/atomic"

// Traffic holds the sent/received byte totals for one tunnel. The zero
// value is ready to use. Updates use relaxed ordering: monotonicity is
// required for display, cross-thread ordering with other state is not.
type Traffic struct {
	sent     atomic.Int64
	received atomic.Int64
}

// AddSent records n bytes moved from the local stream into the channel.
func (t *Traffic) AddSent(n int64) {
	if n <= 0 {
		return
	}
	t.sent.Add(n)
}

// AddReceived records n bytes moved from the channel into the local stream.
func (t *Traffic) AddReceived(n int64) {
	if n <= 0 {
		return
	}
	t.received.Add(n)
}

// Sent returns the current sent total.
func (t *Traffic) Sent() int64 { return t.sent.Load() }

// Received returns the current received total.
func (t *Traffic) Received() int64 { return t.received.Load() }

// Snapshot returns both totals in one call.
func (t *Traffic) Snapshot() (sent, received int64) {
	return t.sent.Load(), t.received.Load()
}
