// Package flow implements the credit-based backpressure shared by the syncer
// and the slave receivers. The sender side keeps a bounded per-peer window of
// unacknowledged messages; the receiver side batches its acknowledgments into
// periodic credit bumps.
package flow

import (
	"github.com/mirrorq/mirrorq/proc"
)

const (
	// DefaultInitialCredit is the sender-side window granted to each peer.
	DefaultInitialCredit = 200
	// DefaultMoreCreditAfter is how many messages a receiver consumes before
	// it sends one batched credit bump back to the sender.
	DefaultMoreCreditAfter = 50
)

// Controller is the sender-side credit ledger. It is owned by a single role's
// message loop and never accessed concurrently, so it carries no lock.
type Controller struct {
	initial int
	credit  map[proc.ID]int
	// number of peers whose window is exhausted; the sender is blocked
	// while any peer has no remaining credit
	exhausted int
}

func NewController(initial int) *Controller {
	if initial <= 0 {
		initial = DefaultInitialCredit
	}
	return &Controller{
		initial: initial,
		credit:  map[proc.ID]int{},
	}
}

// Add grants peer its initial window. Adding a known peer resets it.
func (c *Controller) Add(peer proc.ID) {
	if remaining, ok := c.credit[peer]; ok && remaining <= 0 {
		c.exhausted--
	}
	c.credit[peer] = c.initial
}

// Send deducts one credit for a message sent to peer. The caller must check
// Blocked before sending, so the window never goes below zero.
func (c *Controller) Send(peer proc.ID) {
	remaining, ok := c.credit[peer]
	if !ok {
		return
	}
	remaining--
	c.credit[peer] = remaining
	if remaining == 0 {
		c.exhausted++
	}
}

// Bump applies a credit replenishment from peer. Bumps for unknown peers are
// dropped: a late grant from a forgotten peer must not re-open its ledger.
func (c *Controller) Bump(peer proc.ID, delta int) {
	remaining, ok := c.credit[peer]
	if !ok {
		return
	}
	if remaining <= 0 && remaining+delta > 0 {
		c.exhausted--
	}
	c.credit[peer] = remaining + delta
}

// Forget removes a departed peer so an exhausted window cannot block the
// sender on a destination that no longer exists.
func (c *Controller) Forget(peer proc.ID) {
	remaining, ok := c.credit[peer]
	if !ok {
		return
	}
	if remaining <= 0 {
		c.exhausted--
	}
	delete(c.credit, peer)
}

// Blocked reports whether any peer's window is exhausted. A blocked sender
// must drain credit bumps (or peer departures) before sending again.
func (c *Controller) Blocked() bool {
	return c.exhausted > 0
}

// Remaining reports the current window for peer.
func (c *Controller) Remaining(peer proc.ID) int {
	return c.credit[peer]
}

// Acker is the receiver side of the credit flow: it counts consumed messages
// and reports when a batched bump is due.
type Acker struct {
	after   int
	pending int
}

func NewAcker(after int) *Acker {
	if after <= 0 {
		after = DefaultMoreCreditAfter
	}
	return &Acker{after: after}
}

// Ack records one consumed message. When a full batch has accumulated it
// returns the bump delta to send and resets the batch.
func (a *Acker) Ack() (delta int, due bool) {
	a.pending++
	if a.pending >= a.after {
		delta = a.pending
		a.pending = 0
		return delta, true
	}
	return 0, false
}

// Flush releases any partially accumulated batch. Used on exit paths so held
// credit is returned to the sender rather than silently dropped.
func (a *Acker) Flush() (delta int, due bool) {
	if a.pending == 0 {
		return 0, false
	}
	delta = a.pending
	a.pending = 0
	return delta, true
}
