// Package proc provides the process-per-role substrate for the sync protocol:
// unbounded mailboxes, liveness handles, and monitors that turn a peer's
// termination into an ordinary message in the watcher's own inbox.
package proc

import (
	"sync"

	"github.com/eapache/channels"
)

// ID identifies a role instance (driver, syncer, replica) within the node.
type ID string

// Mailbox is an unbounded, in-order inbox. Sends never block the sender,
// which keeps every role free to fan out without waiting on slow receivers.
type Mailbox struct {
	mu     sync.RWMutex
	closed bool
	ch     *channels.InfiniteChannel
}

func NewMailbox() *Mailbox {
	return &Mailbox{ch: channels.NewInfiniteChannel()}
}

// Send enqueues msg. Messages sent after Close are dropped, so a sender racing
// against the receiver's shutdown never panics.
func (m *Mailbox) Send(msg interface{}) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return
	}
	m.ch.In() <- msg
}

// Receive returns the channel messages are read from, in arrival order.
func (m *Mailbox) Receive() <-chan interface{} {
	return m.ch.Out()
}

func (m *Mailbox) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.ch.Close()
}

// Handle exposes the liveness of a running process so others can monitor it.
// A nil exit reason means the process finished normally.
type Handle struct {
	id   ID
	done chan struct{}

	mu     sync.Mutex
	reason error
}

func NewHandle(id ID) *Handle {
	return &Handle{id: id, done: make(chan struct{})}
}

func (h *Handle) ID() ID { return h.id }

// Exit marks the process terminated with the given reason. The first call
// wins; later calls are ignored.
func (h *Handle) Exit(reason error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	select {
	case <-h.done:
		return
	default:
	}
	h.reason = reason
	close(h.done)
}

// Done is closed once the process has terminated.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Reason reports the exit reason. Only meaningful once Done is closed.
func (h *Handle) Reason() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reason
}

// Down is delivered to a monitoring mailbox when the watched process exits.
type Down struct {
	ID     ID
	Reason error
}

// Monitor watches h and delivers a Down message into mbox when h terminates.
// The returned cancel function drops the monitor without delivering; it is
// safe to call more than once and after delivery.
func Monitor(h *Handle, mbox *Mailbox) (cancel func()) {
	stop := make(chan struct{})
	go func() {
		select {
		case <-h.done:
			mbox.Send(Down{ID: h.id, Reason: h.Reason()})
		case <-stop:
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() { close(stop) })
	}
}
