// Package broadcast provides the cluster-wide ordered channel a sync round is
// announced on. Every message sent through a Channel lands in each
// subscriber's mailbox in the same relative order, so an announcement flushes
// in behind any earlier traffic already addressed to those subscribers.
package broadcast

import (
	"sync"

	"github.com/mirrorq/mirrorq/proc"
)

type subscriber struct {
	id   proc.ID
	mbox *proc.Mailbox
}

// Channel maintains the set of subscribed replicas in subscription order.
type Channel struct {
	mu   sync.Mutex
	subs []subscriber
}

func New() *Channel {
	return &Channel{}
}

// Subscribe registers mbox for delivery. Subscribing an already registered id
// replaces its mailbox.
func (c *Channel) Subscribe(id proc.ID, mbox *proc.Mailbox) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, sub := range c.subs {
		if sub.id == id {
			c.subs[i].mbox = mbox
			return
		}
	}
	c.subs = append(c.subs, subscriber{id: id, mbox: mbox})
}

func (c *Channel) Unsubscribe(id proc.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, sub := range c.subs {
		if sub.id == id {
			c.subs = append(c.subs[:i], c.subs[i+1:]...)
			return
		}
	}
}

// Send delivers msg to every subscriber, in subscription order. The channel
// lock serializes concurrent senders, which is what gives all subscribers the
// same total order.
func (c *Channel) Send(msg interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sub := range c.subs {
		sub.mbox.Send(msg)
	}
}

// Len reports the current number of subscribers.
func (c *Channel) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}
