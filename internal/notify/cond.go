// Package notify provides a broadcast signal that goroutines can select on
// alongside a context and a timer.
package notify

import "sync"

// Cond is a broadcast condition. Unlike sync.Cond, waiting is done by
// selecting on a channel, so a wait can be combined with cancellation and
// timeouts. The zero value is ready to use.
//
// Callers read the state they care about, take Wait() while that state is
// still current, then block. Any Broadcast after Wait returns closes the
// channel they hold.
type Cond struct {
	mu sync.Mutex
	ch chan struct{}
}

// Wait returns a channel closed by the next Broadcast.
func (c *Cond) Wait() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ch == nil {
		c.ch = make(chan struct{})
	}
	return c.ch
}

// Broadcast wakes every goroutine waiting on a channel from Wait.
func (c *Cond) Broadcast() {
	c.mu.Lock()
	if c.ch != nil {
		close(c.ch)
		c.ch = nil
	}
	c.mu.Unlock()
}
