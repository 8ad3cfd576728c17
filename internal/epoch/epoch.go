// Package epoch provides the identity-epoch counter. Instead of destroying
// the process to reset dependent state on an identity change, the counter is
// bumped: every cache and subscription keys itself to the epoch it was
// created under and tears down when that epoch ends.
package epoch

import "sync"

// Counter is a monotonically increasing epoch with per-epoch notification.
type Counter struct {
	mu      sync.Mutex
	current uint64
	done    chan struct{} // closed when the current epoch ends
}

// NewCounter starts at epoch 0.
func NewCounter() *Counter {
	return &Counter{done: make(chan struct{})}
}

// Current returns the active epoch.
func (c *Counter) Current() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Watch returns a channel that is closed when the given epoch ends. Watching
// an already-ended epoch returns a closed channel.
func (c *Counter) Watch(epoch uint64) <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if epoch < c.current {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return c.done
}

// Bump ends the current epoch and starts the next one.
func (c *Counter) Bump() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	close(c.done)
	c.done = make(chan struct{})
	c.current++
	return c.current
}
