// Package queue provides a two-tier priority channel used by the worker
// pools. Writes never block; reads drain the High tier completely before
// returning anything from the Normal tier, preserving FIFO order within
// each tier.
package queue

import (
	"context"
	"errors"
	"sync"
)

// Priority selects the tier an item is written to.
type Priority int

const (
	// Normal items wait behind all High items.
	Normal Priority = iota
	// High items preempt any queued Normal backlog.
	High
)

// String returns the priority name for logging.
func (p Priority) String() string {
	if p == High {
		return "high"
	}
	return "normal"
}

// ErrClosed is returned by Read once the channel is closed and both tiers
// are drained, and by Write after Close.
var ErrClosed = errors.New("queue: channel closed")

// Channel is an unbounded two-tier FIFO queue. The zero value is not
// usable; create instances with New. Channel is safe for concurrent use
// by multiple writers and readers.
type Channel[T any] struct {
	mu     sync.Mutex
	high   []T
	normal []T
	closed bool

	// sig wakes one blocked reader after a write; done wakes all
	// blocked readers after Close.
	sig  chan struct{}
	done chan struct{}
}

// New creates an open channel.
func New[T any]() *Channel[T] {
	return &Channel[T]{
		sig:  make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Write appends item to the given tier. It never blocks. Writing to a
// closed channel returns ErrClosed.
func (c *Channel[T]) Write(item T, p Priority) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if p == High {
		c.high = append(c.high, item)
	} else {
		c.normal = append(c.normal, item)
	}
	c.mu.Unlock()

	c.signal()
	return nil
}

// Read blocks until an item is available, the context is cancelled, or the
// channel is closed and fully drained. It always returns the
// highest-priority item currently enqueued.
func (c *Channel[T]) Read(ctx context.Context) (T, error) {
	var zero T
	for {
		c.mu.Lock()
		if item, ok := c.pop(); ok {
			remaining := len(c.high) + len(c.normal)
			c.mu.Unlock()
			if remaining > 0 {
				// Wake a sibling reader; a single sig token may
				// have been consumed on behalf of several writes.
				c.signal()
			}
			return item, nil
		}
		if c.closed {
			c.mu.Unlock()
			return zero, ErrClosed
		}
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-c.sig:
		case <-c.done:
		}
	}
}

// Len reports the number of queued items per tier.
func (c *Channel[T]) Len() (high, normal int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.high), len(c.normal)
}

// Close marks the channel closed. Queued items remain readable; once both
// tiers are empty every pending and future Read returns ErrClosed. Close
// is idempotent.
func (c *Channel[T]) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	close(c.done)
}

// pop removes the next item under c.mu.
func (c *Channel[T]) pop() (T, bool) {
	var zero T
	if len(c.high) > 0 {
		item := c.high[0]
		c.high[0] = zero
		c.high = c.high[1:]
		return item, true
	}
	if len(c.normal) > 0 {
		item := c.normal[0]
		c.normal[0] = zero
		c.normal = c.normal[1:]
		return item, true
	}
	return zero, false
}

func (c *Channel[T]) signal() {
	select {
	case c.sig <- struct{}{}:
	default:
	}
}
