package acl

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rojolang/avs-acl-go/pkg/attachment"
)

type reasonError struct {
	reason ChangedReason
}

func (e *reasonError) Error() string { return string(e.reason) }

// connection is the state of one established downchannel. Its context is
// cancelled with a *reasonError when the connection is lost.
type connection struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
	wg     sync.WaitGroup

	lastActivity atomic.Int64

	mu       sync.Mutex
	closed   bool
	queue    []*MessageRequest
	inFlight map[*MessageRequest]struct{}
	writers  map[*attachment.Writer]struct{}
	wake     chan struct{}
}

func newConnection(ctx context.Context, cancel context.CancelCauseFunc) *connection {
	c := &connection{
		ctx:      ctx,
		cancel:   cancel,
		inFlight: make(map[*MessageRequest]struct{}),
		writers:  make(map[*attachment.Writer]struct{}),
		wake:     make(chan struct{}, 1),
	}
	c.touch()
	return c
}

func (c *connection) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

func (c *connection) idleFor() time.Duration {
	return time.Since(time.Unix(0, c.lastActivity.Load()))
}

// fail tears the connection down with reason. Only the first reason sticks.
func (c *connection) fail(reason ChangedReason) {
	c.cancel(&reasonError{reason: reason})
}

func (c *connection) reason() ChangedReason {
	if re, ok := context.Cause(c.ctx).(*reasonError); ok {
		return re.reason
	}
	return ReasonInternalError
}

func (c *connection) enqueue(req *MessageRequest) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.queue = append(c.queue, req)
	select {
	case c.wake <- struct{}{}:
	default:
	}
	return true
}

// next blocks until a request can be claimed. It returns nil once the
// connection is going away.
func (c *connection) next() *MessageRequest {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil
		}
		for len(c.queue) > 0 {
			req := c.queue[0]
			c.queue[0] = nil
			c.queue = c.queue[1:]
			if req.claim() {
				c.inFlight[req] = struct{}{}
				c.mu.Unlock()
				return req
			}
		}
		c.mu.Unlock()

		select {
		case <-c.wake:
		case <-c.ctx.Done():
			return nil
		}
	}
}

// finish removes req from the in-flight set. It reports false if teardown
// already took ownership of the request.
func (c *connection) finish(req *MessageRequest) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.inFlight[req]; !ok {
		return false
	}
	delete(c.inFlight, req)
	return true
}

func (c *connection) trackWriter(w *attachment.Writer) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.writers[w] = struct{}{}
	return true
}

func (c *connection) untrackWriter(w *attachment.Writer) {
	c.mu.Lock()
	delete(c.writers, w)
	c.mu.Unlock()
}

// close marks the connection closed and hands back everything that still
// needs an outcome.
func (c *connection) close() (queued, inFlight []*MessageRequest, writers []*attachment.Writer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	queued = c.queue
	c.queue = nil
	for req := range c.inFlight {
		inFlight = append(inFlight, req)
	}
	c.inFlight = make(map[*MessageRequest]struct{})
	for w := range c.writers {
		writers = append(writers, w)
	}
	c.writers = make(map[*attachment.Writer]struct{})
	return queued, inFlight, writers
}
