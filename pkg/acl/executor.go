package acl

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rojolang/avs-acl-go/pkg/logging"
)

// ErrExecutorClosed is returned by Submit after Shutdown.
var ErrExecutorClosed = errors.New("acl: executor shut down")

// Executor runs tasks one at a time, in submission order, on its own
// goroutine. The queue is bounded: Submit blocks while it is full. A negative
// capacity makes it unbounded, so Submit never waits.
type Executor struct {
	name     string
	capacity int
	logger   *logging.Logger

	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond
	queue    []func()
	closed   bool
	done     chan struct{}
}

func NewExecutor(name string, capacity int, logger *logging.Logger) *Executor {
	if capacity == 0 {
		capacity = 64
	}
	e := &Executor{
		name:     name,
		capacity: capacity,
		logger:   logging.Or(logger).WithComponent("Executor").WithField("executor", name),
		done:     make(chan struct{}),
	}
	e.notEmpty = sync.NewCond(&e.mu)
	e.notFull = sync.NewCond(&e.mu)
	go e.run()
	return e
}

// Submit queues task. It must not be called from a task of the same executor
// while the queue is full.
func (e *Executor) Submit(task func()) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for e.capacity > 0 && len(e.queue) >= e.capacity && !e.closed {
		e.notFull.Wait()
	}
	if e.closed {
		return ErrExecutorClosed
	}
	e.queue = append(e.queue, task)
	e.notEmpty.Signal()
	return nil
}

// Shutdown stops accepting tasks, runs what is already queued and waits for
// the worker to exit.
func (e *Executor) Shutdown() {
	e.Stop()
	<-e.done
}

// Stop is Shutdown without the wait, so a task may call it on its own
// executor.
func (e *Executor) Stop() {
	e.mu.Lock()
	e.closed = true
	e.notEmpty.Broadcast()
	e.notFull.Broadcast()
	e.mu.Unlock()
}

func (e *Executor) run() {
	defer close(e.done)
	e.mu.Lock()
	for {
		for len(e.queue) == 0 && !e.closed {
			e.notEmpty.Wait()
		}
		if len(e.queue) == 0 {
			e.mu.Unlock()
			return
		}
		task := e.queue[0]
		e.queue[0] = nil
		e.queue = e.queue[1:]
		e.notFull.Signal()
		e.mu.Unlock()

		e.safeRun(task)
		e.mu.Lock()
	}
}

func (e *Executor) safeRun(task func()) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.WithError(fmt.Errorf("%v", r)).Error("task panicked")
		}
	}()
	task()
}
