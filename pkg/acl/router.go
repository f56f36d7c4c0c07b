package acl

import (
	"fmt"
	"sync"

	"github.com/rojolang/avs-acl-go/pkg/logging"
)

type RouterOptions struct {
	// Transports in failover order. The first one is active initially.
	Transports []Transport
	// QueueWhenDisconnected holds up to MaxQueued requests while the active
	// transport is not connected instead of failing them at once.
	QueueWhenDisconnected bool
	MaxQueued             int
	// FailoverThreshold is the number of consecutive failed connects after
	// which the router moves to the next transport. Zero disables failover.
	FailoverThreshold int
	Callbacks         *Executor
	Logger            *logging.Logger
}

// MessageRouter sends requests through the active transport and moves
// between gateways on request or after repeated connect failures.
type MessageRouter struct {
	transports []Transport
	opts       RouterOptions
	logger     *logging.Logger

	// sendMu orders direct sends against queue flushes.
	sendMu sync.Mutex

	mu          sync.Mutex
	enabled     bool
	active      int
	failures    int
	switching   bool
	queue       []*MessageRequest
	status      ConnectionStatus
	reason      ChangedReason
	unsubscribe []func()

	events   *Executor
	handlers handlerList[ConnectionHandler]
}

func NewMessageRouter(opts RouterOptions) (*MessageRouter, error) {
	if len(opts.Transports) == 0 {
		return nil, NewConfigError("router needs at least one transport")
	}
	if opts.QueueWhenDisconnected && opts.MaxQueued <= 0 {
		opts.MaxQueued = defaultConfig().Router.MaxQueued
	}

	r := &MessageRouter{
		transports: opts.Transports,
		opts:       opts,
		logger:     logging.Or(opts.Logger).WithComponent("MessageRouter"),
		status:     StatusDisconnected,
		reason:     ReasonNone,
	}
	r.events = NewExecutor("router-events", -1, r.logger)
	for i, t := range opts.Transports {
		i := i
		r.unsubscribe = append(r.unsubscribe, t.AddConnectionHandler(func(s ConnectionStatus, reason ChangedReason) {
			r.onTransportStatus(i, s, reason)
		}))
	}
	return r, nil
}

// Connect enables the router and connects the active transport.
func (r *MessageRouter) Connect() error {
	r.mu.Lock()
	r.enabled = true
	t := r.transports[r.active]
	r.mu.Unlock()

	if err := t.Connect(); err != nil && !IsErrorCode(err, ErrCodeAlreadyConnected) {
		return err
	}
	return nil
}

// Enable is an alias of Connect.
func (r *MessageRouter) Enable() error { return r.Connect() }

// Disconnect disables the router, disconnects the active transport and fails
// every queued request with NOT_CONNECTED.
func (r *MessageRouter) Disconnect() {
	r.mu.Lock()
	r.enabled = false
	queued := r.queue
	r.queue = nil
	t := r.transports[r.active]
	r.mu.Unlock()

	t.Disconnect()
	for _, req := range queued {
		req.reject(SendResult{Status: SendNotConnected}, r.opts.Callbacks)
	}
	r.notify(StatusDisconnected, ReasonACLClientRequest)
}

// Close disconnects and detaches the router from its transports.
func (r *MessageRouter) Close() {
	r.Disconnect()
	r.mu.Lock()
	unsubscribe := r.unsubscribe
	r.unsubscribe = nil
	r.mu.Unlock()
	for _, fn := range unsubscribe {
		fn()
	}
	r.events.Stop()
}

func (r *MessageRouter) Send(req *MessageRequest) {
	r.sendMu.Lock()
	r.mu.Lock()
	if !r.enabled {
		r.mu.Unlock()
		r.sendMu.Unlock()
		req.reject(SendResult{Status: SendNotConnected}, r.opts.Callbacks)
		return
	}
	t := r.transports[r.active]
	backlog := len(r.queue) > 0
	r.mu.Unlock()

	// A backlog means the CONNECTED flush has not run yet; queue behind it.
	if !backlog && t.Status() == StatusConnected {
		t.Send(req)
		r.sendMu.Unlock()
		return
	}

	r.mu.Lock()
	queued := r.enabled && r.opts.QueueWhenDisconnected && len(r.queue) < r.opts.MaxQueued
	if queued {
		r.queue = append(r.queue, req)
	}
	r.mu.Unlock()
	r.sendMu.Unlock()

	if !queued {
		req.reject(SendResult{Status: SendNotConnected}, r.opts.Callbacks)
	}
}

// Status is the active transport's status while enabled.
func (r *MessageRouter) Status() ConnectionStatus {
	r.mu.Lock()
	if !r.enabled {
		r.mu.Unlock()
		return StatusDisconnected
	}
	t := r.transports[r.active]
	r.mu.Unlock()
	return t.Status()
}

func (r *MessageRouter) ActiveEndpoint() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transports[r.active].Endpoint()
}

func (r *MessageRouter) ActiveIndex() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Queued returns the number of requests waiting for a connection.
func (r *MessageRouter) Queued() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// AddConnectionHandler registers h. Handlers run in order on the router's
// notification goroutine with no lock held, so they may call Disconnect or
// SwitchTransport.
func (r *MessageRouter) AddConnectionHandler(h ConnectionHandler) func() {
	return r.handlers.add(h)
}

// SwitchTransport makes transport i active. The old transport is
// disconnected first, so its in-flight requests fail and are never re-sent.
func (r *MessageRouter) SwitchTransport(i int) error {
	if i < 0 || i >= len(r.transports) {
		return NewConfigError(fmt.Sprintf("no transport at index %d", i))
	}
	r.switchTo(i)
	return nil
}

func (r *MessageRouter) switchTo(i int) {
	r.mu.Lock()
	old := r.active
	if old == i {
		r.switching = false
		r.mu.Unlock()
		return
	}
	r.active = i
	r.failures = 0
	r.switching = true
	r.mu.Unlock()

	r.logger.Infof("switching gateway %s -> %s", r.transports[old].Endpoint(), r.transports[i].Endpoint())
	r.transports[old].Disconnect()
	r.notify(StatusDisconnected, ReasonGatewayChange)

	r.mu.Lock()
	enabled := r.enabled && r.active == i
	r.switching = false
	r.mu.Unlock()

	if enabled {
		if err := r.transports[i].Connect(); err != nil && !IsErrorCode(err, ErrCodeAlreadyConnected) {
			r.logger.WithError(err).Warn("connect after gateway change failed")
		}
	}
}

func (r *MessageRouter) onTransportStatus(i int, status ConnectionStatus, reason ChangedReason) {
	r.mu.Lock()
	if !r.enabled || i != r.active {
		r.mu.Unlock()
		return
	}
	next := -1
	switch status {
	case StatusConnected:
		r.failures = 0
	case StatusDisconnected:
		if reason != ReasonACLClientRequest && reason != ReasonGatewayChange {
			r.failures++
			if r.opts.FailoverThreshold > 0 && r.failures >= r.opts.FailoverThreshold &&
				len(r.transports) > 1 && !r.switching {
				r.switching = true
				next = (r.active + 1) % len(r.transports)
			}
		}
	}
	r.mu.Unlock()

	r.notify(status, reason)

	if status == StatusConnected {
		r.flush(r.transports[i])
	}
	if next >= 0 {
		r.logger.Warnf("%d consecutive connect failures, failing over", r.opts.FailoverThreshold)
		go r.switchTo(next)
	}
}

func (r *MessageRouter) flush(t Transport) {
	r.sendMu.Lock()
	defer r.sendMu.Unlock()

	r.mu.Lock()
	queued := r.queue
	r.queue = nil
	r.mu.Unlock()

	for _, req := range queued {
		t.Send(req)
	}
}

func (r *MessageRouter) notify(status ConnectionStatus, reason ChangedReason) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status == status && r.reason == reason {
		return
	}
	r.status = status
	r.reason = reason

	handlers := r.handlers.snapshot()
	_ = r.events.Submit(func() {
		for _, h := range handlers {
			h(status, reason)
		}
	})
}
