package acl

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport records sends and lets tests drive its status.
type fakeTransport struct {
	endpoint string
	handlers handlerList[ConnectionHandler]

	mu          sync.Mutex
	status      ConnectionStatus
	sent        []*MessageRequest
	connects    int
	disconnects int
	// connectTo is the status Connect moves to.
	connectTo ConnectionStatus
}

func newFakeTransport(endpoint string) *fakeTransport {
	return &fakeTransport{endpoint: endpoint, status: StatusDisconnected, connectTo: StatusConnected}
}

func (f *fakeTransport) Connect() error {
	f.mu.Lock()
	f.connects++
	to := f.connectTo
	f.mu.Unlock()
	f.set(StatusPending, ReasonNone)
	if to == StatusConnected {
		f.set(StatusConnected, ReasonSuccess)
	}
	return nil
}

func (f *fakeTransport) Disconnect() {
	f.mu.Lock()
	f.disconnects++
	sent := f.sent
	f.sent = nil
	f.mu.Unlock()
	for _, req := range sent {
		req.complete(SendResult{Status: SendConnectionLost}, nil)
	}
	f.set(StatusDisconnected, ReasonACLClientRequest)
}

func (f *fakeTransport) Send(req *MessageRequest) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status != StatusConnected {
		req.reject(SendResult{Status: SendNotConnected}, nil)
		return
	}
	req.claim()
	f.sent = append(f.sent, req)
}

func (f *fakeTransport) Status() ConnectionStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeTransport) Endpoint() string { return f.endpoint }

func (f *fakeTransport) AddConnectionHandler(h ConnectionHandler) func() {
	return f.handlers.add(h)
}

func (f *fakeTransport) set(s ConnectionStatus, r ChangedReason) {
	f.mu.Lock()
	f.status = s
	f.mu.Unlock()
	for _, h := range f.handlers.snapshot() {
		h(s, r)
	}
}

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type statusLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *statusLog) handler(s ConnectionStatus, r ChangedReason) {
	l.mu.Lock()
	l.entries = append(l.entries, string(s)+"/"+string(r))
	l.mu.Unlock()
}

func (l *statusLog) contains(entry string) bool {
	for _, e := range l.all() {
		if e == entry {
			return true
		}
	}
	return false
}

func (l *statusLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.entries...)
}

// waitFor waits until the log holds len(want) entries and checks them.
func (l *statusLog) waitFor(t *testing.T, want ...string) {
	t.Helper()
	require.Eventually(t, func() bool { return len(l.all()) >= len(want) }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, want, l.all())
}

func newRequest() *MessageRequest {
	return NewMessageRequest(Message{JSON: `{"event":{}}`})
}

func TestRouterSendsThroughConnectedTransport(t *testing.T) {
	primary := newFakeTransport("https://primary")
	r, err := NewMessageRouter(RouterOptions{Transports: []Transport{primary}})
	require.NoError(t, err)
	require.NoError(t, r.Connect())

	req := newRequest()
	r.Send(req)

	assert.Equal(t, 1, primary.sentCount())
	assert.Equal(t, StatusConnected, r.Status())
	_, done := req.Result()
	assert.False(t, done)
}

func TestRouterFailsImmediatelyWhenNotQueueing(t *testing.T) {
	primary := newFakeTransport("https://primary")
	primary.connectTo = StatusPending
	r, err := NewMessageRouter(RouterOptions{Transports: []Transport{primary}})
	require.NoError(t, err)
	require.NoError(t, r.Connect())

	req := newRequest()
	r.Send(req)
	res, done := req.Result()
	require.True(t, done)
	assert.Equal(t, SendNotConnected, res.Status)
}

func TestRouterDisabledRejects(t *testing.T) {
	r, err := NewMessageRouter(RouterOptions{Transports: []Transport{newFakeTransport("https://p")}, QueueWhenDisconnected: true})
	require.NoError(t, err)

	req := newRequest()
	r.Send(req)
	res, _ := req.Result()
	assert.Equal(t, SendNotConnected, res.Status)
	assert.Equal(t, StatusDisconnected, r.Status())
}

func TestRouterQueuesAndFlushesOnConnect(t *testing.T) {
	primary := newFakeTransport("https://primary")
	primary.connectTo = StatusPending
	r, err := NewMessageRouter(RouterOptions{
		Transports:            []Transport{primary},
		QueueWhenDisconnected: true,
		MaxQueued:             2,
	})
	require.NoError(t, err)
	require.NoError(t, r.Connect())

	a, b, c := newRequest(), newRequest(), newRequest()
	r.Send(a)
	r.Send(b)
	r.Send(c)

	assert.Equal(t, 2, r.Queued())
	res, done := c.Result()
	require.True(t, done)
	assert.Equal(t, SendNotConnected, res.Status)

	primary.set(StatusConnected, ReasonSuccess)
	assert.Equal(t, 0, r.Queued())
	require.Equal(t, 2, primary.sentCount())
	assert.Same(t, a, primary.sent[0])
	assert.Same(t, b, primary.sent[1])
}

func TestRouterDisconnectFailsQueued(t *testing.T) {
	primary := newFakeTransport("https://primary")
	primary.connectTo = StatusPending
	r, err := NewMessageRouter(RouterOptions{Transports: []Transport{primary}, QueueWhenDisconnected: true, MaxQueued: 5})
	require.NoError(t, err)
	log := &statusLog{}
	r.AddConnectionHandler(log.handler)
	require.NoError(t, r.Connect())

	req := newRequest()
	r.Send(req)
	r.Disconnect()

	res, done := req.Result()
	require.True(t, done)
	assert.Equal(t, SendNotConnected, res.Status)
	log.waitFor(t, "PENDING/NONE", "DISCONNECTED/ACL_CLIENT_REQUEST")
}

func TestRouterSwitchTransport(t *testing.T) {
	primary := newFakeTransport("https://primary")
	fallback := newFakeTransport("https://fallback")
	r, err := NewMessageRouter(RouterOptions{Transports: []Transport{primary, fallback}})
	require.NoError(t, err)
	log := &statusLog{}
	r.AddConnectionHandler(log.handler)
	require.NoError(t, r.Connect())

	inFlight := newRequest()
	r.Send(inFlight)

	require.NoError(t, r.SwitchTransport(1))

	res, done := inFlight.Result()
	require.True(t, done)
	assert.Equal(t, SendConnectionLost, res.Status)
	assert.Equal(t, "https://fallback", r.ActiveEndpoint())
	assert.Equal(t, 1, primary.disconnects)
	assert.Equal(t, 1, fallback.connects)
	log.waitFor(t,
		"PENDING/NONE",
		"CONNECTED/SUCCESS",
		"DISCONNECTED/GATEWAY_CHANGE",
		"PENDING/NONE",
		"CONNECTED/SUCCESS",
	)

	next := newRequest()
	r.Send(next)
	assert.Equal(t, 1, fallback.sentCount())
	assert.Equal(t, 0, primary.sentCount())

	assert.Error(t, r.SwitchTransport(5))
}

func TestRouterFailsOverAfterThreshold(t *testing.T) {
	primary := newFakeTransport("https://primary")
	primary.connectTo = StatusPending
	fallback := newFakeTransport("https://fallback")
	r, err := NewMessageRouter(RouterOptions{Transports: []Transport{primary, fallback}, FailoverThreshold: 2})
	require.NoError(t, err)
	require.NoError(t, r.Connect())

	primary.set(StatusDisconnected, ReasonServerSideDisconnect)
	primary.set(StatusPending, ReasonServerSideDisconnect)
	assert.Equal(t, 0, r.ActiveIndex())

	primary.set(StatusDisconnected, ReasonConnectionTimedOut)

	assert.Eventually(t, func() bool {
		return r.ActiveIndex() == 1 && r.Status() == StatusConnected
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, primary.disconnects)
}

func TestRouterIgnoresInactiveTransport(t *testing.T) {
	primary := newFakeTransport("https://primary")
	fallback := newFakeTransport("https://fallback")
	r, err := NewMessageRouter(RouterOptions{Transports: []Transport{primary, fallback}})
	require.NoError(t, err)
	log := &statusLog{}
	r.AddConnectionHandler(log.handler)
	require.NoError(t, r.Connect())

	fallback.set(StatusDisconnected, ReasonServerSideDisconnect)
	r.Disconnect()
	log.waitFor(t, "PENDING/NONE", "CONNECTED/SUCCESS", "DISCONNECTED/ACL_CLIENT_REQUEST")
}

func TestRouterHandlerMayDisconnect(t *testing.T) {
	primary := newFakeTransport("https://primary")
	r, err := NewMessageRouter(RouterOptions{Transports: []Transport{primary}})
	require.NoError(t, err)
	log := &statusLog{}
	r.AddConnectionHandler(func(s ConnectionStatus, reason ChangedReason) {
		log.handler(s, reason)
		if s == StatusConnected {
			r.Disconnect()
		}
	})

	connected := make(chan error, 1)
	go func() { connected <- r.Connect() }()
	select {
	case err := <-connected:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Connect blocked on a handler calling Disconnect")
	}

	log.waitFor(t, "PENDING/NONE", "CONNECTED/SUCCESS", "DISCONNECTED/ACL_CLIENT_REQUEST")
	assert.Equal(t, StatusDisconnected, r.Status())
	assert.Equal(t, 1, primary.disconnects)
}

func TestRouterSendQueuesBehindUnflushedBacklog(t *testing.T) {
	primary := newFakeTransport("https://primary")
	primary.connectTo = StatusPending
	r, err := NewMessageRouter(RouterOptions{Transports: []Transport{primary}, QueueWhenDisconnected: true, MaxQueued: 4})
	require.NoError(t, err)
	require.NoError(t, r.Connect())

	first := newRequest()
	r.Send(first)

	// Connected but the router has not flushed yet.
	primary.mu.Lock()
	primary.status = StatusConnected
	primary.mu.Unlock()

	second := newRequest()
	r.Send(second)
	assert.Equal(t, 2, r.Queued())

	primary.set(StatusConnected, ReasonSuccess)
	require.Equal(t, 2, primary.sentCount())
	assert.Same(t, first, primary.sent[0])
	assert.Same(t, second, primary.sent[1])
}

func TestNewMessageRouterNeedsTransport(t *testing.T) {
	_, err := NewMessageRouter(RouterOptions{})
	assert.True(t, IsErrorCode(err, ErrCodeConfigInvalid))
}
