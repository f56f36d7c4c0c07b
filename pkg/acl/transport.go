package acl

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/http2"

	"github.com/rojolang/avs-acl-go/pkg/attachment"
	"github.com/rojolang/avs-acl-go/pkg/logging"
	"github.com/rojolang/avs-acl-go/pkg/multipart"
)

const (
	maxExceptionBytes = 64 * 1024
	readChunkSize     = 32 * 1024
)

var (
	errConnectTimeout = errors.New("connect timeout")
	errStreamTimeout  = errors.New("stream progress timeout")
	errConnClosed     = errors.New("connection closed")
)

// TransportOptions configures an HTTP2Transport. Zero durations take the
// defaults of NewConfig.
type TransportOptions struct {
	Endpoint    string
	Auth        AuthDelegate
	Attachments *attachment.Manager
	Consumer    MessageConsumer
	// HTTPClient must speak HTTP/2. Nil builds one on golang.org/x/net/http2.
	HTTPClient *http.Client
	// Callbacks runs request completions. Nil runs them inline.
	Callbacks *Executor
	Backoff   Backoff

	ConnectTimeout        time.Duration
	StreamProgressTimeout time.Duration
	PingInactivityTimeout time.Duration
	PingTimeout           time.Duration

	DirectivesPath string
	PingPath       string

	Logger *logging.Logger
}

// NewHTTP2Client returns an HTTP/2-only client over TLS. The x/net transport
// also sends PING frames after readIdle without frames received.
func NewHTTP2Client(readIdle, pingTimeout time.Duration) *http.Client {
	return &http.Client{
		Transport: &http2.Transport{
			TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
			ReadIdleTimeout: readIdle,
			PingTimeout:     pingTimeout,
		},
	}
}

// HTTP2Transport keeps one authenticated HTTP/2 connection to a gateway:
// a long-lived downchannel for directives, one stream per event and a
// periodic ping. It reconnects with backoff until Disconnect.
type HTTP2Transport struct {
	opts        TransportOptions
	client      *http.Client
	attachments *attachment.Manager
	logger      *logging.Logger

	mu       sync.Mutex
	status   ConnectionStatus
	reason   ChangedReason
	cancel   context.CancelFunc
	loopDone chan struct{}
	conn     *connection
	failures int
	// sleep waits out a reconnect delay; false means ctx ended first.
	sleep func(ctx context.Context, d time.Duration) bool

	// events delivers status changes and errors in order, off the network
	// loop and with no lock held.
	events             *Executor
	connectionHandlers handlerList[ConnectionHandler]
	errorHandlers      handlerList[ErrorHandler]
}

func NewHTTP2Transport(opts TransportOptions) (*HTTP2Transport, error) {
	if opts.Endpoint == "" {
		return nil, NewConfigError("transport endpoint is empty")
	}
	if opts.Auth == nil {
		return nil, NewConfigError("transport needs an AuthDelegate")
	}

	defaults := defaultConfig()
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaults.Timeouts.Connect
	}
	if opts.StreamProgressTimeout <= 0 {
		opts.StreamProgressTimeout = defaults.Timeouts.StreamProgress
	}
	if opts.PingInactivityTimeout <= 0 {
		opts.PingInactivityTimeout = defaults.Timeouts.PingInactivity
	}
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = defaults.Timeouts.Ping
	}
	if opts.DirectivesPath == "" {
		opts.DirectivesPath = DefaultDirectivesPath
	}
	if opts.PingPath == "" {
		opts.PingPath = DefaultPingPath
	}
	if opts.Backoff.Base <= 0 {
		opts.Backoff = DefaultBackoff()
	}

	logger := logging.Or(opts.Logger).WithComponent("HTTP2Transport").WithField("endpoint", opts.Endpoint)

	client := opts.HTTPClient
	if client == nil {
		client = NewHTTP2Client(opts.PingInactivityTimeout, opts.PingTimeout)
	}
	manager := opts.Attachments
	if manager == nil {
		manager = attachment.NewManager(attachment.WithLogger(logger))
	}

	return &HTTP2Transport{
		opts:        opts,
		client:      client,
		attachments: manager,
		logger:      logger,
		status:      StatusDisconnected,
		reason:      ReasonNone,
		sleep:       sleepCtx,
		events:      NewExecutor("transport-events", -1, logger),
	}, nil
}

func (t *HTTP2Transport) Endpoint() string { return t.opts.Endpoint }

func (t *HTTP2Transport) Status() ConnectionStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Reason returns the reason of the latest status change.
func (t *HTTP2Transport) Reason() ChangedReason {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason
}

// AddConnectionHandler registers h. Handlers run one at a time in the order
// the changes happened, on a goroutine of their own, and may call back into
// the transport.
func (t *HTTP2Transport) AddConnectionHandler(h ConnectionHandler) func() {
	return t.connectionHandlers.add(h)
}

func (t *HTTP2Transport) AddErrorHandler(h ErrorHandler) func() {
	return t.errorHandlers.add(h)
}

// Connect starts the network loop.
func (t *HTTP2Transport) Connect() error {
	t.mu.Lock()
	if t.cancel != nil {
		t.mu.Unlock()
		return NewACLError("transport already connected", ErrCodeAlreadyConnected).AddDetail("endpoint", t.opts.Endpoint)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	t.cancel = cancel
	t.loopDone = done
	t.failures = 0
	t.mu.Unlock()

	t.logger.Info("Connecting")
	go t.networkLoop(ctx, done)
	return nil
}

// Disconnect stops the network loop and waits for it to exit. In-flight
// requests complete with CONNECTION_LOST.
func (t *HTTP2Transport) Disconnect() {
	t.mu.Lock()
	cancel, done := t.cancel, t.loopDone
	t.mu.Unlock()
	if cancel == nil {
		return
	}

	cancel()
	<-done

	t.mu.Lock()
	if t.loopDone == done {
		t.cancel = nil
		t.loopDone = nil
	}
	t.mu.Unlock()
}

// Close disconnects and stops delivering notifications. The transport cannot
// be reused afterwards.
func (t *HTTP2Transport) Close() {
	t.Disconnect()
	t.events.Stop()
}

// Send queues req on the current connection, or completes it with
// NOT_CONNECTED.
func (t *HTTP2Transport) Send(req *MessageRequest) {
	t.mu.Lock()
	c := t.conn
	t.mu.Unlock()

	if c == nil || !c.enqueue(req) {
		req.reject(SendResult{Status: SendNotConnected}, t.opts.Callbacks)
	}
}

func (t *HTTP2Transport) setStatus(status ConnectionStatus, reason ChangedReason) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status == status && t.reason == reason {
		return
	}
	t.status = status
	t.reason = reason

	t.logger.LogConnectionEvent("status_changed", string(status), string(reason), nil)
	handlers := t.connectionHandlers.snapshot()
	_ = t.events.Submit(func() {
		for _, h := range handlers {
			h(status, reason)
		}
	})
}

func (t *HTTP2Transport) reportError(err *ACLError) {
	if err == nil {
		return
	}
	t.logger.WithError(err).Warn("transport error")
	handlers := t.errorHandlers.snapshot()
	_ = t.events.Submit(func() {
		for _, h := range handlers {
			h(err)
		}
	})
}

func (t *HTTP2Transport) url(path string) string {
	return strings.TrimRight(t.opts.Endpoint, "/") + path
}

func (t *HTTP2Transport) nextDelay() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	d := t.opts.Backoff.Delay(t.failures)
	t.failures++
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (t *HTTP2Transport) networkLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	for ctx.Err() == nil {
		t.setStatus(StatusPending, t.Reason())

		c, downchannel, cerr := t.establish(ctx)
		if cerr != nil {
			if ctx.Err() != nil {
				break
			}
			t.reportError(cerr.err)
			t.setStatus(StatusDisconnected, cerr.reason)
			if !t.sleep(ctx, t.nextDelay()) {
				break
			}
			continue
		}

		t.mu.Lock()
		t.failures = 0
		t.conn = c
		t.mu.Unlock()
		t.setStatus(StatusConnected, ReasonSuccess)

		reason := t.serve(ctx, c, downchannel)
		t.teardown(c)
		if ctx.Err() != nil {
			break
		}
		t.setStatus(StatusDisconnected, reason)
		if !t.sleep(ctx, t.nextDelay()) {
			break
		}
	}

	t.setStatus(StatusDisconnected, ReasonACLClientRequest)
}

type connectError struct {
	reason ChangedReason
	err    *ACLError
}

func (t *HTTP2Transport) establish(parent context.Context) (*connection, *http.Response, *connectError) {
	token, err := t.opts.Auth.AuthToken(parent)
	if err != nil || token == "" {
		aerr := NewAuthError("no auth token available")
		if err != nil {
			aerr = WrapError(err, ErrCodeAuthFailed)
		}
		return nil, nil, &connectError{reason: ReasonInvalidAuth, err: aerr}
	}

	ctx, cancel := context.WithCancelCause(parent)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.url(t.opts.DirectivesPath), nil)
	if err != nil {
		cancel(nil)
		return nil, nil, &connectError{reason: ReasonInternalError, err: WrapError(err, ErrCodeConnectionFailed)}
	}
	req.Header.Set("Authorization", "Bearer "+token)

	timer := time.AfterFunc(t.opts.ConnectTimeout, func() { cancel(errConnectTimeout) })
	resp, err := t.client.Do(req)
	if !timer.Stop() && err == nil {
		resp.Body.Close()
		err = errConnectTimeout
	}
	if err != nil {
		reason := ReasonInternalError
		if errors.Is(context.Cause(ctx), errConnectTimeout) {
			reason = ReasonConnectionTimedOut
		}
		cancel(nil)
		return nil, nil, &connectError{
			reason: reason,
			err:    NewConnectionError(err.Error()).AddDetail("endpoint", t.opts.Endpoint),
		}
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxExceptionBytes))
		resp.Body.Close()
		cancel(nil)

		reason := ReasonServerSideDisconnect
		if resp.StatusCode == http.StatusForbidden {
			t.opts.Auth.OnForbidden(token)
			reason = ReasonInvalidAuth
		}
		return nil, nil, &connectError{
			reason: reason,
			err: NewConnectionError(fmt.Sprintf("downchannel rejected: %s", resp.Status)).
				AddDetail("status", resp.StatusCode).
				AddDetail("body", string(body)),
		}
	}

	return newConnection(ctx, cancel), resp, nil
}

// serve runs the connection until it fails or the loop is cancelled.
func (t *HTTP2Transport) serve(ctx context.Context, c *connection, downchannel *http.Response) ChangedReason {
	c.wg.Add(3)
	go t.readDownchannel(c, downchannel)
	go t.runSender(c)
	go t.monitorPing(c)

	<-c.ctx.Done()
	if ctx.Err() != nil {
		return ReasonACLClientRequest
	}
	return c.reason()
}

// teardown completes every request the connection still owns: queued ones
// with NOT_CONNECTED, in-flight ones with CONNECTION_LOST.
func (t *HTTP2Transport) teardown(c *connection) {
	t.mu.Lock()
	if t.conn == c {
		t.conn = nil
	}
	t.mu.Unlock()

	c.fail(ReasonInternalError)
	queued, inFlight, writers := c.close()
	for _, w := range writers {
		w.Close()
	}
	for _, req := range queued {
		req.reject(SendResult{Status: SendNotConnected}, t.opts.Callbacks)
	}
	for _, req := range inFlight {
		req.complete(SendResult{Status: SendConnectionLost}, t.opts.Callbacks)
	}
	if len(inFlight) > 0 || len(queued) > 0 {
		t.logger.Infof("connection closed: %d in-flight lost, %d queued not sent", len(inFlight), len(queued))
	}

	c.wg.Wait()
	t.client.CloseIdleConnections()
}

func (t *HTTP2Transport) readDownchannel(c *connection, resp *http.Response) {
	defer c.wg.Done()
	defer resp.Body.Close()

	contextID := uuid.NewString()
	t.logger.LogStreamEvent("downchannel_open", contextID, nil)

	err := t.consumeMultipart(c, resp.Body, resp.Header.Get("Content-Type"), contextID)
	if c.ctx.Err() != nil {
		return
	}

	var aerr *ACLError
	if errors.As(err, &aerr) && aerr.Code == ErrCodeParse {
		t.reportError(aerr)
		c.fail(ReasonParseError)
		return
	}
	t.logger.LogStreamEvent("downchannel_closed", contextID, map[string]interface{}{"error": fmt.Sprint(err)})
	c.fail(ReasonServerSideDisconnect)
}

// consumeMultipart feeds body to a parser until EOF. Parse failures come back
// as *ACLError with ErrCodeParse, read failures unchanged.
func (t *HTTP2Transport) consumeMultipart(c *connection, body io.Reader, contentType, contextID string) error {
	boundary, err := multipart.BoundaryFromContentType(contentType)
	if err != nil {
		return NewParseError(err)
	}
	parser := multipart.NewParser(boundary, &streamSink{t: t, c: c})
	parser.SetContextID(contextID)
	defer parser.Reset()

	buf := make([]byte, readChunkSize)
	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			c.touch()
			if perr := parser.Feed(buf[:n]); perr != nil {
				return NewParseError(perr).AddDetail("context_id", contextID)
			}
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return rerr
		}
	}
}

func (t *HTTP2Transport) runSender(c *connection) {
	defer c.wg.Done()
	for {
		req := c.next()
		if req == nil {
			return
		}

		acked := make(chan struct{})
		var once sync.Once
		ack := func() { once.Do(func() { close(acked) }) }

		c.wg.Add(1)
		go t.runEventStream(c, req, ack)

		// Streams open in submission order: the next one waits for this
		// one's response headers.
		select {
		case <-acked:
		case <-c.ctx.Done():
			return
		}
	}
}

func (t *HTTP2Transport) runEventStream(c *connection, req *MessageRequest, ack func()) {
	defer c.wg.Done()
	defer ack()

	result := t.sendEvent(c, req, ack)
	if c.finish(req) {
		req.complete(result, t.opts.Callbacks)
	}
}

func (t *HTTP2Transport) sendEvent(c *connection, req *MessageRequest, ack func()) SendResult {
	streamID := uuid.NewString()
	t.logger.LogStreamEvent("event_open", streamID, map[string]interface{}{"path": req.Path()})

	token, err := t.opts.Auth.AuthToken(c.ctx)
	if err != nil || token == "" {
		return SendResult{Status: SendInvalidAuth}
	}

	ctx, cancel := context.WithCancelCause(c.ctx)
	defer cancel(nil)
	wd := newWatchdog(t.opts.StreamProgressTimeout, func() { cancel(errStreamTimeout) })
	defer wd.stop()
	touch := func() {
		wd.touch()
		c.touch()
	}

	enc := multipart.NewEncoder("", req.Message().parts()...)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url(req.Path()), &activityReader{r: enc, onRead: touch})
	if err != nil {
		return SendResult{Status: SendInternalError, Exception: err.Error()}
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("Content-Type", enc.ContentType())

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return t.streamFailure(ctx, c, err)
	}
	ack()
	touch()
	defer resp.Body.Close()

	status := SendStatusFromHTTP(resp.StatusCode)
	if resp.StatusCode == http.StatusForbidden {
		t.opts.Auth.OnForbidden(token)
	}
	t.logger.LogStreamEvent("event_response", streamID, map[string]interface{}{"status": resp.StatusCode})

	body := &activityReader{r: resp.Body, onRead: touch}
	contentType := resp.Header.Get("Content-Type")
	if multipart.IsMultipart(contentType) {
		err := t.consumeMultipart(c, body, contentType, streamID)
		var aerr *ACLError
		switch {
		case errors.As(err, &aerr):
			t.reportError(aerr)
			return SendResult{Status: SendProtocolError, Exception: aerr.Message}
		case err != nil:
			return t.streamFailure(ctx, c, err)
		}
		return SendResult{Status: status}
	}

	data, err := io.ReadAll(io.LimitReader(body, maxExceptionBytes))
	if err != nil {
		return t.streamFailure(ctx, c, err)
	}
	result := SendResult{Status: status}
	if resp.StatusCode != http.StatusOK && len(data) > 0 {
		result.Exception = string(data)
	}
	return result
}

func (t *HTTP2Transport) streamFailure(ctx context.Context, c *connection, err error) SendResult {
	switch {
	case errors.Is(context.Cause(ctx), errStreamTimeout):
		return SendResult{Status: SendTimedOut, Exception: errStreamTimeout.Error()}
	case c.ctx.Err() != nil:
		return SendResult{Status: SendConnectionLost}
	default:
		return SendResult{Status: SendInternalError, Exception: err.Error()}
	}
}

func (t *HTTP2Transport) monitorPing(c *connection) {
	defer c.wg.Done()

	interval := t.opts.PingInactivityTimeout
	timer := time.NewTimer(interval)
	defer timer.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-timer.C:
		}

		if idle := c.idleFor(); idle < interval {
			timer.Reset(interval - idle)
			continue
		}
		if err := t.ping(c); err != nil {
			if c.ctx.Err() != nil {
				return
			}
			t.reportError(WrapError(err, ErrCodeTimeout).AddDetail("endpoint", t.opts.Endpoint))
			c.fail(ReasonServerSideDisconnect)
			return
		}
		c.touch()
		timer.Reset(interval)
	}
}

func (t *HTTP2Transport) ping(c *connection) error {
	token, err := t.opts.Auth.AuthToken(c.ctx)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(c.ctx, t.opts.PingTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.url(t.opts.PingPath), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxExceptionBytes))
	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("ping: unexpected status %s", resp.Status)
	}
	return nil
}

// streamSink routes parsed parts: JSON to the consumer, binary parts into
// attachment writers keyed by (stream context, Content-ID). An attachment that
// cannot be stored is dropped and the rest of its part skipped; the stream
// itself keeps going.
type streamSink struct {
	t      *HTTP2Transport
	c      *connection
	writer *attachment.Writer
}

func (s *streamSink) HandleMessage(contextID, payload string) {
	s.c.touch()
	if s.t.opts.Consumer == nil {
		s.t.logger.Debugf("no consumer, dropping message from %s", contextID)
		return
	}
	s.t.opts.Consumer.Consume(contextID, payload)
}

func (s *streamSink) BeginAttachment(contextID, contentID string) error {
	id := attachment.GenerateAttachmentID(contextID, contentID)
	w, err := s.t.attachments.CreateWriter(id, attachment.OverrunPolicyBlock)
	if err != nil {
		s.t.reportError(WrapError(err, ErrCodeAttachmentUnavailable).AddDetail("attachment_id", id))
		return nil
	}
	w.SetWriteTimeout(s.t.opts.StreamProgressTimeout)
	if !s.c.trackWriter(w) {
		w.Close()
		return errConnClosed
	}
	s.writer = w
	return nil
}

func (s *streamSink) WriteAttachment(p []byte) error {
	if s.writer == nil {
		return nil
	}
	if _, err := s.writer.Write(p); err != nil {
		if s.c.ctx.Err() != nil {
			return err
		}
		s.t.reportError(WrapError(err, ErrCodeOverrun).AddDetail("attachment_id", s.writer.ID()))
		s.c.untrackWriter(s.writer)
		s.writer.Abort()
		s.writer = nil
	}
	return nil
}

func (s *streamSink) EndAttachment() {
	if s.writer == nil {
		return
	}
	s.writer.Close()
	s.c.untrackWriter(s.writer)
	s.writer = nil
}
