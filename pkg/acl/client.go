package acl

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/rojolang/avs-acl-go/pkg/attachment"
	"github.com/rojolang/avs-acl-go/pkg/logging"
)

// Client wires a Config into a working stack: one HTTP2Transport per
// gateway behind a MessageRouter, a Dispatcher for inbound messages and an
// attachment Manager shared by all transports.
type Client struct {
	config      *Config
	logger      *logging.Logger
	auth        AuthDelegate
	attachments *attachment.Manager
	dispatcher  *Dispatcher
	callbacks   *Executor
	transports  []*HTTP2Transport
	router      *MessageRouter

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	closed        bool
	errorHandlers handlerList[ErrorHandler]
}

type ClientOption func(*clientOptions)

type clientOptions struct {
	httpClient *http.Client
	auth       AuthDelegate
	logger     *logging.Logger
}

// WithHTTPClient replaces the default HTTP/2 client for every transport.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(o *clientOptions) { o.httpClient = c }
}

// WithAuthDelegate overrides the auth source derived from Config.Auth.
func WithAuthDelegate(a AuthDelegate) ClientOption {
	return func(o *clientOptions) { o.auth = a }
}

func WithClientLogger(l *logging.Logger) ClientOption {
	return func(o *clientOptions) { o.logger = l }
}

func NewClient(config *Config, opts ...ClientOption) (*Client, error) {
	if config == nil {
		config = NewConfig()
	}
	var o clientOptions
	for _, opt := range opts {
		opt(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = logging.NewLogger(config.LogConfig())
	}

	auth := o.auth
	if auth == nil {
		var err error
		if auth, err = NewAuthDelegate(config.Auth, nil); err != nil {
			return nil, err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		config: config,
		logger: logger.WithComponent("Client"),
		auth:   auth,
		attachments: attachment.NewManager(
			attachment.WithBufferSize(config.Attachments.BufferSize),
			attachment.WithAttachmentTimeout(config.Attachments.Timeout),
			attachment.WithWriterWaitTimeout(config.Attachments.WriterWait),
			attachment.WithLogger(logger),
		),
		dispatcher: NewDispatcher(0, logger),
		callbacks:  NewExecutor("callbacks", 0, logger),
		ctx:        ctx,
		cancel:     cancel,
	}

	if config.Attachments.SweepEvery > 0 {
		go c.attachments.Run(ctx, config.Attachments.SweepEvery)
	}

	transports := make([]Transport, 0, len(config.Endpoints()))
	for _, endpoint := range config.Endpoints() {
		t, err := NewHTTP2Transport(TransportOptions{
			Endpoint:              endpoint,
			Auth:                  auth,
			Attachments:           c.attachments,
			Consumer:              c.dispatcher,
			HTTPClient:            o.httpClient,
			Callbacks:             c.callbacks,
			Backoff:               config.BackoffPolicy(),
			ConnectTimeout:        config.Timeouts.Connect,
			StreamProgressTimeout: config.Timeouts.StreamProgress,
			PingInactivityTimeout: config.Timeouts.PingInactivity,
			PingTimeout:           config.Timeouts.Ping,
			DirectivesPath:        config.DirectivesPath,
			PingPath:              config.PingPath,
			Logger:                logger,
		})
		if err != nil {
			c.shutdown()
			return nil, err
		}
		t.AddErrorHandler(c.reportError)
		c.transports = append(c.transports, t)
		transports = append(transports, t)
	}

	router, err := NewMessageRouter(RouterOptions{
		Transports:            transports,
		QueueWhenDisconnected: config.Router.QueueWhenDisconnected,
		MaxQueued:             config.Router.MaxQueued,
		FailoverThreshold:     config.Router.FailoverThreshold,
		Callbacks:             c.callbacks,
		Logger:                logger,
	})
	if err != nil {
		c.shutdown()
		return nil, err
	}
	c.router = router
	return c, nil
}

func (c *Client) Connect() error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return NewNotConnectedError("client closed")
	}
	return c.router.Connect()
}

func (c *Client) Disconnect() {
	c.router.Disconnect()
}

// Close disconnects and releases every worker. Completions of requests that
// were still running are delivered before Close returns.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.router.Close()
	for _, t := range c.transports {
		t.Close()
	}
	c.shutdown()
}

func (c *Client) shutdown() {
	c.cancel()
	c.dispatcher.Close()
	c.callbacks.Shutdown()
}

// Send routes req. The outcome arrives through req's completion.
func (c *Client) Send(req *MessageRequest) {
	c.router.Send(req)
}

// SendEvent builds an event envelope, sends it with optional audio
// attachments and waits for the result.
func (c *Client) SendEvent(ctx context.Context, namespace, name string, payload interface{}, attachments ...NamedReader) (SendResult, error) {
	event, err := NewEvent(namespace, name, payload)
	if err != nil {
		return SendResult{}, WrapError(err, ErrCodeSendFailure)
	}
	req := NewMessageRequest(Message{JSON: event, Attachments: attachments}, WithPath(c.config.EventsPath))
	c.Send(req)
	return req.Wait(ctx)
}

func (c *Client) AddMessageHandler(h MessageHandler) func() {
	return c.dispatcher.AddMessageHandler(h)
}

func (c *Client) AddConnectionHandler(h ConnectionHandler) func() {
	return c.router.AddConnectionHandler(h)
}

// AddErrorHandler receives transport errors from every gateway.
func (c *Client) AddErrorHandler(h ErrorHandler) func() {
	return c.errorHandlers.add(h)
}

func (c *Client) reportError(err *ACLError) {
	for _, h := range c.errorHandlers.snapshot() {
		h(err)
	}
}

func (c *Client) Status() ConnectionStatus { return c.router.Status() }

func (c *Client) Attachments() *attachment.Manager { return c.attachments }

func (c *Client) Router() *MessageRouter { return c.router }

func (c *Client) Config() *Config { return c.config }

// Endpoints lists the configured gateways, active one marked with '*'.
func (c *Client) Endpoints() string {
	active := c.router.ActiveIndex()
	var sb strings.Builder
	for i, t := range c.transports {
		if i > 0 {
			sb.WriteString(", ")
		}
		if i == active {
			sb.WriteString("*")
		}
		sb.WriteString(t.Endpoint())
	}
	return sb.String()
}
