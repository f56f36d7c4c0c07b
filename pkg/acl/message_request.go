package acl

import (
	"context"
	"io"
	"sync"

	"github.com/rojolang/avs-acl-go/pkg/multipart"
)

// DefaultEventsPath is where events are posted unless a request overrides it.
const DefaultEventsPath = "/v20160207/events"

// NamedReader is one binary attachment of an outgoing message.
type NamedReader struct {
	Name   string
	Reader io.Reader
}

// Message is the payload of a request: the JSON metadata part plus any
// attachments, in order.
type Message struct {
	JSON        string
	Attachments []NamedReader
}

func (m Message) parts() []multipart.Part {
	parts := make([]multipart.Part, 0, 1+len(m.Attachments))
	parts = append(parts, multipart.JSONPart(m.JSON))
	for _, a := range m.Attachments {
		parts = append(parts, multipart.AttachmentPart(a.Name, a.Reader))
	}
	return parts
}

// SendResult is delivered exactly once per request.
type SendResult struct {
	Status    SendStatus
	Exception string
}

type CompletionFunc func(SendResult)

type requestState int

const (
	requestPending requestState = iota
	requestInFlight
	requestCompleted
)

// MessageRequest carries a Message to the cloud and reports its outcome
// exactly once, whatever path the request takes.
type MessageRequest struct {
	message    Message
	path       string
	onComplete CompletionFunc

	mu     sync.Mutex
	state  requestState
	result SendResult
	done   chan struct{}
}

type RequestOption func(*MessageRequest)

// WithPath overrides the events path for this request.
func WithPath(path string) RequestOption {
	return func(r *MessageRequest) {
		if path != "" {
			r.path = path
		}
	}
}

func WithCompletion(fn CompletionFunc) RequestOption {
	return func(r *MessageRequest) { r.onComplete = fn }
}

func NewMessageRequest(msg Message, opts ...RequestOption) *MessageRequest {
	r := &MessageRequest{
		message: msg,
		path:    DefaultEventsPath,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *MessageRequest) Message() Message { return r.message }

func (r *MessageRequest) Path() string { return r.path }

// claim moves the request to in-flight. Only the first claim succeeds.
func (r *MessageRequest) claim() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != requestPending {
		return false
	}
	r.state = requestInFlight
	return true
}

// complete records the result and schedules the completion callback on exec
// (inline when exec is nil or shut down). Later calls are no-ops.
func (r *MessageRequest) complete(result SendResult, exec *Executor) bool {
	return r.finish(result, exec, false)
}

// reject completes the request only if no stream has claimed it, so a
// transport never overrides the outcome owned by another one.
func (r *MessageRequest) reject(result SendResult, exec *Executor) bool {
	return r.finish(result, exec, true)
}

func (r *MessageRequest) finish(result SendResult, exec *Executor, onlyPending bool) bool {
	r.mu.Lock()
	if r.state == requestCompleted || (onlyPending && r.state != requestPending) {
		r.mu.Unlock()
		return false
	}
	r.state = requestCompleted
	r.result = result
	close(r.done)
	fn := r.onComplete
	r.mu.Unlock()

	if fn == nil {
		return true
	}
	task := func() { fn(result) }
	if exec == nil || exec.Submit(task) != nil {
		task()
	}
	return true
}

// Done is closed once the request has a result.
func (r *MessageRequest) Done() <-chan struct{} { return r.done }

// Result returns the outcome once completed.
func (r *MessageRequest) Result() (SendResult, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result, r.state == requestCompleted
}

// Wait blocks until the request completes or ctx ends.
func (r *MessageRequest) Wait(ctx context.Context) (SendResult, error) {
	select {
	case <-r.done:
		res, _ := r.Result()
		return res, nil
	case <-ctx.Done():
		return SendResult{}, ctx.Err()
	}
}
