package acl

import (
	"encoding/json"
	"time"

	"github.com/rojolang/avs-acl-go/pkg/logging"
)

// DirectiveHeader is the header of an AVS directive envelope.
type DirectiveHeader struct {
	Namespace       string `json:"namespace"`
	Name            string `json:"name"`
	MessageID       string `json:"messageId"`
	DialogRequestID string `json:"dialogRequestId,omitempty"`
}

type Directive struct {
	Header  DirectiveHeader `json:"header"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// InboundMessage is one JSON part received from the cloud. Directive is nil
// when the JSON is not a directive envelope.
type InboundMessage struct {
	ContextID  string
	JSON       string
	Directive  *Directive
	ReceivedAt time.Time
}

// ParseDirective decodes {"directive": {...}}.
func ParseDirective(raw string) (*Directive, error) {
	var envelope struct {
		Directive *Directive `json:"directive"`
	}
	if err := json.Unmarshal([]byte(raw), &envelope); err != nil {
		return nil, err
	}
	if envelope.Directive == nil {
		return nil, nil
	}
	return envelope.Directive, nil
}

// Dispatcher delivers inbound messages to handlers on a single worker, in the
// order the server sent them.
type Dispatcher struct {
	exec     *Executor
	logger   *logging.Logger
	handlers handlerList[MessageHandler]
}

func NewDispatcher(queueSize int, logger *logging.Logger) *Dispatcher {
	logger = logging.Or(logger)
	return &Dispatcher{
		exec:   NewExecutor("dispatcher", queueSize, logger),
		logger: logger.WithComponent("Dispatcher"),
	}
}

// AddMessageHandler registers h and returns a function that removes it.
func (d *Dispatcher) AddMessageHandler(h MessageHandler) func() {
	return d.handlers.add(h)
}

// Consume implements MessageConsumer.
func (d *Dispatcher) Consume(contextID, message string) {
	msg := &InboundMessage{
		ContextID:  contextID,
		JSON:       message,
		ReceivedAt: time.Now(),
	}
	directive, err := ParseDirective(message)
	if err != nil {
		d.logger.WithError(err).Warn("inbound message is not valid JSON")
	}
	msg.Directive = directive
	if directive != nil {
		d.logger.WithFields(map[string]interface{}{
			"namespace":  directive.Header.Namespace,
			"name":       directive.Header.Name,
			"message_id": directive.Header.MessageID,
		}).Debug("directive received")
	}

	if err := d.exec.Submit(func() { d.deliver(msg) }); err != nil {
		d.logger.Warn("dispatcher closed, message dropped")
	}
}

func (d *Dispatcher) deliver(msg *InboundMessage) {
	for _, h := range d.handlers.snapshot() {
		h(msg)
	}
}

// Close drains pending messages and stops the worker.
func (d *Dispatcher) Close() {
	d.exec.Shutdown()
}
