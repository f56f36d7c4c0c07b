package acl

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/rojolang/avs-acl-go/pkg/attachment"
	"github.com/rojolang/avs-acl-go/pkg/logging"
)

type handlerEntry[H any] struct {
	id      uint64
	handler H
}

// handlerList is an ordered, concurrency-safe set of callbacks.
type handlerList[H any] struct {
	mu      sync.RWMutex
	nextID  uint64
	entries []handlerEntry[H]
}

// add appends h and returns a function that removes it again.
func (l *handlerList[H]) add(h H) func() {
	l.mu.Lock()
	id := l.nextID
	l.nextID++
	l.entries = append(l.entries, handlerEntry[H]{id: id, handler: h})
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			for i, e := range l.entries {
				if e.id == id {
					l.entries = append(l.entries[:i:i], l.entries[i+1:]...)
					return
				}
			}
		})
	}
}

func (l *handlerList[H]) snapshot() []H {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]H, len(l.entries))
	for i, e := range l.entries {
		out[i] = e.handler
	}
	return out
}

func (l *handlerList[H]) len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Factory functions for common handlers

func CreateLoggingMessageHandler(logger *logging.Logger, verbose bool) MessageHandler {
	logger = logging.Or(logger).WithComponent("Messages")
	return func(msg *InboundMessage) {
		name := "unknown"
		if msg.Directive != nil {
			name = msg.Directive.Header.Namespace + "." + msg.Directive.Header.Name
		}
		if verbose {
			logger.Infof("Received %s on %s: %s", name, msg.ContextID, msg.JSON)
		} else {
			logger.Infof("Received %s", name)
		}
	}
}

// CreateDirectiveFilter passes through directives matching namespace and,
// if name is non-empty, name.
func CreateDirectiveFilter(namespace, name string, handler MessageHandler) MessageHandler {
	return func(msg *InboundMessage) {
		if msg.Directive == nil || msg.Directive.Header.Namespace != namespace {
			return
		}
		if name != "" && msg.Directive.Header.Name != name {
			return
		}
		handler(msg)
	}
}

func CreateConditionalHandler(condition func(*InboundMessage) bool, handler MessageHandler) MessageHandler {
	return func(msg *InboundMessage) {
		if condition(msg) {
			handler(msg)
		}
	}
}

// CreateAttachmentHandler opens a reader for the attachment a directive
// refers to through a "cid:" URL in its payload. The callback owns the
// reader and must close it.
func CreateAttachmentHandler(manager *attachment.Manager, logger *logging.Logger, callback func(*InboundMessage, *attachment.Reader)) MessageHandler {
	logger = logging.Or(logger).WithComponent("Attachments")
	return func(msg *InboundMessage) {
		if msg.Directive == nil {
			return
		}
		cid := ContentIDFromPayload(msg.Directive.Payload)
		if cid == "" {
			return
		}
		id := manager.GenerateAttachmentID(msg.ContextID, cid)
		reader, err := manager.CreateReader(id, attachment.ReaderPolicyBlocking)
		if err != nil {
			logger.WithError(err).WithField("attachment_id", id).Warn("cannot open attachment")
			return
		}
		callback(msg, reader)
	}
}

// ContentIDFromPayload returns the Content-ID referenced by a payload's
// "url" (or nested "audioItem.stream.url") field, without the "cid:" scheme.
func ContentIDFromPayload(payload json.RawMessage) string {
	if len(payload) == 0 {
		return ""
	}
	var p struct {
		URL       string `json:"url"`
		AudioItem struct {
			Stream struct {
				URL string `json:"url"`
			} `json:"stream"`
		} `json:"audioItem"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return ""
	}
	url := p.URL
	if url == "" {
		url = p.AudioItem.Stream.URL
	}
	if !strings.HasPrefix(url, "cid:") {
		return ""
	}
	return strings.TrimPrefix(url, "cid:")
}

func CreateErrorLoggingHandler(logger *logging.Logger, prefix string) ErrorHandler {
	logger = logging.Or(logger)
	return func(err *ACLError) {
		if err != nil {
			logger.Errorf("%s Error: %v", prefix, err)
		}
	}
}

func CreateConnectionStatusHandler(logger *logging.Logger, callback func(ConnectionStatus, ChangedReason)) ConnectionHandler {
	logger = logging.Or(logger)
	return func(status ConnectionStatus, reason ChangedReason) {
		logger.LogConnectionEvent("status", string(status), string(reason), nil)
		if callback != nil {
			callback(status, reason)
		}
	}
}

// Composability functions
func SequentialMessageHandlers(handlers ...MessageHandler) MessageHandler {
	return func(msg *InboundMessage) {
		for _, h := range handlers {
			if h != nil {
				h(msg)
			}
		}
	}
}

func SequentialConnectionHandlers(handlers ...ConnectionHandler) ConnectionHandler {
	return func(status ConnectionStatus, reason ChangedReason) {
		for _, h := range handlers {
			if h != nil {
				h(status, reason)
			}
		}
	}
}

func SequentialErrorHandlers(handlers ...ErrorHandler) ErrorHandler {
	return func(err *ACLError) {
		for _, h := range handlers {
			if h != nil {
				h(err)
			}
		}
	}
}
