package acl

import (
	"encoding/json"

	"github.com/google/uuid"
)

// EventHeader is the header of an AVS event envelope.
type EventHeader struct {
	Namespace       string `json:"namespace"`
	Name            string `json:"name"`
	MessageID       string `json:"messageId"`
	DialogRequestID string `json:"dialogRequestId,omitempty"`
}

type eventEnvelope struct {
	Context []json.RawMessage `json:"context"`
	Event   struct {
		Header  EventHeader `json:"header"`
		Payload interface{} `json:"payload"`
	} `json:"event"`
}

type EventOption func(*eventEnvelope)

// WithDialogRequestID tags the event as part of a dialog turn.
func WithDialogRequestID(id string) EventOption {
	return func(e *eventEnvelope) { e.Event.Header.DialogRequestID = id }
}

// WithContext adds context states (already encoded JSON objects).
func WithContext(states ...json.RawMessage) EventOption {
	return func(e *eventEnvelope) { e.Context = append(e.Context, states...) }
}

// NewEvent builds the JSON of an event with a fresh messageId. A nil payload
// is encoded as {}.
func NewEvent(namespace, name string, payload interface{}, opts ...EventOption) (string, error) {
	var env eventEnvelope
	env.Context = []json.RawMessage{}
	env.Event.Header = EventHeader{
		Namespace: namespace,
		Name:      name,
		MessageID: uuid.NewString(),
	}
	if payload == nil {
		payload = struct{}{}
	}
	env.Event.Payload = payload
	for _, opt := range opts {
		opt(&env)
	}

	data, err := json.Marshal(env)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
