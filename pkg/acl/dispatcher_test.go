package acl

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rojolang/avs-acl-go/pkg/attachment"
)

const speakDirective = `{"directive":{"header":{"namespace":"SpeechSynthesizer","name":"Speak","messageId":"m-1","dialogRequestId":"d-1"},"payload":{"format":"AUDIO_MPEG","url":"cid:audio-1"}}}`

func TestParseDirective(t *testing.T) {
	d, err := ParseDirective(speakDirective)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, "SpeechSynthesizer", d.Header.Namespace)
	assert.Equal(t, "Speak", d.Header.Name)
	assert.Equal(t, "m-1", d.Header.MessageID)
	assert.Equal(t, "d-1", d.Header.DialogRequestID)
	assert.JSONEq(t, `{"format":"AUDIO_MPEG","url":"cid:audio-1"}`, string(d.Payload))

	d, err = ParseDirective(`{"event":{}}`)
	assert.NoError(t, err)
	assert.Nil(t, d)

	_, err = ParseDirective(`{nope`)
	assert.Error(t, err)
}

func TestDispatcherDeliversInOrder(t *testing.T) {
	d := NewDispatcher(4, nil)

	var mu sync.Mutex
	var got []string
	d.AddMessageHandler(func(m *InboundMessage) {
		mu.Lock()
		got = append(got, m.JSON)
		mu.Unlock()
	})

	var want []string
	for i := 0; i < 20; i++ {
		msg, err := json.Marshal(map[string]int{"n": i})
		require.NoError(t, err)
		want = append(want, string(msg))
		d.Consume("ctx", string(msg))
	}
	d.Close()

	assert.Equal(t, want, got)
}

func TestDispatcherKeepsRawJSONWhenNotADirective(t *testing.T) {
	d := NewDispatcher(4, nil)
	got := make(chan *InboundMessage, 2)
	d.AddMessageHandler(func(m *InboundMessage) { got <- m })

	d.Consume("ctx-1", "not json")
	d.Consume("ctx-2", speakDirective)
	d.Close()

	first := <-got
	assert.Equal(t, "not json", first.JSON)
	assert.Nil(t, first.Directive)
	assert.Equal(t, "ctx-1", first.ContextID)

	second := <-got
	require.NotNil(t, second.Directive)
	assert.Equal(t, "Speak", second.Directive.Header.Name)
}

func TestDispatcherUnregister(t *testing.T) {
	d := NewDispatcher(4, nil)
	var a, b int
	removeA := d.AddMessageHandler(func(*InboundMessage) { a++ })
	d.AddMessageHandler(func(*InboundMessage) { b++ })

	d.Consume("c", "{}")
	removeA()
	removeA()
	d.Consume("c", "{}")
	d.Close()

	assert.Equal(t, 1, a)
	assert.Equal(t, 2, b)
}

func TestCreateDirectiveFilter(t *testing.T) {
	var hits int
	h := CreateDirectiveFilter("SpeechSynthesizer", "Speak", func(*InboundMessage) { hits++ })

	d, _ := ParseDirective(speakDirective)
	h(&InboundMessage{Directive: d})
	h(&InboundMessage{})
	h(&InboundMessage{Directive: &Directive{Header: DirectiveHeader{Namespace: "SpeechSynthesizer", Name: "Stop"}}})
	CreateDirectiveFilter("SpeechSynthesizer", "", func(*InboundMessage) { hits++ })(&InboundMessage{Directive: d})

	assert.Equal(t, 2, hits)
}

func TestContentIDFromPayload(t *testing.T) {
	assert.Equal(t, "audio-1", ContentIDFromPayload(json.RawMessage(`{"url":"cid:audio-1"}`)))
	assert.Equal(t, "s-2", ContentIDFromPayload(json.RawMessage(`{"audioItem":{"stream":{"url":"cid:s-2"}}}`)))
	assert.Empty(t, ContentIDFromPayload(json.RawMessage(`{"url":"https://example.com/a.mp3"}`)))
	assert.Empty(t, ContentIDFromPayload(nil))
}

func TestCreateAttachmentHandlerOpensReferencedAttachment(t *testing.T) {
	manager := attachment.NewManager()
	id := manager.GenerateAttachmentID("stream-1", "audio-1")
	w, err := manager.CreateWriter(id, attachment.OverrunPolicyBlock)
	require.NoError(t, err)
	_, err = w.Write([]byte("mp3"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	var got []byte
	h := CreateAttachmentHandler(manager, nil, func(msg *InboundMessage, r *attachment.Reader) {
		defer r.Close()
		buf := make([]byte, 16)
		n, _ := r.Read(buf)
		got = buf[:n]
	})

	d, _ := ParseDirective(speakDirective)
	h(&InboundMessage{ContextID: "stream-1", Directive: d})
	assert.Equal(t, "mp3", string(got))
}

func TestSequentialHandlers(t *testing.T) {
	var order []string
	h := SequentialConnectionHandlers(
		func(s ConnectionStatus, _ ChangedReason) { order = append(order, "a:"+string(s)) },
		nil,
		func(s ConnectionStatus, _ ChangedReason) { order = append(order, "b:"+string(s)) },
	)
	h(StatusConnected, ReasonSuccess)
	assert.Equal(t, []string{"a:CONNECTED", "b:CONNECTED"}, order)
}
