package monitor

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rojolang/avs-acl-go/pkg/acl"
	"github.com/rojolang/avs-acl-go/pkg/logging"
)

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var ev Event
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func TestHubBroadcastsStatusAndDirectives(t *testing.T) {
	hub := NewHub(logging.Nop())
	srv := httptest.NewServer(hub.Handler())
	defer srv.Close()

	conn := dial(t, srv)
	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	hub.ConnectionHandler()(acl.StatusConnected, acl.ReasonSuccess)

	raw := `{"directive":{"header":{"namespace":"Alerts","name":"SetAlert","messageId":"m"},"payload":{}}}`
	d, err := acl.ParseDirective(raw)
	require.NoError(t, err)
	hub.MessageHandler()(&acl.InboundMessage{ContextID: "ctx-1", JSON: raw, Directive: d, ReceivedAt: time.Now()})

	hub.ErrorHandler()(acl.NewConnectionError("refused"))

	ev := readEvent(t, conn)
	assert.Equal(t, "status", ev.Type)
	assert.Equal(t, "CONNECTED", ev.Status)
	assert.Equal(t, "SUCCESS", ev.Reason)

	ev = readEvent(t, conn)
	assert.Equal(t, "directive", ev.Type)
	assert.Equal(t, "Alerts", ev.Namespace)
	assert.Equal(t, "SetAlert", ev.Name)
	assert.Equal(t, "ctx-1", ev.ContextID)
	assert.JSONEq(t, raw, string(ev.Message))

	ev = readEvent(t, conn)
	assert.Equal(t, "error", ev.Type)
	assert.Equal(t, acl.ErrCodeConnectionFailed, ev.Reason)
}

func TestHubReplaysHistoryToLateSubscriber(t *testing.T) {
	hub := NewHub(logging.Nop())
	srv := httptest.NewServer(hub.Handler())
	defer srv.Close()

	hub.ConnectionHandler()(acl.StatusPending, acl.ReasonNone)

	conn := dial(t, srv)
	ev := readEvent(t, conn)
	assert.Equal(t, "PENDING", ev.Status)
}

func TestHubRemovesClosedSubscriber(t *testing.T) {
	hub := NewHub(logging.Nop())
	srv := httptest.NewServer(hub.Handler())
	defer srv.Close()

	conn := dial(t, srv)
	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, time.Second, 5*time.Millisecond)
	conn.Close()
	assert.Eventually(t, func() bool { return hub.Subscribers() == 0 }, time.Second, 5*time.Millisecond)
}
