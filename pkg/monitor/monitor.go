// Package monitor streams connection and directive events of a running
// client to websocket subscribers, for dashboards and debugging.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rojolang/avs-acl-go/pkg/acl"
	"github.com/rojolang/avs-acl-go/pkg/logging"
)

const (
	writeWait   = 10 * time.Second
	pongWait    = 60 * time.Second
	pingPeriod  = pongWait * 9 / 10
	sendBuffer  = 64
	historySize = 32
)

// Event is one JSON frame sent to subscribers.
type Event struct {
	Type      string          `json:"type"`
	Time      time.Time       `json:"time"`
	Status    string          `json:"status,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	ContextID string          `json:"context_id,omitempty"`
	Namespace string          `json:"namespace,omitempty"`
	Name      string          `json:"name,omitempty"`
	Message   json.RawMessage `json:"message,omitempty"`
	Error     string          `json:"error,omitempty"`
}

type subscriber struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans events out to every connected websocket. Slow subscribers are
// dropped rather than blocking the caller.
type Hub struct {
	upgrader websocket.Upgrader
	logger   *logging.Logger

	mu          sync.Mutex
	subscribers map[*subscriber]struct{}
	history     [][]byte
}

func NewHub(logger *logging.Logger) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger:      logging.Or(logger).WithComponent("Monitor"),
		subscribers: make(map[*subscriber]struct{}),
	}
}

// Subscribers returns the number of connected websockets.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

func (h *Hub) Broadcast(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.WithError(err).Warn("cannot encode monitor event")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.history = append(h.history, data)
	if len(h.history) > historySize {
		h.history = h.history[len(h.history)-historySize:]
	}
	for s := range h.subscribers {
		select {
		case s.send <- data:
		default:
			h.logger.Warn("monitor subscriber too slow, dropping")
			h.removeLocked(s)
		}
	}
}

func (h *Hub) removeLocked(s *subscriber) {
	if _, ok := h.subscribers[s]; ok {
		delete(h.subscribers, s)
		close(s.send)
	}
}

// Handler upgrades requests to websockets. New subscribers first receive the
// most recent events.
func (h *Hub) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.WithError(err).Debug("websocket upgrade failed")
			return
		}
		s := &subscriber{conn: conn, send: make(chan []byte, sendBuffer+historySize)}

		h.mu.Lock()
		for _, data := range h.history {
			s.send <- data
		}
		h.subscribers[s] = struct{}{}
		h.mu.Unlock()
		h.logger.Debugf("subscriber connected from %s", r.RemoteAddr)

		go h.writePump(s)
		h.readPump(s)
	})
}

// readPump only services control frames; subscribers never send data.
func (h *Hub) readPump(s *subscriber) {
	defer func() {
		h.mu.Lock()
		h.removeLocked(s)
		h.mu.Unlock()
		s.conn.Close()
	}()
	s.conn.SetReadLimit(512)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(s *subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()
	for {
		select {
		case data, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subscribers {
		h.removeLocked(s)
	}
}

// ListenAndServe serves the hub on addr until ctx is done.
func (h *Hub) ListenAndServe(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/events", h.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	h.logger.Infof("monitor listening on %s", addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	h.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// MessageHandler publishes every inbound message.
func (h *Hub) MessageHandler() acl.MessageHandler {
	return func(msg *acl.InboundMessage) {
		ev := Event{Type: "message", Time: msg.ReceivedAt, ContextID: msg.ContextID}
		if json.Valid([]byte(msg.JSON)) {
			ev.Message = json.RawMessage(msg.JSON)
		}
		if msg.Directive != nil {
			ev.Type = "directive"
			ev.Namespace = msg.Directive.Header.Namespace
			ev.Name = msg.Directive.Header.Name
		}
		h.Broadcast(ev)
	}
}

// ConnectionHandler publishes status transitions.
func (h *Hub) ConnectionHandler() acl.ConnectionHandler {
	return func(status acl.ConnectionStatus, reason acl.ChangedReason) {
		h.Broadcast(Event{Type: "status", Status: string(status), Reason: string(reason)})
	}
}

func (h *Hub) ErrorHandler() acl.ErrorHandler {
	return func(err *acl.ACLError) {
		if err == nil {
			return
		}
		h.Broadcast(Event{Type: "error", Reason: err.Code, Error: err.Message})
	}
}
