package dispatch

import (
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
)

// Envelope is the wire frame for every websocket event.
type Envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// WSSession is one connected client. Writes are serialized; gorilla
// connections do not allow concurrent writers.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(event string, payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(Envelope{Event: event, Data: payload})
}

// WSRegistry holds the live sessions for one client role. A reconnect
// replaces the previous session for the same id.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
}

func NewWSRegistry() *WSRegistry { return &WSRegistry{sessions: make(map[string]*WSSession)} }

func (r *WSRegistry) Add(id string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[id] = &WSSession{conn: conn}
}

// Remove drops the session for id, but only if it still owns conn; a
// session replaced by a reconnect must not be torn down by the old
// connection's read loop exiting.
func (r *WSRegistry) Remove(id string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok && s.conn == conn {
		delete(r.sessions, id)
	}
}

func (r *WSRegistry) Send(id, event string, payload any) error {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	return s.Send(event, payload)
}

var ErrNoSession = &NoSessionError{}

type NoSessionError struct{}

func (n *NoSessionError) Error() string { return "no ws session" }

// Hub fans events out to live connections and the push channel. It is the
// Notifier implementation the scheduler and coordinator share; every send
// is best-effort and failures only get logged.
type Hub struct {
	Drivers *WSRegistry
	Riders  *WSRegistry
	Push    *PushClient // optional
	Logger  *slog.Logger
}

func NewHub(push *PushClient, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{Drivers: NewWSRegistry(), Riders: NewWSRegistry(), Push: push, Logger: logger}
}

func (h *Hub) SendToDriver(driverID, event string, payload any) {
	if err := h.Drivers.Send(driverID, event, payload); err != nil {
		h.Logger.Debug("driver send failed", "driver_id", driverID, "event", event, "error", err)
	}
}

func (h *Hub) SendToRider(riderID, event string, payload any) {
	if err := h.Riders.Send(riderID, event, payload); err != nil {
		h.Logger.Debug("rider send failed", "rider_id", riderID, "event", event, "error", err)
	}
}

func (h *Hub) BroadcastPush(pushToken, text string, data map[string]any) {
	if h.Push == nil {
		return
	}
	if err := h.Push.Send(pushToken, text, data); err != nil {
		h.Logger.Debug("push send failed", "event", text, "error", err)
	}
}
