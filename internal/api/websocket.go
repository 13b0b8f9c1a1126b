package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vigilsh/vigil/internal/arousal"
	"go.uber.org/zap"
)

const wsWriteTimeout = 5 * time.Second

// transitionMessage is the wire form of one streamed transition.
type transitionMessage struct {
	Type string             `json:"type"`
	Data arousal.Transition `json:"data"`
	Time time.Time          `json:"time"`
}

// TransitionHub streams committed transitions to websocket clients. It
// implements arousal.Notifier: subscribe it to the controller and every
// drained transition fans out to all connected clients. A client that
// cannot take a write within the deadline is dropped.
type TransitionHub struct {
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]bool
}

func newTransitionHub(logger *zap.Logger, allowOrigins []string) *TransitionHub {
	return &TransitionHub{
		logger:  logger,
		clients: make(map[*websocket.Conn]bool),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					// Non-browser client.
					return true
				}
				for _, allowed := range allowOrigins {
					if allowed == "*" || allowed == origin {
						return true
					}
				}
				return false
			},
		},
	}
}

func (h *TransitionHub) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	h.mu.Lock()
	h.clients[conn] = true
	count := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("websocket client connected",
		zap.String("remote", conn.RemoteAddr().String()),
		zap.Int("clients", count))

	// The stream is one-way, but a read loop keeps control frames
	// flowing and notices the close.
	go func() {
		defer h.drop(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (h *TransitionHub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.clients, conn)
	h.mu.Unlock()
	conn.Close()
}

func (h *TransitionHub) closeAll() {
	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		conns = append(conns, conn)
	}
	h.clients = make(map[*websocket.Conn]bool)
	h.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
}

func (h *TransitionHub) clientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Notify implements arousal.Notifier.
func (h *TransitionHub) Notify(t arousal.Transition) {
	msg := transitionMessage{Type: "transition", Data: t, Time: time.Now()}

	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		conns = append(conns, conn)
	}
	h.mu.Unlock()

	for _, conn := range conns {
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(msg); err != nil {
			h.logger.Debug("dropping slow websocket client",
				zap.String("remote", conn.RemoteAddr().String()),
				zap.Error(err))
			h.drop(conn)
		}
	}
}
