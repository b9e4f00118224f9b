package server

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/openclinic/medisync/internal/remote"
)

// Hub tracks websocket subscribers per hospital and broadcasts change
// notices to them. A slow subscriber is dropped rather than allowed to
// block the write path.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[*websocket.Conn]bool
	log  zerolog.Logger

	upgrader websocket.Upgrader
}

// NewHub creates an empty subscription hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		subs: make(map[string]map[*websocket.Conn]bool),
		log:  logger.With().Str("component", "hub").Logger(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Serve upgrades the request to a websocket and keeps the subscription
// registered until the peer disconnects.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, hospital string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Str("hospital", hospital).Msg("websocket upgrade failed")
		return
	}

	h.register(hospital, conn)
	defer h.unregister(hospital, conn)

	// Drain the connection; we only ever write to subscribers, but reading
	// is how close frames are detected.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Broadcast sends a change notice to every subscriber of the hospital.
func (h *Hub) Broadcast(hospital string, n remote.Notice) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for conn := range h.subs[hospital] {
		if err := conn.WriteJSON(n); err != nil {
			h.log.Debug().Err(err).Str("hospital", hospital).Msg("dropping subscriber")
			conn.Close()
			delete(h.subs[hospital], conn)
		}
	}
}

// Subscribers returns the number of active subscriptions for a hospital.
func (h *Hub) Subscribers(hospital string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[hospital])
}

func (h *Hub) register(hospital string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[hospital] == nil {
		h.subs[hospital] = make(map[*websocket.Conn]bool)
	}
	h.subs[hospital][conn] = true
}

func (h *Hub) unregister(hospital string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[hospital][conn]; ok {
		delete(h.subs[hospital], conn)
		conn.Close()
	}
}
