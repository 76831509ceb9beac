package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var hubUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// hubPingInterval keeps idle event streams alive through intermediaries.
const hubPingInterval = 30 * time.Second

// handleEventHub serves /hub/orchestrator: a WebSocket stream of realtime
// events scoped to the authenticated tenant.
func (h *Handler) handleEventHub(w http.ResponseWriter, r *http.Request) {
	id, ok := IdentityFrom(r.Context())
	if !ok {
		writeErrorCode(w, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required")
		return
	}

	conn, err := hubUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ch, unsubscribe := h.hub.Subscribe(id.UserID)
	defer unsubscribe()

	// Drain the client's side so close frames are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				conn.Close()
				return
			}
		}
	}()

	ping := time.NewTicker(hubPingInterval)
	defer ping.Stop()

	for {
		select {
		case ev, open := <-ch:
			if !open {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}
}
