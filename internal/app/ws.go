package app

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ainexllc/ainexsuite-sub009/internal/engine"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// CORS is enforced by the gateway; the API accepts any origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamMessage is the wire frame pushed to websocket clients. Exactly
// one of View and Notice is set.
type streamMessage struct {
	Type   string       `json:"type"`
	View   *engine.View `json:"view,omitempty"`
	Notice *Notice      `json:"notice,omitempty"`
}

// handleStream upgrades the connection and pushes a view frame on every
// engine change plus a notice frame per rollback. The client is not
// expected to send anything; the read loop only detects closure.
func (s *HTTPServer) handleStream(w http.ResponseWriter, r *http.Request, userID, sessionID string) {
	vs, err := s.service.Session(userID, sessionID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("stream %s: upgrade failed: %v", sessionID, err)
		return
	}
	defer conn.Close()

	views, cancel := vs.Engine().Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	writeFrame := func(msg streamMessage) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(msg); err != nil {
			log.Printf("stream %s: write failed: %v", sessionID, err)
			return false
		}
		return true
	}

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case view, ok := <-views:
			if !ok {
				// Engine closed underneath us.
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "session closed"),
					time.Now().Add(wsWriteTimeout))
				return
			}
			if !writeFrame(streamMessage{Type: "view", View: &view}) {
				return
			}
		case notice := <-vs.Notices():
			if !writeFrame(streamMessage{Type: "notice", Notice: &notice}) {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
