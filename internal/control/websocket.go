package control

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/diffstock/coreengine/internal/statestream"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleWebSocket upgrades to a websocket connection and streams every
// statestream.Message broadcast to this client, adapted from the
// teacher's cmd/dashboard read/write pump pair.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.broadcaster == nil {
		http.Error(w, "websocket streaming not configured", http.StatusServiceUnavailable)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer ws.Close()

	client := &statestream.Client{ID: r.RemoteAddr, Send: make(chan interface{}, 256)}
	s.broadcaster.Register(client)
	defer s.broadcaster.Unregister(client)

	go s.writePump(ws, client)
	s.readPump(ws, client)
}

func (s *Server) writePump(ws *websocket.Conn, client *statestream.Client) {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case message, ok := <-client.Send:
			ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := ws.WriteJSON(message); err != nil {
				return
			}
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) readPump(ws *websocket.Conn, client *statestream.Client) {
	defer s.broadcaster.Unregister(client)

	ws.SetReadDeadline(time.Now().Add(60 * time.Second))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}
