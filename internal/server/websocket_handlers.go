package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/MeKo-Tech/docsort/internal/metrics"
	"github.com/MeKo-Tech/docsort/internal/orchestrator"
	"github.com/gorilla/websocket"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
)

// WebSocket upgrader with reasonable defaults.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The stream is read-only; CORS does not apply to websockets
		return true
	},
}

// WebSocketConnWriter is an interface for writing WebSocket messages.
type WebSocketConnWriter interface {
	WriteMessage(messageType int, data []byte) error
}

// eventsHandler streams orchestrator events. ?document=<id> limits the
// stream to one document.
func (s *Server) eventsHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("Failed to upgrade connection to WebSocket", "error", err)
		return
	}
	defer func() { _ = conn.Close() }()

	metrics.WebsocketConnected()
	defer metrics.WebsocketDisconnected()

	events, cancel := s.events.Subscribe()
	defer cancel()

	slog.Info("Event stream connected", "remote_addr", r.RemoteAddr)
	s.streamEvents(conn, events, r.URL.Query().Get("document"))
	slog.Info("Event stream closed", "remote_addr", r.RemoteAddr)
}

func (s *Server) streamEvents(conn *websocket.Conn, events <-chan orchestrator.Event, documentID string) {
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	// Reading is only needed to process control frames and notice the close
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					slog.Debug("Event stream read error", "error", err)
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case e, ok := <-events:
			if !ok {
				return
			}
			if documentID != "" && e.DocumentID != documentID {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sendEvent(conn, e); err != nil {
				slog.Debug("Event stream write failed", "error", err)
				return
			}
		}
	}
}

// sendEvent writes e as a JSON text message.
func sendEvent(conn WebSocketConnWriter, e orchestrator.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}
	metrics.WebsocketMessageSent()
	return nil
}
