package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	streamWriteTimeout = 10 * time.Second
	streamPongWait     = 60 * time.Second
	streamPingPeriod   = streamPongWait * 9 / 10
	streamMaxMessage   = 4 << 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// handleConsoleStream responds to GET /api/v1/console/stream by upgrading to
// a websocket and pushing every new console line as a JSON text frame. With
// ?history=1 the retained lines are sent first.
//
// Client frames are read and discarded; a close frame or a missed pong ends
// the stream.
func (s *Server) handleConsoleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		s.logger.Warn("api: websocket upgrade failed", slog.Any("error", err))
		return
	}
	defer conn.Close()

	clientID := uuid.NewString()
	logger := s.logger.With(slog.String("client_id", clientID))
	logger.Info("api: console stream connected", slog.String("remote_addr", r.RemoteAddr))
	defer logger.Info("api: console stream disconnected")

	con := s.ctl.Console()
	lines := con.Subscribe(r.Context())
	defer con.Unsubscribe(lines)

	if r.URL.Query().Get("history") == "1" {
		for _, l := range con.Recent() {
			if err := writeFrame(conn, l); err != nil {
				return
			}
		}
	}

	// The reader goroutine handles control frames and detects disconnects.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(streamMaxMessage)
		_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(streamPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case l, ok := <-lines:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "console closed"),
					time.Now().Add(streamWriteTimeout))
				return
			}
			if err := writeFrame(conn, l); err != nil {
				logger.Debug("api: console stream write failed", slog.Any("error", err))
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteTimeout)); err != nil {
				return
			}
		}
	}
}

func writeFrame(conn *websocket.Conn, v any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	return conn.WriteJSON(v)
}
