package realtime

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	pingInterval = 30 * time.Second
	writeWait    = 10 * time.Second
	pongWait     = 2 * pingInterval
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ServeWebSocket upgrades the request and streams userID's bell payloads as
// text frames until the client disconnects.
func ServeWebSocket(w http.ResponseWriter, r *http.Request, registry *Registry, userID int64, logger *zap.Logger) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer ws.Close()

	conn := registry.AddConnection(userID)
	defer registry.RemoveConnection(userID, conn)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go func() {
		readPump(ws)
		cancel()
	}()

	if err := ws.WriteMessage(websocket.TextMessage, []byte(ConnectedEvent)); err != nil {
		return
	}

	writePump(ctx, ws, conn, logger)
}

func writePump(ctx context.Context, ws *websocket.Conn, conn *Connection, logger *zap.Logger) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	payloads := make(chan string)
	go func() {
		defer close(payloads)
		for {
			p, err := conn.Next(ctx)
			if err != nil {
				return
			}
			select {
			case payloads <- p:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case p, ok := <-payloads:
			if !ok {
				msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "")
				if err := ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil {
					logger.Debug("websocket close frame failed", zap.Error(err))
				}
				return
			}
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.TextMessage, []byte(p)); err != nil {
				logger.Debug("websocket write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				logger.Debug("websocket ping failed", zap.Error(err))
				return
			}
		}
	}
}

// readPump discards client frames and returns when the peer goes away.
func readPump(ws *websocket.Conn) {
	ws.SetReadLimit(512)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}
