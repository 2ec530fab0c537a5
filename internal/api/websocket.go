package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/gatelink/internal/event"
)

// upgrader configures the WebSocket upgrader.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		// The feed is token-authenticated; origin is not the gate.
		return true
	},
}

// handleWebSocket upgrades the connection and bridges the broadcaster feed.
//
// Authentication is via token query parameter since browsers cannot set
// headers on a WebSocket upgrade. The first frame is the broadcaster's
// connected acknowledgment.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		writeUnauthorized(w, "token query parameter is required")
		return
	}
	if _, err := s.validateJWT(token); err != nil {
		writeUnauthorized(w, "invalid or expired token")
		return
	}

	if s.broadcaster == nil {
		writeInternalError(w, "live feed unavailable")
		return
	}

	feed, cancelSub, err := s.broadcaster.Subscribe()
	if err != nil {
		writeInternalError(w, "live feed unavailable")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		cancelSub()
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &wsClient{
		conn:   conn,
		feed:   feed,
		cancel: cancelSub,
		server: s,
	}

	go client.writePump()
	go client.readPump()
}

// wsClient is one live subscription bridged onto a WebSocket connection.
//
// The broadcaster owns backpressure: if this client stops draining its feed
// channel, the broadcaster disconnects it and the feed closes, which ends
// the write pump.
type wsClient struct {
	conn   *websocket.Conn
	feed   <-chan event.Message
	cancel func()
	server *Server
}

// writePump forwards broadcaster messages and protocol pings to the client.
func (c *wsClient) writePump() {
	pingInterval := time.Duration(c.server.wsCfg.PingInterval) * time.Second
	pongWait := time.Duration(c.server.wsCfg.PongTimeout) * time.Second
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.cancel()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.feed:
			if !ok {
				// Cancelled or dropped by the broadcaster.
				//nolint:errcheck // Best-effort close message
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			//nolint:errcheck // Best-effort deadline; write error caught below
			c.conn.SetWriteDeadline(time.Now().Add(pongWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			//nolint:errcheck // Best-effort deadline; ping error caught below
			c.conn.SetWriteDeadline(time.Now().Add(pongWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump drains client frames to service pong handling and detect
// disconnects. The feed is one-way; inbound payloads are discarded.
func (c *wsClient) readPump() {
	defer func() {
		c.cancel()
		c.conn.Close()
	}()

	pingInterval := time.Duration(c.server.wsCfg.PingInterval) * time.Second
	pongWait := time.Duration(c.server.wsCfg.PongTimeout) * time.Second

	c.conn.SetReadLimit(int64(c.server.wsCfg.MaxMessageSize))
	//nolint:errcheck // Best-effort deadline on connection setup
	c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.logger.Warn("websocket read error", "error", err)
			} else {
				c.server.logger.Debug("websocket closed", "error", err)
			}
			return
		}
		// Any client frame resets the read deadline.
		//nolint:errcheck // Best-effort deadline reset
		c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	}
}
