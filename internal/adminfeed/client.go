package adminfeed

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024
	drainInterval  = 20 * time.Millisecond
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Client is one connected admin dashboard's WebSocket connection. It is
// write-only from the feed's perspective — a dashboard has nothing to send
// the proxy, so the read side exists only to drive the pong/close handshake.
// Outbound events queue in buf, a lock-free ring buffer, rather than a
// buffered channel, so the hub's broadcast loop never blocks on a slow
// dashboard even under concurrent pushes from multiple broadcast calls.
type Client struct {
	conn   *websocket.Conn
	buf    *ringBuffer
	closed chan struct{}
	hub    *Hub
	logger zerolog.Logger
}

// ServeWS upgrades r to a WebSocket and registers the connection with hub.
// Grounded on go-server/pkg/websocket/client.go's ServeWS, stripped of the
// connection-limit check and message-type dispatch this one-directional
// feed has no use for.
func ServeWS(hub *Hub, logger zerolog.Logger, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn().Err(err).Msg("admin feed: websocket upgrade failed")
		return
	}

	client := &Client{
		conn:   conn,
		buf:    newRingBuffer(),
		closed: make(chan struct{}),
		hub:    hub,
		logger: logger,
	}

	hub.RegisterClient(client)

	go client.readPump()
	go client.writePump()
}

// readPump only exists to process pong frames and notice the connection
// closing; the admin feed never reads application messages from a dashboard.
func (c *Client) readPump() {
	defer func() {
		c.hub.UnregisterClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump drains buf on a short tick and forwards a ping on the slower
// pingPeriod tick, grounded on go-server/pkg/websocket/client.go's
// handleConnection batching loop but polling a ring buffer instead of
// selecting on a channel, since the ring buffer has no blocking receive.
func (c *Client) writePump() {
	drainTicker := time.NewTicker(drainInterval)
	pingTicker := time.NewTicker(pingPeriod)
	defer func() {
		drainTicker.Stop()
		pingTicker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.closed:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case <-drainTicker.C:
			for {
				msg := c.buf.pop()
				if msg == nil {
					break
				}
				_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					return
				}
			}
		case <-pingTicker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
