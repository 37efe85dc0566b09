package web

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/justinabrahms/chesslive/internal/cache"
)

const writeWait = 10 * time.Second

// WebSocket upgrader with reasonable settings
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client is one player's connection. Inbound messages are handled one at a
// time on the read goroutine; outbound frames go through send.
type Client struct {
	server   *Server
	conn     *websocket.Conn
	send     chan []byte
	playerID string
	guest    bool
	session  cache.Session

	// gameID is owned by the read goroutine.
	gameID string

	alive     atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
}

func newClient(s *Server, conn *websocket.Conn, session cache.Session) *Client {
	c := &Client{
		server:   s,
		conn:     conn,
		send:     make(chan []byte, s.cfg.WebSocket.SendBuffer),
		playerID: session.PlayerID,
		guest:    session.Guest,
		session:  session,
		done:     make(chan struct{}),
	}
	c.alive.Store(true)
	return c
}

// enqueue queues a frame for the write goroutine. A client that cannot keep
// up is disconnected.
func (c *Client) enqueue(frame []byte) {
	select {
	case <-c.done:
		return
	default:
	}

	select {
	case c.send <- frame:
	case <-c.done:
	default:
		c.server.logger.Warn().Str("playerID", c.playerID).Msg("Send buffer full, closing connection")
		c.close()
	}
}

func (c *Client) sendMessage(t MessageType, data any) {
	frame, err := encode(t, data)
	if err != nil {
		c.server.logger.Error().Err(err).Str("type", string(t)).Msg("Failed to encode message")
		return
	}
	c.enqueue(frame)
}

func (c *Client) sendError(msg string) {
	c.sendMessage(TypeError, ErrorData{Error: msg, Timestamp: nowMillis()})
}

// close stops the write goroutine and closes the socket, which in turn ends
// the read goroutine.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		c.conn.Close()
	})
}

// ping sends a heartbeat. It reports false when the previous ping went
// unanswered.
func (c *Client) ping() bool {
	if !c.alive.Swap(false) {
		return false
	}
	c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
	return true
}

// readPump handles incoming messages from the WebSocket
func (c *Client) readPump() {
	defer c.server.disconnect(c)

	c.conn.SetReadLimit(c.server.cfg.WebSocket.MaxMessageSize)
	c.conn.SetPongHandler(func(string) error {
		c.alive.Store(true)
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.server.logger.Warn().Err(err).Str("playerID", c.playerID).Msg("WebSocket error")
			}
			return
		}
		c.server.handleMessage(c, data)
	}
}

// writePump handles sending messages to the WebSocket
func (c *Client) writePump() {
	defer c.close()

	for {
		select {
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.server.logger.Debug().Err(err).Str("playerID", c.playerID).Msg("Write failed")
				return
			}
		case <-c.done:
			return
		}
	}
}
