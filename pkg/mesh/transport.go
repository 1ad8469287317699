package mesh

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	sendBuffer     = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Devices connect from the shop LAN; there is no browser origin to check.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsConn adapts a websocket connection to Conn. Outbound messages go through
// a bounded buffer drained by writePump; a full buffer closes the connection
// rather than stalling the coordinator.
type wsConn struct {
	id     string
	ws     *websocket.Conn
	send   chan Message
	closed chan struct{}
	once   sync.Once
}

func newWSConn(id string, ws *websocket.Conn) *wsConn {
	return &wsConn{
		id:     id,
		ws:     ws,
		send:   make(chan Message, sendBuffer),
		closed: make(chan struct{}),
	}
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) Send(msg Message) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		log.Warn().Str("conn_id", c.id).Str("type", string(msg.Type)).Msg("send buffer full, closing connection")
		c.Close()
		return false
	}
}

func (c *wsConn) Close() {
	c.once.Do(func() { close(c.closed) })
}

// ServeWS upgrades the request and runs the connection until it closes.
func (c *Coordinator) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}
	conn := newWSConn(c.nextConnID(), ws)
	if !c.Attach(conn) {
		ws.Close()
		return
	}
	log.Debug().Str("conn_id", conn.id).Str("remote", r.RemoteAddr).Msg("mesh connection opened")

	go conn.writePump()
	conn.readPump(c)
}

func (c *wsConn) readPump(coord *Coordinator) {
	defer func() {
		coord.Detach(c)
		c.Close()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Str("conn_id", c.id).Msg("mesh read failed")
			}
			return
		}
		// Any inbound frame counts as liveness at the transport level.
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		msg, err := Decode(data)
		if err != nil {
			if !coord.Reject(c, err) {
				return
			}
			continue
		}
		if !coord.Deliver(c, msg) {
			return
		}
	}
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			data, err := Encode(msg)
			if err != nil {
				log.Error().Err(err).Str("conn_id", c.id).Msg("drop unencodable message")
				continue
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.Close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.closed:
			c.flush()
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// flush writes whatever is still buffered so a final ERROR or ack is not
// lost when the coordinator closes the connection right after queuing it.
func (c *wsConn) flush() {
	for {
		select {
		case msg := <-c.send:
			data, err := Encode(msg)
			if err != nil {
				continue
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		default:
			return
		}
	}
}
