package agent

import (
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = maxBodyBytes
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     checkOrigin,
}

// checkOrigin admits non-browser clients and pages served from this machine.
func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

type wsConn struct {
	conn       *websocket.Conn
	replies    chan Message
	readerDone chan struct{}
	writerDone chan struct{}
}

func (a *Agent) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.WithContext(r.Context()).WithError(err).Warn("websocket upgrade failed")
		return
	}

	notes, unsubscribe := a.hub.Subscribe()
	c := &wsConn{
		conn:       conn,
		replies:    make(chan Message, 16),
		readerDone: make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	go c.writePump(notes)
	a.readPump(r, c, unsubscribe)
}

func (a *Agent) readPump(r *http.Request, c *wsConn, unsubscribe func()) {
	defer func() {
		unsubscribe()
		close(c.readerDone)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				a.logger.Plain().WithError(err).Warn("websocket read failed")
			}
			return
		}

		var msg Message
		var rep Message
		if err := json.Unmarshal(data, &msg); err != nil {
			rep = errorReply(msg, "invalid message: %v", err)
		} else if out, ok := a.Handle(r.Context(), msg); ok {
			rep = out
		} else {
			continue
		}

		select {
		case c.replies <- rep:
		case <-c.writerDone:
			return
		}
	}
}

func (c *wsConn) writePump(notes <-chan Message) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		close(c.writerDone)
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-notes:
			if !ok {
				_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.write(msg); err != nil {
				return
			}
		case msg := <-c.replies:
			if err := c.write(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.readerDone:
			return
		}
	}
}

func (c *wsConn) write(msg Message) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(msg)
}
