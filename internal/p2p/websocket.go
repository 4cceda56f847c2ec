package p2p

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// NodeIDHeader carries the node ID of each side during the websocket upgrade.
const NodeIDHeader = "X-Chunkcast-Node"

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WSChannel is a PeerChannel over a websocket. Chunks travel as binary
// messages and control messages as text messages.
type WSChannel struct {
	id   string
	conn *websocket.Conn
	out  *outbox
	h    *handlers
	log  *logrus.Entry

	open       atomic.Bool
	closeOnce  sync.Once
	done       chan struct{}
	writerDone chan struct{}
}

// NewWSChannel wraps an established websocket connection to peer id.
func NewWSChannel(id string, conn *websocket.Conn, log *logrus.Entry) *WSChannel {
	c := &WSChannel{
		id:         id,
		conn:       conn,
		out:        newOutbox(),
		h:          newHandlers(),
		log:        log.WithFields(logrus.Fields{"component": "ws", "peer": id}),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	c.open.Store(true)
	conn.SetReadLimit(maxFrameSize)
	go c.writePump()
	go c.pingLoop()
	go c.readPump()
	return c
}

// AcceptWS upgrades an HTTP request into a peer link. The remote node ID is
// taken from NodeIDHeader, or generated when the client sent none.
func AcceptWS(w http.ResponseWriter, r *http.Request, localID string, log *logrus.Entry) (*WSChannel, error) {
	peerID := r.Header.Get(NodeIDHeader)
	if peerID == "" {
		peerID = r.URL.Query().Get("node")
	}
	if peerID == "" {
		peerID = uuid.New().String()
	}

	header := http.Header{}
	header.Set(NodeIDHeader, localID)
	conn, err := upgrader.Upgrade(w, r, header)
	if err != nil {
		return nil, fmt.Errorf("websocket upgrade failed: %w", err)
	}
	return NewWSChannel(peerID, conn, log), nil
}

// DialWS connects to a peer's websocket endpoint, e.g. ws://host:8080/ws.
func DialWS(ctx context.Context, url, localID string, log *logrus.Entry) (*WSChannel, error) {
	header := http.Header{}
	header.Set(NodeIDHeader, localID)
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}
	peerID := resp.Header.Get(NodeIDHeader)
	if peerID == "" {
		conn.Close()
		return nil, fmt.Errorf("peer at %s did not announce a node id", url)
	}
	return NewWSChannel(peerID, conn, log), nil
}

func (c *WSChannel) ID() string { return c.id }

func (c *WSChannel) IsOpen() bool { return c.open.Load() }

func (c *WSChannel) SendBinary(data []byte) error { return c.out.push(data, true) }

func (c *WSChannel) SendControl(data []byte) error { return c.out.push(data, false) }

func (c *WSChannel) BufferedAmount() uint64 { return c.out.bufferedAmount() }

func (c *WSChannel) SetBufferLowThreshold(threshold uint64) { c.out.setThreshold(threshold) }

func (c *WSChannel) OnBufferLow(fn func()) { c.out.setOnLow(fn) }

func (c *WSChannel) OnMessage(fn func([]byte, bool)) { c.h.setOnMessage(fn) }

func (c *WSChannel) OnClosed(fn func()) { c.h.setOnClosed(fn) }

// Close flushes queued messages, sends a close frame and drops the link.
func (c *WSChannel) Close() error {
	if !c.open.Load() {
		return nil
	}
	c.out.close(false)
	select {
	case <-c.writerDone:
	case <-time.After(closeFlushWait):
	}
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	c.shutdown(nil)
	return nil
}

func (c *WSChannel) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.open.Store(false)
		c.out.close(true)
		c.conn.Close()
		close(c.done)
		if cause != nil && !websocket.IsCloseError(cause, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			c.log.Warnf("⚠️ Websocket closed: %v", cause)
		} else {
			c.log.Debug("🔌 Websocket closed")
		}
		c.h.closed()
	})
}

func (c *WSChannel) writePump() {
	defer close(c.writerDone)
	for {
		f, ok := c.out.next()
		if !ok {
			return
		}
		kind := websocket.TextMessage
		if f.binary {
			kind = websocket.BinaryMessage
		}
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(kind, f.data); err != nil {
			c.shutdown(err)
			return
		}
		c.out.sent(len(f.data))
	}
}

func (c *WSChannel) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.shutdown(err)
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *WSChannel) readPump() {
	select {
	case <-c.h.ready:
	case <-c.done:
		return
	}

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			c.shutdown(err)
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		switch kind {
		case websocket.BinaryMessage:
			c.h.deliver(data, true)
		case websocket.TextMessage:
			c.h.deliver(data, false)
		}
	}
}
