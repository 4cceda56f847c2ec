package p2p

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	protocolVersion  = "1.0.0"
	handshakeTimeout = 10 * time.Second
	closeFlushWait   = 5 * time.Second
	maxFrameSize     = 10 * 1024 * 1024
)

// FrameKind tags each length-prefixed frame on a TCP link.
type FrameKind byte

const (
	FrameHandshake FrameKind = iota + 1
	FrameHandshakeReply
	FrameBinary
	FrameControl
)

// HandshakeData is exchanged once when a TCP link is opened.
type HandshakeData struct {
	NodeID    string    `json:"node_id"`
	Version   string    `json:"version"`
	Timestamp time.Time `json:"timestamp"`
	Challenge string    `json:"challenge,omitempty"`
	Response  string    `json:"response,omitempty"`
}

// TCPChannel is a PeerChannel over one TCP connection.
type TCPChannel struct {
	id     string
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	out    *outbox
	h      *handlers
	log    *logrus.Entry

	open       atomic.Bool
	closeOnce  sync.Once
	done       chan struct{}
	writerDone chan struct{}
}

func newTCPChannel(id string, conn net.Conn, reader *bufio.Reader, writer *bufio.Writer, log *logrus.Entry) *TCPChannel {
	c := &TCPChannel{
		id:         id,
		conn:       conn,
		reader:     reader,
		writer:     writer,
		out:        newOutbox(),
		h:          newHandlers(),
		log:        log.WithField("peer", id),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	c.open.Store(true)
	go c.writeLoop()
	go c.readLoop()
	return c
}

func (c *TCPChannel) ID() string { return c.id }

func (c *TCPChannel) IsOpen() bool { return c.open.Load() }

func (c *TCPChannel) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *TCPChannel) SendBinary(data []byte) error { return c.out.push(data, true) }

func (c *TCPChannel) SendControl(data []byte) error { return c.out.push(data, false) }

func (c *TCPChannel) BufferedAmount() uint64 { return c.out.bufferedAmount() }

func (c *TCPChannel) SetBufferLowThreshold(threshold uint64) { c.out.setThreshold(threshold) }

func (c *TCPChannel) OnBufferLow(fn func()) { c.out.setOnLow(fn) }

func (c *TCPChannel) OnMessage(fn func([]byte, bool)) { c.h.setOnMessage(fn) }

func (c *TCPChannel) OnClosed(fn func()) { c.h.setOnClosed(fn) }

// Close flushes queued frames for a few seconds and then drops the link.
func (c *TCPChannel) Close() error {
	if !c.open.Load() {
		return nil
	}
	c.out.close(false)
	select {
	case <-c.writerDone:
	case <-time.After(closeFlushWait):
	}
	c.shutdown(nil)
	return nil
}

func (c *TCPChannel) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.open.Store(false)
		c.out.close(true)
		c.conn.Close()
		close(c.done)
		if cause != nil && !errors.Is(cause, io.EOF) && !errors.Is(cause, net.ErrClosed) {
			c.log.Warnf("⚠️ Link closed: %v", cause)
		} else {
			c.log.Debug("🔌 Link closed")
		}
		c.h.closed()
	})
}

func (c *TCPChannel) writeLoop() {
	defer close(c.writerDone)
	for {
		f, ok := c.out.next()
		if !ok {
			return
		}
		kind := FrameControl
		if f.binary {
			kind = FrameBinary
		}
		if err := writeFrame(c.writer, kind, f.data); err != nil {
			c.shutdown(err)
			return
		}
		c.out.sent(len(f.data))
	}
}

func (c *TCPChannel) readLoop() {
	select {
	case <-c.h.ready:
	case <-c.done:
		return
	}
	for {
		kind, data, err := readFrame(c.reader)
		if err != nil {
			c.shutdown(err)
			return
		}
		switch kind {
		case FrameBinary:
			c.h.deliver(data, true)
		case FrameControl:
			c.h.deliver(data, false)
		default:
			c.log.Warnf("⚠️ Unexpected frame kind %d", kind)
		}
	}
}

func writeFrame(w *bufio.Writer, kind FrameKind, data []byte) error {
	if len(data) > maxFrameSize {
		return fmt.Errorf("frame too large: %d", len(data))
	}
	var header [5]byte
	header[0] = byte(kind)
	binary.BigEndian.PutUint32(header[1:], uint32(len(data)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("failed to write frame header: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write frame data: %w", err)
	}
	return w.Flush()
}

func readFrame(r *bufio.Reader) (FrameKind, []byte, error) {
	var header [5]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, nil, err
	}
	length := binary.BigEndian.Uint32(header[1:])
	if length > maxFrameSize {
		return 0, nil, fmt.Errorf("invalid frame length: %d", length)
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return 0, nil, fmt.Errorf("failed to read frame data: %w", err)
	}
	return FrameKind(header[0]), data, nil
}

// TCPNetwork accepts and dials TCP peer links for one local node.
type TCPNetwork struct {
	nodeID   string
	log      *logrus.Entry
	mu       sync.Mutex
	listener net.Listener
	running  bool
	wg       sync.WaitGroup
}

func NewTCPNetwork(nodeID string, log *logrus.Entry) *TCPNetwork {
	return &TCPNetwork{nodeID: nodeID, log: log.WithField("component", "tcp")}
}

// Listen starts accepting links on addr. onPeer receives every link that
// completes the handshake.
func (n *TCPNetwork) Listen(addr string, onPeer func(*TCPChannel)) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.running {
		return fmt.Errorf("network already running")
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start TCP listener: %w", err)
	}
	n.listener = listener
	n.running = true

	n.wg.Add(1)
	go n.acceptConnections(listener, onPeer)

	n.log.Infof("🌐 TCP listener started - Node ID: %s, Address: %s", n.nodeID, listener.Addr())
	return nil
}

// Addr returns the listening address, or nil before Listen.
func (n *TCPNetwork) Addr() net.Addr {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.listener == nil {
		return nil
	}
	return n.listener.Addr()
}

// Stop closes the listener. Established links stay open.
func (n *TCPNetwork) Stop() error {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return nil
	}
	n.running = false
	err := n.listener.Close()
	n.mu.Unlock()

	n.wg.Wait()
	n.log.Info("🛑 TCP listener stopped")
	return err
}

// Dial opens a link to addr and performs the handshake.
func (n *TCPNetwork) Dial(ctx context.Context, addr string) (*TCPChannel, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to peer %s: %w", addr, err)
	}

	reader, writer := bufio.NewReader(conn), bufio.NewWriter(conn)
	conn.SetDeadline(time.Now().Add(handshakeTimeout))
	peerID, err := n.performHandshake(reader, writer)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("handshake with %s failed: %w", addr, err)
	}
	conn.SetDeadline(time.Time{})

	n.log.Infof("🤝 Connected to peer: %s (%s)", peerID, addr)
	return newTCPChannel(peerID, conn, reader, writer, n.log), nil
}

func (n *TCPNetwork) acceptConnections(listener net.Listener, onPeer func(*TCPChannel)) {
	defer n.wg.Done()
	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			n.log.Errorf("❌ Error accepting connection: %v", err)
			continue
		}
		go n.handleIncomingConnection(conn, onPeer)
	}
}

func (n *TCPNetwork) handleIncomingConnection(conn net.Conn, onPeer func(*TCPChannel)) {
	reader, writer := bufio.NewReader(conn), bufio.NewWriter(conn)
	conn.SetDeadline(time.Now().Add(handshakeTimeout))
	peerID, err := n.handleHandshakeRequest(reader, writer)
	if err != nil {
		n.log.Warnf("❌ Handshake failed for incoming connection from %s: %v", conn.RemoteAddr(), err)
		conn.Close()
		return
	}
	conn.SetDeadline(time.Time{})

	n.log.Infof("🤝 Accepted peer: %s (%s)", peerID, conn.RemoteAddr())
	ch := newTCPChannel(peerID, conn, reader, writer, n.log)
	if onPeer == nil {
		ch.Close()
		return
	}
	onPeer(ch)
}

func (n *TCPNetwork) performHandshake(reader *bufio.Reader, writer *bufio.Writer) (string, error) {
	challenge := make([]byte, 32)
	if _, err := rand.Read(challenge); err != nil {
		return "", err
	}
	challengeHex := hex.EncodeToString(challenge)

	hello := HandshakeData{
		NodeID:    n.nodeID,
		Version:   protocolVersion,
		Timestamp: time.Now(),
		Challenge: challengeHex,
	}
	if err := writeHandshake(writer, FrameHandshake, hello); err != nil {
		return "", fmt.Errorf("failed to send handshake: %w", err)
	}

	reply, err := readHandshake(reader, FrameHandshakeReply)
	if err != nil {
		return "", fmt.Errorf("failed to read handshake reply: %w", err)
	}
	if reply.Response != challengeResponse(challengeHex, reply.NodeID) {
		return "", fmt.Errorf("invalid challenge response")
	}
	return reply.NodeID, nil
}

func (n *TCPNetwork) handleHandshakeRequest(reader *bufio.Reader, writer *bufio.Writer) (string, error) {
	hello, err := readHandshake(reader, FrameHandshake)
	if err != nil {
		return "", fmt.Errorf("failed to read handshake: %w", err)
	}

	reply := HandshakeData{
		NodeID:    n.nodeID,
		Version:   protocolVersion,
		Timestamp: time.Now(),
		Response:  challengeResponse(hello.Challenge, n.nodeID),
	}
	if err := writeHandshake(writer, FrameHandshakeReply, reply); err != nil {
		return "", fmt.Errorf("failed to send handshake reply: %w", err)
	}
	return hello.NodeID, nil
}

func writeHandshake(w *bufio.Writer, kind FrameKind, data HandshakeData) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return writeFrame(w, kind, payload)
}

func readHandshake(r *bufio.Reader, want FrameKind) (HandshakeData, error) {
	var data HandshakeData
	kind, payload, err := readFrame(r)
	if err != nil {
		return data, err
	}
	if kind != want {
		return data, fmt.Errorf("expected frame %d, got %d", want, kind)
	}
	if err := json.Unmarshal(payload, &data); err != nil {
		return data, fmt.Errorf("failed to unmarshal handshake: %w", err)
	}
	if data.NodeID == "" {
		return data, fmt.Errorf("handshake without node id")
	}
	if data.Version != protocolVersion {
		return data, fmt.Errorf("unsupported protocol version %q", data.Version)
	}
	return data, nil
}

func challengeResponse(challenge, nodeID string) string {
	sum := sha256.Sum256([]byte(challenge + nodeID))
	return hex.EncodeToString(sum[:])
}
