package p2p

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// rtcDataChannel is the part of *webrtc.DataChannel the adapter uses.
type rtcDataChannel interface {
	ReadyState() webrtc.DataChannelState
	Send(data []byte) error
	SendText(s string) error
	BufferedAmount() uint64
	SetBufferedAmountLowThreshold(th uint64)
	OnBufferedAmountLow(f func())
	OnMessage(f func(msg webrtc.DataChannelMessage))
	OnClose(f func())
	Close() error
}

// DataChannel adapts a WebRTC data channel to a PeerChannel. The data
// channel already exposes buffered amount and low-threshold events, so no
// outbox is involved.
type DataChannel struct {
	id string
	dc rtcDataChannel

	mu        sync.RWMutex
	onLow     func()
	onMessage func([]byte, bool)
	onClosed  func()
}

// NewDataChannel wraps dc, which must be ordered and reliable, as the link
// to peer id.
func NewDataChannel(id string, dc *webrtc.DataChannel) *DataChannel {
	return newDataChannel(id, dc)
}

func newDataChannel(id string, dc rtcDataChannel) *DataChannel {
	c := &DataChannel{id: id, dc: dc}
	dc.OnBufferedAmountLow(func() {
		c.mu.RLock()
		fn := c.onLow
		c.mu.RUnlock()
		if fn != nil {
			fn()
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		c.mu.RLock()
		fn := c.onMessage
		c.mu.RUnlock()
		if fn != nil {
			fn(msg.Data, !msg.IsString)
		}
	})
	dc.OnClose(func() {
		c.mu.RLock()
		fn := c.onClosed
		c.mu.RUnlock()
		if fn != nil {
			fn()
		}
	})
	return c
}

func (c *DataChannel) ID() string { return c.id }

func (c *DataChannel) IsOpen() bool {
	return c.dc.ReadyState() == webrtc.DataChannelStateOpen
}

func (c *DataChannel) SendBinary(data []byte) error { return c.dc.Send(data) }

func (c *DataChannel) SendControl(data []byte) error { return c.dc.SendText(string(data)) }

func (c *DataChannel) BufferedAmount() uint64 { return c.dc.BufferedAmount() }

func (c *DataChannel) SetBufferLowThreshold(threshold uint64) {
	c.dc.SetBufferedAmountLowThreshold(threshold)
}

func (c *DataChannel) OnBufferLow(fn func()) {
	c.mu.Lock()
	c.onLow = fn
	c.mu.Unlock()
}

func (c *DataChannel) OnMessage(fn func([]byte, bool)) {
	c.mu.Lock()
	c.onMessage = fn
	c.mu.Unlock()
}

func (c *DataChannel) OnClosed(fn func()) {
	c.mu.Lock()
	c.onClosed = fn
	c.mu.Unlock()
}

func (c *DataChannel) Close() error { return c.dc.Close() }
