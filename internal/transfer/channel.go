package transfer

// PeerChannel is one ordered, reliable, message-based link to a remote peer.
// Binary frames carry chunks, text frames carry JSON control messages, and
// both arrive through OnMessage in the order they were sent.
//
// Implementations must deliver messages from a single goroutine per channel
// and must not reuse a data slice after handing it to OnMessage. Every
// callback setter accepts nil.
type PeerChannel interface {
	ID() string
	IsOpen() bool
	SendBinary(data []byte) error
	SendControl(data []byte) error

	// BufferedAmount is the number of bytes queued but not yet handed to the
	// network.
	BufferedAmount() uint64
	// SetBufferLowThreshold sets the level at or below which OnBufferLow fires.
	SetBufferLowThreshold(threshold uint64)
	// OnBufferLow replaces the drain callback; nil detaches it.
	OnBufferLow(fn func())

	OnMessage(fn func(data []byte, binary bool))
	OnClosed(fn func())
	Close() error
}
