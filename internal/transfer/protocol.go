package transfer

import (
	"encoding/json"
	"fmt"
)

// Control message types exchanged as JSON text frames.
const (
	TypeFileStart                = "file-start"
	TypeFileDone                 = "file-done"
	TypeCancelTransfer           = "cancel-transfer"
	TypeCancelTransferByReceiver = "cancel-transfer-by-receiver"
	TypePauseBySender            = "pause-transfer-by-sender"
	TypeResumeBySender           = "resume-transfer-by-sender"
	TypePauseByReceiver          = "pause-transfer-by-receiver"
	TypeResumeByReceiver         = "resume-transfer-by-receiver"
)

// FanoutMode records whether a file was sent to one or several peers.
type FanoutMode string

const (
	ModeUnicast   FanoutMode = "unicast"
	ModeBroadcast FanoutMode = "broadcast"
)

// TransferMeta describes one logical transfer. It is fixed once the first
// file-start goes out.
type TransferMeta struct {
	FileID        string     `json:"fileId"`
	Name          string     `json:"name"`
	ByteSize      int64      `json:"byteSize"`
	MimeType      string     `json:"mimeType"`
	ChunkSize     int        `json:"chunkSize"`
	TotalChunks   int        `json:"totalChunks"`
	Mode          FanoutMode `json:"mode"`
	HashAlgorithm string     `json:"hashAlgorithm,omitempty"`
}

// ControlMessage is the union of every control frame. Only the fields
// relevant to Type are populated.
type ControlMessage struct {
	Type          string     `json:"type"`
	FileID        string     `json:"fileId"`
	Name          string     `json:"name,omitempty"`
	ByteSize      int64      `json:"byteSize,omitempty"`
	MimeType      string     `json:"mimeType,omitempty"`
	ChunkSize     int        `json:"chunkSize,omitempty"`
	TotalChunks   int        `json:"totalChunks,omitempty"`
	Mode          FanoutMode `json:"mode,omitempty"`
	HashAlgorithm string     `json:"hashAlgorithm,omitempty"`
	Hash          string     `json:"hash,omitempty"`
	ReceiverID    string     `json:"receiverId,omitempty"`
}

func fileStartMessage(meta TransferMeta) ControlMessage {
	return ControlMessage{
		Type:          TypeFileStart,
		FileID:        meta.FileID,
		Name:          meta.Name,
		ByteSize:      meta.ByteSize,
		MimeType:      meta.MimeType,
		ChunkSize:     meta.ChunkSize,
		TotalChunks:   meta.TotalChunks,
		Mode:          meta.Mode,
		HashAlgorithm: meta.HashAlgorithm,
	}
}

// Meta extracts the transfer description from a file-start message.
func (m ControlMessage) Meta() TransferMeta {
	return TransferMeta{
		FileID:        m.FileID,
		Name:          m.Name,
		ByteSize:      m.ByteSize,
		MimeType:      m.MimeType,
		ChunkSize:     m.ChunkSize,
		TotalChunks:   m.TotalChunks,
		Mode:          m.Mode,
		HashAlgorithm: m.HashAlgorithm,
	}
}

func knownType(t string) bool {
	switch t {
	case TypeFileStart, TypeFileDone, TypeCancelTransfer, TypeCancelTransferByReceiver,
		TypePauseBySender, TypeResumeBySender, TypePauseByReceiver, TypeResumeByReceiver:
		return true
	}
	return false
}

// EncodeControl serializes a control message for SendControl.
func EncodeControl(msg ControlMessage) ([]byte, error) {
	if !knownType(msg.Type) {
		return nil, fmt.Errorf("unknown control message type %q", msg.Type)
	}
	if msg.FileID == "" {
		return nil, fmt.Errorf("control message %s without fileId", msg.Type)
	}
	return json.Marshal(msg)
}

// DecodeControl parses and validates one control frame.
func DecodeControl(data []byte) (ControlMessage, error) {
	var msg ControlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ControlMessage{}, fmt.Errorf("decode control message: %w", err)
	}
	if !knownType(msg.Type) {
		return ControlMessage{}, fmt.Errorf("unknown control message type %q", msg.Type)
	}
	if msg.FileID == "" {
		return ControlMessage{}, fmt.Errorf("control message %s without fileId", msg.Type)
	}
	return msg, nil
}

func sendControl(ch PeerChannel, msg ControlMessage) error {
	raw, err := EncodeControl(msg)
	if err != nil {
		return err
	}
	if err := ch.SendControl(raw); err != nil {
		return fmt.Errorf("%w: send %s: %v", ErrChannelWriteFailure, msg.Type, err)
	}
	return nil
}
