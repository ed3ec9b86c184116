package coedit

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)


type MessageType string

const (
	// full document state. Load is idempotent on the receiver so a
	// snapshot can always be applied over existing state.
	MessageTypeSnapshot MessageType = "snapshot"
	// incremental document changes since the sender's last export
	MessageTypeUpdate MessageType = "update"
	// full presence state. Not persisted, last writer wins per peer.
	MessageTypeEphemeral MessageType = "ephemeral"
)

// Message is the envelope for everything sent over a peer connection.
// `Data` is opaque to the session layer and owned by the layer named
// in `Type`.
type Message struct {
	Type MessageType `json:"type"`
	Data []byte      `json:"data"`
}

func EncodeMessage(message *Message) ([]byte, error) {
	switch message.Type {
	case MessageTypeSnapshot, MessageTypeUpdate, MessageTypeEphemeral:
	default:
		return nil, fmt.Errorf("Unknown message type: %s", message.Type)
	}
	return json.Marshal(message)
}

func DecodeMessage(frameBytes []byte) (*Message, error) {
	message := &Message{}
	if err := json.Unmarshal(frameBytes, message); err != nil {
		return nil, err
	}
	switch message.Type {
	case MessageTypeSnapshot, MessageTypeUpdate, MessageTypeEphemeral:
	default:
		return nil, fmt.Errorf("Unknown message type: %s", message.Type)
	}
	return message, nil
}


// stream framing for peer connections. A frame is a u32 big endian
// byte count followed by that many bytes. A zero byte count is a keep
// alive and carries no message.

func WriteFrame(w io.Writer, frameBytes []byte, maxByteCount ByteCount) error {
	if maxByteCount < ByteCount(len(frameBytes)) {
		return fmt.Errorf("Frame too large: %d <> %d", len(frameBytes), maxByteCount)
	}
	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(frameBytes)))
	if _, err := w.Write(header); err != nil {
		return err
	}
	if len(frameBytes) == 0 {
		return nil
	}
	_, err := w.Write(frameBytes)
	return err
}

// returns nil bytes with nil error for a keep alive frame
func ReadFrame(r io.Reader, maxByteCount ByteCount) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	frameByteCount := ByteCount(binary.BigEndian.Uint32(header))
	if maxByteCount < frameByteCount {
		// bad data
		return nil, fmt.Errorf("Frame too large: %d <> %d", frameByteCount, maxByteCount)
	}
	if frameByteCount == 0 {
		// keep alive
		return nil, nil
	}
	frameBytes := make([]byte, frameByteCount)
	if _, err := io.ReadFull(r, frameBytes); err != nil {
		return nil, err
	}
	return frameBytes, nil
}
