package muxer

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// messageType identifies one of the five frame kinds the multiplexer speaks.
type messageType uint8

const (
	msgProtocolVersion messageType = 0
	msgOpenChannel     messageType = 1
	msgCloseChannel    messageType = 2
	msgRead            messageType = 3
	msgWrite           messageType = 4
)

func (t messageType) String() string {
	switch t {
	case msgProtocolVersion:
		return "PROTOCOL_VERSION"
	case msgOpenChannel:
		return "OPEN_CHANNEL"
	case msgCloseChannel:
		return "CLOSE_CHANNEL"
	case msgRead:
		return "READ"
	case msgWrite:
		return "WRITE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

// headerSize is the fixed 19-byte frame header: type(1) + size(2) + uuid(16).
const headerSize = 19

type header struct {
	Type messageType
	Size uint16
	UUID uuid.UUID
}

func packHeader(h header) []byte {
	buf := make([]byte, headerSize)
	buf[0] = byte(h.Type)
	binary.BigEndian.PutUint16(buf[1:3], h.Size)
	copy(buf[3:19], h.UUID[:])
	return buf
}

func unpackHeader(buf []byte) (header, error) {
	if len(buf) != headerSize {
		return header{}, fmt.Errorf("muxer: short header: got %d bytes, want %d", len(buf), headerSize)
	}
	var id uuid.UUID
	copy(id[:], buf[3:19])
	return header{
		Type: messageType(buf[0]),
		Size: binary.BigEndian.Uint16(buf[1:3]),
		UUID: id,
	}, nil
}
