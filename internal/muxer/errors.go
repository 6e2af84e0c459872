package muxer

import "errors"

var (
	// ErrAddressInUse is returned when a peer's OPEN_CHANNEL names a UUID
	// that already has a live channel. It is fatal to the whole multiplexer.
	ErrAddressInUse = errors.New("muxer: channel address in use")
	// ErrMessageTooLarge is returned when a peer's WRITE exceeds the read
	// credit we granted it. It is fatal to the whole multiplexer.
	ErrMessageTooLarge = errors.New("muxer: message exceeds granted credit")
	// ErrWouldBlock is returned by non-blocking Read/Write when the call
	// cannot proceed immediately.
	ErrWouldBlock = errors.New("muxer: would block")
	// ErrCancelled is returned when a context is cancelled mid-operation.
	ErrCancelled = errors.New("muxer: operation cancelled")
	// ErrConnectionClosed is returned once a substream or the multiplexer
	// itself has been closed.
	ErrConnectionClosed = errors.New("muxer: connection closed")
	// ErrProtocolMismatch is returned when version negotiation fails.
	ErrProtocolMismatch = errors.New("muxer: protocol version mismatch")
)
