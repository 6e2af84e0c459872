package muxer

import (
	"sync"

	"github.com/google/uuid"
)

// channelState is the per-substream bookkeeping the multiplexer keeps for
// one logical channel: a receive ring buffer, the credit counters that
// throttle both directions, and the condition variable blocking reads and
// writes wait on.
type channelState struct {
	uuid uuid.UUID

	mu   sync.Mutex
	cond *sync.Cond

	ring        *ringBuffer
	bufferSize  uint32
	readCredit  uint32 // granted to the peer; consumed by their WRITE frames
	writeCredit uint32 // granted by the peer; consumed by our WRITE frames
	hup         bool   // peer sent CLOSE_CHANNEL, or the muxer is shutting down
	closedLocal bool   // Close has been called on our side
}

func newChannelState(id uuid.UUID, bufferSize uint32) *channelState {
	s := &channelState{
		uuid:       id,
		ring:       newRingBuffer(int(bufferSize)),
		bufferSize: bufferSize,
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// readable reports whether a non-blocking reader would get data or EOF now.
func (s *channelState) readable() bool {
	return s.ring.Len() > 0 || s.hup
}

// writable reports whether a non-blocking writer could send at least one byte.
func (s *channelState) writable() bool {
	return s.writeCredit > 0 || s.hup
}
