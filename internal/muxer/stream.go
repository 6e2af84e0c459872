package muxer

import (
	"context"
	"fmt"
	"io"
)

// Stream is one logical substream of a Multiplexer: a ByteStream backed by
// credit-flow-controlled frames on the shared RFCOMM socket.
type Stream struct {
	m     *Multiplexer
	state *channelState
}

// UUID returns the substream's channel identifier.
func (s *Stream) UUID() string {
	return s.state.uuid.String()
}

// Read copies buffered data into p. If blocking is true and no data is
// available yet, Read waits until data arrives, the peer sends
// CLOSE_CHANNEL, or ctx is cancelled. If blocking is false, Read returns
// ErrWouldBlock instead of waiting.
func (s *Stream) Read(ctx context.Context, p []byte, blocking bool) (int, error) {
	st := s.state
	st.mu.Lock()

	if !st.readable() {
		if !blocking {
			st.mu.Unlock()
			return 0, ErrWouldBlock
		}
		if err := waitUntil(ctx, st, st.readable); err != nil {
			st.mu.Unlock()
			return 0, err
		}
	}

	if st.ring.Len() == 0 && st.hup {
		st.mu.Unlock()
		return 0, io.EOF
	}

	n := st.ring.Read(p)
	grant := st.pendingTopUp()
	st.mu.Unlock()

	if grant > 0 {
		if err := s.m.sendRead(st.uuid, grant); err != nil {
			return n, fmt.Errorf("%w: sending read grant: %v", ErrConnectionClosed, err)
		}
	}
	return n, nil
}

// pendingTopUp computes the READ grant to issue, if any, per the policy:
// issue a top-up once free buffer space minus outstanding read credit
// exceeds half the buffer size. Must be called with st.mu held; updates
// st.readCredit as a side effect when it decides to grant.
func (st *channelState) pendingTopUp() uint16 {
	sizeRequest := st.ring.Free() - int(st.readCredit)
	if sizeRequest <= 0 {
		return 0
	}
	if float64(sizeRequest)/float64(st.bufferSize) < 0.5 {
		return 0
	}
	grant := clampCredit(uint32(sizeRequest))
	st.readCredit += uint32(grant)
	return grant
}

// Write sends up to len(p) bytes, limited by the write credit the peer has
// granted us. If blocking is true and no credit is available, Write waits
// for a READ grant or CLOSE_CHANNEL. If blocking is false, Write returns
// ErrWouldBlock instead of waiting. A short write (n < len(p)) is possible
// and is not an error: callers loop until all data is sent.
func (s *Stream) Write(ctx context.Context, p []byte, blocking bool) (int, error) {
	st := s.state
	st.mu.Lock()

	if !st.writable() {
		if !blocking {
			st.mu.Unlock()
			return 0, ErrWouldBlock
		}
		if err := waitUntil(ctx, st, st.writable); err != nil {
			st.mu.Unlock()
			return 0, err
		}
	}

	if st.writeCredit == 0 && st.hup {
		st.mu.Unlock()
		return 0, ErrConnectionClosed
	}

	n := len(p)
	if uint32(n) > st.writeCredit {
		n = int(st.writeCredit)
	}
	st.writeCredit -= uint32(n)
	st.mu.Unlock()

	if err := s.m.sendWrite(st.uuid, p[:n]); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}
	return n, nil
}

// Close sends CLOSE_CHANNEL (once) and marks the substream HUP, waking any
// blocked readers/writers. Calling Close twice is a no-op.
func (s *Stream) Close(ctx context.Context) error {
	st := s.state
	st.mu.Lock()
	if st.closedLocal {
		st.mu.Unlock()
		return nil
	}
	st.closedLocal = true
	alreadyHup := st.hup
	st.hup = true
	st.cond.Broadcast()
	st.mu.Unlock()

	if alreadyHup {
		return nil
	}
	return s.m.sendCloseChannel(st.uuid)
}

// waitUntil blocks on st.cond until ready() is true, the substream is
// cancelled via ctx, or the multiplexer tears the substream down. Must be
// called with st.mu held; returns with st.mu still held.
func waitUntil(ctx context.Context, st *channelState, ready func() bool) error {
	if ready() {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrCancelled, err)
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			st.mu.Lock()
			st.cond.Broadcast()
			st.mu.Unlock()
		case <-stop:
		}
	}()

	for !ready() {
		st.cond.Wait()
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrCancelled, err)
		}
	}
	return nil
}

func clampCredit(n uint32) uint16 {
	const maxCredit = 65535
	if n > maxCredit {
		return maxCredit
	}
	return uint16(n)
}
