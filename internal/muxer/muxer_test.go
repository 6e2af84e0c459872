package muxer

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// connPair returns both ends of a loopback TCP connection. Handshake has
// each end write before it reads, which needs a buffered socket like the
// RFCOMM one the Multiplexer runs over; an unbuffered net.Pipe would block
// both ends in their first write.
func connPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		accepted <- c
	}()
	a, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	b := <-accepted
	if b == nil {
		t.Fatal("loopback accept failed")
	}
	return a, b
}

func handshakeBothEnds(t *testing.T) (*Multiplexer, *Stream, *Multiplexer, *Stream) {
	t.Helper()
	a, b := connPair(t)

	ma := New(a, 256, nil)
	mb := New(b, 256, nil)

	type result struct {
		stream *Stream
		err    error
	}
	ra := make(chan result, 1)
	rb := make(chan result, 1)

	go func() {
		s, err := ma.Handshake(context.Background())
		ra <- result{s, err}
	}()
	go func() {
		s, err := mb.Handshake(context.Background())
		rb <- result{s, err}
	}()

	resA := <-ra
	resB := <-rb
	require.NoError(t, resA.err)
	require.NoError(t, resB.err)

	return ma, resA.stream, mb, resB.stream
}

func TestHandshakeNegotiatesPrimaryChannel(t *testing.T) {
	ma, sa, mb, sb := handshakeBothEnds(t)
	defer ma.Close()
	defer mb.Close()

	require.Equal(t, uint16(ProtocolMax), ma.Version())
	require.Equal(t, uint16(ProtocolMax), mb.Version())
	require.Equal(t, PrimaryUUID.String(), sa.UUID())
	require.Equal(t, PrimaryUUID.String(), sb.UUID())
}

func TestPrimaryChannelReadWrite(t *testing.T) {
	ma, sa, mb, sb := handshakeBothEnds(t)
	defer ma.Close()
	defer mb.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	n, err := sa.Write(ctx, []byte("hello"), true)
	require.NoError(t, err)
	require.Equal(t, 5, n)

	buf := make([]byte, 16)
	n, err = sb.Read(ctx, buf, true)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf[:n]))
}

func TestOpenAndAcceptChannel(t *testing.T) {
	ma, _, mb, _ := handshakeBothEnds(t)
	defer ma.Close()
	defer mb.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var opened *Stream
	var openErr error
	done := make(chan struct{})
	go func() {
		opened, openErr = ma.OpenChannel(ctx)
		close(done)
	}()

	<-done
	require.NoError(t, openErr)

	accepted, err := mb.AcceptChannel(ctx, opened.UUID())
	require.NoError(t, err)

	_, err = opened.Write(ctx, []byte("payload"), true)
	require.NoError(t, err)

	buf := make([]byte, 32)
	n, err := accepted.Read(ctx, buf, true)
	require.NoError(t, err)
	require.Equal(t, "payload", string(buf[:n]))
}

func TestOpenChannelDuplicateUUIDIsAddressInUse(t *testing.T) {
	ma, _, _, _ := handshakeBothEnds(t)
	defer ma.Close()

	ma.mu.Lock()
	ma.channels[PrimaryUUID] = newChannelState(PrimaryUUID, 256)
	ma.mu.Unlock()

	err := ma.recvOpenChannel(PrimaryUUID)
	require.ErrorIs(t, err, ErrAddressInUse)
}

func TestWriteExceedingCreditIsMessageTooLarge(t *testing.T) {
	ma, sa, _, _ := handshakeBothEnds(t)
	defer ma.Close()
	_ = sa

	ma.mu.Lock()
	state := ma.channels[PrimaryUUID]
	ma.mu.Unlock()
	state.mu.Lock()
	state.readCredit = 1
	state.mu.Unlock()

	err := ma.recvWrite(PrimaryUUID, []byte("too long"))
	require.ErrorIs(t, err, ErrMessageTooLarge)
}

func TestNonBlockingReadReturnsWouldBlock(t *testing.T) {
	ma, sa, mb, _ := handshakeBothEnds(t)
	defer ma.Close()
	defer mb.Close()

	buf := make([]byte, 8)
	_, err := sa.Read(context.Background(), buf, false)
	require.ErrorIs(t, err, ErrWouldBlock)
}

// TestCreditTopUpOverLargeWrite drives spec.md §8 Scenario E directly: a
// 4096-byte buffer, a single 10000-byte write, and reads sized 4096, 4096,
// 1808 — the top-up policy (pendingTopUp) granting more credit only once
// freed ring space exceeds half the buffer, compacting around the ring
// boundary rather than in one shot.
func TestCreditTopUpOverLargeWrite(t *testing.T) {
	a, b := connPair(t)
	ma := New(a, 4096, nil)
	mb := New(b, 4096, nil)
	defer ma.Close()
	defer mb.Close()

	type result struct {
		stream *Stream
		err    error
	}
	ra := make(chan result, 1)
	rb := make(chan result, 1)
	go func() {
		s, err := ma.Handshake(context.Background())
		ra <- result{s, err}
	}()
	go func() {
		s, err := mb.Handshake(context.Background())
		rb <- result{s, err}
	}()
	resA := <-ra
	resB := <-rb
	require.NoError(t, resA.err)
	require.NoError(t, resB.err)
	sa, sb := resA.stream, resB.stream

	data := make([]byte, 10000)
	for i := range data {
		data[i] = byte(i % 256)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	writeErrCh := make(chan error, 1)
	go func() {
		total := 0
		for total < len(data) {
			n, err := sa.Write(ctx, data[total:], true)
			if err != nil {
				writeErrCh <- err
				return
			}
			total += n
		}
		writeErrCh <- nil
	}()

	var sizes []int
	got := make([]byte, 0, len(data))
	buf := make([]byte, 4096)
	for len(got) < len(data) {
		n, err := sb.Read(ctx, buf, true)
		require.NoError(t, err)
		sizes = append(sizes, n)
		got = append(got, buf[:n]...)
	}

	require.NoError(t, <-writeErrCh)
	require.Equal(t, []int{4096, 4096, 1808}, sizes)
	require.Equal(t, data, got)
}

// TestRingBufferWrapAroundBoundary exercises the compaction boundary the
// credit top-up policy depends on: writing and partially draining the
// buffer repeatedly until the write cursor wraps past index 0, verifying
// bytes are never reordered or dropped across the wrap.
func TestRingBufferWrapAroundBoundary(t *testing.T) {
	r := newRingBuffer(8)

	require.Equal(t, 6, r.Write([]byte{1, 2, 3, 4, 5, 6}))
	out := make([]byte, 4)
	require.Equal(t, 4, r.Read(out))
	require.Equal(t, []byte{1, 2, 3, 4}, out)

	// head is now at index 4 with 2 bytes (5,6) still buffered; this write
	// wraps: 4 bytes land at indices 6,7,0,1.
	require.Equal(t, 4, r.Write([]byte{7, 8, 9, 10}))
	require.Equal(t, 6, r.Len())
	require.Equal(t, 2, r.Free())

	out = make([]byte, 6)
	require.Equal(t, 6, r.Read(out))
	require.Equal(t, []byte{5, 6, 7, 8, 9, 10}, out)
	require.Equal(t, 0, r.Len())
	require.Equal(t, 8, r.Free())
}

func TestCloseSetsEOFAfterDrain(t *testing.T) {
	ma, sa, mb, sb := handshakeBothEnds(t)
	defer ma.Close()
	defer mb.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := sa.Write(ctx, []byte("x"), true)
	require.NoError(t, err)
	require.NoError(t, sa.Close(ctx))

	buf := make([]byte, 8)
	n, err := sb.Read(ctx, buf, true)
	require.NoError(t, err)
	require.Equal(t, "x", string(buf[:n]))

	n, err = sb.Read(ctx, buf, true)
	require.ErrorIs(t, err, io.EOF)
	require.Equal(t, 0, n)
}
