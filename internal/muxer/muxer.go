// Package muxer synthesises many independent, credit-flow-controlled byte
// streams over a single RFCOMM socket. KDE Connect's Bluetooth transport
// needs at least two logical streams — the identity/pairing exchange and,
// per transfer, a payload stream — but RFCOMM hands back exactly one.
package muxer

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PrimaryUUID names the substream that carries identity packets and, once
// negotiated, the upgrade to an application-level TLS session. Both ends
// treat it as already open immediately after protocol negotiation.
var PrimaryUUID = uuid.MustParse("a0d0aaf4-1072-4d81-aa35-902a954b1266")

const (
	// ProtocolMin and ProtocolMax are the only negotiable range this
	// implementation supports; only version 1 is currently defined.
	ProtocolMin = 1
	ProtocolMax = 1

	// DefaultBufferSize is the per-substream ring buffer capacity and the
	// initial read credit grant issued when a channel opens.
	DefaultBufferSize = 4096
)

// deadlineConn is satisfied by net.Conn; it lets readFull make a blocked
// read respond to context cancellation. writeFrame does not use a deadline.
type deadlineConn interface {
	io.Reader
	io.Writer
	io.Closer
	SetDeadline(t time.Time) error
}

// Multiplexer demultiplexes one RFCOMM net.Conn into any number of
// independent Streams. Exactly one goroutine reads frames off the wire;
// writes from any number of goroutines are serialised behind writeMu.
type Multiplexer struct {
	conn       deadlineConn
	bufferSize uint32
	logger     *zap.Logger

	writeMu sync.Mutex

	mu            sync.Mutex
	channelsCond  *sync.Cond
	channels      map[uuid.UUID]*channelState
	version       uint16
	closed        bool
	closeOnce     sync.Once
	loopCancel    context.CancelFunc
	loopDone      chan struct{}
}

// New wraps conn (an already-connected RFCOMM socket) with a Multiplexer.
// Call Handshake before opening or accepting any further substreams.
func New(conn deadlineConn, bufferSize uint32, logger *zap.Logger) *Multiplexer {
	if bufferSize == 0 {
		bufferSize = DefaultBufferSize
	}
	m := &Multiplexer{
		conn:       conn,
		bufferSize: bufferSize,
		logger:     logger,
		channels:   make(map[uuid.UUID]*channelState),
		loopDone:   make(chan struct{}),
	}
	m.channelsCond = sync.NewCond(&m.mu)
	return m
}

// Handshake negotiates the wire protocol version, opens the primary
// channel, and starts the background receive loop. It returns the primary
// Stream, over which identity packets (and, if applicable, a TLS upgrade)
// are exchanged.
func (m *Multiplexer) Handshake(ctx context.Context) (*Stream, error) {
	if err := m.sendProtocolVersion(ProtocolMin, ProtocolMax); err != nil {
		return nil, fmt.Errorf("muxer: sending protocol version: %w", err)
	}

	h, payload, err := m.readFrame(ctx)
	if err != nil {
		return nil, fmt.Errorf("muxer: reading peer protocol version: %w", err)
	}
	if h.Type != msgProtocolVersion || len(payload) != 4 {
		return nil, fmt.Errorf("%w: expected PROTOCOL_VERSION, got %s", ErrProtocolMismatch, h.Type)
	}
	peerMin := binary.BigEndian.Uint16(payload[0:2])
	peerMax := binary.BigEndian.Uint16(payload[2:4])
	if peerMin > ProtocolMax {
		return nil, fmt.Errorf("%w: peer requires >= %d, we support <= %d", ErrProtocolMismatch, peerMin, ProtocolMax)
	}
	m.version = minUint16(ProtocolMax, peerMax)

	primary := newChannelState(PrimaryUUID, m.bufferSize)
	m.mu.Lock()
	m.channels[PrimaryUUID] = primary
	m.mu.Unlock()

	if err := m.sendRead(PrimaryUUID, clampCredit(m.bufferSize)); err != nil {
		return nil, fmt.Errorf("muxer: granting initial primary credit: %w", err)
	}
	primary.mu.Lock()
	primary.readCredit = m.bufferSize
	primary.mu.Unlock()

	loopCtx, cancel := context.WithCancel(context.Background())
	m.loopCancel = cancel
	go m.receiveLoop(loopCtx)

	return &Stream{m: m, state: primary}, nil
}

// OpenChannel is the initiator side of opening a new substream: it sends
// OPEN_CHANNEL, grants the peer read credit, and returns the Stream.
func (m *Multiplexer) OpenChannel(ctx context.Context) (*Stream, error) {
	id := uuid.New()

	m.mu.Lock()
	if _, exists := m.channels[id]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAddressInUse, id)
	}
	state := newChannelState(id, m.bufferSize)
	m.channels[id] = state
	m.mu.Unlock()

	if err := m.sendOpenChannel(id); err != nil {
		return nil, err
	}
	if err := m.sendRead(id, clampCredit(m.bufferSize)); err != nil {
		return nil, err
	}
	state.mu.Lock()
	state.readCredit = m.bufferSize
	state.mu.Unlock()

	return &Stream{m: m, state: state}, nil
}

// AcceptChannel is the acceptor side: it waits for a peer-initiated
// OPEN_CHANNEL carrying id to arrive (observed by the receive loop), then
// grants read credit and returns the Stream.
func (m *Multiplexer) AcceptChannel(ctx context.Context, id string) (*Stream, error) {
	target, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("muxer: invalid channel id %q: %w", id, err)
	}

	m.mu.Lock()
	for {
		if state, ok := m.channels[target]; ok {
			m.mu.Unlock()
			if err := m.sendRead(target, clampCredit(m.bufferSize)); err != nil {
				return nil, err
			}
			state.mu.Lock()
			state.readCredit += m.bufferSize
			state.mu.Unlock()
			return &Stream{m: m, state: state}, nil
		}
		if m.closed {
			m.mu.Unlock()
			return nil, ErrConnectionClosed
		}
		if err := ctx.Err(); err != nil {
			m.mu.Unlock()
			return nil, fmt.Errorf("%w: %v", ErrCancelled, err)
		}

		stop := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				m.mu.Lock()
				m.channelsCond.Broadcast()
				m.mu.Unlock()
			case <-stop:
			}
		}()
		m.channelsCond.Wait()
		close(stop)
	}
}

// Version returns the negotiated protocol version, valid after Handshake.
func (m *Multiplexer) Version() uint16 {
	return m.version
}

// Close cancels the receive loop, marks every substream HUP, and closes the
// underlying socket. It is idempotent.
func (m *Multiplexer) Close() error {
	m.closeOnce.Do(func() {
		if m.loopCancel != nil {
			m.loopCancel()
		}
		m.mu.Lock()
		m.closed = true
		for _, state := range m.channels {
			state.mu.Lock()
			state.hup = true
			state.cond.Broadcast()
			state.mu.Unlock()
		}
		m.channelsCond.Broadcast()
		m.mu.Unlock()
	})
	return m.conn.Close()
}

func (m *Multiplexer) receiveLoop(ctx context.Context) {
	defer close(m.loopDone)
	for {
		h, payload, err := m.readFrame(ctx)
		if err != nil {
			if m.logger != nil {
				m.logger.Debug("muxer receive loop exiting", zap.Error(err))
			}
			_ = m.Close()
			return
		}

		var fatal error
		switch h.Type {
		case msgOpenChannel:
			fatal = m.recvOpenChannel(h.UUID)
		case msgCloseChannel:
			m.recvCloseChannel(h.UUID)
		case msgRead:
			m.recvRead(h.UUID, payload)
		case msgWrite:
			fatal = m.recvWrite(h.UUID, payload)
		case msgProtocolVersion:
			if m.logger != nil {
				m.logger.Warn("unexpected PROTOCOL_VERSION after handshake")
			}
		}
		if fatal != nil {
			if m.logger != nil {
				m.logger.Warn("muxer torn down by peer violation", zap.Error(fatal))
			}
			_ = m.Close()
			return
		}
	}
}

func (m *Multiplexer) recvOpenChannel(id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.channels[id]; exists {
		return fmt.Errorf("%w: %s", ErrAddressInUse, id)
	}
	m.channels[id] = newChannelState(id, m.bufferSize)
	m.channelsCond.Broadcast()
	return nil
}

func (m *Multiplexer) recvCloseChannel(id uuid.UUID) {
	m.mu.Lock()
	state, ok := m.channels[id]
	m.mu.Unlock()
	if !ok {
		return
	}
	state.mu.Lock()
	state.hup = true
	state.cond.Broadcast()
	state.mu.Unlock()
}

func (m *Multiplexer) recvRead(id uuid.UUID, payload []byte) {
	if len(payload) != 2 {
		return
	}
	grant := binary.BigEndian.Uint16(payload)

	m.mu.Lock()
	state, ok := m.channels[id]
	m.mu.Unlock()
	if !ok {
		return
	}
	state.mu.Lock()
	state.writeCredit += uint32(grant)
	state.cond.Broadcast()
	state.mu.Unlock()
}

func (m *Multiplexer) recvWrite(id uuid.UUID, payload []byte) error {
	m.mu.Lock()
	state, ok := m.channels[id]
	m.mu.Unlock()
	if !ok {
		return nil
	}

	state.mu.Lock()
	defer state.mu.Unlock()
	if uint32(len(payload)) > state.readCredit {
		return fmt.Errorf("%w: channel %s", ErrMessageTooLarge, id)
	}
	state.ring.Write(payload)
	state.readCredit -= uint32(len(payload))
	state.cond.Broadcast()
	return nil
}

// --- frame I/O ---

func (m *Multiplexer) readFrame(ctx context.Context) (header, []byte, error) {
	headerBuf := make([]byte, headerSize)
	if err := m.readFull(ctx, headerBuf); err != nil {
		return header{}, nil, err
	}
	h, err := unpackHeader(headerBuf)
	if err != nil {
		return header{}, nil, err
	}
	if h.Size == 0 {
		return h, nil, nil
	}
	payload := make([]byte, h.Size)
	if err := m.readFull(ctx, payload); err != nil {
		return header{}, nil, err
	}
	return h, payload, nil
}

func (m *Multiplexer) readFull(ctx context.Context, buf []byte) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrCancelled, err)
	}

	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = m.conn.SetDeadline(time.Now())
		case <-stop:
		}
	}()
	defer close(stop)

	_, err := io.ReadFull(m.conn, buf)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
		}
		return fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}
	return nil
}

func (m *Multiplexer) writeFrame(h header, payload []byte) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	buf := packHeader(h)
	if payload != nil {
		buf = append(buf, payload...)
	}
	if _, err := m.conn.Write(buf); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}
	return nil
}

func (m *Multiplexer) sendProtocolVersion(min, max uint16) error {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint16(payload[0:2], uint16(min))
	binary.BigEndian.PutUint16(payload[2:4], uint16(max))
	return m.writeFrame(header{Type: msgProtocolVersion, Size: 4, UUID: uuid.Nil}, payload)
}

func (m *Multiplexer) sendOpenChannel(id uuid.UUID) error {
	return m.writeFrame(header{Type: msgOpenChannel, Size: 0, UUID: id}, nil)
}

func (m *Multiplexer) sendCloseChannel(id uuid.UUID) error {
	return m.writeFrame(header{Type: msgCloseChannel, Size: 0, UUID: id}, nil)
}

func (m *Multiplexer) sendRead(id uuid.UUID, grant uint16) error {
	payload := make([]byte, 2)
	binary.BigEndian.PutUint16(payload, grant)
	return m.writeFrame(header{Type: msgRead, Size: 2, UUID: id}, payload)
}

func (m *Multiplexer) sendWrite(id uuid.UUID, data []byte) error {
	return m.writeFrame(header{Type: msgWrite, Size: uint16(len(data)), UUID: id}, data)
}

func minUint16(a, b uint16) uint16 {
	if a < b {
		return a
	}
	return b
}

// ensure net.Conn satisfies deadlineConn.
var _ deadlineConn = (net.Conn)(nil)
