package channel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"

	pkt "kdeconnectd/internal/packet"
	"kdeconnectd/internal/plugin"

	"kdeconnectd/internal/muxer"
)

// streamConn adapts a muxer.Stream's context-taking Read/Write into the
// plain io.ReadWriteCloser the packet codec and payload transfer expect,
// using a background context since the muxer's own credit flow control
// (not a read/write deadline) is what actually bounds blocking here.
type streamConn struct {
	stream *muxer.Stream
}

func (s *streamConn) Read(p []byte) (int, error) {
	return s.stream.Read(context.Background(), p, true)
}

func (s *streamConn) Write(p []byte) (int, error) {
	total := 0
	for total < len(p) {
		n, err := s.stream.Write(context.Background(), p[total:], true)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (s *streamConn) Close() error {
	return s.stream.Close(context.Background())
}

// BluetoothChannel is a Channel backed by the primary sub-stream of a
// Multiplexer. There is no TLS layer: the peer's PEM certificate travels
// inside the identity packet, and RFCOMM link encryption (enforced by the
// BlueZ profile registration) stands in for transport confidentiality.
// This type does not check the peer's certificate against a pinned one.
type BluetoothChannel struct {
	*Base

	mux *muxer.Multiplexer

	writeMu   sync.Mutex
	writeConn *streamConn
}

// NewBluetoothChannel wraps the primary stream of an already-handshaken
// Multiplexer. peerIdentity must carry a "certificate" PEM field.
func NewBluetoothChannel(mux *muxer.Multiplexer, primary *muxer.Stream, peerIdentity *pkt.Packet) *BluetoothChannel {
	conn := &streamConn{stream: primary}
	base := &Base{
		conn:         nil,
		br:           bufio.NewReaderSize(conn, 4096),
		closed:       make(chan struct{}),
		peerIdentity: peerIdentity,
	}
	return &BluetoothChannel{Base: base, mux: mux, writeConn: conn}
}

// ReadPacket reads one newline-terminated packet from the primary stream.
// Bluetooth streams have no net.Conn to hang a deadline off, so this
// bypasses Base's conn-based implementation and reads directly.
func (c *BluetoothChannel) ReadPacket(ctx context.Context) (*pkt.Packet, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	if c.isClosed() {
		return nil, fmt.Errorf("%w", pkt.ErrConnectionClosed)
	}
	line, err := c.br.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("%w: %v", pkt.ErrConnectionClosed, err)
	}
	return pkt.Parse(line)
}

func (c *BluetoothChannel) WritePacket(ctx context.Context, p *pkt.Packet) error {
	if c.isClosed() {
		return fmt.Errorf("%w", pkt.ErrCancelled)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.isClosed() {
		return fmt.Errorf("%w", pkt.ErrCancelled)
	}
	data, err := p.Serialise()
	if err != nil {
		return err
	}
	_, err = c.writeConn.Write(data)
	if err != nil {
		return fmt.Errorf("%w: %v", pkt.ErrConnectionClosed, err)
	}
	return nil
}

func (c *BluetoothChannel) Close(ctx context.Context) error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.writeConn.Close()
		c.mux.Close()
	})
	return err
}

// VerificationKey returns false: Bluetooth trust relies on certificate
// pinning plus link-layer encryption, not a user-facing digest.
func (c *BluetoothChannel) VerificationKey() (string, bool) {
	return "", false
}

// Protocol reports this Channel as Bluetooth-transported.
func (c *BluetoothChannel) Protocol() plugin.ChannelProtocol {
	return plugin.ProtocolBluetooth
}

// Download accepts the muxer sub-stream named by the packet's
// payloadTransferInfo.uuid, opened by the peer.
func (c *BluetoothChannel) Download(ctx context.Context, p *pkt.Packet) (io.ReadWriteCloser, error) {
	info := p.GetPayloadInfo()
	if info == nil {
		return nil, fmt.Errorf("%w: payloadTransferInfo", pkt.ErrMissingField)
	}
	rawUUID, ok := info["uuid"].(string)
	if !ok || rawUUID == "" {
		return nil, fmt.Errorf("%w: payloadTransferInfo.uuid", pkt.ErrMissingField)
	}
	stream, err := c.mux.AcceptChannel(ctx, rawUUID)
	if err != nil {
		return nil, err
	}
	return &streamConn{stream: stream}, nil
}

// Upload opens a new muxer sub-stream under a fresh random UUID, advertises
// it in the packet's payloadTransferInfo, writes the packet, and returns
// the sub-stream.
func (c *BluetoothChannel) Upload(ctx context.Context, p *pkt.Packet) (io.ReadWriteCloser, error) {
	stream, err := c.mux.OpenChannel(ctx)
	if err != nil {
		return nil, err
	}

	p.SetPayload(map[string]any{"uuid": stream.UUID()}, p.GetPayloadSize())
	if err := c.WritePacket(ctx, p); err != nil {
		stream.Close(ctx)
		return nil, err
	}
	return &streamConn{stream: stream}, nil
}
