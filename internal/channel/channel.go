// Package channel implements the KDE Connect Channel contract: a
// bidirectional packet stream to one peer, plus the ability to open
// auxiliary payload byte-streams alongside it. Two transports satisfy the
// contract — LAN (TLS over TCP) and Bluetooth (a Multiplexer sub-stream) —
// with the read/write/close plumbing shared between them.
package channel

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	pkt "kdeconnectd/internal/packet"
	"kdeconnectd/internal/plugin"
)

// Channel is the common contract both transports implement.
type Channel interface {
	ReadPacket(ctx context.Context) (*pkt.Packet, error)
	WritePacket(ctx context.Context, p *pkt.Packet) error
	Close(ctx context.Context) error
	Download(ctx context.Context, p *pkt.Packet) (io.ReadWriteCloser, error)
	Upload(ctx context.Context, p *pkt.Packet) (io.ReadWriteCloser, error)
	VerificationKey() (string, bool)
	StoreTrust(ctx context.Context, deviceDir string) error
	PeerIdentity() *pkt.Packet
	// Protocol names this Channel's transport, so a Device can refuse to
	// attach a Plugin whose required ChannelProtocol doesn't match.
	Protocol() plugin.ChannelProtocol
}

// Base implements the transport-agnostic parts of Channel: serialised
// packet reads and writes over a shared stream, and idempotent close. It
// is grounded on the single-mutex writer used by the reference LAN client
// (one mutex prevents interleaved bytes just as effectively as a queue,
// without the bookkeeping a true work queue needs).
type Base struct {
	conn net.Conn
	br   *bufio.Reader

	readMu  sync.Mutex
	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}

	peerIdentity *pkt.Packet
}

func newBase(conn net.Conn, peerIdentity *pkt.Packet) *Base {
	return &Base{
		conn:         conn,
		br:           bufio.NewReaderSize(conn, 4096),
		closed:       make(chan struct{}),
		peerIdentity: peerIdentity,
	}
}

func (b *Base) isClosed() bool {
	select {
	case <-b.closed:
		return true
	default:
		return false
	}
}

// ReadPacket reads one newline-terminated packet. At most one read is ever
// outstanding because readMu serialises callers.
func (b *Base) ReadPacket(ctx context.Context) (*pkt.Packet, error) {
	b.readMu.Lock()
	defer b.readMu.Unlock()
	if b.isClosed() {
		return nil, fmt.Errorf("%w", pkt.ErrConnectionClosed)
	}
	return pkt.ReadFrom(ctx, b.conn, b.br)
}

// WritePacket serialises p and writes it, stamping its id. Writes after
// Close fail with ErrCancelled, matching the "pending writes are cancelled"
// contract without needing an explicit queue to drain.
func (b *Base) WritePacket(ctx context.Context, p *pkt.Packet) error {
	if b.isClosed() {
		return fmt.Errorf("%w", pkt.ErrCancelled)
	}
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	if b.isClosed() {
		return fmt.Errorf("%w", pkt.ErrCancelled)
	}
	return pkt.WriteTo(ctx, b.conn, p)
}

// Close is idempotent; a second call is a no-op.
func (b *Base) Close(ctx context.Context) error {
	var err error
	b.closeOnce.Do(func() {
		close(b.closed)
		err = b.conn.Close()
	})
	return err
}

// PeerIdentity returns the identity packet captured during the handshake.
func (b *Base) PeerIdentity() *pkt.Packet {
	return b.peerIdentity
}

// StoreTrust persists the peer's identity packet as identity.json under
// deviceDir, atomically and mode 0600.
func (b *Base) StoreTrust(ctx context.Context, deviceDir string) error {
	if b.peerIdentity == nil {
		return errors.New("channel: no peer identity to persist")
	}
	data, err := b.peerIdentity.Serialise()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(deviceDir, 0700); err != nil {
		return fmt.Errorf("channel: creating %s: %w", deviceDir, err)
	}
	return writeFileAtomic(filepath.Join(deviceDir, "identity.json"), data, 0600)
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

// coerceInt reads an integer out of a decoded JSON value, which may surface
// as json.Number (round-tripped through the wire) or a native Go integer
// (set directly by our own code before the first serialise).
func coerceInt(v any) (int64, bool) {
	switch n := v.(type) {
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

// verificationKey derives a short digest from both peers' DER-encoded
// SubjectPublicKeyInfo plus a shared timestamp, for display as a pairing
// PIN. The two key blobs are concatenated larger-then-smaller so either
// side computes the same string, matching the reference ordering.
func verificationKey(localSPKI, peerSPKI []byte, timestampMS int64) string {
	a, b := localSPKI, peerSPKI
	if string(a) < string(b) {
		a, b = b, a
	}
	h := sha256.New()
	h.Write(a)
	h.Write(b)
	fmt.Fprintf(h, "%d", timestampMS)
	sum := h.Sum(nil)
	return strings.ToUpper(fmt.Sprintf("%x", sum)[:8])
}
