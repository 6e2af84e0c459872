package channel

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net"

	pkt "kdeconnectd/internal/packet"
	"kdeconnectd/internal/plugin"
)

// LANChannel is a Channel backed by a TLS-wrapped TCP socket. Peer identity
// was already exchanged in cleartext before the TLS upgrade; the peer's
// certificate is pinned for auxiliary payload connections.
type LANChannel struct {
	*Base

	peerHost        string
	peerCert        *x509.Certificate
	localSPKI       []byte
	peerSPKI        []byte
	handshakeMillis int64
}

// NewLANChannel wraps an already TLS-upgraded connection. peerHost is the
// bare host (no port) used to dial auxiliary payload connections back to
// the same peer.
func NewLANChannel(conn *tls.Conn, peerHost string, peerIdentity *pkt.Packet, localSPKI []byte, peerCert *x509.Certificate) *LANChannel {
	handshakeMillis, _ := peerIdentity.ID()
	return &LANChannel{
		Base:            newBase(conn, peerIdentity),
		peerHost:        peerHost,
		peerCert:        peerCert,
		localSPKI:       localSPKI,
		peerSPKI:        peerCert.RawSubjectPublicKeyInfo,
		handshakeMillis: handshakeMillis,
	}
}

// VerificationKey returns a short digest derived from both certificates,
// used as a human-verifiable pairing PIN.
func (c *LANChannel) VerificationKey() (string, bool) {
	return verificationKey(c.localSPKI, c.peerSPKI, c.handshakeMillis), true
}

// Protocol reports this Channel as TCP-transported.
func (c *LANChannel) Protocol() plugin.ChannelProtocol {
	return plugin.ProtocolTCP
}

// Download connects to the peer's advertised payload port and upgrades to
// TLS, pinning the same certificate already presented during the main
// handshake.
func (c *LANChannel) Download(ctx context.Context, p *pkt.Packet) (io.ReadWriteCloser, error) {
	info := p.GetPayloadInfo()
	if info == nil {
		return nil, fmt.Errorf("%w: payloadTransferInfo", pkt.ErrMissingField)
	}
	portVal, ok := info["port"]
	if !ok {
		return nil, fmt.Errorf("%w: payloadTransferInfo.port", pkt.ErrMissingField)
	}
	port, ok := coerceInt(portVal)
	if !ok {
		return nil, fmt.Errorf("%w: payloadTransferInfo.port", pkt.ErrInvalidField)
	}

	dialer := net.Dialer{}
	raw, err := dialer.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", c.peerHost, port))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", pkt.ErrConnectionClosed, err)
	}

	tlsConn := tls.Client(raw, c.pinnedTLSConfig())
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, fmt.Errorf("channel: payload TLS handshake: %w", err)
	}
	return tlsConn, nil
}

// Upload listens on an ephemeral TCP port, advertises it in the packet's
// payloadTransferInfo, writes the packet, then accepts and TLS-upgrades
// exactly one connection.
func (c *LANChannel) Upload(ctx context.Context, p *pkt.Packet) (io.ReadWriteCloser, error) {
	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		return nil, fmt.Errorf("channel: listening for payload: %w", err)
	}

	port := ln.Addr().(*net.TCPAddr).Port
	p.SetPayload(map[string]any{"port": int64(port)}, p.GetPayloadSize())

	if err := c.WritePacket(ctx, p); err != nil {
		ln.Close()
		return nil, err
	}

	type acceptResult struct {
		conn net.Conn
		err  error
	}
	resultCh := make(chan acceptResult, 1)
	go func() {
		conn, err := ln.Accept()
		resultCh <- acceptResult{conn, err}
	}()

	select {
	case <-ctx.Done():
		ln.Close()
		return nil, fmt.Errorf("%w: %v", pkt.ErrCancelled, ctx.Err())
	case res := <-resultCh:
		ln.Close()
		if res.err != nil {
			return nil, fmt.Errorf("%w: %v", pkt.ErrConnectionClosed, res.err)
		}
		tlsConn := tls.Server(res.conn, c.pinnedTLSConfig())
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			res.conn.Close()
			return nil, fmt.Errorf("channel: payload TLS handshake: %w", err)
		}
		return tlsConn, nil
	}
}

// pinnedTLSConfig builds a tls.Config that accepts exactly the peer
// certificate already pinned for this device, rather than relying on a CA
// chain the self-signed certificates never have.
func (c *LANChannel) pinnedTLSConfig() *tls.Config {
	pinned := c.peerCert
	return &tls.Config{
		InsecureSkipVerify: true, //nolint:gosec // verified manually below against the pinned cert
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			for _, raw := range rawCerts {
				if string(raw) == string(pinned.Raw) {
					return nil
				}
			}
			return fmt.Errorf("%w: payload connection certificate does not match pinned peer", pkt.ErrInvalidData)
		},
	}
}
