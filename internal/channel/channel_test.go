package channel

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	pkt "kdeconnectd/internal/packet"
)

func TestBaseReadWritePacketRoundTrip(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	server := newBase(serverConn, nil)
	defer server.Close(context.Background())

	go func() {
		_, _ = clientConn.Write([]byte(`{"id":1,"type":"kdeconnect.ping","body":{}}` + "\n"))
	}()

	p, err := server.ReadPacket(context.Background())
	require.NoError(t, err)
	require.Equal(t, "kdeconnect.ping", p.Type)
}

func TestBaseCloseIsIdempotent(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	server := newBase(serverConn, nil)
	require.NoError(t, server.Close(context.Background()))
	require.NoError(t, server.Close(context.Background()))
}

func TestBaseWriteAfterCloseIsCancelled(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	server := newBase(serverConn, nil)
	require.NoError(t, server.Close(context.Background()))

	err := server.WritePacket(context.Background(), pkt.New("kdeconnect.ping"))
	require.ErrorIs(t, err, pkt.ErrCancelled)
}

func TestVerificationKeyIsSymmetric(t *testing.T) {
	a := []byte("certificate-a-spki")
	b := []byte("certificate-b-spki")

	k1 := verificationKey(a, b, 1000)
	k2 := verificationKey(b, a, 1000)
	require.Equal(t, k1, k2)
	require.Len(t, k1, 8)
}

func TestVerificationKeyChangesWithTimestamp(t *testing.T) {
	a := []byte("certificate-a-spki")
	b := []byte("certificate-b-spki")

	k1 := verificationKey(a, b, 1000)
	k2 := verificationKey(a, b, 2000)
	require.NotEqual(t, k1, k2)
}

// TestVerificationKeyOrdersLargerThenSmaller pins the concatenation order
// against a fixed vector: the larger of the two SPKI blobs (by byte
// comparison) must be hashed first, matching the reference implementation.
// A smaller-then-larger implementation would derive a different PIN for
// the same cert pair and silently break interop.
func TestVerificationKeyOrdersLargerThenSmaller(t *testing.T) {
	smaller := []byte("aaa-spki")
	larger := []byte("zzz-spki")
	require.True(t, string(smaller) < string(larger))

	h := sha256.New()
	h.Write(larger)
	h.Write(smaller)
	fmt.Fprintf(h, "%d", int64(1000))
	want := strings.ToUpper(fmt.Sprintf("%x", h.Sum(nil))[:8])

	require.Equal(t, want, verificationKey(smaller, larger, 1000))
	require.Equal(t, want, verificationKey(larger, smaller, 1000))
}

func TestCoerceInt(t *testing.T) {
	n, ok := coerceInt(json.Number("1716"))
	require.True(t, ok)
	require.Equal(t, int64(1716), n)

	n, ok = coerceInt(int64(42))
	require.True(t, ok)
	require.Equal(t, int64(42), n)

	_, ok = coerceInt("nope")
	require.False(t, ok)
}
