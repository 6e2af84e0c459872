package packet

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseValidPacket(t *testing.T) {
	p, err := Parse([]byte(`{"id":1,"type":"kdeconnect.ping","body":{"message":"hi"}}`))
	require.NoError(t, err)
	require.Equal(t, "kdeconnect.ping", p.Type)

	msg, ok := p.GetString("message")
	require.True(t, ok)
	require.Equal(t, "hi", msg)
}

func TestParseAcceptsStringId(t *testing.T) {
	_, err := Parse([]byte(`{"id":"1","type":"kdeconnect.ping","body":{}}`))
	require.NoError(t, err)
}

func TestParseRejectsMissingFields(t *testing.T) {
	_, err := Parse([]byte(`{"id":1,"body":{}}`))
	require.ErrorIs(t, err, ErrMissingField)

	_, err = Parse([]byte(`{"id":1,"type":"","body":{}}`))
	require.ErrorIs(t, err, ErrInvalidField)

	_, err = Parse([]byte(`{"id":1,"type":"x"}`))
	require.ErrorIs(t, err, ErrMissingField)

	_, err = Parse([]byte(`not json`))
	require.ErrorIs(t, err, ErrMalformed)
}

func TestPayloadHelpers(t *testing.T) {
	p := New("kdeconnect.share.request")
	require.False(t, p.HasPayload())

	p.SetPayload(map[string]any{"port": int64(1739)}, 4096)
	require.True(t, p.HasPayload())
	require.Equal(t, int64(4096), p.GetPayloadSize())
	require.Equal(t, map[string]any{"port": int64(1739)}, p.GetPayloadInfo())
}

func TestSerialiseStampsIdAndNewline(t *testing.T) {
	p := New("kdeconnect.ping")
	data, err := p.Serialise()
	require.NoError(t, err)
	require.Equal(t, byte('\n'), data[len(data)-1])

	reparsed, err := Parse(data)
	require.NoError(t, err)
	require.Equal(t, "kdeconnect.ping", reparsed.Type)
}

func TestAccessorsAreSilentOnMismatch(t *testing.T) {
	p, err := Parse([]byte(`{"id":1,"type":"x","body":{"n":"not-a-number","flag":"not-a-bool"}}`))
	require.NoError(t, err)

	_, ok := p.GetInt("n")
	require.False(t, ok)

	_, ok = p.GetBool("flag")
	require.False(t, ok)

	_, ok = p.GetString("missing")
	require.False(t, ok)
}

func TestReadFromReturnsConnectionClosedOnEarlyEOF(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	go func() {
		_, _ = client.Write([]byte(`{"id":1`))
		client.Close()
	}()

	_, err := ReadFrom(context.Background(), server, bufio.NewReader(server))
	require.ErrorIs(t, err, ErrConnectionClosed)
}

func TestReadFromHonoursCancellation(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := ReadFrom(ctx, server, bufio.NewReader(server))
	require.Error(t, err)
}

func TestWriteToRoundTrips(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	p := New("kdeconnect.ping")
	done := make(chan error, 1)
	go func() {
		done <- WriteTo(context.Background(), server, p)
	}()

	br := bufio.NewReader(client)
	read, err := ReadFrom(context.Background(), client, br)
	require.NoError(t, err)
	require.Equal(t, "kdeconnect.ping", read.Type)
	require.NoError(t, <-done)
}
