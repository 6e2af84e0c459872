package channelservice

import (
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func testIdentity(id string) IdentityFunc {
	return func() IdentityInfo {
		return IdentityInfo{
			DeviceID:             id,
			DeviceName:           "test-device-" + id,
			DeviceType:           "laptop",
			IncomingCapabilities: []string{"kdeconnect.ping"},
			OutgoingCapabilities: []string{"kdeconnect.ping"},
		}
	}
}

func TestBuildIdentityPacket(t *testing.T) {
	svc := NewLANService(testIdentity("abc-123"), nil, DefaultPort, nil, nil)
	p := svc.BuildIdentity()

	require.Equal(t, "kdeconnect.identity", p.Type)
	deviceID, ok := p.GetString("deviceId")
	require.True(t, ok)
	require.Equal(t, "abc-123", deviceID)
	version, ok := p.GetInt("protocolVersion")
	require.True(t, ok)
	require.EqualValues(t, ProtocolVersion, version)
}

func TestSplitHostPort(t *testing.T) {
	host, port := splitHostPort("192.168.1.5:1716", 9999)
	require.Equal(t, "192.168.1.5", host)
	require.Equal(t, 1716, port)

	host, port = splitHostPort("192.168.1.5", 9999)
	require.Equal(t, "192.168.1.5", host)
	require.Equal(t, 9999, port)
}

func TestExchangeCleartextIdentityRoundTrip(t *testing.T) {
	accepting := NewLANService(testIdentity("accepting-device"), nil, DefaultPort, nil, nil)
	dialing := NewLANService(testIdentity("dialing-device"), nil, DefaultPort, nil, nil)

	acceptConn, dialConn := net.Pipe()
	defer acceptConn.Close()
	defer dialConn.Close()

	var wg sync.WaitGroup
	wg.Add(2)

	var acceptPeer, dialPeer *struct {
		id  string
		err error
	}

	go func() {
		defer wg.Done()
		peer, err := accepting.exchangeCleartextIdentity(acceptConn, true)
		acceptPeer = &struct {
			id  string
			err error
		}{}
		if err == nil {
			acceptPeer.id, _ = peer.GetString("deviceId")
		}
		acceptPeer.err = err
	}()

	go func() {
		defer wg.Done()
		peer, err := dialing.exchangeCleartextIdentity(dialConn, false)
		dialPeer = &struct {
			id  string
			err error
		}{}
		if err == nil {
			dialPeer.id, _ = peer.GetString("deviceId")
		}
		dialPeer.err = err
	}()

	wg.Wait()

	require.NoError(t, acceptPeer.err)
	require.NoError(t, dialPeer.err)
	require.Equal(t, "dialing-device", acceptPeer.id)
	require.Equal(t, "accepting-device", dialPeer.id)
}
