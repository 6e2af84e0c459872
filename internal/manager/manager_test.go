package manager

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"kdeconnectd/internal/device"
	"kdeconnectd/internal/eventbus"
	pkt "kdeconnectd/internal/packet"
	"kdeconnectd/internal/plugin"
)

type stubChannel struct {
	peer *pkt.Packet
}

func (s *stubChannel) ReadPacket(ctx context.Context) (*pkt.Packet, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
func (s *stubChannel) WritePacket(ctx context.Context, p *pkt.Packet) error { return nil }
func (s *stubChannel) Close(ctx context.Context) error                     { return nil }
func (s *stubChannel) Download(ctx context.Context, p *pkt.Packet) (io.ReadWriteCloser, error) {
	return nil, nil
}
func (s *stubChannel) Upload(ctx context.Context, p *pkt.Packet) (io.ReadWriteCloser, error) {
	return nil, nil
}
func (s *stubChannel) VerificationKey() (string, bool)                        { return "", false }
func (s *stubChannel) StoreTrust(ctx context.Context, deviceDir string) error { return nil }
func (s *stubChannel) PeerIdentity() *pkt.Packet                              { return s.peer }
func (s *stubChannel) Protocol() plugin.ChannelProtocol                       { return plugin.ProtocolTCP }

type stubService struct {
	identifyCalls []string
}

func (s *stubService) BuildIdentity() *pkt.Packet { return pkt.New("kdeconnect.identity") }
func (s *stubService) Start(ctx context.Context) error { return nil }
func (s *stubService) Stop()                           {}
func (s *stubService) Identify(ctx context.Context, target string) error {
	s.identifyCalls = append(s.identifyCalls, target)
	return nil
}

func newTestManager(t *testing.T) (*Manager, *eventbus.Bus) {
	t.Helper()
	bus := eventbus.New()
	cfg := Config{
		DeviceName:           "test",
		DeviceType:           "desktop",
		DataRoot:             t.TempDir(),
		IncomingCapabilities: []string{"kdeconnect.ping"},
		OutgoingCapabilities: []string{"kdeconnect.ping"},
	}
	m, err := Init(t.TempDir(), cfg, bus, nil)
	require.NoError(t, err)
	return m, bus
}

func peerIdentity(deviceID string) *pkt.Packet {
	p := pkt.New("kdeconnect.identity")
	p.SetBody("deviceId", deviceID)
	return p
}

func TestOnChannelCreatesDeviceAndEmitsAdded(t *testing.T) {
	m, bus := newTestManager(t)

	added := make(chan any, 1)
	bus.On("device-added", func(data any) { added <- data })

	svc := &stubService{}
	ch := &stubChannel{peer: peerIdentity("peer-1")}
	m.OnChannel(svc, ch)

	select {
	case <-added:
	case <-time.After(time.Second):
		t.Fatal("expected device-added event")
	}

	devices := m.Devices()
	require.Len(t, devices, 1)
	require.Equal(t, "peer-1", devices[0].ID())
}

func TestOnChannelReusesExistingDevice(t *testing.T) {
	m, _ := newTestManager(t)
	svc := &stubService{}

	m.OnChannel(svc, &stubChannel{peer: peerIdentity("peer-1")})
	m.OnChannel(svc, &stubChannel{peer: peerIdentity("peer-1")})

	require.Len(t, m.Devices(), 1)
}

func TestOnChannelDropsChannelWithNoPeerIdentity(t *testing.T) {
	m, _ := newTestManager(t)
	svc := &stubService{}
	m.OnChannel(svc, &stubChannel{peer: nil})
	require.Len(t, m.Devices(), 0)
}

func TestIdentifyBroadcastsToAllServicesOnEmptyURI(t *testing.T) {
	m, _ := newTestManager(t)
	lan := &stubService{}
	bt := &stubService{}
	m.RegisterService("lan", lan)
	m.RegisterService("bluetooth", bt)

	require.NoError(t, m.Identify(context.Background(), ""))
	require.Equal(t, []string{""}, lan.identifyCalls)
	require.Equal(t, []string{""}, bt.identifyCalls)
}

func TestIdentifyRoutesByScheme(t *testing.T) {
	m, _ := newTestManager(t)
	lan := &stubService{}
	bt := &stubService{}
	m.RegisterService("lan", lan)
	m.RegisterService("bluetooth", bt)

	require.NoError(t, m.Identify(context.Background(), "lan://192.168.1.5:1716"))
	require.Equal(t, []string{"192.168.1.5:1716"}, lan.identifyCalls)
	require.Empty(t, bt.identifyCalls)
}

func TestIdentifyUnknownSchemeErrors(t *testing.T) {
	m, _ := newTestManager(t)
	err := m.Identify(context.Background(), "usb://whatever")
	require.Error(t, err)
}

// TestReapIfIdleDropsDisconnectedUnpairedDevice drives spec.md §4.G
// invariant 6: a Device that is neither connected nor paired is dropped
// from the Manager on the next "device-state-changed" tick.
func TestReapIfIdleDropsDisconnectedUnpairedDevice(t *testing.T) {
	m, bus := newTestManager(t)

	d := device.New("peer-1", t.TempDir(), false, bus, nil)
	m.mu.Lock()
	m.devices[d.ID()] = d
	m.mu.Unlock()
	require.Len(t, m.Devices(), 1)

	bus.Emit("device-state-changed", d)

	require.Eventually(t, func() bool {
		return len(m.Devices()) == 0
	}, time.Second, 10*time.Millisecond)
}

// TestReapIfIdleKeepsConnectedDevice confirms reapIfIdle only drops a
// Device once it is both disconnected and unpaired, not on every signal.
func TestReapIfIdleKeepsConnectedDevice(t *testing.T) {
	m, bus := newTestManager(t)
	svc := &stubService{}

	m.OnChannel(svc, &stubChannel{peer: peerIdentity("peer-1")})
	require.Len(t, m.Devices(), 1)

	d := m.Devices()[0]
	bus.Emit("device-state-changed", d)

	require.Never(t, func() bool {
		return len(m.Devices()) == 0
	}, 200*time.Millisecond, 10*time.Millisecond)
}
