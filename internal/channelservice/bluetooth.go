package channelservice

import (
	"bufio"
	"context"
	"encoding/pem"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/muka/go-bluetooth/bluez/profile/adapter"
	"github.com/muka/go-bluetooth/bluez/profile/device"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"kdeconnectd/internal/certstore"
	"kdeconnectd/internal/channel"
	"kdeconnectd/internal/muxer"
	pkt "kdeconnectd/internal/packet"
)

// ProfileUUID is the RFCOMM service UUID KDE Connect registers with BlueZ,
// and ProfileChannel the fixed RFCOMM channel it requests.
const (
	ProfileUUID    = "185f3df4-3268-4e3f-9fca-d4d5059915bd"
	ProfileChannel = 6
	profilePath    = "/org/kdeconnectd/bluez/profile"
)

// BluetoothService registers a BlueZ org.bluez.Profile1 object for the RFCOMM
// UUID KDE Connect uses, and turns every inbound or outbound connection BlueZ
// hands back into a Multiplexer-backed Channel.
type BluetoothService struct {
	identity  IdentityFunc
	id        *certstore.Identity
	bufferSize uint32
	onChannel func(*channel.BluetoothChannel)
	logger    *zap.Logger

	conn     *dbus.Conn
	adapterID *adapter.Adapter1

	mu      sync.Mutex
	started bool
}

// NewBluetoothService constructs a Bluetooth Channel Service. bufferSize is
// the per-multiplexer ring buffer size; 0 selects muxer.DefaultBufferSize.
func NewBluetoothService(identity IdentityFunc, id *certstore.Identity, bufferSize uint32, onChannel func(*channel.BluetoothChannel), logger *zap.Logger) *BluetoothService {
	if bufferSize == 0 {
		bufferSize = muxer.DefaultBufferSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BluetoothService{
		identity:   identity,
		id:         id,
		bufferSize: bufferSize,
		onChannel:  onChannel,
		logger:     logger.Named("channelservice.bluetooth"),
	}
}

// BuildIdentity returns the current identity packet with this device's
// certificate PEM attached, since Bluetooth has no TLS layer to carry it.
func (s *BluetoothService) BuildIdentity() *pkt.Packet {
	p := buildIdentityPacket(s.identity())
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: s.id.Leaf().Raw})
	p.SetBody("certificate", string(certPEM))
	return p
}

// Start registers the Profile1 object with BlueZ's ProfileManager1 and
// powers on the default adapter. Incoming and outgoing RFCOMM connections
// for ProfileUUID are delivered through the NewConnection D-Bus method.
func (s *BluetoothService) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	conn, err := dbus.SystemBus()
	if err != nil {
		return fmt.Errorf("channelservice: connecting to system bus: %w", err)
	}

	a, err := adapter.GetDefaultAdapter()
	if err != nil {
		conn.Close()
		return fmt.Errorf("channelservice: no bluetooth adapter: %w", err)
	}
	if err := a.SetPowered(true); err != nil {
		s.logger.Warn("could not power on adapter", zap.Error(err))
	}

	if err := conn.Export(&profileHandler{svc: s}, dbus.ObjectPath(profilePath), "org.bluez.Profile1"); err != nil {
		conn.Close()
		return fmt.Errorf("channelservice: exporting profile object: %w", err)
	}

	opts := map[string]dbus.Variant{
		"Name":                  dbus.MakeVariant("KDE Connect"),
		"RequireAuthentication": dbus.MakeVariant(true),
		"Channel":               dbus.MakeVariant(uint16(ProfileChannel)),
	}
	manager := conn.Object("org.bluez", dbus.ObjectPath("/org/bluez"))
	call := manager.Call("org.bluez.ProfileManager1.RegisterProfile", 0,
		dbus.ObjectPath(profilePath), ProfileUUID, opts)
	if call.Err != nil {
		conn.Close()
		return fmt.Errorf("channelservice: registering profile: %w", call.Err)
	}

	s.conn = conn
	s.adapterID = a
	s.started = true
	return nil
}

// Stop unregisters the profile and closes the bus connection.
func (s *BluetoothService) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	s.started = false
	manager := s.conn.Object("org.bluez", dbus.ObjectPath("/org/bluez"))
	manager.Call("org.bluez.ProfileManager1.UnregisterProfile", 0, dbus.ObjectPath(profilePath))
	s.conn.Close()
}

// Identify connects to the given Bluetooth address ("XX:XX:XX:XX:XX:XX"),
// triggering BlueZ to deliver the resulting connection through
// NewConnection once established. An empty target is a no-op: Bluetooth has
// no broadcast discovery analogue to LAN's UDP announce.
func (s *BluetoothService) Identify(ctx context.Context, target string) error {
	if target == "" {
		return nil
	}
	dev, err := s.findDevice(target)
	if err != nil {
		return err
	}
	if err := dev.ConnectProfile(ProfileUUID); err != nil {
		return fmt.Errorf("channelservice: connecting profile to %s: %w", target, err)
	}
	return nil
}

func (s *BluetoothService) findDevice(addr string) (*device.Device1, error) {
	devices, err := s.adapterID.GetDevices()
	if err != nil {
		return nil, fmt.Errorf("channelservice: listing devices: %w", err)
	}
	for _, d := range devices {
		if d.Properties.Address == addr {
			return d, nil
		}
	}
	return nil, fmt.Errorf("channelservice: no known device at %s", addr)
}

// handleConnection turns a raw RFCOMM fd handed back by BlueZ into a
// Multiplexer, performs the version handshake, exchanges identity packets
// over the primary stream (outgoing connects send first, mirroring the LAN
// cleartext exchange), and hands the resulting Channel to onChannel.
func (s *BluetoothService) handleConnection(fd int, peerAddr string, outgoing bool) {
	f := os.NewFile(uintptr(fd), "bluetooth-rfcomm")
	conn, err := net.FileConn(f)
	f.Close()
	if err != nil {
		s.logger.Warn("wrapping rfcomm fd failed", zap.Error(err), zap.String("peer", peerAddr))
		unix.Close(fd)
		return
	}

	mux := muxer.New(conn, s.bufferSize, s.logger)
	ctx := context.Background()
	primary, err := mux.Handshake(ctx)
	if err != nil {
		s.logger.Warn("muxer handshake failed", zap.Error(err), zap.String("peer", peerAddr))
		mux.Close()
		return
	}

	peerIdentity, err := s.exchangeIdentity(primary, outgoing)
	if err != nil {
		s.logger.Warn("identity exchange failed", zap.Error(err), zap.String("peer", peerAddr))
		mux.Close()
		return
	}

	ch := channel.NewBluetoothChannel(mux, primary, peerIdentity)
	s.onChannel(ch)
}

func (s *BluetoothService) exchangeIdentity(primary *muxer.Stream, sendFirst bool) (*pkt.Packet, error) {
	sa := &primaryStreamAdapter{stream: primary}
	br := bufio.NewReader(sa)
	ours := s.BuildIdentity()

	writeOurs := func() error {
		data, err := ours.Serialise()
		if err != nil {
			return err
		}
		return sa.writeAll(data)
	}
	readPeer := func() (*pkt.Packet, error) {
		line, err := br.ReadBytes('\n')
		if err != nil {
			return nil, fmt.Errorf("reading peer identity: %w", err)
		}
		return pkt.Parse(line)
	}

	if sendFirst {
		if err := writeOurs(); err != nil {
			return nil, err
		}
		return readPeer()
	}
	peer, err := readPeer()
	if err != nil {
		return nil, err
	}
	if err := writeOurs(); err != nil {
		return nil, err
	}
	return peer, nil
}

// primaryStreamAdapter presents a muxer.Stream as a plain io.ReadWriter for
// the pre-Channel identity exchange, before channel.NewBluetoothChannel
// takes ownership of the stream.
type primaryStreamAdapter struct {
	stream *muxer.Stream
}

func (a *primaryStreamAdapter) Read(p []byte) (int, error) {
	return a.stream.Read(context.Background(), p, true)
}

func (a *primaryStreamAdapter) writeAll(p []byte) error {
	total := 0
	for total < len(p) {
		n, err := a.stream.Write(context.Background(), p[total:], true)
		total += n
		if err != nil {
			return err
		}
	}
	return nil
}

// profileHandler implements org.bluez.Profile1, dispatching BlueZ's
// NewConnection callback back into the owning BluetoothService. BlueZ calls
// this both for connections we accepted and connections we initiated via
// Device1.ConnectProfile, with no flag distinguishing the two, so every
// NewConnection is handled as the side that sends its identity first. The
// peer's initial READ grant (its buffer size) covers that write while the
// identity packet fits in it, so the exchange completes whether the peer
// reads first or also sends first.
type profileHandler struct {
	svc *BluetoothService
}

func (h *profileHandler) NewConnection(devicePath dbus.ObjectPath, fd dbus.UnixFD, _ map[string]dbus.Variant) *dbus.Error {
	go h.svc.handleConnection(int(fd), string(devicePath), true)
	return nil
}

func (h *profileHandler) RequestDisconnection(devicePath dbus.ObjectPath) *dbus.Error {
	return nil
}

func (h *profileHandler) Release() *dbus.Error {
	return nil
}
