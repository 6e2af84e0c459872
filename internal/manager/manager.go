// Package manager implements the Device Manager: owns the local identity,
// starts and stops Channel Services, materialises Devices from identity
// packets carried on freshly established Channels, persists per-device
// state across restarts, and routes identify requests to the right
// transport.
package manager

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"kdeconnectd/internal/certstore"
	"kdeconnectd/internal/channel"
	"kdeconnectd/internal/channelservice"
	"kdeconnectd/internal/device"
	"kdeconnectd/internal/eventbus"
)

// Manager owns the local certificate identity, every enabled Channel
// Service, and the set of known Devices keyed by DeviceId.
type Manager struct {
	id       *certstore.Identity
	dataRoot string
	events   *eventbus.Bus
	logger   *zap.Logger
	identity func() channelservice.IdentityInfo

	mu       sync.Mutex
	services map[string]channelservice.Service
	devices  map[string]*device.Device

	cancel context.CancelFunc
}

// Config supplies the knobs Init needs: which device metadata to
// advertise and where per-device state lives.
type Config struct {
	DeviceName           string
	DeviceType           string
	DataRoot             string
	IncomingCapabilities []string
	OutgoingCapabilities []string
}

// Init ensures the local certificate identity exists in configDir, then
// scans dataRoot for previously-known devices (any subdirectory containing
// identity.json) and materialises a disconnected, unpaired-or-paired
// Device for each, so reconnecting peers are recognised immediately.
func Init(configDir string, cfg Config, events *eventbus.Bus, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	id, err := certstore.LoadOrCreate(configDir)
	if err != nil {
		return nil, fmt.Errorf("manager: loading local identity: %w", err)
	}

	m := &Manager{
		id:       id,
		dataRoot: cfg.DataRoot,
		events:   events,
		logger:   logger.Named("manager"),
		services: map[string]channelservice.Service{},
		devices:  map[string]*device.Device{},
	}
	m.identity = func() channelservice.IdentityInfo {
		return channelservice.IdentityInfo{
			DeviceID:             id.CommonName(),
			DeviceName:           cfg.DeviceName,
			DeviceType:           cfg.DeviceType,
			IncomingCapabilities: cfg.IncomingCapabilities,
			OutgoingCapabilities: cfg.OutgoingCapabilities,
		}
	}

	if err := m.loadKnownDevices(); err != nil {
		return nil, err
	}
	if events != nil {
		events.On("device-state-changed", m.reapIfIdle)
	}
	return m, nil
}

// LocalDeviceID returns the Common Name of the local identity certificate.
func (m *Manager) LocalDeviceID() string {
	return m.id.CommonName()
}

func (m *Manager) loadKnownDevices() error {
	entries, err := os.ReadDir(m.dataRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("manager: scanning %s: %w", m.dataRoot, err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		identityPath := filepath.Join(m.dataRoot, entry.Name(), "identity.json")
		if _, err := os.Stat(identityPath); err != nil {
			continue
		}
		m.mu.Lock()
		m.devices[entry.Name()] = device.New(entry.Name(), m.dataRoot, false, m.events, m.logger)
		m.mu.Unlock()
	}
	return nil
}

// RegisterService adds a Channel Service under name (its "scheme" for
// identify routing, e.g. "lan" or "bluetooth") but does not start it.
func (m *Manager) RegisterService(name string, svc channelservice.Service) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.services[name] = svc
}

// Start begins every registered Channel Service under a context that Stop
// cancels. Established channels reach OnChannel through the callback each
// service was constructed with, not through Start.
func (m *Manager) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.mu.Lock()
	services := make(map[string]channelservice.Service, len(m.services))
	for name, svc := range m.services {
		services[name] = svc
	}
	m.mu.Unlock()

	for name, svc := range services {
		if err := svc.Start(runCtx); err != nil {
			return fmt.Errorf("manager: starting %s channel service: %w", name, err)
		}
	}
	return nil
}

// Stop cancels the shared context and stops every registered service.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.mu.Lock()
	services := make([]channelservice.Service, 0, len(m.services))
	for _, svc := range m.services {
		services = append(services, svc)
	}
	m.mu.Unlock()

	for _, svc := range services {
		svc.Stop()
	}
}

// OnChannel implements the Manager half of on_channel(svc, channel):
// extract the peer identity and deviceId, find-or-create the Device, bind
// the channel, and reap the Device later if it ends up neither connected
// nor paired.
func (m *Manager) OnChannel(svc channelservice.Service, ch channel.Channel) {
	svcType := fmt.Sprintf("%T", svc)

	peer := ch.PeerIdentity()
	if peer == nil {
		m.logger.Warn("channel ready with no peer identity", zap.String("service", svcType))
		ch.Close(context.Background())
		return
	}
	deviceID, ok := peer.GetString("deviceId")
	if !ok || deviceID == "" {
		m.logger.Warn("channel ready with empty deviceId", zap.String("service", svcType))
		ch.Close(context.Background())
		return
	}

	m.mu.Lock()
	d, existed := m.devices[deviceID]
	if !existed {
		d = device.New(deviceID, m.dataRoot, false, m.events, m.logger)
		m.devices[deviceID] = d
	}
	m.mu.Unlock()

	if !existed && m.events != nil {
		m.events.Emit("device-added", d)
	}

	if err := d.SetChannel(context.Background(), ch); err != nil {
		m.logger.Warn("rejecting channel", zap.String("device", deviceID), zap.Error(err))
		ch.Close(context.Background())
		return
	}
}

// reapIfIdle drops the Manager's reference to a Device that is neither
// connected nor paired. eventbus.Emit already runs each listener in its own
// goroutine, so this never executes on the call stack that produced the
// state change — the use-after-free class the reference process guards
// against (observing a Device disappear mid-signal-handler) can't occur here.
func (m *Manager) reapIfIdle(data any) {
	d, ok := data.(*device.Device)
	if !ok {
		return
	}
	if d.Connected() || d.Paired() {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.devices[d.ID()]; ok && cur == d {
		delete(m.devices, d.ID())
	}
}

// Devices returns a snapshot of every currently known Device.
func (m *Manager) Devices() []*device.Device {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*device.Device, 0, len(m.devices))
	for _, d := range m.devices {
		out = append(out, d)
	}
	return out
}

// Identify routes an identify request: an empty uri broadcasts to every
// registered service; "<scheme>://<addr>" dispatches only to the service
// registered under <scheme>, passing <addr> as its target.
func (m *Manager) Identify(ctx context.Context, uri string) error {
	m.mu.Lock()
	services := make(map[string]channelservice.Service, len(m.services))
	for name, svc := range m.services {
		services[name] = svc
	}
	m.mu.Unlock()

	if uri == "" {
		var firstErr error
		for name, svc := range services {
			if err := svc.Identify(ctx, ""); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("manager: identify on %s: %w", name, err)
			}
		}
		return firstErr
	}

	scheme, addr, ok := splitSchemeAddr(uri)
	if !ok {
		return fmt.Errorf("manager: malformed identify uri %q", uri)
	}
	svc, ok := services[scheme]
	if !ok {
		return fmt.Errorf("manager: no channel service registered for scheme %q", scheme)
	}
	return svc.Identify(ctx, addr)
}

func splitSchemeAddr(uri string) (scheme, addr string, ok bool) {
	for i := 0; i+2 < len(uri); i++ {
		if uri[i] == ':' && uri[i+1] == '/' && uri[i+2] == '/' {
			return uri[:i], uri[i+3:], true
		}
	}
	return "", "", false
}
