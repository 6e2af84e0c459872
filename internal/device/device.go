// Package device implements the per-peer state machine: binds a Channel,
// drives pairing, dispatches received packets to plugins by type, and
// tracks the connected/paired composite state the Device Manager watches
// to decide when a Device's last reference can be dropped.
package device

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"kdeconnectd/internal/channel"
	"kdeconnectd/internal/eventbus"
	pkt "kdeconnectd/internal/packet"
	"kdeconnectd/internal/plugin"
)

// Errors SendPacket/QueuePacket report, matching the taxonomy spec.md §7
// assigns to Device-level send failures.
var (
	ErrNotConnected     = errors.New("device not connected")
	ErrPermissionDenied = errors.New("device not paired")
	// ErrProtocolMismatch is returned by AttachPlugin when the plugin's
	// required ChannelProtocol doesn't match the bound Channel's transport.
	ErrProtocolMismatch = errors.New("device: plugin channel protocol mismatch")
)

const pairTimeout = 30 * time.Second

// pairMarkerFile is the empty sentinel file whose presence under a
// Device's data directory records the persistent "paired" flag.
const pairMarkerFile = "paired"

// PairRequest is emitted on "pair-request" for an out-of-process listener
// (notification presentation is an explicit out-of-scope collaborator) to
// surface an incoming pairing request with its Accept/Reject actions.
type PairRequest struct {
	DeviceID        string
	Name            string
	VerificationKey string
}

// Directories are the three lazily-created per-device paths a Device and
// its plugins may use for persistent state.
type Directories struct {
	root string
}

func (d Directories) ensure(sub string) (string, error) {
	path := filepath.Join(d.root, sub)
	if err := os.MkdirAll(path, 0700); err != nil {
		return "", fmt.Errorf("device: creating %s: %w", path, err)
	}
	return path, nil
}

func (d Directories) Cache() (string, error)  { return d.ensure("cache") }
func (d Directories) Config() (string, error) { return d.ensure("config") }
func (d Directories) Data() (string, error)   { return d.ensure("data") }

// Device is the per-peer state machine described by §4.F.
type Device struct {
	id     string
	isRoot bool

	events *eventbus.Bus
	logger *zap.Logger
	dirs   Directories

	mu           sync.Mutex
	name         string
	deviceType   string
	incomingCaps map[string]struct{}
	outgoingCaps map[string]struct{}
	paired       bool
	incomingTmr  *time.Timer
	outgoingTmr  *time.Timer
	ch           channel.Channel
	readCancel   context.CancelFunc

	pluginsMu sync.RWMutex
	plugins   []plugin.Plugin
	handlers  map[string]plugin.Plugin
}

// New constructs a Device for id, rooted at <dataRoot>/<id>. isRoot exempts
// this Device's directory from ClearData, matching the reference's
// treatment of one reserved root context.
func New(id, dataRoot string, isRoot bool, events *eventbus.Bus, logger *zap.Logger) *Device {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Device{
		id:           id,
		isRoot:       isRoot,
		events:       events,
		logger:       logger.Named("device").With(zap.String("device", id)),
		dirs:         Directories{root: filepath.Join(dataRoot, id)},
		incomingCaps: map[string]struct{}{},
		outgoingCaps: map[string]struct{}{},
		handlers:     map[string]plugin.Plugin{},
	}
	d.paired = d.loadPairedState()
	return d
}

// ID returns the device's immutable identifier.
func (d *Device) ID() string { return d.id }

func (d *Device) loadPairedState() bool {
	_, err := os.Stat(filepath.Join(d.dirs.root, pairMarkerFile))
	return err == nil
}

func (d *Device) persistPaired(paired bool) {
	path := filepath.Join(d.dirs.root, pairMarkerFile)
	if paired {
		if err := os.MkdirAll(d.dirs.root, 0700); err != nil {
			d.logger.Warn("creating device directory", zap.Error(err))
			return
		}
		if err := os.WriteFile(path, nil, 0600); err != nil {
			d.logger.Warn("writing paired marker", zap.Error(err))
		}
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		d.logger.Warn("removing paired marker", zap.Error(err))
	}
}

// ClearData removes every directory owned by this Device, except the root
// Device's, matching valent-data.c's exemption for the shared root context.
func (d *Device) ClearData() error {
	if d.isRoot {
		return nil
	}
	return os.RemoveAll(d.dirs.root)
}

// StateFlags returns the current composite connected/paired state.
func (d *Device) StateFlags() plugin.StateFlags {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stateFlagsLocked()
}

func (d *Device) stateFlagsLocked() plugin.StateFlags {
	flags := plugin.StateNone
	if d.ch != nil {
		flags |= plugin.StateConnected
	}
	if d.paired {
		flags |= plugin.StatePaired
	}
	if d.incomingTmr != nil {
		flags |= plugin.StatePairIncoming
	}
	if d.outgoingTmr != nil {
		flags |= plugin.StatePairOutgoing
	}
	return flags
}

// Connected reports whether a Channel is currently bound.
func (d *Device) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ch != nil
}

// Paired reports the persistent pairing flag.
func (d *Device) Paired() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.paired
}

// Name and Type return the most recently learned identity fields, empty
// until the first kdeconnect.identity packet arrives.
func (d *Device) Name() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.name
}

func (d *Device) Type() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.deviceType
}

func (d *Device) emitStateChanged() {
	if d.events == nil {
		return
	}
	d.events.Emit("device-state-changed", d)
}

// AttachPlugin enables p against this Device, but only if its required
// ChannelProtocol, if any, matches the bound Channel's transport; it then
// registers p as the handler for every packet type in its
// IncomingCapabilities.
func (d *Device) AttachPlugin(ctx context.Context, p plugin.Plugin) error {
	if required := p.ChannelProtocol(); required != plugin.ProtocolAny {
		d.mu.Lock()
		ch := d.ch
		d.mu.Unlock()
		if ch == nil || ch.Protocol() != required {
			return ErrProtocolMismatch
		}
	}

	if err := p.Enable(ctx, d); err != nil {
		return fmt.Errorf("device: enabling plugin: %w", err)
	}
	d.pluginsMu.Lock()
	defer d.pluginsMu.Unlock()
	d.plugins = append(d.plugins, p)
	for _, t := range p.IncomingCapabilities() {
		d.handlers[t] = p
	}
	p.UpdateState(d.StateFlags())
	return nil
}

// DetachPlugin disables and unregisters every installed plugin, used when
// the Device is being dropped.
func (d *Device) DetachPlugin(ctx context.Context) {
	d.pluginsMu.Lock()
	defer d.pluginsMu.Unlock()
	for _, p := range d.plugins {
		if err := p.Disable(ctx); err != nil {
			d.logger.Warn("disabling plugin", zap.Error(err))
		}
	}
	d.plugins = nil
	d.handlers = map[string]plugin.Plugin{}
}

func (d *Device) notifyPlugins(state plugin.StateFlags) {
	d.pluginsMu.RLock()
	defer d.pluginsMu.RUnlock()
	for _, p := range d.plugins {
		p.UpdateState(state)
	}
}

// SendPacket writes p to the bound Channel. It fails with ErrNotConnected
// if no Channel is bound and ErrPermissionDenied if the Device is not
// paired, never attempting I/O in either case.
func (d *Device) SendPacket(ctx context.Context, p *pkt.Packet) error {
	d.mu.Lock()
	ch := d.ch
	paired := d.paired
	d.mu.Unlock()

	if ch == nil {
		return ErrNotConnected
	}
	if !paired {
		return ErrPermissionDenied
	}
	return ch.WritePacket(ctx, p)
}

// QueuePacket is a fire-and-forget variant for plugins with no use for the
// result: the same NotConnected/PermissionDenied conditions apply, logged
// and dropped rather than returned.
func (d *Device) QueuePacket(p *pkt.Packet) {
	go func() {
		if err := d.SendPacket(context.Background(), p); err != nil {
			d.logger.Debug("dropped queued packet", zap.String("type", p.Type), zap.Error(err))
		}
	}()
}

// SetChannel binds ch as the Device's active Channel, refusing the bind if
// ch's peer identity does not name this Device. Passing nil unbinds and
// asynchronously closes the previously bound Channel. Rebinding closes the
// old channel the same way before adopting the new one.
func (d *Device) SetChannel(ctx context.Context, ch channel.Channel) error {
	if ch != nil {
		peer := ch.PeerIdentity()
		if peer == nil {
			return fmt.Errorf("%w: channel has no peer identity", pkt.ErrInvalidData)
		}
		peerID, ok := peer.GetString("deviceId")
		if !ok || peerID != d.id {
			return fmt.Errorf("%w: channel peer id %q does not match device %q", pkt.ErrInvalidData, peerID, d.id)
		}
	}

	d.mu.Lock()
	old := d.ch
	oldCancel := d.readCancel
	d.ch = ch
	if ch == nil {
		d.readCancel = nil
	}
	d.mu.Unlock()

	if oldCancel != nil {
		oldCancel()
	}
	if old != nil {
		go old.Close(context.Background())
	}

	if ch != nil {
		readCtx, cancel := context.WithCancel(context.Background())
		d.mu.Lock()
		d.readCancel = cancel
		d.mu.Unlock()
		go d.readLoop(readCtx, ch)
	}

	d.emitStateChanged()
	d.notifyPlugins(d.StateFlags())
	return nil
}

// readLoop keeps at most one read_packet outstanding, dispatching each
// result before reissuing the next read, per §5's ordering guarantee.
func (d *Device) readLoop(ctx context.Context, ch channel.Channel) {
	for {
		p, err := ch.ReadPacket(ctx)
		if err != nil {
			d.logger.Debug("channel read ended", zap.Error(err))
			d.mu.Lock()
			if d.ch == ch {
				d.ch = nil
			}
			d.mu.Unlock()
			d.emitStateChanged()
			d.notifyPlugins(d.StateFlags())
			return
		}
		d.handlePacket(ctx, p)
	}
}

func (d *Device) handlePacket(ctx context.Context, p *pkt.Packet) {
	switch p.Type {
	case "kdeconnect.identity":
		d.handleIdentity(p)
	case "kdeconnect.pair":
		d.handlePair(ctx, p)
	default:
		d.mu.Lock()
		paired := d.paired
		d.mu.Unlock()
		if !paired {
			d.QueuePacket(pairPacket(false))
			return
		}
		d.pluginsMu.RLock()
		h, ok := d.handlers[p.Type]
		d.pluginsMu.RUnlock()
		if !ok {
			d.logger.Debug("no handler for packet type", zap.String("type", p.Type))
			return
		}
		if err := h.HandlePacket(ctx, p.Type, p); err != nil {
			d.logger.Warn("plugin handler failed", zap.String("type", p.Type), zap.Error(err))
		}
	}
}

func (d *Device) handleIdentity(p *pkt.Packet) {
	peerID, ok := p.GetString("deviceId")
	if !ok || peerID != d.id {
		d.logger.Error("identity packet deviceId mismatch", zap.String("got", peerID))
		return
	}

	name, _ := p.GetString("deviceName")
	deviceType, _ := p.GetString("deviceType")
	incoming, _ := p.DupStrv("incomingCapabilities")
	outgoing, _ := p.DupStrv("outgoingCapabilities")

	d.mu.Lock()
	d.name = name
	d.deviceType = deviceType
	d.incomingCaps = toSet(incoming)
	d.outgoingCaps = toSet(outgoing)
	d.mu.Unlock()

	d.emitStateChanged()
}

func toSet(ss []string) map[string]struct{} {
	out := make(map[string]struct{}, len(ss))
	for _, s := range ss {
		out[s] = struct{}{}
	}
	return out
}

func pairPacket(pair bool) *pkt.Packet {
	p := pkt.New("kdeconnect.pair")
	p.SetBody("pair", pair)
	return p
}

// RequestPair starts an outgoing pairing request, a no-op if already paired.
func (d *Device) RequestPair(ctx context.Context) error {
	d.mu.Lock()
	if d.paired {
		d.mu.Unlock()
		return nil
	}
	d.stopTimerLocked(&d.outgoingTmr)
	d.outgoingTmr = time.AfterFunc(pairTimeout, d.onOutgoingTimeout)
	d.mu.Unlock()

	if err := d.SendPacketUnpaired(ctx, pairPacket(true)); err != nil {
		d.mu.Lock()
		d.stopTimerLocked(&d.outgoingTmr)
		d.mu.Unlock()
		return err
	}
	d.emitStateChanged()
	return nil
}

// SendPacketUnpaired bypasses the paired check SendPacket enforces, for the
// pair packets that must flow before pairing completes.
func (d *Device) SendPacketUnpaired(ctx context.Context, p *pkt.Packet) error {
	d.mu.Lock()
	ch := d.ch
	d.mu.Unlock()
	if ch == nil {
		return ErrNotConnected
	}
	return ch.WritePacket(ctx, p)
}

func (d *Device) handlePair(ctx context.Context, p *pkt.Packet) {
	pairVal, _ := p.GetBool("pair")
	if pairVal {
		d.handlePairTrue(ctx)
		return
	}
	d.handlePairFalse()
}

func (d *Device) handlePairTrue(ctx context.Context) {
	d.mu.Lock()
	switch {
	case d.outgoingTmr != nil:
		d.stopTimerLocked(&d.outgoingTmr)
		d.stopTimerLocked(&d.incomingTmr)
		d.paired = true
		ch := d.ch
		d.mu.Unlock()

		d.persistPaired(true)
		if ch != nil {
			if err := ch.StoreTrust(ctx, d.dirs.root); err != nil {
				d.logger.Warn("storing trust material", zap.Error(err))
			}
		}
		d.emitStateChanged()
		d.notifyPlugins(d.StateFlags())
		return

	case d.paired:
		d.mu.Unlock()
		d.QueuePacket(pairPacket(true))
		return

	default:
		d.stopTimerLocked(&d.incomingTmr)
		d.incomingTmr = time.AfterFunc(pairTimeout, d.onIncomingTimeout)
		name := d.name
		ch := d.ch
		d.mu.Unlock()

		verKey := ""
		if ch != nil {
			if k, ok := ch.VerificationKey(); ok {
				verKey = k
			}
		}

		if d.events != nil {
			d.events.Emit("pair-request", PairRequest{DeviceID: d.id, Name: name, VerificationKey: verKey})
		}
		d.emitStateChanged()
	}
}

func (d *Device) handlePairFalse() {
	d.mu.Lock()
	wasPaired := d.paired
	d.stopTimerLocked(&d.incomingTmr)
	d.stopTimerLocked(&d.outgoingTmr)
	d.paired = false
	d.mu.Unlock()

	if wasPaired {
		d.persistPaired(false)
		d.clearTrustMaterial()
	}
	d.emitStateChanged()
	d.notifyPlugins(d.StateFlags())
}

func (d *Device) onIncomingTimeout() {
	d.mu.Lock()
	d.incomingTmr = nil
	d.mu.Unlock()
	d.emitStateChanged()
}

func (d *Device) onOutgoingTimeout() {
	d.mu.Lock()
	d.outgoingTmr = nil
	d.mu.Unlock()
	d.emitStateChanged()
}

// stopTimerLocked stops and clears *t. Caller holds d.mu.
func (d *Device) stopTimerLocked(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func (d *Device) clearTrustMaterial() {
	path := filepath.Join(d.dirs.root, "identity.json")
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		d.logger.Warn("removing trust material", zap.Error(err))
	}
}

// AcceptPair is the "pair" device action: sends pair:true and marks the
// Device paired immediately, the local half of the symmetric protocol.
func (d *Device) AcceptPair(ctx context.Context) error {
	d.mu.Lock()
	d.stopTimerLocked(&d.incomingTmr)
	d.stopTimerLocked(&d.outgoingTmr)
	d.paired = true
	d.mu.Unlock()

	d.persistPaired(true)
	if err := d.SendPacketUnpaired(ctx, pairPacket(true)); err != nil {
		return err
	}
	d.emitStateChanged()
	d.notifyPlugins(d.StateFlags())
	return nil
}

// Unpair is the "unpair" device action, also used to reject an incoming
// request: sends pair:false and clears the persisted pairing state and
// trust material.
func (d *Device) Unpair(ctx context.Context) error {
	d.mu.Lock()
	d.stopTimerLocked(&d.incomingTmr)
	d.stopTimerLocked(&d.outgoingTmr)
	d.paired = false
	d.mu.Unlock()

	d.persistPaired(false)
	d.clearTrustMaterial()
	err := d.SendPacketUnpaired(ctx, pairPacket(false))
	d.emitStateChanged()
	d.notifyPlugins(d.StateFlags())
	return err
}
