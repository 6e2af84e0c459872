// Package plugin declares the contract by which capability handlers attach
// to a Device. No concrete plugin (clipboard, SMS, file share, SFTP) lives
// in this module — those are external collaborators that consume this
// interface; the core only ever calls through it.
package plugin

import (
	"context"

	pkt "kdeconnectd/internal/packet"
)

// StateFlags mirrors the Device's composite connection/pairing state so a
// plugin can react to transitions without importing the device package.
type StateFlags uint8

const (
	StateNone         StateFlags = 0
	StateConnected    StateFlags = 1 << 0
	StatePaired       StateFlags = 1 << 1
	StatePairIncoming StateFlags = 1 << 2
	StatePairOutgoing StateFlags = 1 << 3
)

// ChannelProtocol names the transport a plugin requires, if any.
type ChannelProtocol string

const (
	ProtocolAny       ChannelProtocol = ""
	ProtocolTCP       ChannelProtocol = "tcp"
	ProtocolBluetooth ChannelProtocol = "bluetooth"
)

// Sender is the narrow surface a Plugin needs from its owning Device:
// enough to answer an incoming packet or push one unprompted, without
// importing the device package (which imports this one).
type Sender interface {
	SendPacket(ctx context.Context, p *pkt.Packet) error
	QueuePacket(p *pkt.Packet)
}

// Plugin is a capability handler attached to exactly one Device for its
// entire lifetime between Enable and the matching Disable.
type Plugin interface {
	// IncomingCapabilities lists the packet types this plugin handles.
	IncomingCapabilities() []string
	// OutgoingCapabilities lists the packet types this plugin may emit.
	OutgoingCapabilities() []string
	// ChannelProtocol restricts instantiation to a matching transport, or
	// ProtocolAny if the plugin works over any Channel.
	ChannelProtocol() ChannelProtocol

	// Enable prepares persistent resources and registers actions. Called
	// once before the first HandlePacket/UpdateState.
	Enable(ctx context.Context, sender Sender) error
	// Disable releases all resources. Called exactly once after a
	// successful Enable, never before one.
	Disable(ctx context.Context) error
	// HandlePacket is invoked only while the owning Device is paired, for
	// any packet whose type is in IncomingCapabilities.
	HandlePacket(ctx context.Context, packetType string, p *pkt.Packet) error
	// UpdateState is called whenever the owning Device's connected/paired
	// state changes.
	UpdateState(state StateFlags)
}
