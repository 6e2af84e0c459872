// Package channelservice implements the per-transport announce/accept/
// handshake responsibility: for LAN and Bluetooth it advertises the local
// device, completes the transport-specific handshake with a peer, and
// hands a ready channel.Channel off to whoever is listening.
package channelservice

import (
	"context"

	pkt "kdeconnectd/internal/packet"
)

// ProtocolVersion is the fixed protocol version this implementation
// advertises, matching spec.md's "currently 7".
const ProtocolVersion = 7

// IdentityInfo is the device metadata a Service merges into an identity
// packet. IncomingCapabilities and OutgoingCapabilities are the capability
// strings to advertise; the IdentityFunc that returns this struct is called
// on every BuildIdentity, so a changed list is reflected immediately.
type IdentityInfo struct {
	DeviceID             string
	DeviceName           string
	DeviceType           string
	IncomingCapabilities []string
	OutgoingCapabilities []string
}

// IdentityFunc supplies the current identity metadata; Services call it on
// every BuildIdentity so changes (renaming, plugin reload) take effect on
// the next announce without restarting the service.
type IdentityFunc func() IdentityInfo

// Service is the per-transport contract: build the outgoing identity,
// start/stop listening for peers, and (re)announce on demand.
type Service interface {
	BuildIdentity() *pkt.Packet
	Start(ctx context.Context) error
	Stop()
	Identify(ctx context.Context, target string) error
}

func buildIdentityPacket(info IdentityInfo) *pkt.Packet {
	p := pkt.New("kdeconnect.identity")
	p.SetBody("deviceId", info.DeviceID)
	p.SetBody("deviceName", info.DeviceName)
	p.SetBody("deviceType", info.DeviceType)
	p.SetBody("protocolVersion", int64(ProtocolVersion))
	p.SetBody("incomingCapabilities", toAnySlice(info.IncomingCapabilities))
	p.SetBody("outgoingCapabilities", toAnySlice(info.OutgoingCapabilities))
	return p
}

func toAnySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
