package wireguard

import (
	"net/netip"

	"github.com/irctrakz/transproxy/pkg/core"
)

// Router is the stack's framer when the WireGuard front end is enabled.
// Packets for a peer go to the device, the rest to fallback, normally the
// kernel TUN that reaches the upstream proxy. Without a fallback every
// packet goes to the device.
type Router struct {
	wg       *WGTun
	fallback core.PacketProcessor
}

// NewRouter creates a router. fallback may be nil.
func NewRouter(wg *WGTun, fallback core.PacketProcessor) *Router {
	return &Router{wg: wg, fallback: fallback}
}

// ProcessPacket implements core.PacketProcessor.
func (r *Router) ProcessPacket(p core.Packet) error {
	data := p.Data()
	if r.fallback == nil || (len(data) >= 20 && r.wg.RoutesToPeer(netip.AddrFrom4([4]byte(data[16:20])))) {
		return r.wg.InjectToPeer(data)
	}
	return r.fallback.ProcessPacket(p)
}
