// Package wireguard is the WireGuard front end. Clients connect to a
// userspace wireguard-go device whose plaintext side is a WGTun: packets the
// device decrypts are dispatched into the stack, and packets the stack
// addresses to a peer are queued for the device to encrypt.
package wireguard

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/irctrakz/transproxy/pkg/core"
	"github.com/irctrakz/transproxy/pkg/logging"
	"github.com/irctrakz/transproxy/pkg/packet"
	"github.com/sirupsen/logrus"
	wtun "golang.zx2c4.com/wireguard/tun"
)

const (
	defaultMTU      = 1420
	defaultQueueCap = 1024
	batchSize       = 16
)

// ErrQueueFull is returned when the device has not drained enough of the
// outbound queue.
var ErrQueueFull = errors.New("wireguard: tun queue full")

// WGTun implements wireguard-go's tun.Device in userspace.
type WGTun struct {
	name    string
	mtu     int
	inbound core.PacketProcessor

	outCh     chan []byte
	events    chan wtun.Event
	closed    chan struct{}
	closeOnce sync.Once

	peers   atomic.Pointer[[]netip.Prefix]
	exclude atomic.Pointer[func(netip.Addr) bool]

	bytesFromPeers atomic.Uint64
	bytesToPeers   atomic.Uint64
	peerRoutes     atomic.Uint64
	queueDrops     atomic.Uint64
	nonIPv4        atomic.Uint64

	log *logrus.Entry
}

// NewWGTun creates a WGTun handing decrypted packets to inbound. inbound is
// called from the device's goroutines with a packet it may keep.
func NewWGTun(name string, mtu int, inbound core.PacketProcessor) *WGTun {
	return newWGTun(name, mtu, inbound, defaultQueueCap)
}

func newWGTun(name string, mtu int, inbound core.PacketProcessor, queueCap int) *WGTun {
	if mtu <= 0 {
		mtu = defaultMTU
	}
	t := &WGTun{
		name:    name,
		mtu:     mtu,
		inbound: inbound,
		outCh:   make(chan []byte, queueCap),
		events:  make(chan wtun.Event, 2),
		closed:  make(chan struct{}),
		log:     logging.Component("wireguard"),
	}
	t.events <- wtun.EventUp
	return t
}

// SetPeerPrefixes sets the peers' allowed IPs. Default routes are ignored
// so that a catch-all peer does not swallow the stack's own traffic.
func (t *WGTun) SetPeerPrefixes(cidrs []string) error {
	var prefixes []netip.Prefix
	for _, c := range cidrs {
		p, err := netip.ParsePrefix(strings.TrimSpace(c))
		if err != nil {
			return fmt.Errorf("invalid peer prefix %q: %w", c, err)
		}
		if !p.Addr().Is4() || p.Bits() == 0 {
			continue
		}
		prefixes = append(prefixes, p.Masked())
	}
	t.peers.Store(&prefixes)
	return nil
}

// SetExclude sets the addresses served by the stack itself. Packets from a
// peer to such an address are never routed back to another peer. fn is
// called concurrently.
func (t *WGTun) SetExclude(fn func(netip.Addr) bool) { t.exclude.Store(&fn) }

// RoutesToPeer reports whether dst lies inside a peer's allowed IPs.
func (t *WGTun) RoutesToPeer(dst netip.Addr) bool {
	p := t.peers.Load()
	if p == nil {
		return false
	}
	for _, prefix := range *p {
		if prefix.Contains(dst) {
			return true
		}
	}
	return false
}

func (t *WGTun) excluded(dst netip.Addr) bool {
	fn := t.exclude.Load()
	return fn != nil && (*fn)(dst)
}

// InjectToPeer queues a plaintext packet for the device. b is copied.
func (t *WGTun) InjectToPeer(b []byte) error {
	select {
	case <-t.closed:
		return os.ErrClosed
	default:
	}
	cp := append([]byte(nil), b...)
	select {
	case t.outCh <- cp:
		t.bytesToPeers.Add(uint64(len(cp)))
		return nil
	default:
		t.queueDrops.Add(1)
		return ErrQueueFull
	}
}

// File implements tun.Device; there is no backing file.
func (t *WGTun) File() *os.File { return nil }

// Name implements tun.Device.
func (t *WGTun) Name() (string, error) { return t.name, nil }

// MTU implements tun.Device.
func (t *WGTun) MTU() (int, error) { return t.mtu, nil }

// Events implements tun.Device.
func (t *WGTun) Events() <-chan wtun.Event { return t.events }

// BatchSize implements tun.Device.
func (t *WGTun) BatchSize() int { return batchSize }

// Read implements tun.Device. It blocks for the first queued packet and
// then takes whatever else is queued, up to len(bufs).
func (t *WGTun) Read(bufs [][]byte, sizes []int, offset int) (int, error) {
	if len(bufs) == 0 {
		return 0, nil
	}
	if offset > len(bufs[0]) {
		return 0, fmt.Errorf("wireguard: read offset %d beyond buffer", offset)
	}
	var pkt []byte
	select {
	case <-t.closed:
		return 0, os.ErrClosed
	case pkt = <-t.outCh:
	}
	n := 0
	for {
		sizes[n] = copy(bufs[n][offset:], pkt)
		n++
		if n == len(bufs) || offset > len(bufs[n]) {
			return n, nil
		}
		select {
		case pkt = <-t.outCh:
		default:
			return n, nil
		}
	}
}

// Write implements tun.Device. Packets for another peer go straight back
// to the device; everything else enters the stack.
func (t *WGTun) Write(bufs [][]byte, offset int) (int, error) {
	for _, b := range bufs {
		if offset >= len(b) {
			continue
		}
		pkt := b[offset:]
		if len(pkt) < 20 || pkt[0]>>4 != 4 {
			t.nonIPv4.Add(1)
			t.log.Debugf("dropping non-IPv4 frame of %d bytes", len(pkt))
			continue
		}
		dst := netip.AddrFrom4([4]byte(pkt[16:20]))
		if t.RoutesToPeer(dst) && !t.excluded(dst) {
			t.peerRoutes.Add(1)
			if err := t.InjectToPeer(pkt); err != nil {
				t.log.WithError(err).Debugf("peer route to %s failed", dst)
			}
			continue
		}
		t.bytesFromPeers.Add(uint64(len(pkt)))
		// the inbound processor owns the buffer and releases it
		cp := packet.GetBuffer(len(pkt))
		copy(cp, pkt)
		if err := t.inbound.ProcessPacket(core.NewPooledPacket(cp, packet.PutBuffer)); err != nil {
			t.log.WithError(err).Debug("inbound packet rejected")
		}
	}
	return len(bufs), nil
}

// Close implements tun.Device.
func (t *WGTun) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
		select {
		case t.events <- wtun.EventDown:
		default:
		}
		close(t.events)
	})
	return nil
}

// Metrics returns a snapshot of the counters.
func (t *WGTun) Metrics() core.WireGuardMetrics {
	return core.WireGuardMetrics{
		BytesFromPeers: t.bytesFromPeers.Load(),
		BytesToPeers:   t.bytesToPeers.Load(),
		PeerRoutes:     t.peerRoutes.Load(),
		QueueDrops:     t.queueDrops.Load(),
		NonIPv4:        t.nonIPv4.Load(),
	}
}
