// Package tcp terminates TCP connections on the virtual network. Endpoints
// are demultiplexed by their address pair and driven entirely from the
// reactor goroutine.
package tcp

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"net/netip"
	"sort"
	"time"

	"github.com/irctrakz/transproxy/pkg/core"
	"github.com/irctrakz/transproxy/pkg/ipv4"
	"github.com/irctrakz/transproxy/pkg/logging"
	"github.com/irctrakz/transproxy/pkg/packet"
	"github.com/irctrakz/transproxy/pkg/reactor"
	"github.com/sirupsen/logrus"
)

// ErrAddressInUse is returned when binding a listener twice.
var ErrAddressInUse = errors.New("tcp: address in use")

// Demux routes inbound segments to endpoints and listeners.
type Demux struct {
	sender    ipv4.Sender
	sched     reactor.Scheduler
	conns     map[packet.AddrPair]*Endpoint
	servers   map[netip.AddrPort]*Server
	serverIPs map[netip.Addr]int
	isn       func() uint32
	log       *logrus.Entry

	accepted   uint64
	connected  uint64
	resetsSent uint64
}

// NewDemux returns a demux sending through sender. Register it with the
// stack for protocol 6.
func NewDemux(sender ipv4.Sender, sched reactor.Scheduler) *Demux {
	return &Demux{
		sender:    sender,
		sched:     sched,
		conns:     make(map[packet.AddrPair]*Endpoint),
		servers:   make(map[netip.AddrPort]*Server),
		serverIPs: make(map[netip.Addr]int),
		isn:       rand.Uint32,
		log:       logging.Component("tcp"),
	}
}

// SetISN replaces the initial sequence number source.
func (d *Demux) SetISN(fn func() uint32) { d.isn = fn }

// HandlePacket implements ipv4.Handler.
func (d *Demux) HandlePacket(ip packet.IP) error {
	seg, err := packet.ParseTCP(ip)
	if err != nil {
		d.log.Debugf("drop: %v", err)
		return nil
	}
	pair := seg.Pair()
	if e := d.conns[pair]; e != nil {
		e.dispatch(seg)
		return nil
	}
	if srv := d.servers[pair.Local]; srv != nil {
		if seg.Flags()&(packet.SYN|packet.ACK|packet.RST) != packet.SYN {
			d.reset(seg)
			return nil
		}
		e := newEndpoint(d, pair.Local.Addr())
		if err := e.accept(pair, srv.listener); err != nil {
			return err
		}
		e.dispatch(seg)
		return nil
	}
	if d.serverIPs[pair.Local.Addr()] > 0 {
		d.reset(seg)
	}
	return nil
}

func (d *Demux) reset(seg packet.TCP) {
	rst, ok := packet.BuildReset(seg)
	if !ok {
		return
	}
	d.resetsSent++
	d.send(rst)
}

func (d *Demux) send(seg packet.TCP) {
	if err := d.sender.SendPacket(seg.IP); err != nil {
		d.log.WithError(err).Debug("send failed")
	}
}

func (d *Demux) lookup(pair packet.AddrPair) *Endpoint { return d.conns[pair] }

func (d *Demux) add(e *Endpoint) { d.conns[e.pair] = e }

func (d *Demux) remove(e *Endpoint) {
	if d.conns[e.pair] == e {
		delete(d.conns, e.pair)
	}
}

// Open returns a closed endpoint bound to localIP for an active open.
func (d *Demux) Open(localIP netip.Addr, l Listener) *Endpoint {
	e := newEndpoint(d, localIP)
	e.listener = l
	return e
}

// Server is a bound listener.
type Server struct {
	demux    *Demux
	addr     netip.AddrPort
	listener ServerListener
	closed   bool
}

// Listen binds l to addr. SYNs to addr create endpoints; other segments to
// addr, or to any port of its IP, are answered with a reset.
func (d *Demux) Listen(addr netip.AddrPort, l ServerListener) (*Server, error) {
	if _, ok := d.servers[addr]; ok {
		return nil, fmt.Errorf("listen %s: %w", addr, ErrAddressInUse)
	}
	s := &Server{demux: d, addr: addr, listener: l}
	d.servers[addr] = s
	d.serverIPs[addr.Addr()]++
	d.log.Debugf("listening on %s", addr)
	return s, nil
}

// Addr returns the bound address.
func (s *Server) Addr() netip.AddrPort { return s.addr }

// Close unbinds the listener. Accepted endpoints are unaffected.
func (s *Server) Close() {
	if s.closed {
		return
	}
	s.closed = true
	d := s.demux
	delete(d.servers, s.addr)
	if d.serverIPs[s.addr.Addr()]--; d.serverIPs[s.addr.Addr()] <= 0 {
		delete(d.serverIPs, s.addr.Addr())
	}
}

// Factory opens endpoints and listeners on one local IP.
type Factory struct {
	demux *Demux
	ip    netip.Addr
}

// Bind returns a factory for ip.
func (d *Demux) Bind(ip netip.Addr) *Factory { return &Factory{demux: d, ip: ip} }

// Listen binds l to port on the factory's IP.
func (f *Factory) Listen(port uint16, l ServerListener) (*Server, error) {
	return f.demux.Listen(netip.AddrPortFrom(f.ip, port), l)
}

// Open returns a closed endpoint on the factory's IP.
func (f *Factory) Open(l Listener) *Endpoint { return f.demux.Open(f.ip, l) }

// Metrics returns a snapshot of the counters.
func (d *Demux) Metrics() core.TCPMetrics {
	return core.TCPMetrics{
		Endpoints:  len(d.conns),
		Listeners:  len(d.servers),
		Accepted:   d.accepted,
		Connected:  d.connected,
		ResetsSent: d.resetsSent,
	}
}

// EndpointInfo describes one live endpoint.
type EndpointInfo struct {
	Local    string    `json:"local"`
	Remote   string    `json:"remote"`
	State    string    `json:"state"`
	Buffered int       `json:"buffered"`
	Created  time.Time `json:"created"`
}

// Endpoints lists the live endpoints ordered by creation.
func (d *Demux) Endpoints() []EndpointInfo {
	out := make([]EndpointInfo, 0, len(d.conns))
	for _, e := range d.conns {
		out = append(out, EndpointInfo{
			Local:    e.pair.Local.String(),
			Remote:   e.pair.Remote.String(),
			State:    e.state.String(),
			Buffered: e.out.Available(),
			Created:  e.created,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Created.Before(out[j].Created) })
	return out
}
