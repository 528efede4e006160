// Package transproxy relays client TCP flows addressed to virtual addresses
// through an upstream HTTP CONNECT or SOCKS5 proxy. The client keeps talking
// to what it believes is the real server; the splicer forwards its segments
// from an agent address to the proxy and reconciles the sequence spaces of
// both legs around the bytes the proxy negotiation consumed.
package transproxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/google/btree"
	"github.com/irctrakz/transproxy/pkg/core"
	"github.com/irctrakz/transproxy/pkg/ipv4"
	"github.com/irctrakz/transproxy/pkg/logging"
	"github.com/irctrakz/transproxy/pkg/packet"
	"github.com/irctrakz/transproxy/pkg/reactor"
	"github.com/sirupsen/logrus"
)

const (
	agentPortMin = 1025
	agentPortMax = 65500
)

// ErrAgentPoolExhausted is returned when every agent address and port is
// in use.
var ErrAgentPoolExhausted = errors.New("transproxy: agent address pool exhausted")

// Resolver maps virtual addresses back to the hostnames they stand for.
type Resolver interface {
	ResolveReverse(ip netip.Addr) (string, bool)
}

// Config configures a Splicer.
type Config struct {
	// ProxyURL is the upstream proxy, e.g. socks5://192.168.0.1:1080.
	ProxyURL string
	// ClientIP replaces a loopback proxy address, since loopback is not
	// reachable from the tunnel.
	ClientIP netip.Addr
	// AgentMin and AgentMax bound the agent addresses.
	AgentMin, AgentMax netip.Addr
	// IdleTimeout defaults to DefaultIdleTimeout.
	IdleTimeout time.Duration
}

// Splicer is the protocol 6 handler for virtual addresses. It is driven
// from the reactor goroutine.
type Splicer struct {
	sender      ipv4.Sender
	sched       reactor.Scheduler
	resolver    Resolver
	proxy       netip.AddrPort
	scheme      string
	handshake   HandshakeFactory
	idleTimeout time.Duration
	log         *logrus.Entry

	flows  map[packet.AddrPair]*flow
	agents map[netip.AddrPort]*flow
	index  *btree.BTreeG[*flow]

	agentMin, agentMax netip.Addr
	cursor             netip.AddrPort

	admitted          uint64
	maxConns          int
	totalUp           uint64
	totalDown         uint64
	handshakeFailures uint64
	retriesExhausted  uint64
	resets            uint64
}

func flowLess(a, b *flow) bool {
	if c := a.pair.Remote.Compare(b.pair.Remote); c != 0 {
		return c < 0
	}
	return a.pair.Local.Compare(b.pair.Local) < 0
}

// NewSplicer parses the proxy URL, resolving a proxy hostname once, and
// returns a splicer sending through sender.
func NewSplicer(sender ipv4.Sender, sched reactor.Scheduler, resolver Resolver, cfg Config) (*Splicer, error) {
	target, err := ParseProxyURL(cfg.ProxyURL)
	if err != nil {
		return nil, err
	}
	addr, err := resolveProxyHost(target.Host)
	if err != nil {
		return nil, err
	}
	if addr.IsLoopback() && cfg.ClientIP.IsValid() {
		addr = cfg.ClientIP
	}
	if !cfg.AgentMin.Is4() || !cfg.AgentMax.Is4() || cfg.AgentMax.Less(cfg.AgentMin) {
		return nil, fmt.Errorf("invalid agent range %s-%s", cfg.AgentMin, cfg.AgentMax)
	}
	idle := cfg.IdleTimeout
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	s := &Splicer{
		sender:      sender,
		sched:       sched,
		resolver:    resolver,
		proxy:       netip.AddrPortFrom(addr, target.Port),
		scheme:      target.Scheme,
		handshake:   target.Factory,
		idleTimeout: idle,
		log:         logging.Component("transproxy"),
		flows:       make(map[packet.AddrPair]*flow),
		agents:      make(map[netip.AddrPort]*flow),
		index:       btree.NewG(16, flowLess),
		agentMin:    cfg.AgentMin,
		agentMax:    cfg.AgentMax,
		cursor:      netip.AddrPortFrom(cfg.AgentMin, agentPortMin-1),
	}
	s.log.Infof("relaying through %s://%s, agents %s-%s", s.scheme, s.proxy, s.agentMin, s.agentMax)
	return s, nil
}

func resolveProxyHost(host string) (netip.Addr, error) {
	if a, err := netip.ParseAddr(host); err == nil {
		if !a.Is4() {
			return netip.Addr{}, fmt.Errorf("proxy address %s is not IPv4", a)
		}
		return a, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip4", host)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("resolve proxy %s: %w", host, err)
	}
	if len(addrs) == 0 {
		return netip.Addr{}, fmt.Errorf("resolve proxy %s: no IPv4 address", host)
	}
	return addrs[0].Unmap(), nil
}

// ProxyAddr returns the upstream proxy address segments are sent to.
func (s *Splicer) ProxyAddr() netip.AddrPort { return s.proxy }

// DenyProxy reports whether client must never be given virtual addresses:
// the proxy's own traffic has to reach real servers.
func (s *Splicer) DenyProxy(client netip.Addr, host string) bool {
	return client == s.proxy.Addr()
}

// HandlePacket implements ipv4.Handler.
func (s *Splicer) HandlePacket(ip packet.IP) error {
	seg, err := packet.ParseTCP(ip)
	if err != nil {
		s.log.Debugf("drop: %v", err)
		return nil
	}
	pair := seg.Pair()
	if f := s.flows[pair]; f != nil {
		f.dispatch(fromClient, seg)
		return nil
	}
	if f := s.agents[pair.Local]; f != nil {
		if pair.Remote == f.proxy {
			f.dispatch(fromProxy, seg)
		}
		return nil
	}
	host, ok := s.resolver.ResolveReverse(pair.Local.Addr())
	if !ok {
		return nil
	}
	if seg.Flags()&(packet.SYN|packet.ACK|packet.RST) != packet.SYN || pair.Remote.Addr() == s.proxy.Addr() {
		s.reset(seg)
		return nil
	}
	f, err := s.admit(pair, host)
	if err != nil {
		s.log.WithError(err).Errorf("cannot admit %s --> %s", pair.Remote, host)
		return err
	}
	f.dispatch(fromClient, seg)
	return nil
}

func (s *Splicer) admit(pair packet.AddrPair, host string) (*flow, error) {
	agent, err := s.allocAgent()
	if err != nil {
		return nil, err
	}
	f := newFlow(s, pair, agent, host)
	s.flows[pair] = f
	s.agents[agent] = f
	s.index.ReplaceOrInsert(f)
	s.admitted++
	s.maxConns = max(s.maxConns, len(s.flows))
	f.log.Debug("new flow")
	return f, nil
}

// allocAgent advances the round-robin cursor over ports 1025-65500 of each
// agent address in turn, skipping pairs still in use.
func (s *Splicer) allocAgent() (netip.AddrPort, error) {
	ips := uint64(packet.AddrToUint32(s.agentMax)-packet.AddrToUint32(s.agentMin)) + 1
	total := ips * (agentPortMax - agentPortMin + 1)
	for i := uint64(0); i < total; i++ {
		ip, port := s.cursor.Addr(), s.cursor.Port()
		if port >= agentPortMax {
			port = agentPortMin
			ip = ip.Next()
			if !ip.IsValid() || s.agentMax.Less(ip) {
				ip = s.agentMin
			}
		} else {
			port++
		}
		s.cursor = netip.AddrPortFrom(ip, port)
		if s.agents[s.cursor] == nil {
			return s.cursor, nil
		}
	}
	return netip.AddrPort{}, ErrAgentPoolExhausted
}

func (s *Splicer) unlink(f *flow) {
	if f.unlinked {
		return
	}
	f.unlinked = true
	if s.flows[f.pair] == f {
		delete(s.flows, f.pair)
	}
	if s.agents[f.agent] == f {
		delete(s.agents, f.agent)
	}
	s.index.Delete(f)
}

func (s *Splicer) reset(seg packet.TCP) {
	rst, ok := packet.BuildReset(seg)
	if !ok {
		return
	}
	s.resets++
	s.send(rst)
}

func (s *Splicer) send(seg packet.TCP) {
	if err := s.sender.SendPacket(seg.IP); err != nil {
		s.log.WithError(err).Debug("send failed")
	}
}

// Metrics returns a snapshot of the counters.
func (s *Splicer) Metrics() core.SplicerMetrics {
	return core.SplicerMetrics{
		Connections:       len(s.flows),
		MaxConnections:    s.maxConns,
		Flows:             s.admitted,
		UpBytes:           s.totalUp,
		DownBytes:         s.totalDown,
		HandshakeFailures: s.handshakeFailures,
		RetriesExhausted:  s.retriesExhausted,
		Resets:            s.resets,
	}
}
