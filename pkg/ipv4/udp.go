package ipv4

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/irctrakz/transproxy/pkg/logging"
	"github.com/irctrakz/transproxy/pkg/packet"
	"github.com/sirupsen/logrus"
)

// ErrAddressInUse is returned when binding an address that already has a
// socket.
var ErrAddressInUse = errors.New("address already in use")

// UDPHandler receives datagrams addressed to a bound socket.
type UDPHandler interface {
	HandleDatagram(sock *UDPSocket, from netip.AddrPort, payload []byte)
}

// UDPHandlerFunc adapts a function to UDPHandler.
type UDPHandlerFunc func(sock *UDPSocket, from netip.AddrPort, payload []byte)

func (f UDPHandlerFunc) HandleDatagram(sock *UDPSocket, from netip.AddrPort, payload []byte) {
	f(sock, from, payload)
}

// UDPTable demultiplexes UDP datagrams to sockets by destination address.
type UDPTable struct {
	sender  Sender
	sockets map[netip.AddrPort]*UDPSocket
	log     *logrus.Entry
}

// NewUDPTable registers a UDP demultiplexer on stack.
func NewUDPTable(stack *Stack) *UDPTable {
	t := &UDPTable{
		sender:  stack,
		sockets: make(map[netip.AddrPort]*UDPSocket),
		log:     logging.Component("udp"),
	}
	stack.RegisterProtocol(packet.ProtoUDP, t)
	return t
}

// Bind creates a socket receiving datagrams sent to addr.
func (t *UDPTable) Bind(addr netip.AddrPort, h UDPHandler) (*UDPSocket, error) {
	if _, ok := t.sockets[addr]; ok {
		return nil, fmt.Errorf("udp bind %s: %w", addr, ErrAddressInUse)
	}
	s := &UDPSocket{table: t, local: addr, handler: h}
	t.sockets[addr] = s
	return s, nil
}

// HandlePacket implements Handler.
func (t *UDPTable) HandlePacket(ip packet.IP) error {
	u, err := packet.ParseUDP(ip)
	if err != nil {
		t.log.Debugf("dropping udp datagram: %v", err)
		return nil
	}
	s, ok := t.sockets[u.Dst()]
	if !ok {
		return nil
	}
	if !u.VerifyChecksum() {
		t.log.Debugf("dropping udp datagram with bad checksum %s -> %s", u.Src(), u.Dst())
		return nil
	}
	s.handler.HandleDatagram(s, u.Src(), u.Payload())
	return nil
}

// UDPSocket is a bound UDP address on the raw stack.
type UDPSocket struct {
	table   *UDPTable
	local   netip.AddrPort
	handler UDPHandler
	closed  bool
}

// LocalAddr returns the bound address.
func (s *UDPSocket) LocalAddr() netip.AddrPort { return s.local }

// SendTo transmits payload from the bound address to dst.
func (s *UDPSocket) SendTo(dst netip.AddrPort, payload []byte) error {
	if s.closed {
		return errors.New("udp socket closed")
	}
	return s.table.sender.SendPacket(packet.BuildUDP(s.local, dst, payload).IP)
}

// Close releases the bound address.
func (s *UDPSocket) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	delete(s.table.sockets, s.local)
	return nil
}
