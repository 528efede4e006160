package ipv4

import (
	"errors"
	"net/netip"
	"testing"

	"github.com/irctrakz/transproxy/pkg/core"
	"github.com/irctrakz/transproxy/pkg/packet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
)

// mockFramer captures datagrams handed to the link.
type mockFramer struct {
	pkts [][]byte
	err  error
}

func (m *mockFramer) ProcessPacket(p core.Packet) error {
	m.pkts = append(m.pkts, append([]byte(nil), p.Data()...))
	return m.err
}

var (
	clientAddr = netip.MustParseAddrPort("10.0.0.1:5353")
	serverAddr = netip.MustParseAddrPort("10.10.10.10:53")
)

func TestDispatchInvokesEveryMatchingHandler(t *testing.T) {
	s := NewStack(&mockFramer{})
	var order []string
	s.RegisterProtocol(packet.ProtoUDP, HandlerFunc(func(ip packet.IP) error { order = append(order, "first"); return nil }))
	s.RegisterProtocol(packet.ProtoTCP, HandlerFunc(func(ip packet.IP) error { order = append(order, "tcp"); return nil }))
	s.RegisterProtocol(packet.ProtoUDP, HandlerFunc(func(ip packet.IP) error { order = append(order, "second"); return nil }))

	require.NoError(t, s.DispatchPacket(packet.BuildUDP(clientAddr, serverAddr, []byte("x")).IP))
	assert.Equal(t, []string{"first", "second"}, order)

	m := s.Metrics()
	assert.Equal(t, uint64(1), m.PacketsIn)
	assert.Equal(t, uint64(0), m.Unhandled)
}

func TestDispatchDropsMalformed(t *testing.T) {
	s := NewStack(&mockFramer{})
	called := false
	s.RegisterProtocol(packet.ProtoTCP, HandlerFunc(func(ip packet.IP) error { called = true; return nil }))

	assert.NoError(t, s.DispatchPacket([]byte{0x45, 0x00, 0x00}))
	v6 := make([]byte, 40)
	v6[0] = 0x60
	assert.NoError(t, s.DispatchPacket(v6))

	s.SetVerifyChecksums(true)
	bad := packet.BuildTCP(packet.Segment{Src: clientAddr, Dst: serverAddr, Flags: packet.SYN}, nil)
	bad.IP[8]-- // ttl change without checksum refill
	assert.NoError(t, s.DispatchPacket(bad.IP))

	assert.False(t, called)
	assert.Equal(t, uint64(3), s.Metrics().Malformed)
}

func TestDispatchCountsUnhandledAndFragments(t *testing.T) {
	s := NewStack(&mockFramer{})
	assert.NoError(t, s.DispatchPacket(packet.BuildIP(clientAddr.Addr(), serverAddr.Addr(), 47, []byte{0, 0, 0, 0})))

	frag := packet.BuildUDP(clientAddr, serverAddr, []byte("frag"))
	frag.IP[6] = 0x20 // more fragments
	assert.NoError(t, s.DispatchPacket(frag.IP))

	assert.Equal(t, uint64(2), s.Metrics().Unhandled)
}

func TestDispatchPropagatesHandlerErrors(t *testing.T) {
	s := NewStack(&mockFramer{})
	exhausted := errors.New("pool exhausted")
	s.RegisterProtocol(packet.ProtoTCP, HandlerFunc(func(ip packet.IP) error { return exhausted }))

	err := s.DispatchPacket(packet.BuildTCP(packet.Segment{Src: clientAddr, Dst: serverAddr, Flags: packet.SYN}, nil).IP)
	assert.ErrorIs(t, err, exhausted)
	assert.Equal(t, uint64(1), s.Metrics().Errors)
}

func TestSendPacketUsesFramerAndTaps(t *testing.T) {
	f := &mockFramer{}
	s := NewStack(f)
	var seen []Direction
	s.AddTap(func(dir Direction, ip packet.IP) { seen = append(seen, dir) })

	out := packet.BuildUDP(serverAddr, clientAddr, []byte("reply"))
	require.NoError(t, s.SendPacket(out.IP))
	require.NoError(t, s.DispatchPacket(packet.BuildUDP(clientAddr, serverAddr, nil).IP))

	require.Len(t, f.pkts, 1)
	assert.Equal(t, []byte(out.IP), f.pkts[0])
	assert.Equal(t, []Direction{Outbound, Inbound}, seen)

	f.err = errors.New("link down")
	assert.Error(t, s.SendPacket(out.IP))
}

func TestEchoResponder(t *testing.T) {
	f := &mockFramer{}
	s := NewStack(f)
	NewEchoResponder(s)

	req := icmp.Message{Type: ipv4.ICMPTypeEcho, Body: &icmp.Echo{ID: 7, Seq: 3, Data: []byte("hello")}}
	body, err := req.Marshal(nil)
	require.NoError(t, err)
	vip := netip.MustParseAddr("10.128.0.5")
	require.NoError(t, s.DispatchPacket(packet.BuildIP(clientAddr.Addr(), vip, packet.ProtoICMP, body)))

	require.Len(t, f.pkts, 1)
	ip, err := packet.ParseIP(f.pkts[0])
	require.NoError(t, err)
	assert.Equal(t, vip, ip.Src())
	assert.Equal(t, clientAddr.Addr(), ip.Dst())
	assert.True(t, ip.VerifyChecksum())

	msg, err := icmp.ParseMessage(1, ip.Payload())
	require.NoError(t, err)
	assert.Equal(t, ipv4.ICMPTypeEchoReply, msg.Type)
	echo := msg.Body.(*icmp.Echo)
	assert.Equal(t, 7, echo.ID)
	assert.Equal(t, 3, echo.Seq)
	assert.Equal(t, []byte("hello"), echo.Data)

	// replies are not answered
	require.NoError(t, s.DispatchPacket(f.pkts[0]))
	assert.Len(t, f.pkts, 1)
}

func TestUDPBindAndSend(t *testing.T) {
	f := &mockFramer{}
	s := NewStack(f)
	udp := NewUDPTable(s)

	var from netip.AddrPort
	var got []byte
	sock, err := udp.Bind(serverAddr, UDPHandlerFunc(func(sock *UDPSocket, src netip.AddrPort, payload []byte) {
		from = src
		got = append([]byte(nil), payload...)
		assert.NoError(t, sock.SendTo(src, []byte("pong")))
	}))
	require.NoError(t, err)

	_, err = udp.Bind(serverAddr, nil)
	assert.ErrorIs(t, err, ErrAddressInUse)

	require.NoError(t, s.DispatchPacket(packet.BuildUDP(clientAddr, serverAddr, []byte("ping")).IP))
	assert.Equal(t, clientAddr, from)
	assert.Equal(t, []byte("ping"), got)

	require.Len(t, f.pkts, 1)
	ip, err := packet.ParseIP(f.pkts[0])
	require.NoError(t, err)
	reply, err := packet.ParseUDP(ip)
	require.NoError(t, err)
	assert.Equal(t, serverAddr, reply.Src())
	assert.Equal(t, []byte("pong"), reply.Payload())
	assert.True(t, reply.VerifyChecksum())

	// unbound destinations are ignored
	other := netip.MustParseAddrPort("10.10.10.10:54")
	require.NoError(t, s.DispatchPacket(packet.BuildUDP(clientAddr, other, []byte("x")).IP))
	assert.Len(t, f.pkts, 1)

	require.NoError(t, sock.Close())
	assert.Error(t, sock.SendTo(clientAddr, nil))
	_, err = udp.Bind(serverAddr, nil)
	assert.NoError(t, err)
}
