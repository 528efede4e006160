package tcp

import (
	"net/netip"
	"testing"

	"github.com/irctrakz/transproxy/pkg/packet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListenTwiceFails(t *testing.T) {
	h := newHarness()
	_, err := h.demux.Listen(serverAddr, h.rec)
	require.NoError(t, err)
	_, err = h.demux.Listen(serverAddr, h.rec)
	assert.ErrorIs(t, err, ErrAddressInUse)
	assert.Equal(t, 1, h.demux.Metrics().Listeners)
}

func TestDemuxDropsTruncatedSegment(t *testing.T) {
	h := newHarness()
	_, err := h.demux.Listen(serverAddr, h.rec)
	require.NoError(t, err)

	ip := packet.BuildIP(clientAddr.Addr(), serverAddr.Addr(), packet.ProtoTCP, make([]byte, 12))
	assert.NoError(t, h.demux.HandlePacket(ip))
	assert.Empty(t, h.out.take())
	assert.Zero(t, h.demux.Metrics().ResetsSent)
}

func TestDemuxResetsNonSynToListener(t *testing.T) {
	h := newHarness()
	_, err := h.demux.Listen(serverAddr, h.rec)
	require.NoError(t, err)

	h.inject(t, h.fromClient(packet.ACK, 77, 4242), nil)
	rst := h.out.last(t)
	assert.Equal(t, packet.RST, rst.Flags())
	assert.Equal(t, uint32(4242), rst.Seq())
	assert.Equal(t, serverAddr, rst.Src())
	assert.Equal(t, clientAddr, rst.Dst())
	assert.Empty(t, h.rec.accepted)
	assert.Equal(t, uint64(1), h.demux.Metrics().ResetsSent)
}

func TestDemuxResetsUnboundPortOnServerIP(t *testing.T) {
	h := newHarness()
	srv, err := h.demux.Listen(serverAddr, h.rec)
	require.NoError(t, err)

	other := netip.AddrPortFrom(serverAddr.Addr(), 81)
	h.inject(t, packet.Segment{Src: clientAddr, Dst: other, Seq: 10, Flags: packet.SYN}, nil)
	rst := h.out.last(t)
	assert.Equal(t, packet.RST|packet.ACK, rst.Flags())
	assert.Equal(t, uint32(11), rst.Ack())

	// resets are never answered
	h.out.take()
	h.inject(t, packet.Segment{Src: clientAddr, Dst: other, Seq: 10, Flags: packet.RST}, nil)
	assert.Empty(t, h.out.sent)

	srv.Close()
	srv.Close()
	h.inject(t, packet.Segment{Src: clientAddr, Dst: other, Seq: 10, Flags: packet.SYN}, nil)
	assert.Empty(t, h.out.sent)
	assert.Equal(t, 0, h.demux.Metrics().Listeners)
}

func TestDemuxIgnoresUnknownAddress(t *testing.T) {
	h := newHarness()
	h.inject(t, packet.Segment{
		Src:   clientAddr,
		Dst:   netip.MustParseAddrPort("192.0.2.1:80"),
		Flags: packet.SYN,
	}, nil)
	assert.Empty(t, h.out.sent)
}

func TestServerCloseKeepsAcceptedEndpoints(t *testing.T) {
	h := newHarness()
	e := h.establish(t)
	for _, s := range h.demux.servers {
		s.Close()
	}
	h.inject(t, h.fromClient(packet.PSH|packet.ACK, clientSN+1, testISN+1), []byte("x"))
	assert.Equal(t, 1, e.in.Available())
}

func TestFactoryAndEndpointListing(t *testing.T) {
	h := newHarness()
	f := h.demux.Bind(agentIP)
	_, err := f.Listen(8080, h.rec)
	require.NoError(t, err)

	e := f.Open(h.rec)
	require.NoError(t, e.Connect(serverAddr))

	infos := h.demux.Endpoints()
	require.Len(t, infos, 1)
	assert.Equal(t, "10.100.0.1:1024", infos[0].Local)
	assert.Equal(t, serverAddr.String(), infos[0].Remote)
	assert.Equal(t, "SYN_SENT", infos[0].State)
}
