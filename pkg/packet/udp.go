package packet

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

const udpHeaderLen = 8

// UDP is a view over a UDP datagram carried in an IPv4 datagram.
type UDP struct {
	IP  IP
	seg []byte
}

// ParseUDP returns a UDP view of ip.
func ParseUDP(ip IP) (UDP, error) {
	if ip.Protocol() != ProtoUDP {
		return UDP{}, fmt.Errorf("%w: protocol %d is not udp", ErrProtocolMismatch, ip.Protocol())
	}
	seg := ip.Payload()
	if len(seg) < udpHeaderLen {
		return UDP{}, fmt.Errorf("%w: udp header truncated (%d bytes)", ErrProtocolMismatch, len(seg))
	}
	n := int(binary.BigEndian.Uint16(seg[4:6]))
	if n < udpHeaderLen || n > len(seg) {
		return UDP{}, fmt.Errorf("%w: udp length %d", ErrProtocolMismatch, n)
	}
	return UDP{IP: ip, seg: seg[:n]}, nil
}

func (u UDP) SrcPort() uint16     { return binary.BigEndian.Uint16(u.seg[0:2]) }
func (u UDP) DstPort() uint16     { return binary.BigEndian.Uint16(u.seg[2:4]) }
func (u UDP) Length() int         { return int(binary.BigEndian.Uint16(u.seg[4:6])) }
func (u UDP) Payload() []byte     { return u.seg[udpHeaderLen:] }
func (u UDP) Src() netip.AddrPort { return netip.AddrPortFrom(u.IP.Src(), u.SrcPort()) }
func (u UDP) Dst() netip.AddrPort { return netip.AddrPortFrom(u.IP.Dst(), u.DstPort()) }

// FillChecksum computes the UDP checksum and the IP header checksum.
func (u UDP) FillChecksum() {
	u.seg[6], u.seg[7] = 0, 0
	cs := transportChecksum(u.IP.Src(), u.IP.Dst(), ProtoUDP, u.seg)
	if cs == 0 {
		cs = 0xffff
	}
	binary.BigEndian.PutUint16(u.seg[6:8], cs)
	u.IP.FillChecksum()
}

// VerifyChecksum reports whether the checksums are valid. A zero UDP
// checksum means the sender did not compute one.
func (u UDP) VerifyChecksum() bool {
	if !u.IP.VerifyChecksum() {
		return false
	}
	if binary.BigEndian.Uint16(u.seg[6:8]) == 0 {
		return true
	}
	return transportChecksum(u.IP.Src(), u.IP.Dst(), ProtoUDP, u.seg) == 0
}

// BuildUDP builds a checksummed IPv4/UDP datagram.
func BuildUDP(src, dst netip.AddrPort, payload []byte) UDP {
	total := ipv4HeaderLen + udpHeaderLen + len(payload)
	b := make([]byte, total)
	writeIPv4Header(b, src.Addr(), dst.Addr(), ProtoUDP, total)

	seg := b[ipv4HeaderLen:]
	binary.BigEndian.PutUint16(seg[0:2], src.Port())
	binary.BigEndian.PutUint16(seg[2:4], dst.Port())
	binary.BigEndian.PutUint16(seg[4:6], uint16(udpHeaderLen+len(payload)))
	copy(seg[udpHeaderLen:], payload)

	u := UDP{IP: IP(b), seg: seg}
	u.FillChecksum()
	return u
}
