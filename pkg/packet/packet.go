// Package packet provides zero-copy IPv4, TCP and UDP views over raw
// datagrams together with checksum and builder helpers.
package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
)

// IP protocol numbers handled by the stack.
const (
	ProtoICMP uint8 = 1
	ProtoTCP  uint8 = 6
	ProtoUDP  uint8 = 17
)

const (
	// MaxSize is the largest datagram the engine builds.
	MaxSize = 1500

	ipv4HeaderLen = 20
	defaultTTL    = 64
)

// ErrProtocolMismatch reports a buffer that is not a well formed datagram of
// the expected protocol: wrong version, wrong protocol byte or a truncated
// header.
var ErrProtocolMismatch = errors.New("protocol mismatch")

// IP is a view over an IPv4 datagram. The slice is trimmed to the total
// length declared in the header.
type IP []byte

// ParseIP validates the IPv4 header of b and returns a view over it.
func ParseIP(b []byte) (IP, error) {
	if len(b) < ipv4HeaderLen {
		return nil, fmt.Errorf("%w: ipv4 header truncated (%d bytes)", ErrProtocolMismatch, len(b))
	}
	if b[0]>>4 != 4 {
		return nil, fmt.Errorf("%w: ip version %d", ErrProtocolMismatch, b[0]>>4)
	}
	hl := int(b[0]&0x0f) * 4
	total := int(binary.BigEndian.Uint16(b[2:4]))
	if hl < ipv4HeaderLen || hl > len(b) || total < hl || total > len(b) {
		return nil, fmt.Errorf("%w: bad ipv4 lengths hl=%d total=%d buf=%d", ErrProtocolMismatch, hl, total, len(b))
	}
	return IP(b[:total]), nil
}

func (p IP) HeaderLen() int  { return int(p[0]&0x0f) * 4 }
func (p IP) TotalLen() int   { return int(binary.BigEndian.Uint16(p[2:4])) }
func (p IP) ID() uint16      { return binary.BigEndian.Uint16(p[4:6]) }
func (p IP) TTL() uint8      { return p[8] }
func (p IP) Protocol() uint8 { return p[9] }
func (p IP) Src() netip.Addr { return AddrFrom4(p[12:16]) }
func (p IP) Dst() netip.Addr { return AddrFrom4(p[16:20]) }
func (p IP) Payload() []byte { return p[p.HeaderLen():p.TotalLen()] }
func (p IP) PayloadLen() int { return p.TotalLen() - p.HeaderLen() }

// HeaderChecksum returns the checksum field as stored.
func (p IP) HeaderChecksum() uint16 { return binary.BigEndian.Uint16(p[10:12]) }

// SetSrc rewrites the source address. Checksums must be refilled.
func (p IP) SetSrc(a netip.Addr) {
	b := a.As4()
	copy(p[12:16], b[:])
}

// SetDst rewrites the destination address. Checksums must be refilled.
func (p IP) SetDst(a netip.Addr) {
	b := a.As4()
	copy(p[16:20], b[:])
}

// FillChecksum computes the header checksum.
func (p IP) FillChecksum() {
	hl := p.HeaderLen()
	p[10], p[11] = 0, 0
	binary.BigEndian.PutUint16(p[10:12], Checksum(p[:hl]))
}

// VerifyChecksum reports whether the header checksum is valid.
func (p IP) VerifyChecksum() bool {
	hl := p.HeaderLen()
	if hl < ipv4HeaderLen || hl > len(p) {
		return false
	}
	return Checksum(p[:hl]) == 0
}

func (p IP) String() string {
	return fmt.Sprintf("%s > %s proto=%d len=%d id=%d", p.Src(), p.Dst(), p.Protocol(), p.TotalLen(), p.ID())
}

// writeIPv4Header fills a 20 byte header at the start of b for a datagram of
// the given total length.
func writeIPv4Header(b []byte, src, dst netip.Addr, proto uint8, total int) {
	b[0] = 0x45
	b[1] = 0
	binary.BigEndian.PutUint16(b[2:4], uint16(total))
	binary.BigEndian.PutUint16(b[4:6], nextIPID())
	b[6], b[7] = 0, 0
	b[8] = defaultTTL
	b[9] = proto
	b[10], b[11] = 0, 0
	s, d := src.As4(), dst.As4()
	copy(b[12:16], s[:])
	copy(b[16:20], d[:])
}

// BuildIP builds a complete IPv4 datagram around payload.
func BuildIP(src, dst netip.Addr, proto uint8, payload []byte) IP {
	total := ipv4HeaderLen + len(payload)
	b := make([]byte, total)
	writeIPv4Header(b, src, dst, proto, total)
	copy(b[ipv4HeaderLen:], payload)
	p := IP(b)
	p.FillChecksum()
	return p
}
