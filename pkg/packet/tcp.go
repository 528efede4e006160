package packet

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"strings"
)

const tcpHeaderLen = 20

// Flags holds the TCP control bits.
type Flags uint8

// TCP control bits.
const (
	FIN Flags = 1 << iota
	SYN
	RST
	PSH
	ACK
	URG
)

// Has reports whether every bit of x is set in f.
func (f Flags) Has(x Flags) bool { return f&x == x }

func (f Flags) String() string {
	if f == 0 {
		return "none"
	}
	names := []string{"FIN", "SYN", "RST", "PSH", "ACK", "URG"}
	var parts []string
	for i, n := range names {
		if f&(1<<i) != 0 {
			parts = append(parts, n)
		}
	}
	return strings.Join(parts, "|")
}

// TCP is a view over a TCP segment carried in an IPv4 datagram.
type TCP struct {
	IP  IP
	seg []byte
}

// ParseTCP returns a TCP view of ip. The datagram must carry protocol 6 and
// a complete TCP header.
func ParseTCP(ip IP) (TCP, error) {
	if ip.Protocol() != ProtoTCP {
		return TCP{}, fmt.Errorf("%w: protocol %d is not tcp", ErrProtocolMismatch, ip.Protocol())
	}
	seg := ip.Payload()
	if len(seg) < tcpHeaderLen {
		return TCP{}, fmt.Errorf("%w: tcp header truncated (%d bytes)", ErrProtocolMismatch, len(seg))
	}
	off := int(seg[12]>>4) * 4
	if off < tcpHeaderLen || off > len(seg) {
		return TCP{}, fmt.Errorf("%w: tcp data offset %d", ErrProtocolMismatch, off)
	}
	return TCP{IP: ip, seg: seg}, nil
}

func (t TCP) SrcPort() uint16 { return binary.BigEndian.Uint16(t.seg[0:2]) }
func (t TCP) DstPort() uint16 { return binary.BigEndian.Uint16(t.seg[2:4]) }
func (t TCP) Seq() uint32     { return binary.BigEndian.Uint32(t.seg[4:8]) }
func (t TCP) Ack() uint32     { return binary.BigEndian.Uint32(t.seg[8:12]) }
func (t TCP) HeaderLen() int  { return int(t.seg[12]>>4) * 4 }
func (t TCP) Flags() Flags    { return Flags(t.seg[13] & 0x3f) }
func (t TCP) Window() uint16  { return binary.BigEndian.Uint16(t.seg[14:16]) }
func (t TCP) Payload() []byte { return t.seg[t.HeaderLen():] }

func (t TCP) SetSrcPort(v uint16) { binary.BigEndian.PutUint16(t.seg[0:2], v) }
func (t TCP) SetDstPort(v uint16) { binary.BigEndian.PutUint16(t.seg[2:4], v) }
func (t TCP) SetSeq(v uint32)     { binary.BigEndian.PutUint32(t.seg[4:8], v) }
func (t TCP) SetAck(v uint32)     { binary.BigEndian.PutUint32(t.seg[8:12], v) }
func (t TCP) SetFlags(f Flags)    { t.seg[13] = byte(f) }
func (t TCP) SetWindow(v uint16)  { binary.BigEndian.PutUint16(t.seg[14:16], v) }

// Src returns the source endpoint.
func (t TCP) Src() netip.AddrPort { return netip.AddrPortFrom(t.IP.Src(), t.SrcPort()) }

// Dst returns the destination endpoint.
func (t TCP) Dst() netip.AddrPort { return netip.AddrPortFrom(t.IP.Dst(), t.DstPort()) }

// Pair returns the flow key as seen by the receiver of this segment.
func (t TCP) Pair() AddrPair { return AddrPair{Remote: t.Src(), Local: t.Dst()} }

// SetSrc rewrites the source address and port. Checksums must be refilled.
func (t TCP) SetSrc(a netip.AddrPort) {
	t.IP.SetSrc(a.Addr())
	t.SetSrcPort(a.Port())
}

// SetDst rewrites the destination address and port. Checksums must be
// refilled.
func (t TCP) SetDst(a netip.AddrPort) {
	t.IP.SetDst(a.Addr())
	t.SetDstPort(a.Port())
}

// Clone returns a view over a private copy of the datagram.
func (t TCP) Clone() TCP {
	ip := append(IP(nil), t.IP[:t.IP.TotalLen()]...)
	return TCP{IP: ip, seg: ip[ip.HeaderLen():]}
}

// Options returns the raw option bytes of the header.
func (t TCP) Options() []byte { return t.seg[tcpHeaderLen:t.HeaderLen()] }

// DisableSACK overwrites a SACK-permitted option with NOPs so the peers
// never negotiate selective acknowledgements. It reports whether the option
// was present.
func (t TCP) DisableSACK() bool {
	opts := t.Options()
	for i := 0; i < len(opts); {
		switch opts[i] {
		case 0: // end of list
			return false
		case 1:
			i++
			continue
		}
		if i+1 >= len(opts) {
			return false
		}
		l := int(opts[i+1])
		if l < 2 || i+l > len(opts) {
			return false
		}
		if opts[i] == 4 {
			opts[i], opts[i+1] = 1, 1
			return true
		}
		i += l
	}
	return false
}

// SeqLen is the sequence space consumed by the segment: payload plus one
// for each of SYN and FIN.
func (t TCP) SeqLen() uint32 {
	n := uint32(len(t.Payload()))
	f := t.Flags()
	if f.Has(SYN) {
		n++
	}
	if f.Has(FIN) {
		n++
	}
	return n
}

// FillChecksum computes the TCP checksum and the IP header checksum.
func (t TCP) FillChecksum() {
	t.seg[16], t.seg[17] = 0, 0
	cs := transportChecksum(t.IP.Src(), t.IP.Dst(), ProtoTCP, t.seg)
	binary.BigEndian.PutUint16(t.seg[16:18], cs)
	t.IP.FillChecksum()
}

// VerifyChecksum reports whether both the IP and TCP checksums are valid.
func (t TCP) VerifyChecksum() bool {
	return t.IP.VerifyChecksum() && transportChecksum(t.IP.Src(), t.IP.Dst(), ProtoTCP, t.seg) == 0
}

func (t TCP) String() string {
	return fmt.Sprintf("%s > %s [%s] seq=%d ack=%d win=%d len=%d",
		t.Src(), t.Dst(), t.Flags(), t.Seq(), t.Ack(), t.Window(), len(t.Payload()))
}

// Segment describes a TCP segment to build.
type Segment struct {
	Src    netip.AddrPort
	Dst    netip.AddrPort
	Seq    uint32
	Ack    uint32
	Flags  Flags
	Window uint16
}

// BuildTCP builds a checksummed IPv4/TCP datagram.
func BuildTCP(s Segment, payload []byte) TCP {
	total := ipv4HeaderLen + tcpHeaderLen + len(payload)
	b := make([]byte, total)
	writeIPv4Header(b, s.Src.Addr(), s.Dst.Addr(), ProtoTCP, total)

	seg := b[ipv4HeaderLen:]
	binary.BigEndian.PutUint16(seg[0:2], s.Src.Port())
	binary.BigEndian.PutUint16(seg[2:4], s.Dst.Port())
	binary.BigEndian.PutUint32(seg[4:8], s.Seq)
	binary.BigEndian.PutUint32(seg[8:12], s.Ack)
	seg[12] = byte((tcpHeaderLen / 4) << 4)
	seg[13] = byte(s.Flags)
	binary.BigEndian.PutUint16(seg[14:16], s.Window)
	copy(seg[tcpHeaderLen:], payload)

	t := TCP{IP: IP(b), seg: seg}
	t.FillChecksum()
	return t
}

// BuildReset crafts the reset answering an unacceptable segment, with
// addresses and ports swapped. It returns false when in is itself a reset.
func BuildReset(in TCP) (TCP, bool) {
	if in.Flags().Has(RST) {
		return TCP{}, false
	}
	s := Segment{Src: in.Dst(), Dst: in.Src()}
	if in.Flags().Has(ACK) {
		s.Seq = in.Ack()
		s.Flags = RST
	} else {
		s.Ack = in.Seq() + in.SeqLen()
		s.Flags = RST | ACK
	}
	return BuildTCP(s, nil), true
}
