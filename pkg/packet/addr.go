package packet

import (
	"fmt"
	"net/netip"
)

// AddrPair identifies a flow from the point of view of the local stack:
// Remote is the peer that sent the segment, Local is its destination.
type AddrPair struct {
	Remote netip.AddrPort
	Local  netip.AddrPort
}

// Reverse swaps the two ends.
func (p AddrPair) Reverse() AddrPair {
	return AddrPair{Remote: p.Local, Local: p.Remote}
}

func (p AddrPair) String() string {
	return fmt.Sprintf("%s->%s", p.Remote, p.Local)
}

// AddrFrom4 converts a 4 byte slice into an address. Short input yields the
// zero address.
func AddrFrom4(b []byte) netip.Addr {
	if len(b) < 4 {
		return netip.Addr{}
	}
	return netip.AddrFrom4([4]byte{b[0], b[1], b[2], b[3]})
}

// NextAddr returns a+n for IPv4 addresses.
func NextAddr(a netip.Addr, n uint32) netip.Addr {
	return Uint32ToAddr(AddrToUint32(a) + n)
}

// AddrToUint32 returns the big-endian integer form of an IPv4 address.
func AddrToUint32(a netip.Addr) uint32 {
	b := a.As4()
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// Uint32ToAddr is the inverse of AddrToUint32.
func Uint32ToAddr(v uint32) netip.Addr {
	return netip.AddrFrom4([4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)})
}
