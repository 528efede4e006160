package packet

import (
	"encoding/binary"
	"net/netip"
)

// sum adds b to an unfolded one's-complement accumulator.
func sum(b []byte, acc uint32) uint32 {
	n := len(b)
	for i := 0; i+1 < n; i += 2 {
		acc += uint32(binary.BigEndian.Uint16(b[i : i+2]))
	}
	if n%2 == 1 {
		acc += uint32(b[n-1]) << 8
	}
	return acc
}

func fold(acc uint32) uint16 {
	for acc>>16 != 0 {
		acc = (acc & 0xffff) + (acc >> 16)
	}
	return ^uint16(acc)
}

// Checksum returns the Internet checksum of b.
func Checksum(b []byte) uint16 {
	return fold(sum(b, 0))
}

// pseudoHeaderSum sums the 12 byte src/dst/protocol/length pseudo-header
// shared by TCP and UDP.
func pseudoHeaderSum(src, dst netip.Addr, proto uint8, length int) uint32 {
	var pseudo [12]byte
	s, d := src.As4(), dst.As4()
	copy(pseudo[0:4], s[:])
	copy(pseudo[4:8], d[:])
	pseudo[9] = proto
	binary.BigEndian.PutUint16(pseudo[10:12], uint16(length))
	return sum(pseudo[:], 0)
}

// transportChecksum computes the checksum of a TCP or UDP segment whose
// checksum field has already been zeroed or is being verified in place.
func transportChecksum(src, dst netip.Addr, proto uint8, seg []byte) uint16 {
	return fold(sum(seg, pseudoHeaderSum(src, dst, proto, len(seg))))
}
