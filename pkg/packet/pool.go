package packet

import "sync"

// Read buffer size classes. Links read into pooled buffers and return them
// once the synchronous dispatch of the packet has completed.
const (
	bufSmall = 2048
	bufLarge = 65536
)

var (
	poolSmall = sync.Pool{New: func() any { b := make([]byte, bufSmall); return &b }}
	poolLarge = sync.Pool{New: func() any { b := make([]byte, bufLarge); return &b }}
)

// GetBuffer returns a buffer of length n, pooled when n fits a size class.
func GetBuffer(n int) []byte {
	switch {
	case n <= bufSmall:
		p := poolSmall.Get().(*[]byte)
		return (*p)[:n]
	case n <= bufLarge:
		p := poolLarge.Get().(*[]byte)
		return (*p)[:n]
	default:
		return make([]byte, n)
	}
}

// PutBuffer returns a buffer obtained from GetBuffer. Foreign buffers are
// ignored.
func PutBuffer(b []byte) {
	switch cap(b) {
	case bufSmall:
		bb := b[:bufSmall]
		poolSmall.Put(&bb)
	case bufLarge:
		bb := b[:bufLarge]
		poolLarge.Put(&bb)
	}
}
