package tcp

// Ring is a fixed capacity byte FIFO. Cursors run modulo twice the capacity
// so a full ring is distinguishable from an empty one.
type Ring struct {
	buf  []byte
	r, w int
}

// NewRing allocates a ring holding size bytes.
func NewRing(size int) *Ring {
	return &Ring{buf: make([]byte, size)}
}

// Cap returns the capacity.
func (r *Ring) Cap() int { return len(r.buf) }

// Available returns the number of buffered bytes.
func (r *Ring) Available() int {
	n := len(r.buf)
	return (r.w - r.r + 2*n) % (2 * n)
}

// Free returns the number of bytes that can be written.
func (r *Ring) Free() int { return len(r.buf) - r.Available() }

// PeekAt copies up to len(p) buffered bytes starting offset bytes past the
// read cursor, without consuming them.
func (r *Ring) PeekAt(offset int, p []byte) int {
	avail := r.Available()
	if offset >= avail {
		return 0
	}
	want := avail - offset
	if len(p) < want {
		want = len(p)
	}
	n := len(r.buf)
	start := (r.r + offset) % n
	c := copy(p[:want], r.buf[start:])
	if c < want {
		c += copy(p[c:want], r.buf)
	}
	return c
}

// Peek copies buffered bytes without consuming them.
func (r *Ring) Peek(p []byte) int { return r.PeekAt(0, p) }

// Read consumes up to len(p) bytes.
func (r *Ring) Read(p []byte) int {
	c := r.Peek(p)
	r.Discard(c)
	return c
}

// Discard drops up to n buffered bytes and returns how many were dropped.
func (r *Ring) Discard(n int) int {
	if avail := r.Available(); n > avail {
		n = avail
	}
	r.r = (r.r + n) % (2 * len(r.buf))
	return n
}

// Write appends as much of p as fits and returns the count written.
func (r *Ring) Write(p []byte) int {
	want := r.Free()
	if len(p) < want {
		want = len(p)
	}
	n := len(r.buf)
	start := r.w % n
	c := copy(r.buf[start:], p[:want])
	if c < want {
		c += copy(r.buf, p[c:want])
	}
	r.w = (r.w + c) % (2 * n)
	return c
}
