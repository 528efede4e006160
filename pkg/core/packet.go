package core

import (
	"sync/atomic"
)

// debugMode controls whether packet views copy their backing data.
var debugMode uint32

// SetDebugMode sets the global debug mode flag. When enabled, packet data
// is copied on every access so a handler that retains a slice cannot observe
// a later reuse of the buffer.
func SetDebugMode(enabled bool) {
	if enabled {
		atomic.StoreUint32(&debugMode, 1)
	} else {
		atomic.StoreUint32(&debugMode, 0)
	}
}

// IsDebugMode returns whether debug mode is enabled
func IsDebugMode() bool {
	return atomic.LoadUint32(&debugMode) == 1
}

// Packet is one raw IPv4 datagram as read from or written to a link.
type Packet interface {
	// Data returns the datagram bytes, starting at the IP header.
	Data() []byte

	// Length returns the datagram length.
	Length() int
}

// pooledPacket is a Packet backed by a buffer borrowed from a pool. The
// stack dispatches synchronously, so the reader may return the buffer with
// ReleasePacket as soon as ProcessPacket returns.
type pooledPacket struct {
	data     []byte
	releaser func([]byte)
}

// NewPooledPacket wraps a pooled buffer. The releaser may be nil.
func NewPooledPacket(data []byte, releaser func([]byte)) Packet {
	if data == nil {
		data = make([]byte, 0)
	}
	return &pooledPacket{data: data, releaser: releaser}
}

func (p *pooledPacket) Data() []byte { return p.data }
func (p *pooledPacket) Length() int  { return len(p.data) }

// ReleasePacket hands a pooled packet's buffer back to its pool. Calling it
// twice, or on a packet not created by NewPooledPacket, is a no-op.
func ReleasePacket(p Packet) {
	pp, ok := p.(*pooledPacket)
	if !ok || pp.releaser == nil || len(pp.data) == 0 {
		return
	}
	pp.releaser(pp.data)
	pp.data = nil
	pp.releaser = nil
}

// SimplePacket is a Packet over a plain byte slice.
type SimplePacket struct {
	data []byte
}

// NewPacket creates a new packet
func NewPacket(data []byte) Packet {
	if data == nil {
		return &SimplePacket{data: make([]byte, 0)}
	}
	if IsDebugMode() {
		dup := make([]byte, len(data))
		copy(dup, data)
		return &SimplePacket{data: dup}
	}
	return &SimplePacket{data: data}
}

// Data returns the packet data
func (p *SimplePacket) Data() []byte {
	if IsDebugMode() {
		dup := make([]byte, len(p.data))
		copy(dup, p.data)
		return dup
	}
	return p.data
}

// Length returns the packet length
func (p *SimplePacket) Length() int {
	return len(p.data)
}
