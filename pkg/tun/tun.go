// Package tun provides the kernel TUN link of the stack (Linux only) and a
// mock device for tests. The kernel device is read from the reactor
// goroutine: its fd is registered readable and drained on every wakeup.
package tun

import (
	"net/netip"
)

// Registrar registers fd readiness callbacks. reactor.Loop implements it.
type Registrar interface {
	RegisterReadable(fd int, fn func()) error
	Unregister(fd int) error
}

// Options configure a kernel TUN device.
type Options struct {
	// Name is the requested interface name; the kernel may pick another
	// when it contains a %d pattern.
	Name string
	MTU  int
	// Addr and Mask are assigned to the interface when Addr is valid.
	Addr netip.Addr
	Mask netip.Addr
}

// maxBurst bounds the packets read on one wakeup before yielding back to
// the loop. The fd stays readable, so the rest is picked up on a posted
// continuation.
const maxBurst = 256
