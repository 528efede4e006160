package packet

import "sync/atomic"

// ipIDCounter feeds the Identification field so emitted datagrams never
// carry a constant zero ID.
var ipIDCounter uint32

func nextIPID() uint16 { return uint16(atomic.AddUint32(&ipIDCounter, 1)) }
