package tcp

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/irctrakz/transproxy/pkg/packet"
	"github.com/irctrakz/transproxy/pkg/reactor"
)

const (
	// RingSize is the capacity of each endpoint's send and receive rings.
	RingSize = 1400

	// RetryInterval spaces retransmissions of handshake and teardown
	// segments and of the whole send ring.
	RetryInterval = 3 * time.Second

	// MaxRetries bounds the transmissions of a retry-bearing state before
	// the endpoint resets.
	MaxRetries = 3

	segmentSize = 1024
)

var (
	// ErrNotClosed is returned when opening an endpoint that is in use.
	ErrNotClosed = errors.New("tcp: endpoint not closed")

	// ErrNoFreePort is returned when every local port toward a remote
	// address is taken.
	ErrNoFreePort = errors.New("tcp: no free port to bind")
)

// Listener receives the events of one endpoint. Callbacks run on the
// reactor goroutine.
type Listener interface {
	// OnConnected reports completion of an active open.
	OnConnected(e *Endpoint)
	// OnReadable follows WaitToRecv once data can be received.
	OnReadable(e *Endpoint)
	// OnWritable follows WaitToSend once the send ring has room.
	OnWritable(e *Endpoint)
	// OnDisconnected reports destruction of the endpoint.
	OnDisconnected(e *Endpoint)
}

// ServerListener is told about passive opens. It returns the listener for
// the new endpoint.
type ServerListener interface {
	OnAccepted(e *Endpoint) Listener
}

// Endpoint is a locally terminated TCP connection.
type Endpoint struct {
	demux    *Demux
	pair     packet.AddrPair
	state    State
	server   ServerListener
	listener Listener

	localSeq     uint32
	remoteSeq    uint32
	remoteWindow uint16
	retries      int
	drains       int

	in  *Ring
	out *Ring

	needRecv, needSend bool
	canRecv, canSend   bool
	needAck            bool
	closePending       bool
	kickPending        bool
	destroyed          bool

	timer   *reactor.Timer
	flush   *reactor.Timer
	created time.Time
}

func newEndpoint(d *Demux, local netip.Addr) *Endpoint {
	e := &Endpoint{
		demux:    d,
		pair:     packet.AddrPair{Local: netip.AddrPortFrom(local, 0)},
		localSeq: d.isn(),
		in:       NewRing(RingSize),
		out:      NewRing(RingSize),
		created:  d.sched.Now(),
	}
	e.timer = reactor.NewTimer(d.sched, e.onTimeout)
	e.flush = reactor.NewTimer(d.sched, e.onFlush)
	return e
}

// State returns the connection state.
func (e *Endpoint) State() State { return e.state }

// LocalAddr returns the local end.
func (e *Endpoint) LocalAddr() netip.AddrPort { return e.pair.Local }

// RemoteAddr returns the peer.
func (e *Endpoint) RemoteAddr() netip.AddrPort { return e.pair.Remote }

// Created returns when the endpoint was created.
func (e *Endpoint) Created() time.Time { return e.created }

// SetListener replaces the event listener and returns the previous one.
func (e *Endpoint) SetListener(l Listener) Listener {
	prev := e.listener
	e.listener = l
	return prev
}

func (e *Endpoint) String() string {
	return fmt.Sprintf("%s %s", e.pair, e.state)
}

// accept prepares a passive endpoint for pair.
func (e *Endpoint) accept(pair packet.AddrPair, server ServerListener) error {
	if e.state != StateClosed {
		return ErrNotClosed
	}
	e.pair = pair
	e.server = server
	e.state = StateListen
	e.demux.add(e)
	return nil
}

// Connect starts an active open toward remote from the first free local
// port at or above 1024.
func (e *Endpoint) Connect(remote netip.AddrPort) error {
	if e.state != StateClosed {
		return ErrNotClosed
	}
	local := e.pair.Local.Addr()
	for port := 1024; port < 65536; port++ {
		pair := packet.AddrPair{Remote: remote, Local: netip.AddrPortFrom(local, uint16(port))}
		if e.demux.lookup(pair) != nil {
			continue
		}
		e.pair = pair
		e.demux.add(e)
		e.demux.log.Debugf("connect %s", pair)
		e.state = StateSynSent
		e.retries = 0
		e.timer.Reset(0)
		return nil
	}
	return fmt.Errorf("connect %s: %w", remote, ErrNoFreePort)
}

// Close requests an orderly shutdown. Buffered outbound data is delivered
// before the FIN. The listener receives no further events.
func (e *Endpoint) Close() {
	e.listener = nil
	switch e.state {
	case StateFinWait1, StateFinWait2, StateClosing, StateLastAck, StateClosed:
		return
	case StateListen:
		e.toClosed()
	case StateSynSent:
		e.sendSegment(packet.RST, 0, nil)
		e.toClosed()
	case StateEstablished:
		if e.out.Available() > 0 {
			e.closePending = true
			e.drains = 0
			e.flush.Reset(RetryInterval)
			return
		}
		e.startClose()
	default:
		e.startClose()
	}
}

func (e *Endpoint) startClose() {
	e.closePending = false
	e.flush.Stop()
	e.state = StateFinWait1
	e.retries = 0
	e.timer.Reset(0)
}

func (e *Endpoint) toClosed() {
	e.state = StateClosed
	e.flush.Stop()
	e.timer.Reset(0)
}

// WaitToRecv asks for OnReadable once received data is ready.
func (e *Endpoint) WaitToRecv() {
	if e.state.synchronized() {
		e.needRecv = true
		if e.canRecv {
			e.kick()
		}
	}
}

// WaitToSend asks for OnWritable once the send ring has room.
func (e *Endpoint) WaitToSend() {
	if e.state == StateEstablished {
		e.needSend = true
		if e.canSend {
			e.kick()
		}
	}
}

// Peek copies received data without consuming it.
func (e *Endpoint) Peek(p []byte) int {
	if !e.state.synchronized() && e.state != StateClosed {
		return 0
	}
	return e.in.Peek(p)
}

// Recv consumes received data. Data buffered before the peer closed stays
// readable.
func (e *Endpoint) Recv(p []byte) int {
	if !e.state.synchronized() && e.state != StateClosed {
		return 0
	}
	wasFull := e.in.Free() == 0
	n := e.in.Read(p)
	if e.in.Available() == 0 {
		e.canRecv = false
	}
	if wasFull && n > 0 && e.state == StateEstablished {
		// window update
		e.needAck = true
		e.kick()
	}
	return n
}

// Send admits as much of p as fits in the send ring and transmits what the
// peer's window allows. It returns the number of bytes admitted.
func (e *Endpoint) Send(p []byte) int {
	if e.state != StateEstablished || e.closePending {
		return 0
	}
	offset := e.out.Available()
	n := e.out.Write(p)
	if e.out.Free() == 0 {
		e.canSend = false
	}
	if n > 0 {
		e.transmit(offset, n)
		e.flush.Reset(RetryInterval)
	}
	return n
}

// Buffered returns the number of unacknowledged outbound bytes.
func (e *Endpoint) Buffered() int { return e.out.Available() }

// kick delivers readiness and pending ACKs on the next tick.
func (e *Endpoint) kick() {
	if e.kickPending {
		return
	}
	e.kickPending = true
	e.demux.sched.AfterFunc(0, func() {
		e.kickPending = false
		e.deliver()
	})
}

func (e *Endpoint) deliver() {
	if e.destroyed {
		return
	}
	if e.needRecv && e.canRecv && e.listener != nil {
		e.needRecv = false
		e.listener.OnReadable(e)
	}
	if e.needSend && e.canSend && e.listener != nil && e.state == StateEstablished {
		e.needSend = false
		e.listener.OnWritable(e)
	}
	if e.needAck && e.state.synchronized() {
		e.sendSegment(0, 0, nil)
	}
}

// sendSegment emits one segment at localSeq+offset. ACK is added whenever an
// acknowledgement is owed or data is carried.
func (e *Endpoint) sendSegment(flags packet.Flags, offset int, data []byte) {
	if e.needAck || len(data) > 0 {
		flags |= packet.ACK
		e.needAck = false
	}
	seg := packet.BuildTCP(packet.Segment{
		Src:    e.pair.Local,
		Dst:    e.pair.Remote,
		Seq:    e.localSeq + uint32(offset),
		Ack:    e.remoteSeq,
		Flags:  flags,
		Window: uint16(e.in.Free()),
	}, data)
	e.demux.send(seg)
}

// transmit sends ring bytes [offset, offset+n) clamped to the peer's
// advertised window, in segments of at most 1024 bytes. The last segment
// carries PSH.
func (e *Endpoint) transmit(offset, n int) {
	end := offset + n
	if w := int(e.remoteWindow); end > w {
		end = w
	}
	if end > offset {
		buf := make([]byte, segmentSize)
		for off := offset; off < end; {
			chunk := end - off
			if chunk > segmentSize {
				chunk = segmentSize
			}
			e.out.PeekAt(off, buf[:chunk])
			var flags packet.Flags
			if off+chunk == end {
				flags = packet.PSH
			}
			e.sendSegment(flags, off, buf[:chunk])
			off += chunk
		}
	}
	if e.needAck {
		e.sendSegment(0, 0, nil)
	}
}

// retry resends a handshake or teardown segment under the shared policy.
func (e *Endpoint) retry(flags packet.Flags) {
	if e.retries < MaxRetries {
		e.retries++
		e.sendSegment(flags, 0, nil)
		e.timer.Reset(RetryInterval)
		return
	}
	e.demux.log.Debugf("%s: retries exhausted, resetting", e)
	e.sendSegment(packet.RST, 0, nil)
	e.toClosed()
}

func (e *Endpoint) onTimeout() {
	switch e.state {
	case StateSynSent:
		e.retry(packet.SYN)
	case StateSynRecv:
		e.retry(packet.SYN | packet.ACK)
	case StateLastAck, StateFinWait1:
		e.retry(packet.FIN | packet.ACK)
	case StateClosing:
		e.retry(packet.ACK)
	case StateFinWait2:
		e.sendSegment(packet.RST, 0, nil)
		e.toClosed()
	case StateClosed:
		e.destroy()
	}
}

func (e *Endpoint) onFlush() {
	if e.state != StateEstablished {
		return
	}
	if e.closePending {
		// a closing endpoint gets the same budget as the FIN it waits to send
		if e.drains++; e.drains > MaxRetries {
			e.demux.log.Debugf("%s: unacknowledged data at close, resetting", e)
			e.sendSegment(packet.RST, 0, nil)
			e.toClosed()
			return
		}
	}
	e.transmit(0, e.out.Available())
	if e.out.Available() > 0 {
		e.flush.Reset(RetryInterval)
	}
}

func (e *Endpoint) destroy() {
	if e.destroyed {
		return
	}
	e.destroyed = true
	e.timer.Stop()
	e.flush.Stop()
	e.demux.remove(e)
	if l := e.listener; l != nil {
		e.listener = nil
		l.OnDisconnected(e)
	}
}

// dispatch runs the state machine for one inbound segment.
func (e *Endpoint) dispatch(seg packet.TCP) {
	if e.destroyed {
		return
	}
	f := seg.Flags()
	prevWindow := e.remoteWindow
	e.remoteWindow = seg.Window()

	switch e.state {
	case StateClosed:
		return
	case StateListen:
		if !f.Has(packet.SYN) {
			return
		}
		e.pair.Remote = seg.Src()
		e.remoteSeq = seg.Seq() + 1
		e.state = StateSynRecv
		e.retries = 0
		e.timer.Reset(0)
		return
	case StateSynSent:
		if f.Has(packet.RST) {
			if f.Has(packet.ACK) && seg.Ack() == e.localSeq+1 {
				e.toClosed()
			}
			return
		}
		if f.Has(packet.SYN|packet.ACK) && seg.Ack() == e.localSeq+1 {
			e.remoteSeq = seg.Seq() + 1
			e.localSeq++
			e.state = StateEstablished
			e.canSend = true
			e.timer.Stop()
			e.sendSegment(packet.ACK, 0, nil)
			e.demux.connected++
			if e.listener != nil {
				e.listener.OnConnected(e)
			}
		}
		return
	}

	if seg.Seq() != e.remoteSeq {
		// out of window: re-acknowledge what we have so the peer resyncs
		if seg.SeqLen() > 0 && !f.Has(packet.RST) && e.state.synchronized() {
			e.needAck = true
			e.sendSegment(0, 0, nil)
		}
		return
	}
	if f.Has(packet.RST) {
		e.demux.log.Debugf("%s: reset by peer", e)
		e.toClosed()
		return
	}
	ackedFin := f.Has(packet.ACK) && seg.Ack() == e.localSeq+1

	switch e.state {
	case StateLastAck:
		if ackedFin {
			e.localSeq++
			e.toClosed()
		}

	case StateFinWait1:
		fin := f.Has(packet.FIN)
		switch {
		case fin && ackedFin:
			e.localSeq++
			e.remoteSeq += seg.SeqLen()
			e.sendSegment(packet.ACK, 0, nil)
			e.toClosed()
		case ackedFin:
			e.localSeq++
			e.state = StateFinWait2
			e.timer.Reset(RetryInterval)
		case fin:
			e.remoteSeq += seg.SeqLen()
			e.state = StateClosing
			e.retries = 0
			e.timer.Reset(0)
		}

	case StateFinWait2:
		if f.Has(packet.FIN) {
			e.remoteSeq += seg.SeqLen()
			e.sendSegment(packet.ACK, 0, nil)
			e.toClosed()
		}

	case StateClosing:
		if ackedFin {
			e.localSeq++
			e.toClosed()
		}

	case StateSynRecv:
		if f.Has(packet.FIN) {
			e.remoteSeq++
			e.enterLastAck()
			return
		}
		if !ackedFin {
			return
		}
		e.localSeq++
		e.state = StateEstablished
		e.canSend = true
		e.timer.Stop()
		e.demux.accepted++
		if e.server != nil {
			e.listener = e.server.OnAccepted(e)
		}
		if e.state == StateEstablished {
			e.established(seg, prevWindow)
		}

	case StateEstablished:
		e.established(seg, prevWindow)
	}
}

// established handles a segment in ESTABLISHED: acknowledgement, window
// opening, data and a trailing FIN. prevWindow is the peer window in force
// before seg.
func (e *Endpoint) established(seg packet.TCP, prevWindow uint16) {
	f := seg.Flags()
	if f.Has(packet.ACK) {
		sentEnd := min(e.out.Available(), int(prevWindow))
		acked := seg.Ack() - e.localSeq
		if acked > 0 && acked < 1<<30 {
			n := e.out.Discard(int(acked))
			e.localSeq += uint32(n)
			sentEnd = max(sentEnd-n, 0)
			if e.out.Available() == 0 {
				e.canSend = true
				e.flush.Stop()
				if e.closePending {
					e.startClose()
					return
				}
				if e.needSend {
					e.kick()
				}
			}
		}
		// bytes held back by a smaller window
		if avail := e.out.Available(); avail > sentEnd && int(e.remoteWindow) > sentEnd {
			e.transmit(sentEnd, avail-sentEnd)
		}
	}

	payload := seg.Payload()
	n := len(payload)
	if free := e.in.Free(); n > free {
		// no reassembly: the peer resends the remainder
		n = free
	}
	if n > 0 {
		e.in.Write(payload[:n])
		e.remoteSeq += uint32(n)
		if f.Has(packet.PSH) || e.in.Free() == 0 {
			e.canRecv = true
		}
		e.needAck = true
		e.kick()
	}

	if f.Has(packet.FIN) && n == len(payload) {
		e.remoteSeq++
		e.canRecv = true
		e.enterLastAck()
	}
}

func (e *Endpoint) enterLastAck() {
	e.flush.Stop()
	e.closePending = false
	e.state = StateLastAck
	e.retries = 0
	e.timer.Reset(0)
	if e.needRecv {
		e.kick()
	}
}
