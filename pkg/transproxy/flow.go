package transproxy

import (
	"math"
	"net"
	"net/netip"
	"strconv"
	"time"

	"github.com/irctrakz/transproxy/pkg/logging"
	"github.com/irctrakz/transproxy/pkg/packet"
	"github.com/irctrakz/transproxy/pkg/reactor"
	"github.com/sirupsen/logrus"
)

const (
	// RetryInterval spaces handshake, resync and teardown retransmissions.
	RetryInterval = 3 * time.Second

	// MaxRetries bounds the transmissions of a retry-bearing state.
	MaxRetries = 3

	// DefaultIdleTimeout closes relayed flows that carried no segment.
	DefaultIdleTimeout = 15 * time.Minute

	finWaitGrace = 3 * time.Second
)

type flowState int

const (
	stateClosed flowState = iota
	stateSynSent
	stateSynReceived
	stateAuth
	stateEstablishing
	stateEstablished
	stateFinWait
	stateClosing
)

var flowStateNames = [...]string{
	stateClosed:       "CLOSED",
	stateSynSent:      "SYN_SENT",
	stateSynReceived:  "SYN_RECEIVED",
	stateAuth:         "AUTH",
	stateEstablishing: "ESTABLISHING",
	stateEstablished:  "ESTABLISHED",
	stateFinWait:      "FIN_WAIT",
	stateClosing:      "CLOSING",
}

func (s flowState) String() string { return flowStateNames[s] }

// label is the coarse state shown on the status page.
func (s flowState) label() string {
	switch s {
	case stateSynSent, stateSynReceived:
		return "Connecting"
	case stateAuth:
		return "Authorizing"
	case stateEstablishing, stateEstablished:
		return "Connected"
	case stateFinWait, stateClosing:
		return "Closing"
	default:
		return "Closed"
	}
}

type origin int

const (
	nobody origin = iota - 1
	fromClient
	fromProxy
)

func (o origin) String() string {
	switch o {
	case fromClient:
		return "client"
	case fromProxy:
		return "proxy"
	}
	return "nobody"
}

// flow splices one client connection to a virtual address onto a
// connection from an agent address to the upstream proxy. Sequence numbers
// are shared between the legs except for the bytes the proxy handshake
// consumed: proxyOut on the agent-to-proxy direction, proxyIn on the
// proxy-to-agent direction.
type flow struct {
	s       *Splicer
	pair    packet.AddrPair // Remote is the client, Local the virtual address
	agent   netip.AddrPort
	proxy   netip.AddrPort
	host    string
	created time.Time
	log     *logrus.Entry

	state   flowState
	retries int
	timer   *reactor.Timer

	clientSeq, proxySeq       uint32
	clientWindow, proxyWindow uint16
	// next sequence numbers expected from each side, in client space
	clientNext, proxyNext uint32

	hs      Handshake
	pending uint32 // request bytes sent on the proxy leg and not yet answered

	proxyOut, proxyIn  uint32
	upBytes, downBytes uint64

	clientFin, proxyFin     bool
	finToClient, finToProxy bool
	unlinked                bool
}

func newFlow(s *Splicer, pair packet.AddrPair, agent netip.AddrPort, host string) *flow {
	f := &flow{
		s:       s,
		pair:    pair,
		agent:   agent,
		proxy:   s.proxy,
		host:    host,
		created: s.sched.Now(),
	}
	f.log = s.log.WithFields(logrus.Fields{
		"client": pair.Remote.String(),
		"server": f.target(),
		"agent":  agent.String(),
	})
	f.timer = reactor.NewTimer(s.sched, f.onTimeout)
	return f
}

// target is the host:port the client believes it is connected to.
func (f *flow) target() string {
	return net.JoinHostPort(f.host, strconv.Itoa(int(f.pair.Local.Port())))
}

// send emits a segment crafted for one leg. Segments from the client
// direction leave the agent for the proxy, those from the proxy direction
// leave the virtual address for the client.
func (f *flow) send(from origin, flags packet.Flags, seq, ack uint32, window uint16, data []byte) {
	src, dst := f.endpoints(from)
	seg := packet.BuildTCP(packet.Segment{
		Src:    src,
		Dst:    dst,
		Seq:    seq,
		Ack:    ack,
		Flags:  flags | packet.ACK,
		Window: window,
	}, data)
	f.s.send(seg)
}

// forward rewrites the addresses of a copy of seg for the other leg.
func (f *flow) forward(from origin, seg packet.TCP) {
	src, dst := f.endpoints(from)
	seg.SetSrc(src)
	seg.SetDst(dst)
	seg.FillChecksum()
	f.s.send(seg)
}

func (f *flow) endpoints(from origin) (src, dst netip.AddrPort) {
	if from == fromClient {
		return f.agent, f.proxy
	}
	return f.pair.Local, f.pair.Remote
}

func advance(next *uint32, v uint32) {
	if int32(v-*next) > 0 {
		*next = v
	}
}

func (f *flow) dispatch(from origin, in packet.TCP) {
	seg := in.Clone()
	if logging.IsDebug() {
		f.log.Debugf("%s %v %s", f.state, from, seg)
	}

	if seg.Flags().Has(packet.RST) && f.state != stateClosed {
		f.onReset(from, seg)
		return
	}

	switch f.state {
	case stateClosed:
		f.transferSYN1(from, seg)
	case stateSynSent:
		f.transferSYN1(from, seg)
		f.transferSYN2(from, seg)
	case stateSynReceived:
		f.transferSYN2(from, seg)
		f.transferSYN3(from, seg)
	case stateAuth:
		f.authDispatch(from, seg)
	case stateEstablishing, stateEstablished:
		if f.state == stateEstablishing {
			f.connected()
		}
		f.transferData(from, seg)
		f.observeFIN(from, seg)
		if f.clientFin && f.proxyFin {
			f.state = stateFinWait
			f.timer.Reset(finWaitGrace)
		} else {
			f.timer.Reset(f.s.idleTimeout)
		}
	case stateFinWait:
		f.transferData(from, seg)
	case stateClosing:
		f.closingDispatch(from, seg)
	}
}

// transferSYN1 relays the client's SYN from the agent address with a zero
// window.
func (f *flow) transferSYN1(from origin, seg packet.TCP) {
	if from != fromClient || !seg.Flags().Has(packet.SYN) || seg.Flags().Has(packet.ACK) {
		return
	}
	f.clientSeq = seg.Seq() + 1
	f.clientNext = f.clientSeq
	f.clientWindow = seg.Window()
	seg.SetWindow(0)
	seg.DisableSACK()
	f.forward(fromClient, seg)
	f.state = stateSynSent
	f.timer.Reset(RetryInterval)
}

// transferSYN2 relays the proxy's SYN-ACK to the client with a zero window.
func (f *flow) transferSYN2(from origin, seg packet.TCP) {
	if from != fromProxy || !seg.Flags().Has(packet.SYN|packet.ACK) || seg.Ack() != f.clientSeq {
		return
	}
	f.proxySeq = seg.Seq() + 1
	f.proxyNext = f.proxySeq
	f.proxyWindow = seg.Window()
	seg.SetWindow(0)
	seg.DisableSACK()
	f.forward(fromProxy, seg)
	f.state = stateSynReceived
	f.timer.Reset(RetryInterval)
}

// transferSYN3 completes both handshakes on the client's ACK and starts the
// proxy negotiation.
func (f *flow) transferSYN3(from origin, seg packet.TCP) {
	if from != fromClient || seg.Flags().Has(packet.SYN) || !seg.Flags().Has(packet.ACK) || seg.Ack() != f.proxySeq {
		return
	}
	if w := seg.Window(); w != 0 {
		f.clientWindow = w
	}
	f.send(fromClient, 0, f.clientSeq, f.proxySeq, 0, nil)
	f.hs = f.s.handshake(f.host, f.pair.Local.Port())
	f.state = stateAuth
	f.retries = 0
	f.timer.Reset(0)
}

func (f *flow) authSendRequest() {
	data, window := f.hs.Request()
	f.pending = uint32(len(data))
	f.send(fromClient, packet.PSH, f.clientSeq+f.proxyOut, f.proxySeq+f.proxyIn, window, data)
}

func (f *flow) authDispatch(from origin, seg packet.TCP) {
	if from != fromProxy || seg.Seq() != f.proxySeq+f.proxyIn {
		return
	}
	payload := seg.Payload()
	status := NeedMore
	if len(payload) > 0 {
		f.proxyIn += uint32(len(payload))
		var committed int
		status, committed = f.hs.Response(payload)
		f.proxyOut += uint32(committed)
		f.pending -= min(f.pending, uint32(committed))

		switch {
		case status == Done:
			f.hs = nil
			f.proxyWindow = seg.Window()
			f.state = stateEstablishing
			f.retries = 0
			f.timer.Reset(0)
			return
		case status == NeedMore && committed > 0:
			// next stage of the negotiation
			f.retries = 0
			f.timer.Reset(0)
		case status == NeedMore:
			_, window := f.hs.Request()
			f.send(fromClient, 0, f.clientSeq+f.proxyOut+f.pending, f.proxySeq+f.proxyIn, window, nil)
		}
	}
	if status == Failed || seg.Flags().Has(packet.FIN) {
		if seg.Flags().Has(packet.FIN) {
			f.proxyIn++
		}
		f.log.Errorf("FAILED to connect %s --> %s via %s", f.pair.Remote, f.target(), f.proxy)
		f.s.handshakeFailures++
		f.proxyOut += f.pending
		f.pending = 0
		f.hs = nil
		f.close()
	}
}

// resync opens both windows once the proxy tunnel is up.
func (f *flow) resync() {
	f.send(fromProxy, 0, f.proxySeq, f.clientSeq, f.proxyWindow, nil)
	f.send(fromClient, 0, f.clientSeq+f.proxyOut, f.proxySeq+f.proxyIn, f.clientWindow, nil)
}

// connected enters ESTABLISHED under the idle timer.
func (f *flow) connected() {
	f.log.Infof("Connected %s --> %s", f.pair.Remote, f.target())
	f.state = stateEstablished
	f.timer.Reset(f.s.idleTimeout)
}

// transferData relays a segment, shifting sequence and acknowledgement
// numbers by the handshake offsets, and counts acknowledged bytes.
func (f *flow) transferData(from origin, seg packet.TCP) {
	seq, ack := seg.Seq(), seg.Ack()
	acked := seg.Flags().Has(packet.ACK)
	if from == fromClient {
		advance(&f.clientNext, seq+seg.SeqLen())
		seg.SetSeq(seq + f.proxyOut)
		seg.SetAck(ack + f.proxyIn)
		if acked {
			if d := ackDelta(ack, f.proxySeq, f.downBytes); d > 0 {
				f.downBytes += d
				f.s.totalDown += d
			}
		}
	} else {
		seq -= f.proxyIn
		ack -= f.proxyOut
		advance(&f.proxyNext, seq+seg.SeqLen())
		seg.SetSeq(seq)
		seg.SetAck(ack)
		if acked {
			if d := ackDelta(ack, f.clientSeq, f.upBytes); d > 0 {
				f.upBytes += d
				f.s.totalUp += d
			}
		}
	}
	f.forward(from, seg)
}

// ackDelta returns the bytes newly acknowledged by ack on a stream starting
// at base of which counted bytes were already acknowledged. Duplicate,
// stale and implausible acknowledgements yield zero.
func ackDelta(ack, base uint32, counted uint64) uint64 {
	d := ack - base - uint32(counted)
	if d == 0 || d > math.MaxInt32 {
		return 0
	}
	return uint64(d)
}

func (f *flow) observeFIN(from origin, seg packet.TCP) {
	if !seg.Flags().Has(packet.FIN) {
		return
	}
	if from == fromClient {
		f.clientFin = true
	} else {
		f.proxyFin = true
	}
}

// close starts an orderly teardown, sending FIN to each side that has not
// yet seen one.
func (f *flow) close() {
	f.finToClient = !f.proxyFin
	f.finToProxy = !f.clientFin
	if !f.finToClient && !f.finToProxy {
		f.closed()
		return
	}
	f.state = stateClosing
	f.retries = 0
	f.timer.Reset(0)
}

func (f *flow) closingSend() {
	if f.finToClient {
		f.send(fromProxy, packet.FIN, f.proxyNext, f.clientNext, f.proxyWindow, nil)
	}
	if f.finToProxy {
		f.send(fromClient, packet.FIN, f.clientNext+f.proxyOut, f.proxyNext+f.proxyIn, f.clientWindow, nil)
	}
}

func (f *flow) closingDispatch(from origin, seg packet.TCP) {
	if !seg.Flags().Has(packet.ACK) {
		return
	}
	ack := seg.Ack()
	if from == fromClient {
		if f.finToClient && ack == f.proxyNext+1 {
			f.finToClient = false
		}
	} else {
		if f.finToProxy && ack == f.clientNext+f.proxyOut+1 {
			f.finToProxy = false
		}
	}
	if !f.finToClient && !f.finToProxy {
		f.closed()
	}
}

// onReset relays a reset to the other leg and ends the flow.
func (f *flow) onReset(from origin, seg packet.TCP) {
	f.log.Debugf("reset by %v in %s", from, f.state)
	switch f.state {
	case stateEstablishing, stateEstablished, stateFinWait:
		f.transferData(from, seg)
	default:
		f.abort(from)
		return
	}
	f.closed()
}

// abort resets both legs except the side that reset the flow itself.
func (f *flow) abort(except origin) {
	if except != fromClient {
		if f.state == stateSynSent {
			f.send(fromProxy, packet.RST, 0, f.clientSeq, 0, nil)
		} else {
			f.send(fromProxy, packet.RST, f.proxyNext, f.clientNext, 0, nil)
		}
	}
	if except != fromProxy {
		f.send(fromClient, packet.RST, f.clientNext+f.proxyOut+f.pending, f.proxyNext+f.proxyIn, 0, nil)
	}
	f.closed()
}

// closed stops dispatch to the flow; it is destroyed on the next tick.
func (f *flow) closed() {
	f.state = stateClosed
	f.s.unlink(f)
	f.timer.Reset(0)
}

func (f *flow) try(fn func()) {
	if f.retries < MaxRetries {
		f.retries++
		fn()
		f.timer.Reset(RetryInterval)
		return
	}
	f.log.Infof("retries exhausted in %s", f.state)
	f.s.retriesExhausted++
	f.abort(nobody)
}

func (f *flow) onTimeout() {
	switch f.state {
	case stateSynSent, stateSynReceived:
		f.log.Infof("handshake with %s timed out in %s", f.proxy, f.state)
		f.s.handshakeFailures++
		f.abort(nobody)
	case stateAuth:
		f.try(f.authSendRequest)
	case stateEstablishing:
		f.resync()
		f.connected()
	case stateEstablished:
		f.log.Infof("idle timeout")
		f.close()
	case stateFinWait:
		f.closed()
	case stateClosing:
		f.try(f.closingSend)
	case stateClosed:
		f.destroy()
	}
}

func (f *flow) destroy() {
	f.timer.Stop()
	f.s.unlink(f)
	f.log.Infof("Disconnected %s --> %s", f.pair.Remote, f.target())
}
