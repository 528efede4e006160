// Package ipv4 implements the protocol dispatch chain: inbound datagrams are
// validated and handed to every handler registered for their protocol, and
// outbound datagrams are handed back to the framer.
package ipv4

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/irctrakz/transproxy/pkg/core"
	"github.com/irctrakz/transproxy/pkg/logging"
	"github.com/irctrakz/transproxy/pkg/packet"
	"github.com/sirupsen/logrus"
)

// Handler consumes inbound datagrams of one protocol. The view is only
// valid for the duration of the call.
type Handler interface {
	HandlePacket(ip packet.IP) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ip packet.IP) error

// HandlePacket calls f(ip).
func (f HandlerFunc) HandlePacket(ip packet.IP) error { return f(ip) }

// Sender transmits fully built datagrams.
type Sender interface {
	SendPacket(ip packet.IP) error
}

// Direction tells a tap whether a datagram is entering or leaving.
type Direction int

const (
	Inbound Direction = iota
	Outbound
)

func (d Direction) String() string {
	if d == Inbound {
		return "in"
	}
	return "out"
}

// Tap observes every datagram crossing the stack.
type Tap func(dir Direction, ip packet.IP)

type registration struct {
	proto   uint8
	handler Handler
}

// Stack is the dispatch chain. It is driven from the reactor goroutine;
// only Metrics may be called concurrently.
type Stack struct {
	framer   core.PacketProcessor
	handlers []registration
	taps     []Tap

	verifyChecksums bool
	metrics         core.StackMetrics

	log *logrus.Entry
}

// NewStack creates a stack that transmits through framer.
func NewStack(framer core.PacketProcessor) *Stack {
	return &Stack{
		framer: framer,
		log:    logging.Component("ipv4"),
	}
}

// SetFramer replaces the outbound framer.
func (s *Stack) SetFramer(framer core.PacketProcessor) { s.framer = framer }

// SetVerifyChecksums enables IP header checksum validation on input.
func (s *Stack) SetVerifyChecksums(on bool) { s.verifyChecksums = on }

// RegisterProtocol adds h to the handlers for proto. Handlers run in
// registration order and every matching handler sees the datagram.
func (s *Stack) RegisterProtocol(proto uint8, h Handler) {
	s.handlers = append(s.handlers, registration{proto: proto, handler: h})
}

// AddTap registers an observer of all traffic.
func (s *Stack) AddTap(tap Tap) { s.taps = append(s.taps, tap) }

// ProcessPacket implements core.PacketProcessor for links feeding the stack.
func (s *Stack) ProcessPacket(p core.Packet) error {
	return s.DispatchPacket(p.Data())
}

// DispatchPacket validates b and invokes the matching handlers. Malformed
// datagrams are dropped without error; handler errors are joined and
// returned so resource exhaustion reaches the caller.
func (s *Stack) DispatchPacket(b []byte) error {
	ip, err := packet.ParseIP(b)
	if err != nil {
		atomic.AddUint64(&s.metrics.Malformed, 1)
		s.log.Debugf("dropping malformed datagram: %v", err)
		return nil
	}
	if s.verifyChecksums && !ip.VerifyChecksum() {
		atomic.AddUint64(&s.metrics.Malformed, 1)
		s.log.Debugf("dropping datagram with bad header checksum: %s", ip)
		return nil
	}
	// fragments are not reassembled
	if frag := binary.BigEndian.Uint16(ip[6:8]); frag&0x3fff != 0 {
		atomic.AddUint64(&s.metrics.Unhandled, 1)
		s.log.Debugf("dropping fragment: %s", ip)
		return nil
	}

	atomic.AddUint64(&s.metrics.PacketsIn, 1)
	atomic.AddUint64(&s.metrics.BytesIn, uint64(len(ip)))
	for _, tap := range s.taps {
		tap(Inbound, ip)
	}

	matched := false
	var errs []error
	for _, r := range s.handlers {
		if r.proto != ip.Protocol() {
			continue
		}
		matched = true
		if err := r.handler.HandlePacket(ip); err != nil {
			atomic.AddUint64(&s.metrics.Errors, 1)
			errs = append(errs, fmt.Errorf("protocol %d: %w", r.proto, err))
		}
	}
	if !matched {
		atomic.AddUint64(&s.metrics.Unhandled, 1)
		s.log.Debugf("no handler for protocol %d: %s", ip.Protocol(), ip)
	}
	return errors.Join(errs...)
}

// SendPacket hands a datagram to the framer. There is no queueing.
func (s *Stack) SendPacket(ip packet.IP) error {
	if s.framer == nil {
		return errors.New("ipv4: no framer attached")
	}
	for _, tap := range s.taps {
		tap(Outbound, ip)
	}
	atomic.AddUint64(&s.metrics.PacketsOut, 1)
	atomic.AddUint64(&s.metrics.BytesOut, uint64(len(ip)))
	if err := s.framer.ProcessPacket(core.NewPacket(ip)); err != nil {
		atomic.AddUint64(&s.metrics.Errors, 1)
		return fmt.Errorf("framer: %w", err)
	}
	return nil
}

// Metrics returns a snapshot of the counters.
func (s *Stack) Metrics() core.StackMetrics {
	return core.StackMetrics{
		PacketsIn:  atomic.LoadUint64(&s.metrics.PacketsIn),
		PacketsOut: atomic.LoadUint64(&s.metrics.PacketsOut),
		BytesIn:    atomic.LoadUint64(&s.metrics.BytesIn),
		BytesOut:   atomic.LoadUint64(&s.metrics.BytesOut),
		Malformed:  atomic.LoadUint64(&s.metrics.Malformed),
		Unhandled:  atomic.LoadUint64(&s.metrics.Unhandled),
		Errors:     atomic.LoadUint64(&s.metrics.Errors),
	}
}
