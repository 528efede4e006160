package ipv4

import (
	"fmt"

	"github.com/irctrakz/transproxy/pkg/packet"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
)

// EchoResponder answers ICMP echo requests addressed to any destination, so
// virtual addresses are pingable.
type EchoResponder struct {
	sender Sender
}

// NewEchoResponder registers an echo responder on stack.
func NewEchoResponder(stack *Stack) *EchoResponder {
	e := &EchoResponder{sender: stack}
	stack.RegisterProtocol(packet.ProtoICMP, e)
	return e
}

// HandlePacket implements Handler.
func (e *EchoResponder) HandlePacket(ip packet.IP) error {
	msg, err := icmp.ParseMessage(ipv4.ICMPTypeEcho.Protocol(), ip.Payload())
	if err != nil {
		return nil
	}
	if msg.Type != ipv4.ICMPTypeEcho {
		return nil
	}
	reply := icmp.Message{Type: ipv4.ICMPTypeEchoReply, Code: 0, Body: msg.Body}
	body, err := reply.Marshal(nil)
	if err != nil {
		return fmt.Errorf("marshal echo reply: %w", err)
	}
	return e.sender.SendPacket(packet.BuildIP(ip.Dst(), ip.Src(), packet.ProtoICMP, body))
}
