package core

// TUNDevice represents a virtual network interface carrying raw IPv4.
type TUNDevice interface {
	// Name returns the name of the TUN device
	Name() string

	// MTU returns the Maximum Transmission Unit of the TUN device
	MTU() (int, error)

	// SetPacketProcessor sets the callback for packets read from the device
	SetPacketProcessor(processor PacketProcessor)

	// WritePacket writes a packet to the TUN device
	WritePacket(packet Packet) error

	// Start starts the TUN device
	Start() error

	// Stop stops the TUN device
	Stop() error

	// Metrics returns metrics for the TUN device
	Metrics() TUNMetrics
}

// PacketProcessor consumes raw packets. The stack implements it for inbound
// traffic and links implement it for outbound traffic.
type PacketProcessor interface {
	// ProcessPacket handles one packet. The packet is only valid for the
	// duration of the call.
	ProcessPacket(packet Packet) error
}

// PacketProcessorFunc adapts a function to PacketProcessor.
type PacketProcessorFunc func(packet Packet) error

// ProcessPacket calls f(packet).
func (f PacketProcessorFunc) ProcessPacket(packet Packet) error { return f(packet) }

// TUNMetrics contains metrics for a TUN device
type TUNMetrics struct {
	// PacketsReceived is the number of packets received from the TUN device
	PacketsReceived uint64 `json:"packetsReceived"`

	// PacketsSent is the number of packets sent to the TUN device
	PacketsSent uint64 `json:"packetsSent"`

	// BytesReceived is the number of bytes received from the TUN device
	BytesReceived uint64 `json:"bytesReceived"`

	// BytesSent is the number of bytes sent to the TUN device
	BytesSent uint64 `json:"bytesSent"`

	// Errors is the number of errors encountered
	Errors uint64 `json:"errors"`
}
