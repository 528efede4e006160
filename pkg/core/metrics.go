package core

// StackMetrics contains counters of the protocol dispatch chain.
type StackMetrics struct {
	// PacketsIn is the number of packets accepted for dispatch.
	PacketsIn uint64 `json:"packetsIn"`

	// PacketsOut is the number of packets handed to the framer.
	PacketsOut uint64 `json:"packetsOut"`

	// BytesIn is the number of bytes accepted for dispatch.
	BytesIn uint64 `json:"bytesIn"`

	// BytesOut is the number of bytes handed to the framer.
	BytesOut uint64 `json:"bytesOut"`

	// Malformed is the number of packets dropped by validation.
	Malformed uint64 `json:"malformed"`

	// Unhandled is the number of packets no handler was registered for.
	Unhandled uint64 `json:"unhandled"`

	// Errors is the number of handler or framer errors.
	Errors uint64 `json:"errors"`
}

// TCPMetrics contains counters of the TCP endpoint engine.
type TCPMetrics struct {
	// Endpoints is the number of live endpoints.
	Endpoints int `json:"endpoints"`

	// Listeners is the number of bound listeners.
	Listeners int `json:"listeners"`

	// Accepted is the number of passive opens.
	Accepted uint64 `json:"accepted"`

	// Connected is the number of active opens.
	Connected uint64 `json:"connected"`

	// ResetsSent is the number of crafted resets for unmatched segments.
	ResetsSent uint64 `json:"resetsSent"`
}

// SplicerMetrics contains counters of the transparent proxy splicer.
type SplicerMetrics struct {
	// Connections is the number of live flows.
	Connections int `json:"connections"`

	// MaxConnections is the high-water mark of Connections.
	MaxConnections int `json:"maxConnections"`

	// Flows is the number of flows ever admitted.
	Flows uint64 `json:"flows"`

	// UpBytes is the number of client-to-proxy payload bytes acknowledged.
	UpBytes uint64 `json:"upBytes"`

	// DownBytes is the number of proxy-to-client payload bytes acknowledged.
	DownBytes uint64 `json:"downBytes"`

	// HandshakeFailures is the number of flows torn down by the proxy handshake.
	HandshakeFailures uint64 `json:"handshakeFailures"`

	// RetriesExhausted is the number of flows reset after the retry bound.
	RetriesExhausted uint64 `json:"retriesExhausted"`

	// Resets is the number of crafted resets for unmatched segments.
	Resets uint64 `json:"resets"`
}

// DNSMetrics contains counters of the in-tunnel DNS responder.
type DNSMetrics struct {
	// Queries is the number of well-formed queries received.
	Queries uint64 `json:"queries"`

	// Answered is the number of queries answered with a virtual address.
	Answered uint64 `json:"answered"`

	// Relayed is the number of queries forwarded upstream.
	Relayed uint64 `json:"relayed"`

	// Failures is the number of upstream failures and pool exhaustions.
	Failures uint64 `json:"failures"`

	// Bindings is the number of hostnames with a virtual address.
	Bindings int `json:"bindings"`
}

// Metrics aggregates all engine counters.
type Metrics struct {
	Stack   StackMetrics   `json:"stack"`
	TCP     TCPMetrics     `json:"tcp"`
	Splicer SplicerMetrics `json:"splicer"`
	DNS     DNSMetrics     `json:"dns"`
	TUN     TUNMetrics     `json:"tun"`

	// WireGuard is nil when the WireGuard front end is disabled.
	WireGuard *WireGuardMetrics `json:"wireguard,omitempty"`
}

// WireGuardMetrics counts plaintext exchanged with the WireGuard device.
type WireGuardMetrics struct {
	// BytesFromPeers is plaintext written by the device into the stack.
	BytesFromPeers uint64 `json:"bytesFromPeers"`

	// BytesToPeers is plaintext queued for the device to encrypt.
	BytesToPeers uint64 `json:"bytesToPeers"`

	// PeerRoutes counts packets routed from one peer straight to another.
	PeerRoutes uint64 `json:"peerRoutes"`

	// QueueDrops counts packets dropped on a full device queue.
	QueueDrops uint64 `json:"queueDrops"`

	// NonIPv4 counts frames from the device that were not IPv4.
	NonIPv4 uint64 `json:"nonIPv4"`
}
