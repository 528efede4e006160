package tun

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/irctrakz/transproxy/pkg/core"
	"github.com/irctrakz/transproxy/pkg/logging"
)

// MockDevice is a core.TUNDevice for tests that doesn't require kernel
// access. Injected packets are delivered through an executor so they reach
// the processor on the reactor goroutine, like kernel reads do.
type MockDevice struct {
	name      string
	mtu       int
	post      func(func())
	processor core.PacketProcessor
	running   atomic.Bool
	metrics   core.TUNMetrics

	mu      sync.Mutex
	written [][]byte
	onWrite func([]byte)
}

// NewMockDevice creates a mock device. post queues work on the reactor
// goroutine; nil delivers injected packets synchronously.
func NewMockDevice(name string, mtu int, post func(func())) *MockDevice {
	return &MockDevice{name: name, mtu: mtu, post: post}
}

// Name returns the name of the TUN device
func (m *MockDevice) Name() string { return m.name }

// MTU returns the Maximum Transmission Unit of the TUN device
func (m *MockDevice) MTU() (int, error) { return m.mtu, nil }

// SetPacketProcessor sets the callback for processing injected packets
func (m *MockDevice) SetPacketProcessor(processor core.PacketProcessor) { m.processor = processor }

// OnWrite installs a hook called with a copy of every written packet.
func (m *MockDevice) OnWrite(fn func([]byte)) {
	m.mu.Lock()
	m.onWrite = fn
	m.mu.Unlock()
}

// WritePacket records a packet written by the stack.
func (m *MockDevice) WritePacket(packet core.Packet) error {
	data := append([]byte(nil), packet.Data()...)

	m.mu.Lock()
	m.written = append(m.written, data)
	hook := m.onWrite
	m.mu.Unlock()

	atomic.AddUint64(&m.metrics.PacketsSent, 1)
	atomic.AddUint64(&m.metrics.BytesSent, uint64(len(data)))
	if hook != nil {
		hook(data)
	}
	return nil
}

// ProcessPacket implements core.PacketProcessor so the mock can be the
// stack's outbound framer.
func (m *MockDevice) ProcessPacket(packet core.Packet) error { return m.WritePacket(packet) }

// Start starts the TUN device
func (m *MockDevice) Start() error {
	if !m.running.CompareAndSwap(false, true) {
		return fmt.Errorf("TUN device already running")
	}
	logging.Component("tun").Infof("Mock TUN device started: %s", m.name)
	return nil
}

// Stop stops the TUN device
func (m *MockDevice) Stop() error {
	m.running.Store(false)
	return nil
}

// Metrics returns metrics for the TUN device
func (m *MockDevice) Metrics() core.TUNMetrics {
	return core.TUNMetrics{
		PacketsReceived: atomic.LoadUint64(&m.metrics.PacketsReceived),
		PacketsSent:     atomic.LoadUint64(&m.metrics.PacketsSent),
		BytesReceived:   atomic.LoadUint64(&m.metrics.BytesReceived),
		BytesSent:       atomic.LoadUint64(&m.metrics.BytesSent),
		Errors:          atomic.LoadUint64(&m.metrics.Errors),
	}
}

// Inject simulates a packet read from the device.
func (m *MockDevice) Inject(data []byte) error {
	if !m.running.Load() {
		return fmt.Errorf("TUN device not running")
	}
	data = append([]byte(nil), data...)
	deliver := func() {
		atomic.AddUint64(&m.metrics.PacketsReceived, 1)
		atomic.AddUint64(&m.metrics.BytesReceived, uint64(len(data)))
		if m.processor == nil {
			return
		}
		if err := m.processor.ProcessPacket(core.NewPacket(data)); err != nil {
			atomic.AddUint64(&m.metrics.Errors, 1)
			logging.Component("tun").WithError(err).Error("Failed to process packet")
		}
	}
	if m.post == nil {
		deliver()
	} else {
		m.post(deliver)
	}
	return nil
}

// Written returns copies of the packets written so far.
func (m *MockDevice) Written() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.written))
	for i, p := range m.written {
		out[i] = append([]byte(nil), p...)
	}
	return out
}

// ClearWritten forgets the written packets.
func (m *MockDevice) ClearWritten() {
	m.mu.Lock()
	m.written = nil
	m.mu.Unlock()
}
