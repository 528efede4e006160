package tun

import (
	"errors"
	"testing"

	"github.com/irctrakz/transproxy/pkg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingProcessor is a core.PacketProcessor keeping copies of packets.
type recordingProcessor struct {
	pkts [][]byte
	err  error
}

func (r *recordingProcessor) ProcessPacket(p core.Packet) error {
	r.pkts = append(r.pkts, append([]byte(nil), p.Data()...))
	return r.err
}

var testPacket = []byte{0x45, 0x00, 0x00, 0x14, 0x00, 0x00, 0x40, 0x00, 0x40, 0x01, 0x00, 0x00, 0x0a, 0x00, 0x00, 0x01, 0x0a, 0x00, 0x00, 0x02}

func TestMockDevice(t *testing.T) {
	var queued []func()
	dev := NewMockDevice("mock-tun", 1500, func(fn func()) { queued = append(queued, fn) })
	proc := &recordingProcessor{}
	dev.SetPacketProcessor(proc)

	assert.Error(t, dev.Inject(testPacket), "not running")
	require.NoError(t, dev.Start())
	assert.Error(t, dev.Start())

	require.NoError(t, dev.Inject(testPacket))
	assert.Empty(t, proc.pkts, "delivery waits for the executor")
	require.Len(t, queued, 1)
	queued[0]()
	require.Len(t, proc.pkts, 1)
	assert.Equal(t, testPacket, proc.pkts[0])

	var hooked []byte
	dev.OnWrite(func(b []byte) { hooked = b })
	require.NoError(t, dev.ProcessPacket(core.NewPacket(testPacket)))
	assert.Equal(t, [][]byte{testPacket}, dev.Written())
	assert.Equal(t, testPacket, hooked)

	m := dev.Metrics()
	assert.Equal(t, uint64(1), m.PacketsReceived)
	assert.Equal(t, uint64(len(testPacket)), m.BytesReceived)
	assert.Equal(t, uint64(1), m.PacketsSent)

	dev.ClearWritten()
	assert.Empty(t, dev.Written())
	require.NoError(t, dev.Stop())
}

func TestMockDeviceCountsProcessorErrors(t *testing.T) {
	dev := NewMockDevice("mock-tun", 1500, nil)
	dev.SetPacketProcessor(&recordingProcessor{err: errors.New("boom")})
	require.NoError(t, dev.Start())
	require.NoError(t, dev.Inject(testPacket))
	assert.Equal(t, uint64(1), dev.Metrics().Errors)
}
