//go:build linux

package tun

import (
	"errors"
	"fmt"
	"net"
	"sync/atomic"

	"github.com/irctrakz/transproxy/pkg/core"
	"github.com/irctrakz/transproxy/pkg/logging"
	"github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

const cloneDevice = "/dev/net/tun"

// Device is a kernel TUN interface carrying raw IPv4 without packet
// information headers.
type Device struct {
	name      string
	mtu       int
	fd        int
	reg       Registrar
	post      func(func())
	processor core.PacketProcessor
	buf       []byte
	running   bool
	metrics   core.TUNMetrics
	log       *logrus.Entry
}

// Open creates the interface, assigns its address and brings it up. post
// queues a function on the reactor goroutine and may be nil.
func Open(opts Options, reg Registrar, post func(func())) (*Device, error) {
	fd, err := unix.Open(cloneDevice, unix.O_RDWR|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cloneDevice, err)
	}
	ifr, err := unix.NewIfreq(opts.Name)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("tun name %q: %w", opts.Name, err)
	}
	ifr.SetUint16(unix.IFF_TUN | unix.IFF_NO_PI)
	if err := unix.IoctlIfreq(fd, unix.TUNSETIFF, ifr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("TUNSETIFF %s: %w", opts.Name, err)
	}
	d := newDevice(fd, ifr.Name(), opts.MTU, reg, post)
	if err := configure(d.name, opts); err != nil {
		unix.Close(fd)
		return nil, err
	}
	d.log.Infof("TUN device %s opened, mtu %d", d.name, d.mtu)
	return d, nil
}

func newDevice(fd int, name string, mtu int, reg Registrar, post func(func())) *Device {
	if mtu <= 0 {
		mtu = 1500
	}
	return &Device{
		name: name,
		mtu:  mtu,
		fd:   fd,
		reg:  reg,
		post: post,
		buf:  make([]byte, mtu+64),
		log:  logging.Component("tun").WithField("dev", name),
	}
}

// configure sets the MTU and address of the interface over netlink and
// brings it up.
func configure(name string, opts Options) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("lookup %s: %w", name, err)
	}
	if opts.MTU > 0 {
		if err := netlink.LinkSetMTU(link, opts.MTU); err != nil {
			return fmt.Errorf("set mtu on %s: %w", name, err)
		}
	}
	if addr := linkAddr(opts); addr != nil {
		if err := netlink.AddrReplace(link, addr); err != nil {
			return fmt.Errorf("set address %s on %s: %w", addr.IPNet, name, err)
		}
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("bring up %s: %w", name, err)
	}
	return nil
}

// linkAddr is the interface address for opts, or nil when none is set. A
// missing mask means a host route.
func linkAddr(opts Options) *netlink.Addr {
	if !opts.Addr.Is4() {
		return nil
	}
	a := opts.Addr.As4()
	mask := net.CIDRMask(32, 32)
	if opts.Mask.Is4() {
		m := opts.Mask.As4()
		mask = net.IPMask(m[:])
	}
	return &netlink.Addr{IPNet: &net.IPNet{IP: net.IP(a[:]), Mask: mask}}
}

// Name returns the name of the TUN device
func (d *Device) Name() string { return d.name }

// MTU returns the Maximum Transmission Unit of the TUN device
func (d *Device) MTU() (int, error) { return d.mtu, nil }

// SetPacketProcessor sets the callback for packets read from the device
func (d *Device) SetPacketProcessor(processor core.PacketProcessor) { d.processor = processor }

// Start registers the device on the reactor. It must be called from the
// reactor goroutine or before the loop runs.
func (d *Device) Start() error {
	if d.running {
		return fmt.Errorf("TUN device already running")
	}
	if err := d.reg.RegisterReadable(d.fd, d.onReadable); err != nil {
		return err
	}
	d.running = true
	// edge-triggered: packets queued before registration would never
	// signal again
	d.onReadable()
	return nil
}

// Stop unregisters and closes the device.
func (d *Device) Stop() error {
	if d.fd < 0 {
		return nil
	}
	if d.running {
		d.reg.Unregister(d.fd)
		d.running = false
	}
	err := unix.Close(d.fd)
	d.fd = -1
	d.log.Infof("TUN device stopped")
	return err
}

func (d *Device) onReadable() {
	for i := 0; i < maxBurst; i++ {
		if d.fd < 0 {
			return
		}
		n, err := unix.Read(d.fd, d.buf)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
				return
			}
			atomic.AddUint64(&d.metrics.Errors, 1)
			d.log.WithError(err).Warn("read failed")
			return
		}
		if n == 0 {
			return
		}
		atomic.AddUint64(&d.metrics.PacketsReceived, 1)
		atomic.AddUint64(&d.metrics.BytesReceived, uint64(n))
		if d.processor == nil {
			continue
		}
		if err := d.processor.ProcessPacket(core.NewPacket(d.buf[:n])); err != nil {
			atomic.AddUint64(&d.metrics.Errors, 1)
			d.log.WithError(err).Error("failed to process packet")
		}
	}
	if d.post != nil {
		d.post(d.onReadable)
	}
}

// WritePacket writes a packet to the TUN device
func (d *Device) WritePacket(packet core.Packet) error {
	data := packet.Data()
	if d.fd < 0 {
		return fmt.Errorf("TUN device %s closed", d.name)
	}
	if _, err := unix.Write(d.fd, data); err != nil {
		atomic.AddUint64(&d.metrics.Errors, 1)
		return fmt.Errorf("write %s: %w", d.name, err)
	}
	atomic.AddUint64(&d.metrics.PacketsSent, 1)
	atomic.AddUint64(&d.metrics.BytesSent, uint64(len(data)))
	return nil
}

// ProcessPacket implements core.PacketProcessor so the device can be the
// stack's outbound framer.
func (d *Device) ProcessPacket(packet core.Packet) error { return d.WritePacket(packet) }

// Metrics returns metrics for the TUN device
func (d *Device) Metrics() core.TUNMetrics {
	return core.TUNMetrics{
		PacketsReceived: atomic.LoadUint64(&d.metrics.PacketsReceived),
		PacketsSent:     atomic.LoadUint64(&d.metrics.PacketsSent),
		BytesReceived:   atomic.LoadUint64(&d.metrics.BytesReceived),
		BytesSent:       atomic.LoadUint64(&d.metrics.BytesSent),
		Errors:          atomic.LoadUint64(&d.metrics.Errors),
	}
}
