// Package capture writes the datagrams crossing the stack to a pcap file
// with the raw IPv4 link type, so Wireshark can open the tunnel traffic
// without any framing.
package capture

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/irctrakz/transproxy/pkg/ipv4"
	"github.com/irctrakz/transproxy/pkg/logging"
	"github.com/irctrakz/transproxy/pkg/packet"
	"github.com/sirupsen/logrus"
)

const snapLen = 65535

// Writer records datagrams. It is safe for concurrent use.
type Writer struct {
	mu     sync.Mutex
	w      *pcapgo.Writer
	buf    *bufio.Writer
	closer io.Closer
	now    func() time.Time

	packets uint64
	failed  bool
	log     *logrus.Entry
}

// Create truncates path and writes the pcap file header.
func Create(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create capture file: %w", err)
	}
	w, err := NewWriter(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	w.closer = f
	w.log.Infof("capturing to %s", path)
	return w, nil
}

// NewWriter writes the pcap file header to out.
func NewWriter(out io.Writer) (*Writer, error) {
	buf := bufio.NewWriter(out)
	pw := pcapgo.NewWriter(buf)
	if err := pw.WriteFileHeader(snapLen, layers.LinkTypeRaw); err != nil {
		return nil, fmt.Errorf("failed to write capture header: %w", err)
	}
	return &Writer{
		w:   pw,
		buf: buf,
		now: time.Now,
		log: logging.Component("capture"),
	}, nil
}

// Tap returns a stack tap feeding w.
func (w *Writer) Tap() ipv4.Tap {
	return func(_ ipv4.Direction, ip packet.IP) { w.Write(ip) }
}

// Write records one datagram. After the first write error the writer
// stops recording.
func (w *Writer) Write(b []byte) {
	if len(b) == 0 {
		return
	}
	n := len(b)
	if n > snapLen {
		n = snapLen
	}
	ci := gopacket.CaptureInfo{
		Timestamp:     w.now(),
		CaptureLength: n,
		Length:        len(b),
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failed || w.w == nil {
		return
	}
	if err := w.w.WritePacket(ci, b[:n]); err != nil {
		w.failed = true
		w.log.WithError(err).Error("capture disabled after write failure")
		return
	}
	w.packets++
}

// Packets returns the number of datagrams recorded.
func (w *Writer) Packets() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.packets
}

// Flush writes buffered records to the underlying file.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf == nil {
		return nil
	}
	return w.buf.Flush()
}

// Close flushes and closes the file. Later writes are dropped.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.w == nil {
		return nil
	}
	err := w.buf.Flush()
	w.w, w.buf = nil, nil
	if w.closer != nil {
		if cerr := w.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
