package tcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"sync"
	"time"
)

// ErrNotEstablished is returned by Conn writes once the connection has left
// ESTABLISHED.
var ErrNotEstablished = errors.New("tcp: connection not established")

// Caller runs a function on the reactor goroutine and waits for it.
type Caller interface {
	Call(ctx context.Context, fn func()) error
}

// Conn adapts an Endpoint to net.Conn for use from ordinary goroutines.
type Conn struct {
	loop Caller
	ep   *Endpoint

	connected chan struct{}
	readable  chan struct{}
	writable  chan struct{}
	closed    chan struct{}
	closeOnce sync.Once

	mu            sync.Mutex
	userClosed    bool
	readDeadline  time.Time
	writeDeadline time.Time
}

var _ net.Conn = (*Conn)(nil)

func newConn(loop Caller) *Conn {
	return &Conn{
		loop:      loop,
		connected: make(chan struct{}, 1),
		readable:  make(chan struct{}, 1),
		writable:  make(chan struct{}, 1),
		closed:    make(chan struct{}),
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (c *Conn) OnConnected(*Endpoint)    { signal(c.connected) }
func (c *Conn) OnReadable(*Endpoint)     { signal(c.readable) }
func (c *Conn) OnWritable(*Endpoint)     { signal(c.writable) }
func (c *Conn) OnDisconnected(*Endpoint) { c.closeOnce.Do(func() { close(c.closed) }) }

// Dial actively opens a connection from localIP to remote.
func Dial(ctx context.Context, loop Caller, d *Demux, localIP netip.Addr, remote netip.AddrPort) (*Conn, error) {
	c := newConn(loop)
	var err error
	if cerr := loop.Call(ctx, func() {
		if err = ctx.Err(); err != nil {
			return
		}
		c.ep = d.Open(localIP, c)
		err = c.ep.Connect(remote)
	}); cerr != nil {
		// the open may still run after Call gave up
		c.call(func() {
			if c.ep != nil {
				c.ep.Close()
			}
		})
		return nil, cerr
	}
	if err != nil {
		return nil, err
	}
	select {
	case <-c.connected:
		return c, nil
	case <-c.closed:
		return nil, fmt.Errorf("dial %s: connection refused", remote)
	case <-ctx.Done():
		c.Close()
		return nil, ctx.Err()
	}
}

func (c *Conn) call(fn func()) error {
	return c.loop.Call(context.Background(), fn)
}

func peerClosed(s State) bool {
	return s == StateLastAck || s == StateClosing || s == StateClosed
}

// Read reads received data. It returns io.EOF once the peer has closed and
// all buffered data has been consumed.
func (c *Conn) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for {
		if c.isClosed() {
			return 0, net.ErrClosed
		}
		var n int
		var eof bool
		if err := c.call(func() {
			n = c.ep.Recv(p)
			if n == 0 {
				if c.ep.destroyed || peerClosed(c.ep.state) {
					eof = true
					return
				}
				c.ep.WaitToRecv()
			}
		}); err != nil {
			return 0, err
		}
		if n > 0 {
			return n, nil
		}
		if eof {
			return 0, io.EOF
		}
		c.mu.Lock()
		deadline := c.readDeadline
		c.mu.Unlock()
		if err := wait(c.readable, c.closed, deadline); err != nil {
			return 0, err
		}
	}
}

// Write queues p, blocking while the send ring is full.
func (c *Conn) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		if c.isClosed() {
			return written, net.ErrClosed
		}
		var n int
		var broken bool
		if err := c.call(func() {
			n = c.ep.Send(p[written:])
			if n == 0 {
				if c.ep.state != StateEstablished || c.ep.closePending {
					broken = true
					return
				}
				c.ep.WaitToSend()
			}
		}); err != nil {
			return written, err
		}
		written += n
		if broken {
			return written, ErrNotEstablished
		}
		if n > 0 {
			continue
		}
		c.mu.Lock()
		deadline := c.writeDeadline
		c.mu.Unlock()
		if err := wait(c.writable, c.closed, deadline); err != nil {
			return written, err
		}
	}
	return written, nil
}

// wait blocks until ch fires, closed is closed or the deadline passes.
func wait(ch, closed <-chan struct{}, deadline time.Time) error {
	var expire <-chan time.Time
	if !deadline.IsZero() {
		d := time.Until(deadline)
		if d <= 0 {
			return os.ErrDeadlineExceeded
		}
		t := time.NewTimer(d)
		defer t.Stop()
		expire = t.C
	}
	select {
	case <-ch:
		return nil
	case <-closed:
		return nil
	case <-expire:
		return os.ErrDeadlineExceeded
	}
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userClosed
}

// Close starts an orderly shutdown.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.userClosed {
		c.mu.Unlock()
		return nil
	}
	c.userClosed = true
	c.mu.Unlock()
	err := c.call(func() { c.ep.Close() })
	c.closeOnce.Do(func() { close(c.closed) })
	return err
}

func (c *Conn) LocalAddr() net.Addr  { return net.TCPAddrFromAddrPort(c.ep.LocalAddr()) }
func (c *Conn) RemoteAddr() net.Addr { return net.TCPAddrFromAddrPort(c.ep.RemoteAddr()) }

func (c *Conn) SetDeadline(t time.Time) error {
	c.mu.Lock()
	c.readDeadline, c.writeDeadline = t, t
	c.mu.Unlock()
	return nil
}

func (c *Conn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.readDeadline = t
	c.mu.Unlock()
	return nil
}

func (c *Conn) SetWriteDeadline(t time.Time) error {
	c.mu.Lock()
	c.writeDeadline = t
	c.mu.Unlock()
	return nil
}

// NetListener adapts a Server to net.Listener.
type NetListener struct {
	loop     Caller
	server   *Server
	accepted chan *Conn
	done     chan struct{}
	once     sync.Once
}

var _ net.Listener = (*NetListener)(nil)

// Listen binds a net.Listener to addr.
func Listen(loop Caller, d *Demux, addr netip.AddrPort) (*NetListener, error) {
	l := &NetListener{
		loop:     loop,
		accepted: make(chan *Conn, 64),
		done:     make(chan struct{}),
	}
	var err error
	if cerr := loop.Call(context.Background(), func() {
		l.server, err = d.Listen(addr, l)
	}); cerr != nil {
		return nil, cerr
	}
	if err != nil {
		return nil, err
	}
	return l, nil
}

// OnAccepted implements ServerListener. The endpoint is closed when the
// accept queue is full.
func (l *NetListener) OnAccepted(e *Endpoint) Listener {
	c := newConn(l.loop)
	c.ep = e
	select {
	case l.accepted <- c:
		return c
	default:
		e.Close()
		return nil
	}
}

// Accept waits for the next connection.
func (l *NetListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.accepted:
		return c, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

// Close unbinds the listener.
func (l *NetListener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.done)
		err = l.loop.Call(context.Background(), l.server.Close)
	})
	return err
}

// Addr returns the bound address.
func (l *NetListener) Addr() net.Addr { return net.TCPAddrFromAddrPort(l.server.Addr()) }
