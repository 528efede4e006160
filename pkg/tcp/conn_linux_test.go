//go:build linux

package tcp

import (
	"context"
	"io"
	"net/netip"
	"os"
	"testing"
	"time"

	"github.com/irctrakz/transproxy/pkg/packet"
	"github.com/irctrakz/transproxy/pkg/reactor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wire delivers datagrams to the peer demux on the next loop iteration.
type wire struct {
	loop *reactor.Loop
	peer *Demux
}

func (w *wire) SendPacket(ip packet.IP) error {
	cp := append(packet.IP(nil), ip...)
	w.loop.Post(func() { _ = w.peer.HandlePacket(cp) })
	return nil
}

func startPair(t *testing.T) (*reactor.Loop, *Demux, *Demux) {
	t.Helper()
	loop, err := reactor.NewLoop()
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		_ = loop.Run(ctx)
		close(stopped)
	}()
	t.Cleanup(func() {
		cancel()
		<-stopped
		loop.Close()
	})

	toServer, toClient := &wire{loop: loop}, &wire{loop: loop}
	client := NewDemux(toServer, loop)
	server := NewDemux(toClient, loop)
	toServer.peer, toClient.peer = server, client
	return loop, client, server
}

func TestConnRoundTrip(t *testing.T) {
	loop, client, server := startPair(t)

	ln, err := Listen(loop, server, serverAddr)
	require.NoError(t, err)
	defer ln.Close()
	assert.Equal(t, serverAddr.String(), ln.Addr().String())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, loop, client, clientAddr.Addr(), serverAddr)
	require.NoError(t, err)

	s, err := ln.Accept()
	require.NoError(t, err)
	assert.Equal(t, c.LocalAddr().String(), s.RemoteAddr().String())

	_, err = c.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 512)
	n, err := s.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf[:n]))

	big := make([]byte, 3*RingSize)
	for i := range big {
		big[i] = byte(i)
	}
	go func() { _, _ = s.Write(big) }()
	got := make([]byte, 0, len(big))
	for len(got) < len(big) {
		n, err := c.Read(buf)
		require.NoError(t, err)
		got = append(got, buf[:n]...)
	}
	assert.Equal(t, big, got)

	require.NoError(t, c.Close())
	_, err = s.Read(buf)
	assert.ErrorIs(t, err, io.EOF)
	require.NoError(t, s.Close())
}

func TestConnReadDeadline(t *testing.T) {
	loop, client, server := startPair(t)
	ln, err := Listen(loop, server, serverAddr)
	require.NoError(t, err)
	defer ln.Close()

	c, err := Dial(context.Background(), loop, client, clientAddr.Addr(), serverAddr)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.SetReadDeadline(time.Now().Add(50*time.Millisecond)))
	_, err = c.Read(make([]byte, 4))
	assert.ErrorIs(t, err, os.ErrDeadlineExceeded)
}

func TestDialRefused(t *testing.T) {
	loop, client, server := startPair(t)
	// binding the IP makes the server answer with resets
	ln, err := Listen(loop, server, netip.AddrPortFrom(serverAddr.Addr(), 8080))
	require.NoError(t, err)
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = Dial(ctx, loop, client, clientAddr.Addr(), serverAddr)
	assert.Error(t, err)
}
