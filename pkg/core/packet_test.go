package core

import (
	"bytes"
	"testing"
)

func TestPacketDebugCopy(t *testing.T) {
	for _, debug := range []bool{true, false} {
		SetDebugMode(debug)
		data := []byte{0x45, 0x00, 0x00, 0x14}
		p := NewPacket(data)
		if !bytes.Equal(p.Data(), data) {
			t.Fatalf("debug=%v: data mismatch %v", debug, p.Data())
		}
		if p.Length() != len(data) {
			t.Fatalf("debug=%v: length %d", debug, p.Length())
		}
		data[0] = 0x46
		copied := p.Data()[0] == 0x45
		if copied != debug {
			t.Fatalf("debug=%v: copy semantics violated", debug)
		}
	}
	SetDebugMode(false)
}

func TestPooledPacketRelease(t *testing.T) {
	var returned [][]byte
	buf := []byte{1, 2, 3}
	p := NewPooledPacket(buf, func(b []byte) { returned = append(returned, b) })
	if p.Length() != 3 {
		t.Fatalf("length %d", p.Length())
	}
	ReleasePacket(p)
	ReleasePacket(p)
	if len(returned) != 1 {
		t.Fatalf("released %d times", len(returned))
	}
	if p.Length() != 0 {
		t.Fatalf("released packet still exposes data")
	}
	// plain packets are ignored
	ReleasePacket(NewPacket([]byte{1}))
}

func TestPacketProcessorFunc(t *testing.T) {
	var got int
	var proc PacketProcessor = PacketProcessorFunc(func(p Packet) error {
		got = p.Length()
		return nil
	})
	if err := proc.ProcessPacket(NewPacket(make([]byte, 40))); err != nil {
		t.Fatal(err)
	}
	if got != 40 {
		t.Fatalf("got %d", got)
	}
}
