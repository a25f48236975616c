package transport

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/e7canasta/camlink/internal/protocol"
)

func TestUDP_SendsDatagrams(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer pc.Close()

	tr := NewUDP(pc.LocalAddr().String())
	sock, err := tr.Open()
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer sock.Close()

	frame := make([]byte, protocol.Capacity)
	pkt := protocol.EncodePacket(make([]byte, protocol.DatagramSize), 1, frame)

	for _, dg := range [][]byte{pkt, protocol.Marker()} {
		if err := sock.Send(dg); err != nil {
			t.Fatalf("Send() error = %v", err)
		}
	}

	buf := make([]byte, 4096)
	pc.SetReadDeadline(time.Now().Add(2 * time.Second))

	n, _, err := pc.ReadFrom(buf)
	if err != nil {
		t.Fatalf("read data packet: %v", err)
	}
	if n != protocol.DatagramSize || buf[0] != 1 || buf[1] != 13 {
		t.Errorf("data packet: %d bytes, header %v", n, buf[:3])
	}

	n, _, err = pc.ReadFrom(buf)
	if err != nil {
		t.Fatalf("read marker: %v", err)
	}
	if !bytes.Equal(buf[:n], []byte{13, 13, 0, 0}) {
		t.Errorf("marker = %v", buf[:n])
	}

	t.Logf("✅ Data packet and marker received on %s", tr.Addr())
}

func TestUDP_OpenInvalidAddress(t *testing.T) {
	if _, err := NewUDP("not-an-address").Open(); err == nil {
		t.Error("Open() with missing port succeeded")
	}
}
