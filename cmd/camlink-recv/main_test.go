package main

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/e7canasta/camlink/internal/protocol"
)

// jpegFrame returns a Capacity-sized buffer holding a fake JPEG of n bytes
func jpegFrame(n int) []byte {
	frame := make([]byte, protocol.Capacity)
	frame[0], frame[1] = 0xFF, 0xD8
	for i := 2; i < n-2; i++ {
		frame[i] = byte(i % 200)
	}
	frame[n-2], frame[n-1] = 0xFF, 0xD9
	return frame
}

func sendFrame(t *testing.T, conn net.Conn, frame []byte, skip int) {
	t.Helper()
	dst := make([]byte, protocol.DatagramSize)
	for seq := 1; seq <= protocol.DataPackets; seq++ {
		if seq == skip {
			continue
		}
		if _, err := conn.Write(protocol.EncodePacket(dst, seq, frame)); err != nil {
			t.Fatal(err)
		}
		time.Sleep(time.Millisecond)
	}
	if _, err := conn.Write(protocol.Marker()); err != nil {
		t.Fatal(err)
	}
}

func TestReceiver_SavesCompleteFrames(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	out := t.TempDir()
	r := &receiver{
		outDir: out,
		now:    func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) },
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.serve(ctx, pc) }()

	conn, err := net.Dial("udp", pc.LocalAddr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	sendFrame(t, conn, jpegFrame(5000), 0)
	sendFrame(t, conn, jpegFrame(5000), 7) // incomplete, discarded

	deadline := time.Now().Add(2 * time.Second)
	var files []string
	for time.Now().Before(deadline) {
		files, _ = filepath.Glob(filepath.Join(out, "*.jpg"))
		if len(files) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("serve() error = %v", err)
	}

	files, _ = filepath.Glob(filepath.Join(out, "*.jpg"))
	if len(files) != 1 {
		t.Fatalf("files = %v, want 1", files)
	}
	if filepath.Base(files[0]) != "frame_0_20260102_030405.000000.jpg" {
		t.Errorf("file name = %s", filepath.Base(files[0]))
	}
	data, err := os.ReadFile(files[0])
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != 5000 {
		t.Errorf("saved %d bytes, want 5000 (trimmed after EOI)", len(data))
	}
	if r.asm.Incomplete != 1 {
		t.Errorf("incomplete = %d, want 1", r.asm.Incomplete)
	}
	t.Logf("✅ Complete frame saved, incomplete frame discarded")
}
