package camlink

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/e7canasta/camlink/internal/protocol"
)

func newTestFrame(n int) (*FrameDescriptor, chan SendResult) {
	buf := make([]byte, Capacity)
	for i := 0; i < n; i++ {
		buf[i] = byte(i % 251)
	}
	done := make(chan SendResult, 1)
	return &FrameDescriptor{
		Buf:        buf,
		Len:        n,
		Camera:     Camera1,
		CapturedAt: time.Now(),
		TraceID:    "test-trace",
		done:       done,
	}, done
}

func newTestSender(tr Transport, interval time.Duration) (*sender, chan *FrameDescriptor, chan []byte, *counters) {
	frames := make(chan *FrameDescriptor, 1)
	free := make(chan []byte, 1)
	c := &counters{}
	return newSender(tr, frames, free, interval, c, discardEvent), frames, free, c
}

func TestSender_FullFrame(t *testing.T) {
	tr := &fakeTransport{}
	s, _, free, c := newTestSender(tr, 0)
	fd, done := newTestFrame(20000)
	original := append([]byte(nil), fd.Buf...)

	s.finish(fd, s.send(context.Background(), fd))

	dgs := tr.sent()
	if len(dgs) != TotalPackets {
		t.Fatalf("datagrams = %d, want %d", len(dgs), TotalPackets)
	}
	for i, dg := range dgs[:DataPackets] {
		seq := i + 1
		if len(dg) != protocol.DatagramSize {
			t.Fatalf("packet %d: len %d, want %d", seq, len(dg), protocol.DatagramSize)
		}
		if dg[0] != byte(seq) || dg[1] != TotalPackets || dg[2] != 0 {
			t.Fatalf("packet %d: header %v", seq, dg[:3])
		}
		off := i * PacketSize
		if !bytes.Equal(dg[protocol.HeaderSize:], original[off:off+PacketSize]) {
			t.Fatalf("packet %d: payload mismatch", seq)
		}
	}
	if !bytes.Equal(dgs[DataPackets], []byte{13, 13, 0, 0}) {
		t.Errorf("last datagram = %v, want marker", dgs[DataPackets])
	}

	select {
	case res := <-done:
		if res.Fragments != DataPackets || !res.MarkerSent || res.Err != nil || res.Partial() {
			t.Errorf("result = %+v", res)
		}
	default:
		t.Fatal("completion not signalled")
	}

	if len(free) != 1 {
		t.Error("buffer not returned to pool")
	}
	if tr.opens != 1 || tr.closes != 1 {
		t.Errorf("socket opens=%d closes=%d, want 1/1", tr.opens, tr.closes)
	}
	if c.framesSent.Load() != 1 || c.packetsSent.Load() != TotalPackets {
		t.Errorf("frames sent=%d packets sent=%d", c.framesSent.Load(), c.packetsSent.Load())
	}

	t.Logf("✅ 12 data packets + marker, completion signalled, buffer recycled")
}

func TestSender_AbortOnPacketFailure(t *testing.T) {
	tests := []struct {
		name          string
		failOn        int
		wantFragments int
	}{
		{"first packet", 1, 0},
		{"seventh packet", 7, 6},
		{"last packet", 12, 11},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := &fakeTransport{failOn: tt.failOn}
			s, _, free, c := newTestSender(tr, 0)
			fd, done := newTestFrame(Capacity)

			s.finish(fd, s.send(context.Background(), fd))

			dgs := tr.sent()
			if len(dgs) != tt.wantFragments+1 {
				t.Fatalf("datagrams = %d, want %d fragments + marker", len(dgs), tt.wantFragments)
			}
			for i := 0; i < tt.wantFragments; i++ {
				if dgs[i][0] != byte(i+1) {
					t.Fatalf("datagram %d has seq %d", i, dgs[i][0])
				}
			}
			if !protocol.IsMarker(dgs[len(dgs)-1]) {
				t.Error("marker not sent after abort")
			}

			res := <-done
			if res.Fragments != tt.wantFragments || !res.Partial() || res.Err == nil || !res.MarkerSent {
				t.Errorf("result = %+v", res)
			}
			if len(free) != 1 {
				t.Error("buffer not returned after abort")
			}
			if c.partialFrames.Load() != 1 || c.sendErrors.Load() != 1 {
				t.Errorf("partial=%d errors=%d, want 1/1", c.partialFrames.Load(), c.sendErrors.Load())
			}
			t.Logf("✅ Failure at %d: %d fragments, marker sent, completion signalled", tt.failOn, res.Fragments)
		})
	}
}

func TestSender_OpenFailure(t *testing.T) {
	tr := &fakeTransport{openErr: errors.New("no route")}
	s, _, free, c := newTestSender(tr, 0)
	fd, done := newTestFrame(100)

	s.finish(fd, s.send(context.Background(), fd))

	if len(tr.sent()) != 0 {
		t.Errorf("datagrams = %d, want none", len(tr.sent()))
	}
	res := <-done
	if res.Err == nil || res.Fragments != 0 || res.MarkerSent {
		t.Errorf("result = %+v", res)
	}
	if len(free) != 1 {
		t.Error("buffer not returned after open failure")
	}
	if c.sendErrors.Load() != 1 {
		t.Errorf("send errors = %d, want 1", c.sendErrors.Load())
	}
}

func TestSender_Pacing(t *testing.T) {
	tr := &fakeTransport{}
	s, _, _, _ := newTestSender(tr, 5*time.Millisecond)
	fd, _ := newTestFrame(100)

	start := time.Now()
	s.send(context.Background(), fd)
	elapsed := time.Since(start)

	if elapsed < 12*5*time.Millisecond {
		t.Errorf("elapsed %v, want at least 60ms of pacing", elapsed)
	}
	t.Logf("✅ 12 packets paced in %v", elapsed)
}

func TestSender_RunDrainsQueue(t *testing.T) {
	tr := &fakeTransport{}
	s, frames, free, _ := newTestSender(tr, 0)
	ctx, cancel := context.WithCancel(context.Background())

	exited := make(chan struct{})
	go func() {
		s.run(ctx)
		close(exited)
	}()

	fd, done := newTestFrame(500)
	frames <- fd

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("run did not process the queued frame")
	}
	select {
	case <-free:
	case <-time.After(time.Second):
		t.Fatal("buffer not recycled")
	}

	cancel()
	select {
	case <-exited:
	case <-time.After(time.Second):
		t.Fatal("run did not exit on cancel")
	}
}
