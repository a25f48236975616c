package protocol

import (
	"bytes"
	"testing"
)

// encodeAll returns the datagrams of one transmission for src.
func encodeAll(src []byte) [][]byte {
	frame := make([]byte, Capacity)
	Fit(frame, src)

	var out [][]byte
	for seq := 1; seq <= DataPackets; seq++ {
		pkt := EncodePacket(make([]byte, DatagramSize), seq, frame)
		out = append(out, pkt)
	}
	return append(out, Marker())
}

func TestReassembler_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		size int
	}{
		{"small", 1000},
		{"exact capacity", Capacity},
		{"oversized truncates", Capacity + 5000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := makeFrame(tt.size)
			var r Reassembler

			var got []byte
			for _, dg := range encodeAll(src) {
				frame, ok, err := r.Push(dg)
				if err != nil {
					t.Fatalf("Push() error = %v", err)
				}
				if ok {
					got = append([]byte(nil), frame...)
				}
			}

			if got == nil {
				t.Fatal("no frame emitted at marker")
			}
			keep := min(tt.size, Capacity)
			if !bytes.Equal(got[:keep], src[:keep]) {
				t.Error("reassembled prefix differs from source")
			}
			if !bytes.Equal(got[keep:], make([]byte, Capacity-keep)) {
				t.Error("reassembled tail is not zero")
			}
			t.Logf("✅ %s: %d bytes reassembled, first %d match source", tt.name, len(got), keep)
		})
	}
}

func TestReassembler_OutOfOrder(t *testing.T) {
	src := makeFrame(Capacity)
	dgs := encodeAll(src)

	var r Reassembler
	// Reverse the data packets, keep the marker last.
	for i := DataPackets - 1; i >= 0; i-- {
		if _, _, err := r.Push(dgs[i]); err != nil {
			t.Fatalf("Push() error = %v", err)
		}
	}
	frame, ok, _ := r.Push(dgs[DataPackets])
	if !ok {
		t.Fatal("expected a frame after reversed packets")
	}
	if !bytes.Equal(frame, src) {
		t.Error("out-of-order reassembly differs from source")
	}
	t.Logf("✅ Packets placed by sequence, not arrival order")
}

func TestReassembler_IncompleteDiscarded(t *testing.T) {
	dgs := encodeAll(makeFrame(Capacity))

	var r Reassembler
	// Fragments 1..6 only, then the marker (sender aborted at packet 7).
	for _, dg := range dgs[:6] {
		r.Push(dg)
	}
	if r.Received() != 6 {
		t.Fatalf("Received() = %d, want 6", r.Received())
	}

	if _, ok, _ := r.Push(Marker()); ok {
		t.Fatal("incomplete frame must not be emitted")
	}
	if r.Received() != 0 {
		t.Errorf("reassembler not reset after marker, Received() = %d", r.Received())
	}
	if r.Incomplete != 1 || r.Complete != 0 {
		t.Errorf("counters complete=%d incomplete=%d, want 0/1", r.Complete, r.Incomplete)
	}

	// The next full transmission is unaffected by the previous partial one.
	var emitted bool
	for _, dg := range dgs {
		if _, ok, _ := r.Push(dg); ok {
			emitted = true
		}
	}
	if !emitted {
		t.Error("full frame after a partial one was not emitted")
	}
	t.Logf("✅ Partial frame discarded, next frame reassembled")
}

func TestReassembler_DuplicatePacket(t *testing.T) {
	dgs := encodeAll(makeFrame(100))

	var r Reassembler
	r.Push(dgs[0])
	r.Push(dgs[0])
	if r.Received() != 1 {
		t.Fatalf("duplicate counted twice: Received() = %d", r.Received())
	}
}

func TestReassembler_RejectsMalformed(t *testing.T) {
	var r Reassembler

	if _, _, err := r.Push([]byte{1, 13}); err == nil {
		t.Error("expected error for 2-byte datagram")
	}
	if _, _, err := r.Push(append([]byte{1, 13, 0}, make([]byte, 100)...)); err == nil {
		t.Error("expected error for short payload")
	}
	if _, _, err := r.Push(append([]byte{14, 13, 0}, make([]byte, PacketSize)...)); err == nil {
		t.Error("expected error for seq 14")
	}
	if r.Received() != 0 {
		t.Errorf("malformed datagrams were stored: Received() = %d", r.Received())
	}
}

func TestReassembler_ShortDatagramIsNotMarker(t *testing.T) {
	var r Reassembler
	packets := encodeAll(makeFrame(Capacity))
	for _, pkt := range packets[:DataPackets] {
		if _, _, err := r.Push(pkt); err != nil {
			t.Fatal(err)
		}
	}

	// Four bytes with the wrong sequence fields must not close the frame.
	if _, ok, err := r.Push([]byte{5, 13, 0, 0}); ok || err == nil {
		t.Errorf("Push(stray 4 bytes) = ok %v, err %v; want rejected", ok, err)
	}
	if r.Received() != DataPackets {
		t.Fatalf("stray datagram reset the frame: Received() = %d", r.Received())
	}

	if _, ok, _ := r.Push(Marker()); !ok {
		t.Error("frame not completed by the real marker")
	}
	t.Logf("✅ Only [13 13 x x] closes a frame")
}
