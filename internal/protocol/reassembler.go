package protocol

import "fmt"

// Reassembler rebuilds frames on the receiving side.
//
// Data packets are placed by sequence number. A marker closes the current
// frame: if every data packet arrived the frame is returned, otherwise it is
// discarded. Either way the reassembler is reset for the next frame.
//
// Thread-safety: not safe for concurrent use.
type Reassembler struct {
	buf      [Capacity]byte
	received [DataPackets]bool
	count    int

	// Complete counts frames returned, Incomplete counts frames discarded at a marker.
	Complete   uint64
	Incomplete uint64
}

// Push feeds one datagram. It returns a frame when a marker completes one.
// The returned slice aliases internal storage and is valid until the next Push.
func (r *Reassembler) Push(datagram []byte) ([]byte, bool, error) {
	if IsMarker(datagram) {
		defer r.Reset()
		if r.count == DataPackets {
			r.Complete++
			return r.buf[:], true, nil
		}
		r.Incomplete++
		return nil, false, nil
	}

	h, err := ParseHeader(datagram)
	if err != nil {
		return nil, false, err
	}
	payload := datagram[HeaderSize:]
	if len(payload) != PacketSize {
		return nil, false, fmt.Errorf("protocol: payload size %d for seq %d", len(payload), h.Seq)
	}

	idx := int(h.Seq) - 1
	copy(r.buf[idx*PacketSize:], payload)
	if !r.received[idx] {
		r.received[idx] = true
		r.count++
	}
	return nil, false, nil
}

// Received returns the number of distinct data packets held for the current frame.
func (r *Reassembler) Received() int {
	return r.count
}

// Reset drops any partial frame.
func (r *Reassembler) Reset() {
	r.received = [DataPackets]bool{}
	r.count = 0
}
