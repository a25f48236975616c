// Package protocol implements the camlink datagram format.
//
// A frame is carried by DataPackets fixed-size packets followed by a short
// terminal marker:
//
//	data packet:  [seq u8][total u8][payload_len u8][PacketSize bytes]
//	marker:       [total u8][total u8][0][0]
//
// seq runs 1..DataPackets, total is always TotalPackets and payload_len is
// reserved (always 0). Packet seq carries frame bytes
// [(seq-1)*PacketSize, seq*PacketSize). Receivers tell the marker apart from
// data packets by its length.
package protocol

import (
	"bytes"
	"errors"
	"fmt"
)

const (
	// PacketSize is the payload carried by every data packet (96*3*8).
	PacketSize = 2304
	// DataPackets is the number of data packets per frame.
	DataPackets = 12
	// TotalPackets is the value written in the total field (data packets + marker).
	TotalPackets = DataPackets + 1
	// HeaderSize is the length of the data packet header.
	HeaderSize = 3
	// DatagramSize is the on-wire length of a data packet.
	DatagramSize = HeaderSize + PacketSize
	// Capacity is the largest frame that fits in one transmission.
	Capacity = PacketSize * DataPackets
	// MarkerSize is the on-wire length of the terminal marker.
	MarkerSize = 4
)

var (
	// ErrShortPacket is returned when a datagram is smaller than a header.
	ErrShortPacket = errors.New("protocol: short packet")
	// ErrBadSequence is returned for a seq outside 1..DataPackets.
	ErrBadSequence = errors.New("protocol: sequence out of range")
	// ErrBadTotal is returned when the total field is not TotalPackets.
	ErrBadTotal = errors.New("protocol: unexpected total")
)

var marker = [MarkerSize]byte{TotalPackets, TotalPackets, 0, 0}

// Header is the 3-byte prefix of a data packet.
type Header struct {
	Seq        uint8
	Total      uint8
	PayloadLen uint8
}

// Encode writes h into the first HeaderSize bytes of b.
func (h Header) Encode(b []byte) {
	_ = b[HeaderSize-1]
	b[0] = h.Seq
	b[1] = h.Total
	b[2] = h.PayloadLen
}

// ParseHeader decodes and validates a data packet header.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, ErrShortPacket
	}
	h := Header{Seq: b[0], Total: b[1], PayloadLen: b[2]}
	if h.Seq < 1 || int(h.Seq) > DataPackets {
		return h, fmt.Errorf("%w: %d", ErrBadSequence, h.Seq)
	}
	if h.Total != TotalPackets {
		return h, fmt.Errorf("%w: %d", ErrBadTotal, h.Total)
	}
	return h, nil
}

// EncodePacket fills dst with data packet seq for frame and returns the
// datagram slice. dst must hold at least DatagramSize bytes and frame must
// hold Capacity bytes. seq is 1-based.
func EncodePacket(dst []byte, seq int, frame []byte) []byte {
	if seq < 1 || seq > DataPackets {
		panic(fmt.Sprintf("protocol: sequence %d out of range", seq))
	}
	pkt := dst[:DatagramSize]
	Header{Seq: uint8(seq), Total: TotalPackets}.Encode(pkt)
	off := (seq - 1) * PacketSize
	copy(pkt[HeaderSize:], frame[off:off+PacketSize])
	return pkt
}

// Marker returns a fresh copy of the terminal marker.
func Marker() []byte {
	m := marker
	return m[:]
}

// IsMarker reports whether b is a terminal marker datagram: MarkerSize
// bytes whose sequence and total fields both equal TotalPackets.
func IsMarker(b []byte) bool {
	return len(b) == MarkerSize && b[0] == TotalPackets && b[1] == TotalPackets
}

// Fit copies src into the fixed-size frame buffer dst, zero-filling the
// tail. It returns the number of bytes kept and whether src was truncated.
func Fit(dst, src []byte) (n int, truncated bool) {
	dst = dst[:Capacity]
	n = copy(dst, src)
	clear(dst[n:])
	return n, len(src) > Capacity
}

// TrimJPEG cuts a reassembled frame after its last end-of-image marker.
// Frames without one are returned unchanged.
func TrimJPEG(frame []byte) []byte {
	if i := bytes.LastIndex(frame, []byte{0xFF, 0xD9}); i >= 0 {
		return frame[:i+2]
	}
	return frame
}
