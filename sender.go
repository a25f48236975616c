package camlink

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/e7canasta/camlink/internal/protocol"
)

// sender drains the frame queue and transmits each frame as DataPackets
// datagrams followed by the terminal marker.
type sender struct {
	transport Transport
	frames    <-chan *FrameDescriptor
	free      chan<- []byte
	interval  time.Duration
	counters  *counters
	emit      EventFunc

	packet []byte // reused datagram buffer, only touched by run
}

func newSender(t Transport, frames <-chan *FrameDescriptor, free chan<- []byte, interval time.Duration, c *counters, emit EventFunc) *sender {
	return &sender{
		transport: t,
		frames:    frames,
		free:      free,
		interval:  interval,
		counters:  c,
		emit:      emit,
		packet:    make([]byte, protocol.DatagramSize),
	}
}

// run blocks on the queue until ctx is cancelled
func (s *sender) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			slog.Debug("sender: context cancelled, stopping")
			return
		case fd := <-s.frames:
			res := s.send(ctx, fd)
			s.finish(fd, res)
		}
	}
}

// send transmits one frame.
//
// Steps:
//  1. Open a socket (on failure nothing is sent)
//  2. Send packets 1..12, pausing interval after each success
//  3. Stop at the first failed packet
//  4. Send the terminal marker regardless
//  5. Close the socket
func (s *sender) send(ctx context.Context, fd *FrameDescriptor) SendResult {
	var res SendResult

	sock, err := s.transport.Open()
	if err != nil {
		s.counters.sendErrors.Add(1)
		res.Err = fmt.Errorf("sender: open socket: %w", err)
		slog.Error("sender: failed to open socket", "error", err, "trace_id", fd.TraceID)
		return res
	}
	defer sock.Close()

	for seq := 1; seq <= DataPackets; seq++ {
		pkt := protocol.EncodePacket(s.packet, seq, fd.Buf)
		if err := sock.Send(pkt); err != nil {
			s.counters.sendErrors.Add(1)
			res.Err = fmt.Errorf("sender: packet %d: %w", seq, err)
			slog.Warn("sender: packet send failed, aborting frame",
				"seq", seq,
				"error", err,
				"trace_id", fd.TraceID,
			)
			break
		}
		res.Fragments++
		s.counters.packetsSent.Add(1)

		if err := pause(ctx, s.interval); err != nil {
			res.Err = err
			break
		}
	}

	if err := sock.Send(protocol.Marker()); err != nil {
		s.counters.sendErrors.Add(1)
		if res.Err == nil {
			res.Err = fmt.Errorf("sender: marker: %w", err)
		}
		slog.Warn("sender: marker send failed", "error", err, "trace_id", fd.TraceID)
	} else {
		res.MarkerSent = true
		s.counters.packetsSent.Add(1)
	}

	return res
}

// finish signals completion and returns the buffer to the pool
func (s *sender) finish(fd *FrameDescriptor, res SendResult) {
	if res.Partial() {
		s.counters.partialFrames.Add(1)
		s.emit(Event{
			Type:      EventFramePartial,
			Camera:    fd.Camera.String(),
			TraceID:   fd.TraceID,
			Fragments: res.Fragments,
			Error:     errString(res.Err),
			Timestamp: time.Now(),
		})
	} else {
		s.counters.framesSent.Add(1)
	}

	slog.Debug("sender: frame done",
		"fragments", res.Fragments,
		"marker", res.MarkerSent,
		"latency", time.Since(fd.CapturedAt),
		"trace_id", fd.TraceID,
	)

	select {
	case fd.done <- res:
	default:
	}

	buf := fd.Buf
	fd.Buf = nil
	select {
	case s.free <- buf:
	default:
	}
}

// pause waits d or until ctx is done
func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
