package camlink

import (
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/e7canasta/camlink/internal/protocol"
)

// handoffFunc starts the switch controller for an enqueued frame
type handoffFunc func(fd *FrameDescriptor, done <-chan SendResult)

// ingest is the capture callback side of the pipeline.
//
// It never blocks: a frame is either copied into a free buffer and queued,
// or dropped.
type ingest struct {
	state    *State
	free     chan []byte
	frames   chan<- *FrameDescriptor
	counters *counters
	now      func() time.Time
	handoff  handoffFunc
	emit     EventFunc
}

// handleFrame is called by the CaptureSource for every frame
//
// This callback:
//  1. Ignores the frame unless the camera is ready and the capture interval elapsed
//  2. Takes a free buffer (drops if none)
//  3. Copies up to Capacity bytes, zero-filling the tail
//  4. Queues a descriptor with its own completion channel (drops if full)
//  5. Clears camera readiness and starts the handoff
//
// The capture time is recorded after every attempt, dropped or not.
func (in *ingest) handleFrame(data []byte) {
	in.counters.framesSeen.Add(1)

	if !in.state.CameraReady() {
		return
	}
	now := in.now()
	if !in.state.captureDue(now) {
		return
	}

	camera := in.state.Current()

	var buf []byte
	select {
	case buf = <-in.free:
	default:
		in.drop(now, camera, "no free buffer")
		return
	}

	n, truncated := protocol.Fit(buf, data)
	if truncated {
		in.counters.framesTruncated.Add(1)
		slog.Debug("camlink: frame truncated",
			"size_bytes", len(data),
			"capacity", Capacity,
		)
	}

	done := make(chan SendResult, 1)
	fd := &FrameDescriptor{
		Buf:        buf,
		Len:        n,
		Camera:     camera,
		CapturedAt: now,
		TraceID:    uuid.New().String(),
		done:       done,
	}

	select {
	case in.frames <- fd:
	default:
		in.free <- buf
		in.drop(now, camera, "queue full")
		return
	}

	in.state.markCapture(now)
	in.counters.framesCaptured.Add(1)
	in.state.setCameraReady(false)
	in.state.setPending(camera.Other())
	in.state.setPhase(PhaseSwitching)

	slog.Debug("camlink: frame queued",
		"camera", camera.String(),
		"size_bytes", n,
		"trace_id", fd.TraceID,
	)

	in.handoff(fd, done)
}

func (in *ingest) drop(now time.Time, camera CameraSelector, reason string) {
	in.state.markCapture(now)
	in.counters.framesDropped.Add(1)
	slog.Warn("camlink: dropping frame",
		"reason", reason,
		"camera", camera.String(),
	)
	in.emit(Event{
		Type:      EventFrameDropped,
		Camera:    camera.String(),
		Error:     reason,
		Timestamp: now,
	})
}
