package camlink

import (
	"sync/atomic"
	"time"
)

// State is the shared pipeline state. One instance is owned by a Pipeline
// and handed to ingest, sender and switch controller.
//
// Thread-safety: every field is atomic. Readers never block writers.
type State struct {
	cameraReady atomic.Bool
	current     atomic.Int32
	pending     atomic.Int32
	phase       atomic.Int32

	lastCapture     atomic.Int64 // unix nanos, 0 = never
	captureInterval atomic.Int64 // nanoseconds
}

func newState(initial CameraSelector, interval time.Duration) *State {
	s := &State{}
	s.current.Store(int32(initial))
	s.pending.Store(int32(initial))
	s.phase.Store(int32(PhaseStreaming))
	s.captureInterval.Store(int64(interval))
	return s
}

// CameraReady reports whether ingest will accept a frame.
func (s *State) CameraReady() bool { return s.cameraReady.Load() }

// Current returns the camera currently routed by the mux.
func (s *State) Current() CameraSelector { return CameraSelector(s.current.Load()) }

// Pending returns the target of the running handoff.
func (s *State) Pending() CameraSelector { return CameraSelector(s.pending.Load()) }

// Phase returns the handoff state.
func (s *State) Phase() Phase { return Phase(s.phase.Load()) }

// CaptureInterval returns the minimum spacing between captured frames.
func (s *State) CaptureInterval() time.Duration {
	return time.Duration(s.captureInterval.Load())
}

// LastCapture returns the time of the last enqueue attempt.
func (s *State) LastCapture() time.Time {
	ns := s.lastCapture.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (s *State) setCameraReady(v bool)              { s.cameraReady.Store(v) }
func (s *State) setPhase(p Phase)                   { s.phase.Store(int32(p)) }
func (s *State) setCurrent(c CameraSelector)        { s.current.Store(int32(c)) }
func (s *State) setPending(c CameraSelector)        { s.pending.Store(int32(c)) }
func (s *State) setCaptureInterval(d time.Duration) { s.captureInterval.Store(int64(d)) }
func (s *State) markCapture(t time.Time)            { s.lastCapture.Store(t.UnixNano()) }
func (s *State) casPhase(from, to Phase) bool {
	return s.phase.CompareAndSwap(int32(from), int32(to))
}

// captureDue reports whether the capture interval has elapsed at now.
func (s *State) captureDue(now time.Time) bool {
	last := s.lastCapture.Load()
	if last == 0 {
		return true
	}
	return now.Sub(time.Unix(0, last)) >= s.CaptureInterval()
}
