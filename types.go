package camlink

import (
	"time"

	"github.com/e7canasta/camlink/internal/protocol"
)

// Wire constants. These are fixed by the receiver and are not configurable.
const (
	PacketSize   = protocol.PacketSize
	DataPackets  = protocol.DataPackets
	TotalPackets = protocol.TotalPackets
	Capacity     = protocol.Capacity
)

// Timing defaults
const (
	DefaultCaptureInterval = 10 * time.Second
	DefaultPacketInterval  = 5 * time.Millisecond
	DefaultHandoffTimeout  = 5 * time.Second
	DefaultMuxSettle       = 100 * time.Millisecond
	DefaultConnectTimeout  = 3 * time.Second
	DefaultPowerSettle     = 500 * time.Millisecond
	DefaultEnableSettle    = 1000 * time.Millisecond
)

// CameraSelector identifies one of the two multiplexed camera inputs
type CameraSelector int32

const (
	// Camera1 is routed when the select line is low
	Camera1 CameraSelector = iota + 1
	// Camera2 is routed when the select line is high
	Camera2
)

// Other returns the opposite camera
func (c CameraSelector) Other() CameraSelector {
	if c == Camera2 {
		return Camera1
	}
	return Camera2
}

// Valid reports whether c names a camera
func (c CameraSelector) Valid() bool {
	return c == Camera1 || c == Camera2
}

// SelectLevel returns the select line level that routes c
func (c CameraSelector) SelectLevel() Level {
	if c == Camera2 {
		return High
	}
	return Low
}

// String returns a human-readable string representation of the camera
func (c CameraSelector) String() string {
	switch c {
	case Camera1:
		return "camera1"
	case Camera2:
		return "camera2"
	default:
		return "unknown"
	}
}

// Phase is the handoff state machine position
type Phase int32

const (
	// PhaseStreaming: a camera is active and frames may be captured
	PhaseStreaming Phase = iota
	// PhaseSwitching: a frame is in flight or the mux is being moved
	PhaseSwitching
	// PhaseError: the last handoff failed, waiting for Recover
	PhaseError
)

// String returns a human-readable string representation of the phase
func (p Phase) String() string {
	switch p {
	case PhaseStreaming:
		return "streaming"
	case PhaseSwitching:
		return "switching"
	case PhaseError:
		return "error"
	default:
		return "unknown"
	}
}

// Pin is an IO expander pin number (0-15)
type Pin uint8

// Level is a digital pin level
type Level uint8

const (
	Low  Level = 0
	High Level = 1
)

// Direction is a pin direction. Values match the XL9535 configuration bits.
type Direction uint8

const (
	Output Direction = 0
	Input  Direction = 1
)

// ConnState is reported by a CaptureSource when the device appears or goes away
type ConnState int

const (
	Disconnected ConnState = iota
	Connected
)

// String returns a human-readable string representation of the connection state
func (s ConnState) String() string {
	if s == Connected {
		return "connected"
	}
	return "disconnected"
}

// CaptureConfig describes the requested MJPEG stream
type CaptureConfig struct {
	// Device is the capture device path (e.g., "/dev/video0")
	Device string
	// Width and Height select a resolution; 0 accepts any
	Width  int
	Height int
	// FPS is the requested frame rate (default: 15)
	FPS int
	// Buffers is the number of driver buffers (default: 2)
	Buffers int
}

// FrameDescriptor is a captured frame owned by the pipeline until the
// sender releases it. It is consumed exactly once.
type FrameDescriptor struct {
	// Buf has length Capacity; bytes past Len are zero
	Buf []byte
	// Len is the number of meaningful bytes in Buf
	Len int
	// Camera is the source that produced the frame
	Camera CameraSelector
	// CapturedAt is when the frame was accepted by ingest
	CapturedAt time.Time
	// TraceID is a unique identifier for log correlation
	TraceID string

	done chan<- SendResult
}

// SendResult is delivered on a frame's completion channel
type SendResult struct {
	// Fragments is the number of data packets sent successfully
	Fragments int
	// MarkerSent is true if the terminal marker went out
	MarkerSent bool
	// Err is the first transport error, if any
	Err error
}

// Partial reports whether the frame went out incomplete
func (r SendResult) Partial() bool {
	return r.Fragments < DataPackets
}

// Stats contains current pipeline statistics
type Stats struct {
	// Phase is the current handoff state
	Phase string `json:"phase"`
	// Camera is the active camera
	Camera string `json:"camera"`
	// CameraReady is true when ingest will accept a frame
	CameraReady bool `json:"camera_ready"`
	// CaptureIntervalMS is the current minimum spacing between captured frames
	CaptureIntervalMS int64 `json:"capture_interval_ms"`
	// LastCapture is the last enqueue attempt (zero if none)
	LastCapture time.Time `json:"last_capture"`

	// FramesSeen counts every frame delivered by the capture source
	FramesSeen uint64 `json:"frames_seen"`
	// FramesCaptured counts frames enqueued for sending
	FramesCaptured uint64 `json:"frames_captured"`
	// FramesDropped counts frames lost to a full queue
	FramesDropped uint64 `json:"frames_dropped"`
	// FramesTruncated counts frames larger than Capacity
	FramesTruncated uint64 `json:"frames_truncated"`

	// FramesSent counts frames with every data packet sent
	FramesSent uint64 `json:"frames_sent"`
	// PartialFrames counts frames aborted mid-transmission
	PartialFrames uint64 `json:"partial_frames"`
	// PacketsSent counts data packets and markers
	PacketsSent uint64 `json:"packets_sent"`
	// SendErrors counts transport failures
	SendErrors uint64 `json:"send_errors"`

	// Handoffs counts completed camera switches
	Handoffs uint64 `json:"handoffs"`
	// HandoffTimeouts counts sends that never signalled completion
	HandoffTimeouts uint64 `json:"handoff_timeouts"`
	// HandoffFailures counts switches that exhausted their retries
	HandoffFailures uint64 `json:"handoff_failures"`
	// HardwareRetries counts failed bring-up attempts
	HardwareRetries uint32 `json:"hardware_retries"`
	// CaptureLost counts disconnects seen while streaming
	CaptureLost uint64 `json:"capture_lost"`
}
