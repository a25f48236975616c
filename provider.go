package camlink

import "context"

// IOExpander drives the mux control lines.
//
// Implementations must be safe for use from multiple goroutines; the
// pipeline only calls them from one handoff at a time.
type IOExpander interface {
	// SetDirection configures pin as input or output.
	SetDirection(pin Pin, dir Direction) error

	// SetLevel drives an output pin.
	SetLevel(pin Pin, level Level) error

	// Level reads the current level of pin.
	Level(pin Pin) (Level, error)
}

// FrameFunc receives one compressed frame. data is only valid for the
// duration of the call.
type FrameFunc func(data []byte)

// ConnStateFunc receives capture device connection changes.
type ConnStateFunc func(state ConnState)

// CaptureSource produces MJPEG frames from whichever camera the mux routes.
//
// Implementations must guarantee:
//   - Start() returns once streaming was requested; Connected is reported
//     through the ConnStateFunc when frames can flow
//   - Stop() is idempotent
//   - FrameFunc is never called after Stop() returns
type CaptureSource interface {
	// Configure sets the stream parameters used by the next Start.
	Configure(cfg CaptureConfig) error

	// Start begins streaming.
	Start(ctx context.Context) error

	// Stop ends streaming.
	Stop() error

	// OnFrame registers the frame callback. Must be called before Start.
	OnFrame(fn FrameFunc)

	// OnConnState registers the connection callback. Must be called before Start.
	OnConnState(fn ConnStateFunc)
}

// Socket is one datagram endpoint bound to the configured destination.
type Socket interface {
	Send(b []byte) error
	Close() error
}

// Transport opens a Socket per frame cycle.
type Transport interface {
	Open() (Socket, error)
}
