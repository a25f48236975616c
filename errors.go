package camlink

import "errors"

var (
	// ErrAlreadyStarted is returned by Start on a running pipeline.
	ErrAlreadyStarted = errors.New("camlink: pipeline already started")
	// ErrNotStarted is returned by operations that need a running pipeline.
	ErrNotStarted = errors.New("camlink: pipeline not started")
	// ErrNotInErrorState is returned by Recover outside PhaseError.
	ErrNotInErrorState = errors.New("camlink: pipeline is not in error state")
	// ErrHandoffTimeout is recorded when a send never signals completion.
	ErrHandoffTimeout = errors.New("camlink: timed out waiting for send completion")
	// ErrConnectTimeout is returned when the capture device does not report Connected.
	ErrConnectTimeout = errors.New("camlink: timed out waiting for capture connect")
	// ErrCaptureLost is reported when the streaming camera disconnects.
	ErrCaptureLost = errors.New("camlink: capture lost while streaming")
)
