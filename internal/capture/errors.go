package capture

import (
	"strings"
)

// ErrorCategory classifies capture backend errors for telemetry
type ErrorCategory int

const (
	// ErrCategoryDevice indicates the device vanished or stopped responding
	ErrCategoryDevice ErrorCategory = iota
	// ErrCategoryCodec indicates format negotiation or MJPEG stream problems
	ErrCategoryCodec
	// ErrCategoryPermission indicates the process may not open the device
	ErrCategoryPermission
	// ErrCategoryUnknown indicates unclassified errors
	ErrCategoryUnknown
)

// String returns a human-readable string representation of the error category
func (e ErrorCategory) String() string {
	switch e {
	case ErrCategoryDevice:
		return "device"
	case ErrCategoryCodec:
		return "codec"
	case ErrCategoryPermission:
		return "permission"
	default:
		return "unknown"
	}
}

var (
	permissionKeywords = []string{
		"permission denied",
		"eacces",
		"not permitted",
		"busy",
	}
	codecKeywords = []string{
		"not negotiated",
		"not-negotiated",
		"negotiation",
		"caps",
		"format",
		"mjpeg",
		"jpeg",
		"missing plugin",
	}
	deviceKeywords = []string{
		"no such device",
		"no such file",
		"cannot identify device",
		"could not read from resource",
		"failed to allocate",
		"enodev",
		"disconnected",
		"timeout",
		"v4l2",
		"i/o error",
	}
)

// ClassifyError categorizes a capture error from its message and debug text.
//
// Checks run most specific first: permission, codec, then device.
func ClassifyError(msg, debug string) ErrorCategory {
	combined := strings.ToLower(msg + " " + debug)

	switch {
	case containsAny(combined, permissionKeywords):
		return ErrCategoryPermission
	case containsAny(combined, codecKeywords):
		return ErrCategoryCodec
	case containsAny(combined, deviceKeywords):
		return ErrCategoryDevice
	default:
		return ErrCategoryUnknown
	}
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}
