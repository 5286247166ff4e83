package gstsrc

import (
	"strings"

	"github.com/tinyzimmer/go-gst/gst"
)

// ErrorCategory classifies pipeline errors for telemetry.
type ErrorCategory int

const (
	// ErrCategoryDevice: the camera is missing, busy or not accessible
	ErrCategoryDevice ErrorCategory = iota
	// ErrCategoryNegotiation: no common format between camera and caps
	ErrCategoryNegotiation
	// ErrCategoryStream: the camera stopped delivering data
	ErrCategoryStream
	ErrCategoryUnknown
)

func (e ErrorCategory) String() string {
	switch e {
	case ErrCategoryDevice:
		return "device"
	case ErrCategoryNegotiation:
		return "negotiation"
	case ErrCategoryStream:
		return "stream"
	default:
		return "unknown"
	}
}

// ClassifyError categorizes a GStreamer error. go-gst's GError does not
// expose its domain, so classification is keyword based.
func ClassifyError(gerr *gst.GError) ErrorCategory {
	if gerr == nil {
		return ErrCategoryUnknown
	}
	return classifyMessage(gerr.Error(), gerr.DebugString())
}

func classifyMessage(msg, debug string) ErrorCategory {
	combined := strings.ToLower(msg + " " + debug)

	switch {
	case containsAny(combined, negotiationKeywords):
		return ErrCategoryNegotiation
	case containsAny(combined, deviceKeywords):
		return ErrCategoryDevice
	case containsAny(combined, streamKeywords):
		return ErrCategoryStream
	default:
		return ErrCategoryUnknown
	}
}

var (
	negotiationKeywords = []string{
		"not negotiated",
		"negotiation",
		"caps",
		"format",
		"no supported",
	}
	deviceKeywords = []string{
		"no such device",
		"no such file",
		"cannot identify device",
		"busy",
		"permission denied",
		"not a capture device",
		"could not open",
	}
	streamKeywords = []string{
		"failed to allocate",
		"internal data stream error",
		"timeout",
		"stopped",
		"poll error",
	}
)

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}
