package capture

import "strings"

// ErrorCategory classifies GStreamer capture errors for telemetry.
type ErrorCategory int

const (
	// ErrCategoryDevice: device missing, busy or disconnected.
	ErrCategoryDevice ErrorCategory = iota
	// ErrCategoryFormat: caps negotiation or pixel format failures.
	ErrCategoryFormat
	// ErrCategoryPermission: the process may not open the device.
	ErrCategoryPermission
	// ErrCategoryUnknown: unclassified.
	ErrCategoryUnknown
)

func (e ErrorCategory) String() string {
	switch e {
	case ErrCategoryDevice:
		return "device"
	case ErrCategoryFormat:
		return "format"
	case ErrCategoryPermission:
		return "permission"
	default:
		return "unknown"
	}
}

var (
	permissionKeywords = []string{
		"permission denied",
		"not permitted",
		"access denied",
		"eacces",
	}
	formatKeywords = []string{
		"not negotiated",
		"negotiation",
		"caps",
		"format",
		"no such pixel",
		"unsupported",
	}
	deviceKeywords = []string{
		"could not open",
		"cannot identify device",
		"no such file",
		"no such device",
		"device or resource busy",
		"busy",
		"disconnected",
		"failed to allocate",
		"resource not found",
		"not found",
		"end of stream",
	}
)

// classifyCaptureError categorizes an error from its message and debug
// string. go-gst's GError does not expose the domain, so classification is
// by keyword, most specific first.
func classifyCaptureError(message, debug string) ErrorCategory {
	combined := strings.ToLower(message + " " + debug)

	switch {
	case containsAny(combined, permissionKeywords):
		return ErrCategoryPermission
	case containsAny(combined, formatKeywords):
		return ErrCategoryFormat
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
