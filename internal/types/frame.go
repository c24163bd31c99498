package types

import "time"

// PixelFormat describes the memory layout of Frame.Data.
type PixelFormat int

const (
	// FormatBGRA is 4 bytes per pixel, blue first (camera native).
	FormatBGRA PixelFormat = iota
	// FormatRGB is 3 bytes per pixel.
	FormatRGB
	// FormatRGBA is 4 bytes per pixel, red first.
	FormatRGBA
)

// BytesPerPixel returns the pixel stride for the format.
func (f PixelFormat) BytesPerPixel() int {
	switch f {
	case FormatRGB:
		return 3
	default:
		return 4
	}
}

// String returns the GStreamer caps name of the format.
func (f PixelFormat) String() string {
	switch f {
	case FormatBGRA:
		return "BGRA"
	case FormatRGB:
		return "RGB"
	case FormatRGBA:
		return "RGBA"
	default:
		return "unknown"
	}
}

// Orientation tells the classifier how the captured pixels relate to the
// upright scene. Values follow the EXIF orientation order.
type Orientation int

const (
	OrientationUp Orientation = iota
	OrientationUpMirrored
	OrientationDown
	OrientationDownMirrored
	OrientationLeftMirrored
	OrientationRight
	OrientationRightMirrored
	OrientationLeft
)

// String returns the lowercase name used in config files and worker requests.
func (o Orientation) String() string {
	switch o {
	case OrientationUp:
		return "up"
	case OrientationUpMirrored:
		return "up_mirrored"
	case OrientationDown:
		return "down"
	case OrientationDownMirrored:
		return "down_mirrored"
	case OrientationLeftMirrored:
		return "left_mirrored"
	case OrientationRight:
		return "right"
	case OrientationRightMirrored:
		return "right_mirrored"
	case OrientationLeft:
		return "left"
	default:
		return "up"
	}
}

// ParseOrientation is the inverse of Orientation.String.
func ParseOrientation(s string) (Orientation, bool) {
	for o := OrientationUp; o <= OrientationLeft; o++ {
		if o.String() == s {
			return o, true
		}
	}
	return OrientationUp, false
}

// Frame is a single captured video frame.
//
// IMMUTABILITY CONTRACT:
//   - Sources: MUST NOT modify Data after handing the frame to the callback
//   - Throttler, engine, classifier: read-only access
//
// Frames travel by pointer from the capture goroutine to the classification
// goroutine without copying. The source copies pixels out of the driver
// buffer exactly once.
type Frame struct {
	// Seq is assigned by the source, monotonically increasing per Start.
	Seq uint64

	// Timestamp is the capture time (source time, not processing time).
	Timestamp time.Time

	// Width and Height in pixels.
	Width  int
	Height int

	// Format of Data.
	Format PixelFormat

	// Data holds the raw pixels, row-major, no padding.
	Data []byte

	// Orientation hint forwarded to the classifier.
	Orientation Orientation

	// Metadata is passed through untouched to the classifier
	// (device, camera position, intrinsics, ...).
	Metadata map[string]any

	// TraceID correlates a frame with its outcome in logs.
	TraceID string
}
