package capture

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// Permission is the outcome of a camera access request.
type Permission int

const (
	PermissionGranted Permission = iota
	PermissionDenied
)

func (p Permission) String() string {
	if p == PermissionGranted {
		return "granted"
	}
	return "denied"
}

// Authorizer decides whether the process may use the camera.
type Authorizer interface {
	RequestPermission(ctx context.Context) (Permission, error)
}

// AlwaysGranted is the Authorizer for sources without a device.
type AlwaysGranted struct{}

func (AlwaysGranted) RequestPermission(context.Context) (Permission, error) {
	return PermissionGranted, nil
}

// DeviceAuthorizer grants access when the device node can be opened for
// reading. A missing device is granted: acquisition will then fail with
// CameraUnavailable, which is the accurate report.
type DeviceAuthorizer struct {
	Path string
}

func (a DeviceAuthorizer) RequestPermission(ctx context.Context) (Permission, error) {
	if err := ctx.Err(); err != nil {
		return PermissionDenied, err
	}

	f, err := os.OpenFile(a.Path, os.O_RDONLY, 0)
	switch {
	case err == nil:
		f.Close()
		return PermissionGranted, nil
	case errors.Is(err, fs.ErrPermission):
		return PermissionDenied, nil
	case errors.Is(err, fs.ErrNotExist):
		return PermissionGranted, nil
	default:
		return PermissionDenied, fmt.Errorf("capture: probing %s: %w", a.Path, err)
	}
}
