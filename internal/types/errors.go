package types

import (
	"errors"
	"fmt"
)

// ErrorKind tags the PipelineError variant.
type ErrorKind int

const (
	KindModelLoadFailed ErrorKind = iota + 1
	KindInferenceFailed
	KindCameraUnavailable
	KindPermissionDenied
)

// String returns the snake_case name used in JSON payloads and metrics.
func (k ErrorKind) String() string {
	switch k {
	case KindModelLoadFailed:
		return "model_load_failed"
	case KindInferenceFailed:
		return "inference_failed"
	case KindCameraUnavailable:
		return "camera_unavailable"
	case KindPermissionDenied:
		return "permission_denied"
	default:
		return "unknown"
	}
}

// PipelineError is the only error type that crosses component boundaries.
//
// Matching:
//
//	errors.Is(err, types.ErrInferenceFailed)  // by kind
//	var perr *types.PipelineError
//	errors.As(err, &perr)                     // for Reason
type PipelineError struct {
	Kind   ErrorKind
	Reason string
	Err    error
}

// Sentinels for errors.Is. They carry no reason.
var (
	ErrModelLoadFailed   = &PipelineError{Kind: KindModelLoadFailed}
	ErrInferenceFailed   = &PipelineError{Kind: KindInferenceFailed}
	ErrCameraUnavailable = &PipelineError{Kind: KindCameraUnavailable}
	ErrPermissionDenied  = &PipelineError{Kind: KindPermissionDenied}
)

func (e *PipelineError) Error() string {
	var msg string
	switch e.Kind {
	case KindModelLoadFailed:
		msg = "failed to load model"
	case KindInferenceFailed:
		msg = "inference failed"
	case KindCameraUnavailable:
		msg = "camera unavailable"
	case KindPermissionDenied:
		msg = "camera access denied"
	default:
		msg = "pipeline error"
	}
	if e.Reason != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Reason)
	}
	return msg
}

func (e *PipelineError) Unwrap() error { return e.Err }

// Is matches any PipelineError of the same kind, so the sentinels work
// regardless of reason.
func (e *PipelineError) Is(target error) bool {
	t, ok := target.(*PipelineError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func newPipelineError(kind ErrorKind, err error) *PipelineError {
	pe := &PipelineError{Kind: kind, Err: err}
	if err != nil {
		pe.Reason = err.Error()
	}
	return pe
}

// ModelLoadFailed wraps a classifier construction or load failure.
func ModelLoadFailed(err error) *PipelineError {
	return newPipelineError(KindModelLoadFailed, err)
}

// InferenceFailed wraps a per-frame classification failure. An error that is
// already a PipelineError of this kind is returned as is.
func InferenceFailed(err error) *PipelineError {
	var pe *PipelineError
	if errors.As(err, &pe) && pe.Kind == KindInferenceFailed {
		return pe
	}
	return newPipelineError(KindInferenceFailed, err)
}

// CameraUnavailable wraps a capture device acquisition failure.
func CameraUnavailable(err error) *PipelineError {
	return newPipelineError(KindCameraUnavailable, err)
}

// PermissionDenied reports that camera access was refused.
func PermissionDenied() *PipelineError {
	return &PipelineError{Kind: KindPermissionDenied}
}
