package media

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// AccessReason subtypes a media access failure
type AccessReason string

const (
	ReasonPermissionDenied       AccessReason = "permission-denied"
	ReasonDeviceNotFound         AccessReason = "device-not-found"
	ReasonDeviceBusy             AccessReason = "device-busy"
	ReasonUnsupportedEnvironment AccessReason = "unsupported-environment"
	ReasonInterrupted            AccessReason = "interrupted"
)

// AccessError reports that local capture could not be acquired
type AccessError struct {
	Reason AccessReason
	Err    error
}

func (e *AccessError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("media access failed (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("media access failed (%s)", e.Reason)
}

func (e *AccessError) Unwrap() error {
	return e.Err
}

// Guidance returns an actionable message for the user
func (e *AccessError) Guidance() string {
	switch e.Reason {
	case ReasonPermissionDenied:
		return "Allow camera and microphone access, then try again."
	case ReasonDeviceNotFound:
		return "No camera or microphone was found. Check that your hardware is connected."
	case ReasonDeviceBusy:
		return "Your camera or microphone is in use. Close other apps using it and try again."
	case ReasonUnsupportedEnvironment:
		return "Calling is not supported in this environment."
	case ReasonInterrupted:
		return "Media capture was interrupted. Try again."
	default:
		return "Could not access media devices."
	}
}

// NewAccessError builds an AccessError with an explicit reason
func NewAccessError(reason AccessReason, err error) *AccessError {
	return &AccessError{Reason: reason, Err: err}
}

// Classify wraps a raw capture error into an AccessError, inferring the
// reason from the error text when the driver does not type its errors.
func Classify(err error) *AccessError {
	if err == nil {
		return nil
	}
	var ae *AccessError
	if errors.As(err, &ae) {
		return ae
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return NewAccessError(ReasonInterrupted, err)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission") || strings.Contains(msg, "not allowed") || strings.Contains(msg, "denied"):
		return NewAccessError(ReasonPermissionDenied, err)
	case strings.Contains(msg, "busy") || strings.Contains(msg, "in use") || strings.Contains(msg, "resource temporarily unavailable"):
		return NewAccessError(ReasonDeviceBusy, err)
	case strings.Contains(msg, "not found") || strings.Contains(msg, "no such device") || strings.Contains(msg, "failed to find"):
		return NewAccessError(ReasonDeviceNotFound, err)
	case strings.Contains(msg, "not supported") || strings.Contains(msg, "unsupported"):
		return NewAccessError(ReasonUnsupportedEnvironment, err)
	default:
		return NewAccessError(ReasonInterrupted, err)
	}
}
