package call

import (
	"errors"
	"fmt"
	"net/http"

	"duocall-backend/internal/domain"
	"duocall-backend/internal/media"
	apperrors "duocall-backend/pkg/errors"
)

var (
	// ErrConnectionLost ends a call whose connection could not be recovered
	ErrConnectionLost = errors.New("connection lost")
	// ErrCallInProgress is returned when a new call conflicts with the current one
	ErrCallInProgress = errors.New("a call is already in progress")
	// ErrOperationInFlight is returned for a duplicate concurrent invocation.
	// The first invocation is still running; callers may treat this as success.
	ErrOperationInFlight = errors.New("operation already in progress")
	// ErrNoPartner is returned when there is nobody to call
	ErrNoPartner = errors.New("no connected partner")
	// ErrNoActiveCall is returned by toggles outside a call
	ErrNoActiveCall = errors.New("no active call")
	// ErrCallNotRinging is returned when answering or rejecting a record that
	// is not a ringing call addressed to us
	ErrCallNotRinging = errors.New("call is not ringing")
	// ErrCallCancelled is returned by an operation whose call was ended while
	// it was suspended
	ErrCallCancelled = errors.New("call ended before it was established")
)

// MediaAccessError reports that local capture could not be acquired
type MediaAccessError = media.AccessError

// SignalingWriteError wraps a failed write to the signaling channel
type SignalingWriteError struct {
	Op  string
	Err error
}

func (e *SignalingWriteError) Error() string {
	return fmt.Sprintf("signaling %s failed: %v", e.Op, e.Err)
}

func (e *SignalingWriteError) Unwrap() error {
	return e.Err
}

// Guidance returns an actionable message for the user
func (e *SignalingWriteError) Guidance() string {
	return "Could not reach the call service. Check your connection and try again."
}

// NegotiationError wraps a failed offer/answer step
type NegotiationError struct {
	Step string
	Err  error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("negotiation failed at %s: %v", e.Step, e.Err)
}

func (e *NegotiationError) Unwrap() error {
	return e.Err
}

// Guidance returns an actionable message for the user
func (e *NegotiationError) Guidance() string {
	return "The call could not be set up. Try again."
}

type guided interface {
	Guidance() string
}

// Guidance returns the user-facing message for err
func Guidance(err error) string {
	var g guided
	if errors.As(err, &g) {
		return g.Guidance()
	}
	switch {
	case errors.Is(err, ErrConnectionLost):
		return "The connection was lost and could not be recovered."
	case errors.Is(err, ErrCallInProgress):
		return "Finish the current call first."
	case errors.Is(err, ErrOperationInFlight):
		return "Please wait, the previous request is still running."
	case errors.Is(err, ErrNoPartner):
		return "Your partner is not connected yet."
	case errors.Is(err, ErrNoActiveCall):
		return "There is no call right now."
	case errors.Is(err, ErrCallNotRinging):
		return "This call is no longer ringing."
	case errors.Is(err, ErrCallCancelled):
		return "The call was ended."
	case errors.Is(err, ErrAudioOnly):
		return "Video is not available in an audio call."
	default:
		return "Something went wrong with the call."
	}
}

var mediaCodes = map[media.AccessReason]apperrors.ErrorCode{
	media.ReasonPermissionDenied:       apperrors.ErrCodeMediaAccessDenied,
	media.ReasonDeviceNotFound:         apperrors.ErrCodeMediaNotFound,
	media.ReasonDeviceBusy:             apperrors.ErrCodeMediaBusy,
	media.ReasonUnsupportedEnvironment: apperrors.ErrCodeMediaUnsupported,
	media.ReasonInterrupted:            apperrors.ErrCodeMediaInterrupted,
}

// ToAppError maps a machine error to an HTTP-facing AppError
func ToAppError(err error) *apperrors.AppError {
	if err == nil {
		return nil
	}
	if apperrors.IsAppError(err) {
		return apperrors.GetAppError(err)
	}

	var (
		mediaErr *MediaAccessError
		sigErr   *SignalingWriteError
		negErr   *NegotiationError
	)
	switch {
	case errors.As(err, &mediaErr):
		code, ok := mediaCodes[mediaErr.Reason]
		if !ok {
			code = apperrors.ErrCodeMediaInterrupted
		}
		return apperrors.MediaError(code, mediaErr.Guidance(), err)
	case errors.As(err, &sigErr):
		return apperrors.SignalingWriteError(err)
	case errors.As(err, &negErr):
		return apperrors.NegotiationError(err)
	case errors.Is(err, ErrConnectionLost):
		return apperrors.ConnectionLostError()
	case errors.Is(err, ErrMachineClosed):
		return apperrors.ServiceUnavailableError(err.Error())
	case errors.Is(err, ErrCallInProgress), errors.Is(err, ErrOperationInFlight):
		return apperrors.CallInProgressError(Guidance(err))
	case errors.Is(err, ErrNoPartner):
		return apperrors.NewWithStatus(apperrors.ErrCodeConflict, Guidance(err), http.StatusConflict)
	case errors.Is(err, ErrNoActiveCall), errors.Is(err, ErrCallNotRinging), errors.Is(err, ErrCallCancelled), errors.Is(err, ErrAudioOnly):
		return apperrors.IllegalTransitionError(err)
	case errors.Is(err, domain.ErrIllegalTransition), errors.Is(err, domain.ErrRecordTerminal):
		return apperrors.IllegalTransitionError(err)
	case errors.Is(err, domain.ErrRecordNotFound):
		return apperrors.CallNotFoundError()
	default:
		return apperrors.InternalError(err.Error())
	}
}
