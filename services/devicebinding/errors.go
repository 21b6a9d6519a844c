package devicebinding

import (
	"fmt"
	"time"

	"devicetrust-controlplane/pkg/errutil"
)

type Reason string

const (
	ReasonDeviceLimitExceeded     Reason = "device_limit_exceeded"
	ReasonLastDeviceUnbindDenied  Reason = "last_device_unbind_denied"
	ReasonUnbindAlreadyPending    Reason = "unbind_already_pending"
	ReasonUnbindRateLimitExceeded Reason = "unbind_rate_limit_exceeded"
	ReasonChannelDeliveryFailed   Reason = "channel_delivery_failed"
	ReasonNoPendingChallenge      Reason = "no_pending_challenge"
	ReasonInvalidCode             Reason = "invalid_code"
	ReasonCodeExpired             Reason = "code_expired"
	ReasonTooManyAttempts         Reason = "too_many_attempts"
	ReasonCooldownNotElapsed      Reason = "cooldown_not_elapsed"
	ReasonNotPending              Reason = "not_pending"
	ReasonInvalidTrustLevel       Reason = "invalid_trust_level"
	ReasonDeviceNotFound          Reason = "device_not_found"
	ReasonDeviceNotActive         Reason = "device_not_active"
	ReasonLicenseNotFound         Reason = "license_not_found"
	ReasonContactEmailMissing     Reason = "contact_email_missing"
)

// Error is a domain failure with a stable reason and a user-facing message.
// errors.Is matches on Reason, so a value carrying a reset time still matches
// its sentinel.
type Error struct {
	Reason      Reason
	Status      errutil.CoreStatus
	Message     string
	ResetAt     *time.Time
	AvailableAt *time.Time
	Err         error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Reason, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Reason == e.Reason
}

func (e *Error) AsBaseError() errutil.BaseError {
	details := []errutil.Detail{{Field: "reason", Message: string(e.Reason)}}
	if e.ResetAt != nil {
		details = append(details, errutil.Detail{Field: "unbinds_reset_at", Message: e.ResetAt.UTC().Format(time.RFC3339)})
	}
	if e.AvailableAt != nil {
		details = append(details, errutil.Detail{Field: "unbind_available_at", Message: e.AvailableAt.UTC().Format(time.RFC3339)})
	}
	return errutil.BaseError{
		Code:    e.Status,
		Message: e.Message,
		Details: details,
	}
}

func (e *Error) wrap(err error) *Error {
	out := *e
	out.Err = err
	return &out
}

var (
	ErrDeviceLimitExceeded = &Error{
		Reason:  ReasonDeviceLimitExceeded,
		Status:  errutil.StatusConflict,
		Message: "This license already has the maximum number of devices. Unbind a device before adding this one.",
	}
	ErrLastDeviceUnbindDenied = &Error{
		Reason:  ReasonLastDeviceUnbindDenied,
		Status:  errutil.StatusForbidden,
		Message: "At least one device must remain bound to your license, so this device cannot be unbound.",
	}
	ErrUnbindAlreadyPending = &Error{
		Reason:  ReasonUnbindAlreadyPending,
		Status:  errutil.StatusConflict,
		Message: "This device already has an unbind in progress. Cancel it before starting a new one.",
	}
	ErrUnbindRateLimitExceeded = &Error{
		Reason:  ReasonUnbindRateLimitExceeded,
		Status:  errutil.StatusTooManyRequests,
		Message: "You have reached the unbind limit for the last 30 days.",
	}
	ErrChannelDeliveryFailed = &Error{
		Reason:  ReasonChannelDeliveryFailed,
		Status:  errutil.StatusBadGateway,
		Message: "We could not send the verification code. Please try again.",
	}
	ErrNoPendingChallenge = &Error{
		Reason:  ReasonNoPendingChallenge,
		Status:  errutil.StatusNotFound,
		Message: "There is no unbind request waiting for confirmation.",
	}
	ErrInvalidCode = &Error{
		Reason:  ReasonInvalidCode,
		Status:  errutil.StatusValidationFailed,
		Message: "The verification code is incorrect.",
	}
	ErrCodeExpired = &Error{
		Reason:  ReasonCodeExpired,
		Status:  errutil.StatusGone,
		Message: "The verification code has expired. Request a new code to continue.",
	}
	ErrTooManyAttempts = &Error{
		Reason:  ReasonTooManyAttempts,
		Status:  errutil.StatusTooManyRequests,
		Message: "Too many incorrect codes. Request a new verification code to continue.",
	}
	ErrCooldownNotElapsed = &Error{
		Reason:  ReasonCooldownNotElapsed,
		Status:  errutil.StatusConflict,
		Message: "The unbind cooldown has not finished yet.",
	}
	ErrNotPending = &Error{
		Reason:  ReasonNotPending,
		Status:  errutil.StatusConflict,
		Message: "This device has no unbind in progress.",
	}
	ErrInvalidTrustLevel = &Error{
		Reason:  ReasonInvalidTrustLevel,
		Status:  errutil.StatusInternal,
		Message: "Something went wrong on our side. Please try again later.",
	}
	ErrDeviceNotFound = &Error{
		Reason:  ReasonDeviceNotFound,
		Status:  errutil.StatusNotFound,
		Message: "This device is not bound to the license.",
	}
	ErrDeviceNotActive = &Error{
		Reason:  ReasonDeviceNotActive,
		Status:  errutil.StatusConflict,
		Message: "This device has already been unbound.",
	}
	ErrLicenseNotFound = &Error{
		Reason:  ReasonLicenseNotFound,
		Status:  errutil.StatusNotFound,
		Message: "No devices have been bound to this license yet.",
	}
	ErrContactEmailMissing = &Error{
		Reason:  ReasonContactEmailMissing,
		Status:  errutil.StatusUnprocessableEntity,
		Message: "No contact email is on file for this license, so a verification code cannot be sent.",
	}
)

func rateLimitError(resetAt time.Time) *Error {
	out := *ErrUnbindRateLimitExceeded
	out.Message = fmt.Sprintf("You have reached the unbind limit for the last 30 days. You can unbind another device after %s.",
		resetAt.UTC().Format("Jan 2, 2006 15:04 MST"))
	out.ResetAt = &resetAt
	return &out
}

func cooldownError(availableAt time.Time) *Error {
	out := *ErrCooldownNotElapsed
	out.Message = fmt.Sprintf("The unbind cooldown has not finished yet. This device can be removed after %s.",
		availableAt.UTC().Format("Jan 2, 2006 15:04 MST"))
	out.AvailableAt = &availableAt
	return &out
}

func limitError(maxDevices int) *Error {
	out := *ErrDeviceLimitExceeded
	out.Message = fmt.Sprintf("This license already has the maximum of %d devices. Unbind a device before adding this one.", maxDevices)
	return &out
}
