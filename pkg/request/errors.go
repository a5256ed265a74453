package request

import (
	"errors"
	"fmt"
)

// Reason classifies why a request did not succeed.
type Reason string

const (
	ReasonInvalid            Reason = "invalid"
	ReasonNullAttribute      Reason = "null_attribute"
	ReasonDisconnected       Reason = "disconnected"
	ReasonRadioDisabled      Reason = "radio_disabled"
	ReasonTimeout            Reason = "timeout"
	ReasonCancelled          Reason = "cancelled"
	ReasonValidationMismatch Reason = "validation_mismatch"
	ReasonStatus             Reason = "status"
	ReasonUsage              Reason = "usage"
)

// Error describes a failed, invalid or misused request.
type Error struct {
	Reason Reason
	Status int // transport status code, set when Reason is ReasonStatus
	Kind   Kind
	Target Target
	Msg    string
	Err    error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	reason := string(e.Reason)
	if e.Reason == ReasonStatus {
		reason = fmt.Sprintf("status 0x%02x", e.Status)
	}
	prefix := ""
	if e.Kind != 0 {
		prefix = e.Kind.String()
		if !e.Target.IsZero() {
			prefix += " " + e.Target.String()
		}
		prefix += ": "
	}
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s%s: %s: %v", prefix, reason, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s%s: %s", prefix, reason, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s%s: %v", prefix, reason, e.Err)
	default:
		return prefix + reason
	}
}

// Is allows errors.Is to compare Error values by Reason, and by Status when the
// target carries one.
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if e.Reason != t.Reason {
		return false
	}
	return t.Status == 0 || e.Status == t.Status
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Predefined sentinel errors, compare with errors.Is
var (
	ErrInvalid            = &Error{Reason: ReasonInvalid}
	ErrNullAttribute      = &Error{Reason: ReasonNullAttribute}
	ErrDisconnected       = &Error{Reason: ReasonDisconnected}
	ErrRadioDisabled      = &Error{Reason: ReasonRadioDisabled}
	ErrTimeout            = &Error{Reason: ReasonTimeout}
	ErrCancelled          = &Error{Reason: ReasonCancelled}
	ErrValidationMismatch = &Error{Reason: ReasonValidationMismatch}
	ErrStatus             = &Error{Reason: ReasonStatus}
	ErrUsage              = &Error{Reason: ReasonUsage}
)

// Failure builds an error of the given reason for r.
func Failure(reason Reason, r *Request, msg string) *Error {
	e := &Error{Reason: reason, Msg: msg}
	if r != nil {
		e.Kind = r.kind
		e.Target = r.target
	}
	return e
}

// StatusFailure builds a pass-through transport status error for r.
func StatusFailure(status int, r *Request, cause error) *Error {
	e := &Error{Reason: ReasonStatus, Status: status, Err: cause}
	if r != nil {
		e.Kind = r.kind
		e.Target = r.target
	}
	return e
}

// Usage builds an API misuse error.
func Usage(format string, args ...any) *Error {
	return &Error{Reason: ReasonUsage, Msg: fmt.Sprintf(format, args...)}
}

// ReasonOf extracts the failure reason of err, or "" if err is not a request error.
func ReasonOf(err error) Reason {
	var rerr *Error
	if errors.As(err, &rerr) {
		return rerr.Reason
	}
	return ""
}

// StatusOf extracts the transport status of err, or 0.
func StatusOf(err error) int {
	var rerr *Error
	if errors.As(err, &rerr) {
		return rerr.Status
	}
	return 0
}
