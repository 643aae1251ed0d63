// Package errs defines the failure classes shared by the decoder, the
// reconciliation engine and the remote clients.
package errs

import (
	"errors"
	"fmt"
)

// FormatError reports log text that cannot be mapped onto a header.
type FormatError struct {
	Line int
	Msg  string
}

func (e *FormatError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("format error at line %d: %s", e.Line, e.Msg)
	}
	return "format error: " + e.Msg
}

// ValidationError reports input rejected before any remote call.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Msg
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Msg)
}

// RemoteUnavailable reports a remote store or API that failed, timed out or
// answered with a non-success status.
type RemoteUnavailable struct {
	Op     string
	Status int
	Err    error
}

func (e *RemoteUnavailable) Error() string {
	msg := "remote unavailable: " + e.Op
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RemoteUnavailable) Unwrap() error { return e.Err }

// PartialReconciliation reports a transition whose local record was committed
// while a dependent access set mutation failed or is unconfirmed.
type PartialReconciliation struct {
	DeviceID string
	Address  string
	Status   string
	Step     string
	Err      error
}

func (e *PartialReconciliation) Error() string {
	return fmt.Sprintf("partial reconciliation of device %s (%s -> %s) at %s: %v",
		e.DeviceID, e.Address, e.Status, e.Step, e.Err)
}

func (e *PartialReconciliation) Unwrap() error { return e.Err }

// Remote wraps err as RemoteUnavailable unless it already carries a class.
func Remote(op string, err error) error {
	if err == nil {
		return nil
	}
	var ru *RemoteUnavailable
	if errors.As(err, &ru) {
		return err
	}
	return &RemoteUnavailable{Op: op, Err: err}
}

// Validation builds a ValidationError.
func Validation(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Msg: fmt.Sprintf(format, args...)}
}

// IsRetryable reports whether re-invoking the same operation may succeed.
func IsRetryable(err error) bool {
	var ru *RemoteUnavailable
	var pr *PartialReconciliation
	return errors.As(err, &ru) || errors.As(err, &pr)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
