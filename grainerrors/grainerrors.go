// Package grainerrors defines the failure taxonomy every subsystem in
// grainrpc classifies its errors into.
package grainerrors

import (
	"errors"
	"fmt"
)

// Stage identifies which part of the runtime produced an Error.
type Stage string

const (
	StageCodec     Stage = "codec"
	StageSession   Stage = "session"
	StageManifest  Stage = "manifest"
	StageDispatch  Stage = "dispatch"
	StageAuthz     Stage = "authz"
	StageCatalog   Stage = "catalog"
	StageTransport Stage = "transport"
)

// Code is a stable, programmatic classification for a grainrpc failure.
//
// This is the full taxonomy the runtime produces: every failure
// classifies into exactly one of these.
type Code string

const (
	CodeTimeout            Code = "timeout"
	CodeConnectionLost     Code = "connection_lost"
	CodeNoProvider         Code = "no_provider"
	CodeOverloaded         Code = "overloaded"
	CodeDuplicateRequestID Code = "duplicate_request_id"
	CodeProtocolError      Code = "protocol_error"
	CodeMessageTooLarge    Code = "message_too_large"
	CodeDenied             Code = "denied"
	CodeUnknownMethod      Code = "unknown_method"
	CodeInvalidArgument    Code = "invalid_argument"
	CodeInternal           Code = "internal"
	CodeCanceled           Code = "canceled"
)

// Error is a structured, programmatically identifiable runtime failure.
type Error struct {
	Stage  Stage
	Code   Code
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Reason != "" {
		if e.Err != nil {
			return fmt.Sprintf("%s %s: %s: %v", e.Stage, e.Code, e.Reason, e.Err)
		}
		return fmt.Sprintf("%s %s: %s", e.Stage, e.Code, e.Reason)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %v", e.Stage, e.Code, e.Err)
	}
	return fmt.Sprintf("%s %s", e.Stage, e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error with an optional textual reason.
func New(stage Stage, code Code, reason string) *Error {
	return &Error{Stage: stage, Code: code, Reason: reason}
}

// Wrap builds an Error that carries an underlying cause.
func Wrap(stage Stage, code Code, reason string, err error) *Error {
	return &Error{Stage: stage, Code: code, Reason: reason, Err: err}
}

// CodeOf extracts the Code from err if it is (or wraps) a *Error.
func CodeOf(err error) (Code, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, true
	}
	return "", false
}
