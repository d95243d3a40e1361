package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies orchestrator failures. Kinds map one-to-one to
// the user-visible effects documented on the status API.
type ErrorKind string

const (
	KindInvalidArgument    ErrorKind = "InvalidArgument"
	KindNotFound           ErrorKind = "NotFound"
	KindInvalidState       ErrorKind = "InvalidState"
	KindConfiguration      ErrorKind = "Configuration"
	KindTimeout            ErrorKind = "Timeout"
	KindTransportFailure   ErrorKind = "TransportFailure"
	KindAgentFailure       ErrorKind = "AgentFailure"
	KindIsolationViolation ErrorKind = "IsolationViolation"
	KindCompressionFailure ErrorKind = "CompressionFailure"
)

// Error carries a kind alongside the failure message. Stage is set for
// failures attributable to one pipeline stage.
type Error struct {
	Kind    ErrorKind
	Stage   string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("%s: stage %s: %s", e.Kind, e.Stage, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a kinded error.
func NewError(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// NewStageError builds a kinded error attributed to a stage.
func NewStageError(kind ErrorKind, stage, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Stage: stage, Message: fmt.Sprintf(format, args...)}
}

// WrapError attaches a kind to an underlying error.
func WrapError(kind ErrorKind, stage string, err error) *Error {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &Error{Kind: kind, Stage: stage, Message: msg, Err: err}
}

// KindOf returns the kind of err, or empty when err carries none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
