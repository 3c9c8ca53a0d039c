package domain

import (
	"errors"
	"fmt"
)

// FailureKind classifies errors crossing a component boundary.
type FailureKind string

const (
	KindValidation FailureKind = "validation"
	KindNotFound   FailureKind = "not_found"
	KindConflict   FailureKind = "conflict"
	KindEngine     FailureKind = "engine"
	KindTimeout    FailureKind = "timeout"
	KindSession    FailureKind = "session"
	KindInternal   FailureKind = "internal"
)

// Violation is a single rule broken by a ContainerSpec.
type Violation struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (v Violation) String() string {
	return v.Field + ": " + v.Message
}

// Failure is the uniform error shape returned by the core services.
type Failure struct {
	Kind       FailureKind
	Message    string
	Violations []Violation

	// ContainerID is set when an operation left a container behind,
	// e.g. a create whose start step failed.
	ContainerID string

	Err error
}

func (f *Failure) Error() string {
	if f.Err != nil && f.Message == "" {
		return f.Err.Error()
	}
	return f.Message
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// NewFailure builds a Failure wrapping err with a formatted message.
func NewFailure(kind FailureKind, err error, format string, args ...any) *Failure {
	msg := fmt.Sprintf(format, args...)
	if err != nil {
		msg = msg + ": " + err.Error()
	}
	return &Failure{Kind: kind, Message: msg, Err: err}
}

// KindOf reports the failure kind of err, or KindInternal if err is not a
// Failure.
func KindOf(err error) FailureKind {
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	return KindInternal
}
