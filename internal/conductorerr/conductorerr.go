// Package conductorerr defines the Conductor's error taxonomy: a closed set
// of behavioral kinds, not a type hierarchy. Components wrap plain errors
// with a Kind so the Consumer and Workflow Manager can decide an ack policy
// without type-switching over concrete error types.
package conductorerr

import (
	"errors"
	"fmt"
)

// Kind is one of the behavioral error categories the Conductor recognizes.
type Kind string

const (
	ConfigurationError    Kind = "ConfigurationError"
	TransientBrokerError  Kind = "TransientBrokerError"
	TransientStoreError   Kind = "TransientStoreError"
	StaleEvent            Kind = "StaleEvent"
	UnknownCommand        Kind = "UnknownCommand"
	MalformedEnvelope     Kind = "MalformedEnvelope"
	WorkerReportedFailure Kind = "WorkerReportedFailure"
	PoisonMessage         Kind = "PoisonMessage"
	Conflict              Kind = "Conflict"
	NotFound              Kind = "NotFound"
)

// Error is a plain wrapped error tagged with a behavioral Kind.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error with the given kind and message, optionally wrapping
// a lower-level cause.
func New(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: cause}
}

// Is reports whether the first *Error found in err's chain carries the
// given Kind. Kinds of *Errors wrapped beneath that one are not consulted.
func Is(err error, kind Kind) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind == kind
	}
	return false
}

// KindOf extracts the Kind carried by err, or "" if err is not a tagged
// *Error.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}
