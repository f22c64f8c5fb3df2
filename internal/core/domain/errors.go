package domain

import (
	"context"
	"errors"
	"fmt"
)

// Media errors.
var (
	ErrPermissionDenied  = errors.New("media permission denied")
	ErrDeviceUnavailable = errors.New("media device unavailable")
)

// Transport errors.
var (
	ErrPeerUnreachable      = errors.New("peer unreachable")
	ErrTransportTimeout     = errors.New("no remote stream before escalation timeout")
	ErrTransportClosed      = errors.New("transport closed")
	ErrAttemptsExhausted    = errors.New("transport attempts exhausted")
	ErrNoPendingCall        = errors.New("no inbound call to answer")
	ErrEndpointClosed       = errors.New("endpoint closed")
	ErrSignalingUnavailable = errors.New("signaling relay unavailable")
)

// Controller errors.
var (
	ErrInvalidTransition = errors.New("invalid call state transition")
	ErrInvalidCallKind   = errors.New("invalid call kind")
	ErrNothingToRetry    = errors.New("no failed call to retry")
	ErrSelfCall          = errors.New("cannot call yourself")
)

var ErrNotFound = errors.New("not found")

type ErrorClass string

const (
	ClassPermissionDenied     ErrorClass = "media-permission-denied"
	ClassDeviceUnavailable    ErrorClass = "media-device-unavailable"
	ClassPeerUnreachable      ErrorClass = "peer-unreachable"
	ClassTransportTransient   ErrorClass = "transport-transient"
	ClassTransportExhausted   ErrorClass = "transport-exhausted"
	ClassSignalingUnavailable ErrorClass = "signaling-unavailable"
)

// Terminal reports whether an error of this class ends the call instead of
// being retried on the next tier.
func (c ErrorClass) Terminal() bool {
	switch c {
	case ClassPermissionDenied, ClassDeviceUnavailable, ClassPeerUnreachable, ClassTransportExhausted:
		return true
	}
	return false
}

// CallError attaches a class and the failing operation to an error.
type CallError struct {
	Class ErrorClass
	Op    string
	Err   error
}

func NewCallError(class ErrorClass, op string, err error) *CallError {
	return &CallError{Class: class, Op: op, Err: err}
}

func (e *CallError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Class, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Class, e.Op, e.Err)
}

func (e *CallError) Unwrap() error {
	return e.Err
}

// Classify maps err onto the error taxonomy. Unknown errors are transient.
func Classify(err error) ErrorClass {
	var ce *CallError
	if errors.As(err, &ce) && ce.Class != "" {
		return ce.Class
	}
	switch {
	case errors.Is(err, ErrPermissionDenied):
		return ClassPermissionDenied
	case errors.Is(err, ErrDeviceUnavailable):
		return ClassDeviceUnavailable
	case errors.Is(err, ErrPeerUnreachable):
		return ClassPeerUnreachable
	case errors.Is(err, ErrAttemptsExhausted):
		return ClassTransportExhausted
	case errors.Is(err, ErrSignalingUnavailable):
		return ClassSignalingUnavailable
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrTransportTimeout):
		return ClassTransportTransient
	}
	return ClassTransportTransient
}

// Remediation is the user-facing guidance for a terminal class.
func Remediation(c ErrorClass) string {
	switch c {
	case ClassPermissionDenied:
		return "Microphone access was denied. Allow microphone access and retry."
	case ClassDeviceUnavailable:
		return "No usable microphone or camera was found. Check your devices and retry."
	case ClassPeerUnreachable:
		return "The other person could not be reached. Try again later."
	case ClassTransportExhausted:
		return "A connection could not be established. Check your network, disable restrictive VPNs or firewalls, and retry."
	case ClassSignalingUnavailable:
		return "Lost connection to the call server. Reconnecting."
	}
	return "The call failed. Retry or return to chat."
}
