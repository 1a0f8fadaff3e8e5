// This file defines the error model. All failures surface as a single
// tagged *Error carrying the kind (protocol, channel, presence, endpoint),
// an HTTP-like status code, and the channel name where one applies, so
// catch sites discriminate with errors.As instead of a type hierarchy.
package wavesock

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind discriminates the failure domains of the engine.
type ErrorKind string

const (
	// KindProtocol covers malformed frames and unknown actions. Reported
	// to the offending connection only, never fatal to the connection.
	KindProtocol ErrorKind = "protocol"

	// KindChannel covers membership and addressing violations: duplicate
	// join, absent member, bad recipient list, illegal addressing mode.
	KindChannel ErrorKind = "channel"

	// KindPresence covers presence document violations. It always also
	// carries the presence event type that failed.
	KindPresence ErrorKind = "presence"

	// KindEndpoint covers connection-level failures: double resolution of
	// a response, no lobby pattern matching a channel name.
	KindEndpoint ErrorKind = "endpoint"
)

const (
	StatusBadRequest          = 400
	StatusUnauthorized        = 401
	StatusForbidden           = 403
	StatusNotFound            = 404
	StatusConflict            = 409
	StatusGone                = 410
	StatusTooManyRequests     = 429
	StatusInternalServerError = 500
	StatusServiceUnavailable  = 503
)

// Error is the single error type of the engine.
type Error struct {
	Kind          ErrorKind   `json:"kind"`
	ChannelName   string      `json:"channelName,omitempty"`
	PresenceEvent string      `json:"presenceEvent,omitempty"`
	Message       string      `json:"message"`
	Code          int         `json:"code"`
	Details       interface{} `json:"details,omitempty"`
	cause         error
}

func (e *Error) Error() string {
	if e.ChannelName != "" {
		return fmt.Sprintf("%s error in channel %s: %s (code: %d)", e.Kind, e.ChannelName, e.Message, e.Code)
	}
	return fmt.Sprintf("%s error: %s (code: %d)", e.Kind, e.Message, e.Code)
}

func (e *Error) Unwrap() error { return e.cause }

func (e *Error) withDetails(details interface{}) *Error {
	e.Details = details
	return e
}

// errorEventName maps the error back to the wire-level ERROR frame event.
func (e *Error) errorEventName() string {
	switch e.Kind {
	case KindProtocol:
		return ErrorEventInvalidMessage
	case KindPresence:
		return ErrorEventPresenceError
	case KindEndpoint:
		return ErrorEventEndpointError
	default:
		return ErrorEventChannelError
	}
}

func protocolError(message string) *Error {
	return &Error{Kind: KindProtocol, Message: message, Code: StatusBadRequest}
}

func channelError(code int, channelName, message string) *Error {
	return &Error{Kind: KindChannel, ChannelName: channelName, Message: message, Code: code}
}

func presenceError(code int, channelName, presenceEvent, message string) *Error {
	return &Error{
		Kind:          KindPresence,
		ChannelName:   channelName,
		PresenceEvent: presenceEvent,
		Message:       message,
		Code:          code,
	}
}

func endpointError(code int, message string) *Error {
	return &Error{Kind: KindEndpoint, Message: message, Code: code}
}

// wrap lifts an arbitrary error into *Error, preserving kind, code and
// channel when the cause already is one.
func wrap(err error, message string) *Error {
	if err == nil {
		return nil
	}

	var e *Error
	if errors.As(err, &e) {
		return &Error{
			Kind:          e.Kind,
			ChannelName:   e.ChannelName,
			PresenceEvent: e.PresenceEvent,
			Message:       fmt.Sprintf("%s: %s", message, e.Message),
			Code:          e.Code,
			Details:       e.Details,
			cause:         err,
		}
	}
	return &Error{
		Kind:    KindEndpoint,
		Message: fmt.Sprintf("%s: %s", message, err),
		Code:    StatusInternalServerError,
		cause:   err,
	}
}

func wrapF(err error, format string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}
	return wrap(err, fmt.Sprintf(format, args...))
}

// MultiError aggregates independent failures from a fan-out operation.
type MultiError struct {
	errors []error
}

func (m *MultiError) Error() string {
	if len(m.errors) == 0 {
		return "no errors"
	}
	messages := make([]string, len(m.errors))
	for i, err := range m.errors {
		messages[i] = err.Error()
	}
	return strings.Join(messages, "; ")
}

func (m *MultiError) Unwrap() []error { return m.errors }

func combine(errs ...error) error {
	var nonNil []error
	for _, err := range errs {
		if err != nil {
			nonNil = append(nonNil, err)
		}
	}
	if len(nonNil) == 0 {
		return nil
	}
	if len(nonNil) == 1 {
		return nonNil[0]
	}
	return &MultiError{errors: nonNil}
}

// errorFrame renders an error as an ERROR frame addressed to one
// connection. Frames carry only the public fields, never the cause chain.
func errorFrame(err error) *Frame {
	if err == nil {
		return nil
	}

	var e *Error
	if errors.As(err, &e) {
		return &Frame{
			Action:      ActionError,
			ChannelName: e.ChannelName,
			Event:       e.errorEventName(),
			Payload:     ErrorPayload{Message: e.Message, Code: e.Code, Details: e.Details},
		}
	}
	return &Frame{
		Action:  ActionError,
		Event:   ErrorEventInternal,
		Payload: ErrorPayload{Message: err.Error(), Code: StatusInternalServerError},
	}
}
