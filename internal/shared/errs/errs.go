// Package errs defines the stable error codes surfaced by the tracing
// client and the error type that carries them.
//
// Every fallible operation in the library returns an *Error (possibly
// wrapped); callers can recover the stable code with CodeOf regardless of
// wrapping depth. The public span API never returns errors.
package errs

import (
	"errors"
	"fmt"
)

// Code identifies a category of failure. The string forms are stable and
// suitable for logs and diagnostics.
type Code int

const (
	Other Code = iota
	ServiceNameRequired
	RateOutOfRange
	InvalidInteger
	OutOfRangeInteger
	MalformedTraceID
	MalformedSpanID
	MalformedHeaders
	MissingParentSpanID
	MissingTraceID
	InconsistentExtractionStyles
	AgentHTTPFailure
	AgentResponseMalformed
	BufferOverflow
)

var codeNames = map[Code]string{
	Other:                        "OTHER",
	ServiceNameRequired:          "SERVICE_NAME_REQUIRED",
	RateOutOfRange:               "RATE_OUT_OF_RANGE",
	InvalidInteger:               "INVALID_INTEGER",
	OutOfRangeInteger:            "OUT_OF_RANGE_INTEGER",
	MalformedTraceID:             "MALFORMED_TRACE_ID",
	MalformedSpanID:              "MALFORMED_SPAN_ID",
	MalformedHeaders:             "MALFORMED_HEADERS",
	MissingParentSpanID:          "MISSING_PARENT_SPAN_ID",
	MissingTraceID:               "MISSING_TRACE_ID",
	InconsistentExtractionStyles: "INCONSISTENT_EXTRACTION_STYLES",
	AgentHTTPFailure:             "AGENT_HTTP_FAILURE",
	AgentResponseMalformed:       "AGENT_RESPONSE_MALFORMED",
	BufferOverflow:               "BUFFER_OVERFLOW",
}

// String returns the stable name of the code.
func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return "OTHER"
}

// Error is the library's error type. Code is always set; Err is the
// underlying cause, if any.
type Error struct {
	Code    Code
	Message string
	Err     error
}

// New creates an Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an Error with a formatted message.
func Newf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error that records err as its cause.
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// CodeOf extracts the stable code from err, unwrapping as needed.
// Non-library errors report Other.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Other
}
