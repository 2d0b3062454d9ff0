package scraper

import (
	"errors"
	"fmt"
)

// Error codes classify pipeline failures for HTTP mapping and metrics.
const (
	EINVALID   = "invalid"       // caller input error
	EPOLICY    = "policy_denied" // robots, rate limit, content type, ToS
	ENETWORK   = "network"       // fetch or probe failure
	ENOCONTENT = "no_content"    // page had no substantial text
	EFORMAT    = "format"        // no parseable JSON in model output
	ENOTFOUND  = "not_found"     // store lookup miss
	EINTERNAL  = "internal"      // store or other collaborator failure
)

// Error is a domain error with a machine-readable code and a message that is
// safe to surface to callers.
type Error struct {
	Code    string
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("scraper error: code=%s message=%s", e.Code, e.Message)
}

// ErrorCode returns the code of a domain error, EINTERNAL for any other
// non-nil error, and the empty string for nil.
func ErrorCode(err error) string {
	var e *Error
	if err == nil {
		return ""
	} else if errors.As(err, &e) {
		return e.Code
	}
	return EINTERNAL
}

// ErrorMessage returns the message of a domain error, a generic message for
// any other non-nil error, and the empty string for nil.
func ErrorMessage(err error) string {
	var e *Error
	if err == nil {
		return ""
	} else if errors.As(err, &e) {
		return e.Message
	}
	return "Internal error."
}

// Errorf builds a domain error from a code and format arguments.
func Errorf(code string, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}
