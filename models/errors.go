package models

import "fmt"

// ParseError reports a malformed request, history, or body payload.
type ParseError struct {
	// Subject names what failed to parse ("request", "history", "body").
	Subject string
	Err     error
}

// Error implements the error interface
func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse %s: %v", e.Subject, e.Err)
}

// Unwrap implements errors.Unwrap
func (e *ParseError) Unwrap() error {
	return e.Err
}

func newParseError(subject string, err error) *ParseError {
	return &ParseError{Subject: subject, Err: err}
}

// ConstraintError reports a body field that is present but has the wrong shape,
// such as a date that does not match the expected layout.
type ConstraintError struct {
	Field string
	Value string
	Err   error
}

// Error implements the error interface
func (e *ConstraintError) Error() string {
	return fmt.Sprintf("field %s: invalid value %q: %v", e.Field, e.Value, e.Err)
}

// Unwrap implements errors.Unwrap
func (e *ConstraintError) Unwrap() error {
	return e.Err
}
