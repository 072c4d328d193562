package models

import (
	"errors"
	"fmt"
)

// ErrorKind categorizes integration failures so callers can assert on the
// failure class instead of parsing message text.
type ErrorKind string

const (
	KindValidation    ErrorKind = "validation"
	KindResourceLimit ErrorKind = "resource_limit"
	KindFileSystem    ErrorKind = "filesystem"
	KindRemoteService ErrorKind = "remote_service"
	KindRender        ErrorKind = "render"
)

// IntegrationError pairs a failure category with the underlying cause.
type IntegrationError struct {
	Kind ErrorKind
	Err  error
}

func (e *IntegrationError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *IntegrationError) Unwrap() error {
	return e.Err
}

// NewError wraps err with a category.
func NewError(kind ErrorKind, err error) *IntegrationError {
	return &IntegrationError{Kind: kind, Err: err}
}

// Errorf builds a categorized error from a format string.
func Errorf(kind ErrorKind, format string, args ...any) *IntegrationError {
	return &IntegrationError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the category from err, or empty when uncategorized.
func KindOf(err error) ErrorKind {
	var ie *IntegrationError
	if errors.As(err, &ie) {
		return ie.Kind
	}
	return ""
}
