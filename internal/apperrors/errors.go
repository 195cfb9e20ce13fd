package apperrors

import (
	"errors"
	"net/http"
)

// Kind classifies failures at the request boundary.
type Kind string

const (
	KindEmptyUpload    Kind = "empty_upload"
	KindInvalidImage   Kind = "invalid_image"
	KindUploadTooLarge Kind = "upload_too_large"
	KindInference      Kind = "inference_error"
	KindInternal       Kind = "internal_error"
)

// Error carries a Kind alongside a human readable message and an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

// Unwrap implements the unwrap interface for errors.Is and errors.As
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an Error without a cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap attaches kind and message to err. A nil err yields nil.
func Wrap(err error, kind Kind, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the outermost Kind found in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Status maps an error to the HTTP status returned to clients.
func Status(err error) int {
	switch KindOf(err) {
	case KindEmptyUpload, KindInvalidImage:
		return http.StatusBadRequest
	case KindUploadTooLarge:
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}
