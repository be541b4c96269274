package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

const (
	CodeUnauthorized     = "unauthorized"
	CodeInvalidInput     = "invalid_input"
	CodeNotFound         = "not_found"
	CodeConflict         = "conflict"
	CodeInvalidReference = "invalid_reference"
	CodeStorageError     = "storage_error"
	CodeUpstreamError    = "upstream_error"
)

type Error struct {
	Status int
	Code   string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	if e.Code != "" {
		return e.Code
	}
	if e.Status != 0 {
		return fmt.Sprintf("api error (%d)", e.Status)
	}
	return "api error"
}

func (e *Error) Unwrap() error { return e.Err }

func New(status int, code string, err error) *Error {
	return &Error{Status: status, Code: code, Err: err}
}

func Unauthorized(err error) *Error {
	return New(http.StatusUnauthorized, CodeUnauthorized, err)
}

func InvalidInput(err error) *Error {
	return New(http.StatusBadRequest, CodeInvalidInput, err)
}

func NotFound(err error) *Error {
	return New(http.StatusNotFound, CodeNotFound, err)
}

func Conflict(err error) *Error {
	return New(http.StatusConflict, CodeConflict, err)
}

func InvalidReference(err error) *Error {
	return New(http.StatusBadRequest, CodeInvalidReference, err)
}

func Storage(err error) *Error {
	return New(http.StatusInternalServerError, CodeStorageError, err)
}

func Upstream(err error) *Error {
	return New(http.StatusBadGateway, CodeUpstreamError, err)
}

// From extracts an *Error, or wraps err as a generic storage failure.
func From(err error) *Error {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return Storage(err)
}
