package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/npezzotti/rostra/internal/database"
	"github.com/npezzotti/rostra/internal/pagination"
	"github.com/npezzotti/rostra/internal/server"
)

type ApiError struct {
	StatusCode int                 `json:"status_code"`
	Message    string              `json:"message"`
	Details    []server.FieldError `json:"details,omitempty"`
	Err        error               `json:"-"`
}

func (e *ApiError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Message, e.Err.Error())
	}

	return e.Message
}

func (e *ApiError) Unwrap() error {
	return e.Err
}

func lower(s string) string {
	return strings.ToLower(s)
}

func newApiError(code int) *ApiError {
	return &ApiError{
		StatusCode: code,
		Message:    lower(http.StatusText(code)),
	}
}

func NewBadRequestError() *ApiError {
	return newApiError(http.StatusBadRequest)
}

func NewNotFoundError() *ApiError {
	return newApiError(http.StatusNotFound)
}

func NewInternalServerError(err error) *ApiError {
	e := newApiError(http.StatusInternalServerError)
	e.Err = err
	return e
}

func NewUnauthorizedError() *ApiError {
	return newApiError(http.StatusUnauthorized)
}

func NewForbiddenError() *ApiError {
	return newApiError(http.StatusForbidden)
}

func NewTooManyRequestsError() *ApiError {
	return newApiError(http.StatusTooManyRequests)
}

func NewServiceUnavailableError(err error) *ApiError {
	e := newApiError(http.StatusServiceUnavailable)
	e.Err = err
	return e
}

// errorFor maps a domain error onto a response. Client mistakes keep the
// domain message; anything unrecognised is a 500.
func errorFor(err error) *ApiError {
	var verr *server.ValidationError
	switch {
	case errors.As(err, &verr):
		e := NewBadRequestError()
		e.Message = "invalid request"
		e.Details = verr.Details
		return e
	case errors.Is(err, pagination.ErrInvalidCursor),
		errors.Is(err, pagination.ErrEmptyQuery):
		e := NewBadRequestError()
		e.Message = err.Error()
		return e
	case errors.Is(err, server.ErrRoomNotFound),
		errors.Is(err, pagination.ErrMessageNotFound),
		errors.Is(err, database.ErrNotFound):
		e := NewNotFoundError()
		if !errors.Is(err, database.ErrNotFound) {
			e.Message = err.Error()
		}
		return e
	case errors.Is(err, server.ErrNotMember):
		e := NewForbiddenError()
		e.Message = err.Error()
		return e
	case errors.Is(err, server.ErrRateLimited):
		e := NewTooManyRequestsError()
		e.Message = err.Error()
		return e
	default:
		return NewInternalServerError(err)
	}
}
