package http

import (
	"errors"
	"net/http"

	"granite/pkg/dberrors"
)

type Status string

const (
	// StatusOK is used for health-check responses.
	StatusOK Status = "OK"

	// StatusSuccess indicates an operation completed successfully.
	StatusSuccess Status = "success"

	// StatusError indicates an operation failed.
	StatusError Status = "error"
)

// Response is the envelope every endpoint returns.
type Response struct {
	Status Status `json:"status,omitempty"`
	Value  string `json:"value,omitempty"`
	Error  string `json:"error,omitempty"`
}

func NewOKResponse() Response {
	return Response{Status: StatusOK}
}

func NewSuccessResponse() Response {
	return Response{Status: StatusSuccess}
}

func NewValueResponse(value string) Response {
	return Response{Status: StatusSuccess, Value: value}
}

func NewErrorResponse(err string) Response {
	return Response{Status: StatusError, Error: err}
}

// statusCode maps the engine's error taxonomy onto HTTP status codes.
func statusCode(err error) int {
	switch {
	case dberrors.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, dberrors.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, dberrors.ErrBusy),
		errors.Is(err, dberrors.ErrReadOnly),
		errors.Is(err, dberrors.ErrShutdown),
		errors.Is(err, dberrors.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
