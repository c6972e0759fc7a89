package handler

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/pot-code/progress-sync/internal/infrastructure/validate"
	"github.com/pot-code/progress-sync/internal/progress"
	"github.com/pot-code/progress-sync/internal/session"
	"github.com/pot-code/progress-sync/internal/tracker"
)

// RESTStandardError response error
type RESTStandardError struct {
	Type    string `json:"type,omitempty"`
	Code    int    `json:"code"`
	Title   string `json:"title"`
	Detail  string `json:"detail,omitempty"`
	TraceID string `json:"trace_id,omitempty"`
}

// NewRESTStandardError .
func NewRESTStandardError(code int, detail string) *RESTStandardError {
	return &RESTStandardError{
		Code:   code,
		Title:  http.StatusText(code),
		Detail: detail,
	}
}

func (re RESTStandardError) Error() string {
	return re.Detail
}

// SetTraceID .
func (re RESTStandardError) SetTraceID(traceID string) RESTStandardError {
	re.TraceID = traceID
	return re
}

// RESTValidationError standard validation error
type RESTValidationError struct {
	RESTStandardError
	InvalidParams []*validate.FieldError `json:"invalid_params"`
}

// NewRESTValidationError .
func NewRESTValidationError(code int, detail string, internal []*validate.FieldError) *RESTValidationError {
	return &RESTValidationError{
		RESTStandardError: RESTStandardError{
			Code:   code,
			Title:  http.StatusText(code),
			Detail: detail,
		},
		InvalidParams: internal,
	}
}

func (rve RESTValidationError) Error() string {
	return rve.Detail
}

// StatusOf http status of a domain error, 0 for errors that are not expected
func StatusOf(err error) int {
	switch {
	case errors.Is(err, progress.ErrInvalidRecord):
		return http.StatusBadRequest
	case errors.Is(err, progress.ErrCourseNotFound),
		errors.Is(err, tracker.ErrCourseNotLoaded):
		return http.StatusNotFound
	case errors.Is(err, progress.ErrSessionClosed),
		errors.Is(err, session.ErrNoSession):
		return http.StatusConflict
	case errors.Is(err, progress.ErrAuth):
		return http.StatusUnauthorized
	case errors.Is(err, progress.ErrOffline),
		errors.Is(err, progress.ErrStorage):
		return http.StatusServiceUnavailable
	case errors.Is(err, tracker.ErrSyncIncomplete),
		errors.Is(err, progress.ErrNetwork),
		errors.Is(err, progress.ErrServer),
		errors.Is(err, progress.ErrConflict):
		return http.StatusBadGateway
	}
	return 0
}

// renderError reply with the status of a domain error, unexpected errors go to the error middleware
func renderError(c echo.Context, err error) error {
	code := StatusOf(err)
	if code == 0 {
		return err
	}
	traceID := c.Response().Header().Get(echo.HeaderXRequestID)
	return c.JSON(code, NewRESTStandardError(code, err.Error()).SetTraceID(traceID))
}

func renderInvalid(c echo.Context, errs []*validate.FieldError) error {
	return c.JSON(http.StatusBadRequest, NewRESTValidationError(http.StatusBadRequest, "Failed to validate params", errs))
}
