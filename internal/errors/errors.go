// Package errors defines the application error type, the HTTP error envelope
// and the mapping from orchestrator failures onto both.
package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/jjss83/mentor/pkg/orchestrator"
)

// Error codes carried in HTTP envelopes.
const (
	CodeBadRequest          = "BAD_REQUEST"
	CodeValidation          = "VALIDATION_ERROR"
	CodeNotFound            = "NOT_FOUND"
	CodeMethodNotAllowed    = "METHOD_NOT_ALLOWED"
	CodeConflict            = "CONFLICT"
	CodePortsExhausted      = "PORTS_EXHAUSTED"
	CodeSpawnFailed         = "SPAWN_FAILED"
	CodeServiceUnavailable  = "SERVICE_UNAVAILABLE"
	CodeExternalUnavailable = "EXTERNAL_SERVICE_UNAVAILABLE"
	CodeInternal            = "INTERNAL_ERROR"
)

// AppError is an error with an HTTP status, a stable code and optional
// details for the envelope.
type AppError struct {
	Status  int
	Code    string
	Message string
	Details map[string]any
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// New returns an AppError without a cause.
func New(status int, code, message string) *AppError {
	return &AppError{Status: status, Code: code, Message: message}
}

// WithDetail returns a copy of e with key set in its details.
func (e *AppError) WithDetail(key string, value any) *AppError {
	cp := *e
	cp.Details = make(map[string]any, len(e.Details)+1)
	for k, v := range e.Details {
		cp.Details[k] = v
	}
	cp.Details[key] = value
	return &cp
}

type requestIDKey struct{}

// WithRequestID stores the request identifier on ctx.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFrom returns the identifier stored by WithRequestID, or "".
func RequestIDFrom(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// WrapInternal wraps err as an internal error, recording the request
// identifier carried by ctx.
func WrapInternal(ctx context.Context, err error, message string) *AppError {
	appErr := &AppError{
		Status:  http.StatusInternalServerError,
		Code:    CodeInternal,
		Message: message,
		Err:     err,
	}
	if id := RequestIDFrom(ctx); id != "" {
		appErr = appErr.WithDetail("requestId", id)
	}
	return appErr
}

// NewExternalServiceError reports a dependency this process cannot reach.
func NewExternalServiceError(message string) *AppError {
	return New(http.StatusServiceUnavailable, CodeExternalUnavailable, message)
}

// FromError classifies err. Orchestrator start failures map onto 400, 409,
// 503 and 500; unknown runs onto 404; anything else is internal.
func FromError(err error) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}

	var (
		validation *orchestrator.ValidationError
		conflict   *orchestrator.ConflictError
		exhausted  *orchestrator.PortExhaustedError
		spawn      *orchestrator.SpawnError
	)
	switch {
	case stderrors.As(err, &validation):
		e := &AppError{Status: http.StatusBadRequest, Code: CodeValidation, Message: validation.Error(), Err: err}
		if validation.Field != "" {
			e = e.WithDetail("field", validation.Field)
		}
		return e
	case stderrors.As(err, &conflict):
		return (&AppError{Status: http.StatusConflict, Code: CodeConflict, Message: conflict.Error(), Err: err}).
			WithDetail("runId", conflict.RunID)
	case stderrors.As(err, &exhausted):
		return &AppError{
			Status:  http.StatusServiceUnavailable,
			Code:    CodePortsExhausted,
			Message: exhausted.Error(),
			Details: map[string]any{
				"requestedBasePort": exhausted.Requested,
				"lastTriedBasePort": exhausted.LastTried,
				"probes":            exhausted.Probes,
			},
			Err: err,
		}
	case stderrors.As(err, &spawn):
		return (&AppError{Status: http.StatusInternalServerError, Code: CodeSpawnFailed, Message: spawn.Error(), Err: err}).
			WithDetail("command", spawn.Command)
	case stderrors.Is(err, orchestrator.ErrRunNotFound):
		return &AppError{Status: http.StatusNotFound, Code: CodeNotFound, Message: err.Error(), Err: err}
	case stderrors.Is(err, orchestrator.ErrShuttingDown),
		stderrors.Is(err, context.DeadlineExceeded), stderrors.Is(err, context.Canceled):
		return &AppError{Status: http.StatusServiceUnavailable, Code: CodeServiceUnavailable, Message: err.Error(), Err: err}
	default:
		return &AppError{Status: http.StatusInternalServerError, Code: CodeInternal, Message: err.Error(), Err: err}
	}
}
