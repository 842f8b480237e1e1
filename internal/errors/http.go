package errors

import (
	"encoding/json"
	"net/http"

	gferrors "github.com/fulmenhq/gofulmen/errors"
)

// HTTPErrorResponse is the JSON body of every error returned over HTTP.
type HTTPErrorResponse struct {
	Error HTTPError `json:"error"`
}

// HTTPError is the wire form of a gofulmen error envelope.
type HTTPError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"requestId,omitempty"`
	Severity  string         `json:"severity,omitempty"`
	Timestamp string         `json:"timestamp,omitempty"`
}

// NewEnvelope builds the envelope for appErr, correlated with the request
// identifier carried by r.
func NewEnvelope(r *http.Request, appErr *AppError) *gferrors.ErrorEnvelope {
	envelope := gferrors.NewErrorEnvelope(appErr.Code, appErr.Message)
	if r != nil {
		if id := RequestIDFrom(r.Context()); id != "" {
			envelope = envelope.WithCorrelationID(id)
		}
	}
	if len(appErr.Details) > 0 {
		envelope = envelope.WithDetails(appErr.Details)
	}
	return gferrors.SafeWithSeverity(envelope, severityFor(appErr.Status))
}

// WriteEnvelope writes envelope with the given status. Details and context
// of the envelope are merged into the details object; context wins on
// conflicting keys.
func WriteEnvelope(w http.ResponseWriter, envelope *gferrors.ErrorEnvelope, status int) {
	body := HTTPError{
		Code:      envelope.Code,
		Message:   envelope.Message,
		RequestID: envelope.CorrelationID,
		Severity:  string(envelope.Severity),
		Timestamp: envelope.Timestamp,
	}
	if n := len(envelope.Details) + len(envelope.Context); n > 0 {
		body.Details = make(map[string]any, n)
		for k, v := range envelope.Details {
			body.Details[k] = v
		}
		for k, v := range envelope.Context {
			body.Details[k] = v
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(HTTPErrorResponse{Error: body})
}

// WriteError writes an envelope with the given status.
func WriteError(w http.ResponseWriter, r *http.Request, status int, code, message string, details map[string]any) {
	appErr := &AppError{Status: status, Code: code, Message: message, Details: details}
	WriteEnvelope(w, NewEnvelope(r, appErr), status)
}

// RespondWithError classifies err and writes its envelope.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	appErr := FromError(err)
	if appErr == nil {
		appErr = New(http.StatusInternalServerError, CodeInternal, "unknown error")
	}
	WriteEnvelope(w, NewEnvelope(r, appErr), appErr.Status)
}

func severityFor(status int) gferrors.Severity {
	switch {
	case status >= http.StatusInternalServerError:
		return gferrors.SeverityHigh
	case status == http.StatusConflict, status == http.StatusTooManyRequests:
		return gferrors.SeverityMedium
	default:
		return gferrors.SeverityLow
	}
}
