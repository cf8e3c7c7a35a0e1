package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

// ErrorType represents the type of error that occurred
type ErrorType string

const (
	// ErrorTypeInvalidRequest indicates a malformed or incomplete request (400)
	ErrorTypeInvalidRequest ErrorType = "invalid_request"
	// ErrorTypeModelNotFound indicates the backend does not know the model (404)
	ErrorTypeModelNotFound ErrorType = "model_not_found"
	// ErrorTypeBackendUnavailable indicates transport failure or timeout towards the backend (503)
	ErrorTypeBackendUnavailable ErrorType = "backend_unavailable"
	// ErrorTypeInternal indicates an unclassified fault (500)
	ErrorTypeInternal ErrorType = "internal"
)

// GatewayError is the error type every failure is converted to before it
// reaches a client.
type GatewayError struct {
	Type       ErrorType `json:"type"`
	Message    string    `json:"message"`
	StatusCode int       `json:"status_code"`
	Backend    string    `json:"backend,omitempty"`
	// Original error for debugging (not exposed to clients)
	Err error `json:"-"`
}

// Error implements the error interface
func (e *GatewayError) Error() string {
	if e.Backend != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Backend, e.Type, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap implements the error unwrapping interface
func (e *GatewayError) Unwrap() error {
	return e.Err
}

// HTTPStatusCode returns the appropriate HTTP status code for this error
func (e *GatewayError) HTTPStatusCode() int {
	if e.StatusCode != 0 {
		return e.StatusCode
	}
	return StatusForType(e.Type)
}

// StatusForType maps an error type to its HTTP status code.
func StatusForType(t ErrorType) int {
	switch t {
	case ErrorTypeInvalidRequest:
		return http.StatusBadRequest
	case ErrorTypeModelNotFound:
		return http.StatusNotFound
	case ErrorTypeBackendUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ErrorEnvelope is the wire shape of an error response body.
type ErrorEnvelope struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail is the inner object of ErrorEnvelope.
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

// ToJSON converts the error to its wire envelope
func (e *GatewayError) ToJSON() ErrorEnvelope {
	return ErrorEnvelope{
		Error: ErrorDetail{
			Message: e.Message,
			Type:    string(e.Type),
			Code:    string(e.Type),
		},
	}
}

// NewInvalidRequestError creates a new invalid request error (400)
func NewInvalidRequestError(message string, err error) *GatewayError {
	return &GatewayError{
		Type:       ErrorTypeInvalidRequest,
		Message:    message,
		StatusCode: http.StatusBadRequest,
		Err:        err,
	}
}

// NewModelNotFoundError creates a new model not found error (404)
func NewModelNotFoundError(backend, model string) *GatewayError {
	return &GatewayError{
		Type:       ErrorTypeModelNotFound,
		Message:    fmt.Sprintf("model %q not found", model),
		StatusCode: http.StatusNotFound,
		Backend:    backend,
	}
}

// NewBackendUnavailableError creates a new backend unavailable error (503)
func NewBackendUnavailableError(backend, message string, err error) *GatewayError {
	return &GatewayError{
		Type:       ErrorTypeBackendUnavailable,
		Message:    message,
		StatusCode: http.StatusServiceUnavailable,
		Backend:    backend,
		Err:        err,
	}
}

// NewInternalError creates a new internal error (500)
func NewInternalError(message string, err error) *GatewayError {
	return &GatewayError{
		Type:       ErrorTypeInternal,
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Err:        err,
	}
}

// ParseBackendError classifies a non-2xx backend response.
// Both the OpenAI envelope {"error":{"message":..}} and Ollama's flat
// {"error":"..."} are understood.
func ParseBackendError(backend string, statusCode int, body []byte, model string) *GatewayError {
	message := extractErrorMessage(body)
	if message == "" {
		message = fmt.Sprintf("backend returned status %d", statusCode)
	}

	switch {
	case statusCode >= 400 && statusCode < 500 && mentionsMissingModel(message):
		err := NewModelNotFoundError(backend, model)
		if model == "" {
			err.Message = message
		}
		return err
	case statusCode == http.StatusNotFound:
		// A 404 that is not about a model means the base URL points at the wrong place.
		return NewBackendUnavailableError(backend, "backend endpoint not found: "+message, nil)
	case statusCode == http.StatusTooManyRequests || statusCode >= 500:
		return NewBackendUnavailableError(backend, message, nil)
	case statusCode >= 400 && statusCode < 500:
		return &GatewayError{
			Type:       ErrorTypeInvalidRequest,
			Message:    message,
			StatusCode: http.StatusBadRequest,
			Backend:    backend,
		}
	default:
		return &GatewayError{
			Type:       ErrorTypeInternal,
			Message:    message,
			StatusCode: http.StatusInternalServerError,
			Backend:    backend,
		}
	}
}

func extractErrorMessage(body []byte) string {
	if !gjson.ValidBytes(body) {
		return strings.TrimSpace(string(body))
	}
	if msg := gjson.GetBytes(body, "error.message"); msg.Exists() {
		return msg.String()
	}
	if msg := gjson.GetBytes(body, "error"); msg.Type == gjson.String {
		return msg.String()
	}
	if msg := gjson.GetBytes(body, "message"); msg.Type == gjson.String {
		return msg.String()
	}
	return ""
}

func mentionsMissingModel(message string) bool {
	lower := strings.ToLower(message)
	return strings.Contains(lower, "model") && (strings.Contains(lower, "not found") || strings.Contains(lower, "does not exist"))
}

// Translate maps any failure to the error envelope sent to clients.
func Translate(err error) *GatewayError {
	if err == nil {
		return nil
	}

	var gatewayErr *GatewayError
	if errors.As(err, &gatewayErr) {
		return gatewayErr
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return NewBackendUnavailableError("", "backend timed out", err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.ErrUnexpectedEOF) {
		return NewBackendUnavailableError("", "backend connection failed: "+err.Error(), err)
	}

	return NewInternalError("internal server error", err)
}
