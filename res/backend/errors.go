package backend

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"homecare-api/res/booking"
)

// ErrorBody is the JSON error shape returned by the API.
type ErrorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// APIError is a non-2xx response. It unwraps to the booking sentinel that
// matches its code or, failing that, its HTTP status.
type APIError struct {
	Status  int
	Code    string
	Message string
	kind    error
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	return fmt.Sprintf("%s (status %d)", msg, e.Status)
}

func (e *APIError) Unwrap() error {
	return e.kind
}

func decodeError(status int, data []byte) *APIError {
	var body ErrorBody
	if err := json.Unmarshal(data, &body); err != nil || body.Error == "" {
		body.Error = strings.TrimSpace(string(data))
	}

	apiErr := &APIError{Status: status, Code: body.Code, Message: body.Error}
	if kind := booking.ErrorForCode(body.Code); kind != nil {
		apiErr.kind = kind
		return apiErr
	}

	switch {
	case status == http.StatusConflict:
		apiErr.kind = booking.ErrStaleTransition
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		apiErr.kind = booking.ErrUnauthorized
	case status == http.StatusRequestTimeout, status == http.StatusGatewayTimeout:
		apiErr.kind = booking.ErrTimeout
	case status >= 500, status == http.StatusTooManyRequests:
		apiErr.kind = booking.ErrNetwork
	default:
		apiErr.kind = booking.ErrValidation
	}
	return apiErr
}
