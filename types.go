package tradesync

import "fmt"

// ============================================================================
// Shared Types
// ============================================================================

// APIError is the error body returned by the REST API.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// HTTPError reports a non-2xx response.
type HTTPError struct {
	StatusCode int
	Method     string
	Path       string
	API        *APIError
}

func (e *HTTPError) Error() string {
	if e.API != nil {
		return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.API.Error())
	}
	return fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.StatusCode)
}

// apiResponse is the envelope wrapping every REST payload.
type apiResponse[T any] struct {
	Success bool      `json:"success"`
	Data    T         `json:"data"`
	Error   *APIError `json:"error,omitempty"`
}
