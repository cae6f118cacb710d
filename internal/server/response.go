package server

import (
	"encoding/json"
	"net/http"
)

// APIResponse is the envelope every JSON endpoint returns.
type APIResponse struct {
	Success bool          `json:"success"`
	Data    any           `json:"data,omitempty"`
	Error   []ErrorDetail `json:"error,omitempty"`
}

// ErrorDetail contains error details.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes
const (
	ErrCodeInvalidRequest = "INVALID_REQUEST"
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeProviderError  = "PROVIDER_ERROR"
	ErrCodeSessionClosed  = "SESSION_CLOSED"
	ErrCodeInternalError  = "INTERNAL_ERROR"
)

// writeData writes a success response.
func writeData(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(APIResponse{Success: true, Data: data})
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(APIResponse{
		Success: false,
		Error:   []ErrorDetail{{Code: code, Message: message}},
	})
}
