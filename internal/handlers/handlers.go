// Package handlers holds the small set of JSON response helpers shared by
// the admin HTTP surface (internal/adminhttp). The raw-accept-loop C10
// surface builds its own responses byte-for-byte per spec §4.10 and does
// not use these.
package handlers

import (
	"encoding/json"
	"net/http"
	"time"
)

// WriteJSON writes data as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Service", "smc-viewer")
	w.Header().Set("X-Timestamp", time.Now().UTC().Format(time.RFC3339Nano))
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// ErrorResponse is a standard error response format.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Details string `json:"details,omitempty"`
}

// WriteError writes a standard error response.
func WriteError(w http.ResponseWriter, status int, code string, message string) {
	WriteJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}
