// Package respond writes JSON response envelopes.
package respond

import (
	"encoding/json"
	"net/http"
)

// Problem is the failure payload: a kind the caller can act on, a stable
// code, a message and the identifiers involved.
type Problem struct {
	Kind    string `json:"kind"`
	Code    string `json:"code"`
	Message string `json:"message"`
	BookID  string `json:"book_id,omitempty"`
	UserID  string `json:"user_id,omitempty"`
}

// JSON writes v with the given status.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Error writes {"error": p} with the given status.
func Error(w http.ResponseWriter, status int, p Problem) {
	JSON(w, status, struct {
		Error Problem `json:"error"`
	}{Error: p})
}
