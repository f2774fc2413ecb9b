package httpx

import (
	"encoding/json"
	"net/http"
)

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error   string   `json:"error"`
	Details []string `json:"details,omitempty"`
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func WriteError(w http.ResponseWriter, status int, msg string, details ...string) {
	WriteJSON(w, status, ErrorResponse{Error: msg, Details: details})
}

func InternalError(w http.ResponseWriter) {
	WriteError(w, http.StatusInternalServerError, "Internal server error.")
}
