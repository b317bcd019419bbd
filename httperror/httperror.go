// Package httperror simplifies returning an error as JSON from an HTTP handler
package httperror

import (
	"encoding/json"
	"net/http"
)

type jsonError struct {
	Status int    `json:"status"`
	Error  string `json:"error"`
}

func Send(w http.ResponseWriter, _ *http.Request, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	m := jsonError{Status: status, Error: message}
	_ = json.NewEncoder(w).Encode(m)
}
