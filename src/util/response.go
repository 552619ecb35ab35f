package util

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

type Envelope struct {
	Data      any        `json:"data,omitempty"`
	Error     *ErrorBody `json:"error,omitempty"`
	Success   bool       `json:"success"`
	Timestamp time.Time  `json:"timestamp"`
}

type ErrorBody struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
}

func WriteJSON(w http.ResponseWriter, status int, data any) {
	writeEnvelope(w, status, Envelope{Data: data, Success: true, Timestamp: time.Now().UTC()})
}

// WriteError maps err to its status and writes the error envelope. Internal
// errors are logged with their cause and answered with a generic message.
func WriteError(w http.ResponseWriter, logger *slog.Logger, err error) {
	kind := KindOf(err)
	status := HTTPStatus(kind)
	if status >= http.StatusInternalServerError && logger != nil {
		logger.Error("Request failed", "kind", kind, "error", err)
	}
	writeEnvelope(w, status, Envelope{
		Error:     &ErrorBody{Kind: kind, Message: PublicMessage(err)},
		Success:   false,
		Timestamp: time.Now().UTC(),
	})
}

func writeEnvelope(w http.ResponseWriter, status int, env Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(env)
}
