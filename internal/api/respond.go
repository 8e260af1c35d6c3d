package api

import (
	"encoding/json"
	"net/http"

	"rental-queue/internal/common/errors"
)

type errorBody struct {
	Kind      string `json:"kind"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Details   string `json:"details,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// writeError renders any error in the queue's error envelope. Internal
// details are not echoed to clients.
func writeError(w http.ResponseWriter, err error) {
	std := errors.AsStandard(err)
	body := errorBody{
		Kind:      string(std.Kind),
		Code:      string(std.Code),
		Message:   std.Message,
		Details:   std.Details,
		Retryable: std.Retryable,
	}
	if std.Kind == errors.KindInternal {
		body.Details = ""
	}
	writeJSON(w, errors.HTTPStatus(std), errorEnvelope{Error: body})
}

func writeUnauthenticated(w http.ResponseWriter, details string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="rental-queue"`)
	writeJSON(w, http.StatusUnauthorized, errorEnvelope{Error: errorBody{
		Kind:    "authentication",
		Code:    "UNAUTHENTICATED",
		Message: "Authentication required",
		Details: details,
	}})
}

func writeRateLimited(w http.ResponseWriter) {
	writeJSON(w, http.StatusTooManyRequests, errorEnvelope{Error: errorBody{
		Kind:      "rate_limited",
		Code:      "RATE_LIMITED",
		Message:   "Too many requests, try again later",
		Retryable: true,
	}})
}
