package httpapi

import (
	"encoding/json"
	"net/http"

	"inferd/internal/infer"
	"inferd/internal/orchestrator"
	"inferd/pkg/types"
)

// HTTPError allows services to provide an HTTP status code for an error.
type HTTPError interface {
	error
	StatusCode() int
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: msg, Code: status})
}

// statusFor maps domain errors to HTTP status codes: missing things to 404,
// backpressure to 429, build/installation gaps to 503, upstream failures to
// 502/504, everything else 500.
func statusFor(err error) int {
	switch {
	case infer.IsModelNotFound(err), infer.IsNotLoaded(err),
		infer.IsSessionNotFound(err), orchestrator.IsInstanceNotFound(err):
		return http.StatusNotFound
	case infer.IsBusy(err):
		return http.StatusTooManyRequests
	case infer.IsRuntimeUnavailable(err), orchestrator.IsConfigError(err),
		orchestrator.IsPortExhausted(err):
		return http.StatusServiceUnavailable
	case orchestrator.IsStartupTimeout(err):
		return http.StatusGatewayTimeout
	case orchestrator.IsTransportError(err):
		return http.StatusBadGateway
	}
	if he, ok := err.(HTTPError); ok {
		return he.StatusCode()
	}
	return http.StatusInternalServerError
}

// writeDomainError maps and writes one error, with backpressure accounting.
func writeDomainError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusTooManyRequests {
		IncrementBackpressure("model_queue")
	}
	writeJSONError(w, status, err.Error())
}
