package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// errorBody is the envelope for every non-2xx response.
type errorBody struct {
	Error   string `json:"error"`
	Reason  string `json:"reason,omitempty"`
	TraceID string `json:"trace_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("response encode failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, errorBody{Error: code})
}

func writeBlocked(w http.ResponseWriter, reason string) {
	writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "rate_limited", Reason: reason})
}

func writeInternal(w http.ResponseWriter, traceID string) {
	writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal", TraceID: traceID})
}
