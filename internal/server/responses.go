package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// errorBody is the JSON shape of every engine-originated failure.
type errorBody struct {
	Error string `json:"error"`
}

// rateLimitedBody extends the error shape with the retry hint.
type rateLimitedBody struct {
	Error        string `json:"error"`
	RetrySeconds int64  `json:"retry_seconds"`
}

// jsonCT is a pre-allocated header value slice. Direct map assignment
// avoids the []string{v} alloc that Header.Set creates on every call.
var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
