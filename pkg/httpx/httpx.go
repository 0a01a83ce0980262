package httpx

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
)

func NewRequestID() string { return "req_" + uuid.NewString() }

// WriteJSON tags every response with an X-Request-Id so failed calls can be
// traced back through the audit trail.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json")
	w.Header().Set("X-Request-Id", NewRequestID())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteRaw replays an already-encoded JSON body, e.g. an idempotent response
// recorded on a previous attempt.
func WriteRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("content-type", "application/json")
	w.Header().Set("X-Request-Id", NewRequestID())
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func ReadJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// WriteError emits the stable error contract: a machine-readable code plus a
// human-readable errorMessage. Codes are part of the API and never change.
func WriteError(w http.ResponseWriter, status int, code, message string) {
	WriteJSON(w, status, map[string]any{
		"code":         code,
		"errorMessage": message,
	})
}
