package proxy

import (
	"encoding/json"
	"net/http"
)

// Error types exposed in the OpenAI-compatible error body. Each maps to a
// fixed HTTP status.
const (
	errTypeUnauthorized          = "unauthorized"
	errTypeBadRequest            = "bad_request"
	errTypeCredentialUnavailable = "credential_unavailable"
	errTypeUpstreamUnavailable   = "upstream_unavailable"
	errTypeShuttingDown          = "shutting_down"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

func writeError(w http.ResponseWriter, status int, errType, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: errorDetail{Message: message, Type: errType}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// streamErrorEvent is the terminal SSE event emitted when the upstream
// fails after the response has started, so clients see an explicit error
// instead of a silently truncated stream.
func streamErrorEvent(errType, message string) []byte {
	b, _ := json.Marshal(errorBody{Error: errorDetail{Message: message, Type: errType}})
	return append(append([]byte("data: "), b...), '\n', '\n')
}
