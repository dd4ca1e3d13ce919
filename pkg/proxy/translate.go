package proxy

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

const maxRequestBody = 8 << 20

// validateChatRequest checks the inbound OpenAI-shape completion body
// before anything reaches the upstream. The payload itself is forwarded
// unchanged; only the stream flag is extracted to pick the relay mode.
func validateChatRequest(body []byte) (stream bool, err error) {
	if len(body) == 0 {
		return false, errors.New("request body required")
	}
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return false, errors.New("request body must be a json object")
	}
	model, ok := payload["model"].(string)
	if !ok || strings.TrimSpace(model) == "" {
		return false, errors.New("model must be a non-empty string")
	}
	stream, _ = payload["stream"].(bool)
	return stream, nil
}

// sanitizeProxyHeaders copies the inbound headers for forwarding, dropping
// the hop-specific ones. Authorization is stripped here and replaced with
// the managed credential; the caller's key never travels upstream.
func sanitizeProxyHeaders(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vals := range h {
		switch strings.ToLower(k) {
		case "host", "authorization", "content-length":
			continue
		}
		for _, v := range vals {
			out.Add(k, v)
		}
	}
	return out
}

// copyResponseHeaders relays the upstream response headers. Content-Length
// is recomputed by the server for buffered replies and absent for chunked
// ones, so it is never copied.
func copyResponseHeaders(w http.ResponseWriter, h http.Header) {
	for k, vals := range h {
		if strings.EqualFold(k, "content-length") {
			continue
		}
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
}
