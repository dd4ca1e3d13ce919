package proxy

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

func bearerToken(h http.Header) string {
	auth := h.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// authMiddleware enforces the configured API key. An empty key accepts any
// caller; the caller-supplied key is never forwarded upstream either way.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := s.cfg.Key
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}
		supplied := bearerToken(r.Header)
		if supplied == "" {
			s.logger.Warn("missing or malformed Authorization header")
			writeError(w, http.StatusUnauthorized, errTypeUnauthorized, "missing or invalid Authorization header")
			return
		}
		if subtle.ConstantTimeCompare([]byte(supplied), []byte(key)) != 1 {
			s.logger.Warn("invalid API key")
			writeError(w, http.StatusUnauthorized, errTypeUnauthorized, "invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}
