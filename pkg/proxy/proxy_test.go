package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/zetaloop/simple-vertex-bridge/pkg/config"
	"github.com/zetaloop/simple-vertex-bridge/pkg/credential"
)

// staticSource hands out a fixed long-lived token so proxy tests never
// touch real application default credentials.
type staticSource struct {
	token string
}

func (s staticSource) Acquire(context.Context) (credential.Credential, error) {
	return credential.Credential{Token: s.token, ExpiresAt: time.Now().Add(time.Hour)}, nil
}

type failingSource struct{}

func (failingSource) Acquire(context.Context) (credential.Credential, error) {
	return credential.Credential{}, errors.New("no adc available")
}

const testUpstreamToken = "vertex-token"

// newTestServer wires a Server to a fake Vertex endpoint. The returned
// server routes through the real middleware chain via Handler().
func newTestServer(t *testing.T, key string, filter bool, upstream http.Handler) *Server {
	t.Helper()
	return newTestServerWithSource(t, key, filter, staticSource{token: testUpstreamToken}, upstream)
}

func newTestServerWithSource(t *testing.T, key string, filter bool, source credential.Source, upstream http.Handler) *Server {
	t.Helper()
	up := httptest.NewServer(upstream)
	t.Cleanup(up.Close)

	u := NewUpstream("us-central1", "test-project")
	u.baseURL = up.URL

	cfg := *config.New()
	cfg.Key = key
	cfg.FilterModelNames = filter

	tokens := credential.NewRefresher(credential.NewStore(), source, nil)
	t.Cleanup(tokens.Close)
	return NewServer(cfg, tokens, u)
}

// fakeVertex serves the publisher model catalogs and a canned chat
// completion the way the aiplatform endpoint shapes them.
func fakeVertex(t *testing.T) http.Handler {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v1beta1/publishers/", func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
		if len(parts) != 4 || parts[3] != "models" {
			http.NotFound(w, r)
			return
		}
		publisher := parts[2]
		models, ok := map[string][]string{
			"google":    {"gemini-pro", "gemini-flash", "imagen-3"},
			"anthropic": {"claude-sonnet"},
			"meta":      {"llama-3"},
		}[publisher]
		if !ok {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, http.StatusOK, publisherCatalog(publisher, models...))
	})
	mux.HandleFunc("/v1/projects/test-project/locations/us-central1/endpoints/openapi/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"cmpl-1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"hi"},"finish_reason":"stop"}]}`)
	})
	return mux
}

func publisherCatalog(publisher string, models ...string) map[string]any {
	entries := make([]map[string]string, 0, len(models))
	for _, m := range models {
		entries = append(entries, map[string]string{
			"name": fmt.Sprintf("publishers/%s/models/%s", publisher, m),
		})
	}
	return map[string]any{"publisherModels": entries}
}

func decodeErrorBody(t *testing.T, body []byte) errorDetail {
	t.Helper()
	var parsed errorBody
	if err := json.Unmarshal(body, &parsed); err != nil {
		t.Fatalf("response is not an error body: %v\n%s", err, body)
	}
	return parsed.Error
}

func doRequest(t *testing.T, s *Server, method, path, auth string, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}
