package proxy

import (
	"net/http"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/zetaloop/simple-vertex-bridge/pkg/config"
	"github.com/zetaloop/simple-vertex-bridge/pkg/credential"
)

func TestRootGreeting(t *testing.T) {
	s := newTestServer(t, "abc", true, fakeVertex(t))
	// The greeting and the health check sit outside the auth surface.
	rec := doRequest(t, s, http.MethodGet, "/", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Simple Vertex Bridge") {
		t.Fatalf("unexpected greeting: %s", rec.Body.String())
	}
	if rec := doRequest(t, s, http.MethodGet, "/healthz", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("healthz status = %d", rec.Code)
	}
}

func TestChatCompletionsRejectsInvalidBody(t *testing.T) {
	var upstreamHits atomic.Int32
	s := newTestServer(t, "", true, http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		upstreamHits.Add(1)
	}))
	cases := map[string]string{
		"empty body":    "",
		"not json":      "model=gemini",
		"json array":    `["model"]`,
		"missing model": `{"messages":[]}`,
		"blank model":   `{"model":"  "}`,
		"model number":  `{"model":42}`,
	}
	for name, body := range cases {
		rec := doRequest(t, s, http.MethodPost, "/chat/completions", "", body)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", name, rec.Code)
			continue
		}
		if detail := decodeErrorBody(t, rec.Body.Bytes()); detail.Type != errTypeBadRequest {
			t.Errorf("%s: error type = %q", name, detail.Type)
		}
	}
	if n := upstreamHits.Load(); n != 0 {
		t.Fatalf("invalid requests reached the upstream %d times", n)
	}
}

func TestChatCompletionsRelaysBufferedResponse(t *testing.T) {
	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Request-Cost", "3")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"id":"cmpl-9","object":"chat.completion"}`))
	})
	s := newTestServer(t, "", true, upstream)

	rec := doRequest(t, s, http.MethodPost, "/v1/chat/completions", "", `{"model":"google/gemini-pro","messages":[{"role":"user","content":"hi"}]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d\n%s", rec.Code, rec.Body.String())
	}
	if got := rec.Body.String(); got != `{"id":"cmpl-9","object":"chat.completion"}` {
		t.Fatalf("body = %q", got)
	}
	if got := rec.Header().Get("X-Request-Cost"); got != "3" {
		t.Fatalf("upstream header not relayed, X-Request-Cost = %q", got)
	}
}

func TestChatCompletionsRelaysUpstreamErrorStatus(t *testing.T) {
	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"quota exceeded","type":"rate_limit"}}`))
	})
	s := newTestServer(t, "", true, upstream)

	rec := doRequest(t, s, http.MethodPost, "/chat/completions", "", `{"model":"google/gemini-pro"}`)
	// Upstream HTTP errors pass through untouched, they are not 502s.
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "quota exceeded") {
		t.Fatalf("body = %q", rec.Body.String())
	}
}

func TestChatCompletionsUnreachableUpstream(t *testing.T) {
	u := NewUpstream("us-central1", "test-project")
	u.baseURL = "http://127.0.0.1:1" // nothing listens here
	tokens := credential.NewRefresher(credential.NewStore(), staticSource{token: testUpstreamToken}, nil)
	t.Cleanup(tokens.Close)
	s := NewServer(*config.New(), tokens, u)

	rec := doRequest(t, s, http.MethodPost, "/chat/completions", "", `{"model":"google/gemini-pro"}`)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
	if detail := decodeErrorBody(t, rec.Body.Bytes()); detail.Type != errTypeUpstreamUnavailable {
		t.Fatalf("error type = %q", detail.Type)
	}
}

func TestCredentialFailureIsInternalError(t *testing.T) {
	s := newTestServerWithSource(t, "", true, failingSource{}, fakeVertex(t))

	rec := doRequest(t, s, http.MethodPost, "/chat/completions", "", `{"model":"google/gemini-pro"}`)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	detail := decodeErrorBody(t, rec.Body.Bytes())
	if detail.Type != errTypeCredentialUnavailable {
		t.Fatalf("error type = %q", detail.Type)
	}
	if detail.Message != "failed to obtain token" {
		t.Fatalf("message = %q", detail.Message)
	}
}

func TestDrainingRejectsProxyRequests(t *testing.T) {
	s := newTestServer(t, "", true, fakeVertex(t))
	s.draining.Store(true)

	for _, path := range []string{"/models", "/v1/models", "/chat/completions", "/v1/chat/completions"} {
		method := http.MethodGet
		if strings.HasSuffix(path, "completions") {
			method = http.MethodPost
		}
		rec := doRequest(t, s, method, path, "", `{"model":"m"}`)
		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("%s: status = %d, want 503", path, rec.Code)
			continue
		}
		if rec.Header().Get("Retry-After") == "" {
			t.Errorf("%s: missing Retry-After", path)
		}
		if detail := decodeErrorBody(t, rec.Body.Bytes()); detail.Type != errTypeShuttingDown {
			t.Errorf("%s: error type = %q", path, detail.Type)
		}
	}
	// Health stays up through the drain.
	if rec := doRequest(t, s, http.MethodGet, "/healthz", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("healthz during drain: status = %d", rec.Code)
	}
}

func TestQueryStringForwarded(t *testing.T) {
	var sawQuery atomic.Value
	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawQuery.Store(r.URL.RawQuery)
		_, _ = w.Write([]byte(`{}`))
	})
	s := newTestServer(t, "", true, upstream)

	rec := doRequest(t, s, http.MethodPost, "/chat/completions?alt=sse&foo=1", "", `{"model":"m"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := sawQuery.Load(); got != "alt=sse&foo=1" {
		t.Fatalf("upstream query = %q", got)
	}
}
