package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

const maxBufferedResponse = 16 << 20

// Upstream is the shared client for the Vertex AI endpoint. A single
// pooled transport carries every request so repeated calls skip the
// TLS handshake; on a transport failure the pool is reset once (serialized
// across concurrent observers) and the request retried.
type Upstream struct {
	location string
	project  string
	baseURL  string // overrides the aiplatform host, for tests
	client   *http.Client

	mu  sync.Mutex
	gen uint64
}

func NewUpstream(location, project string) *Upstream {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		ForceAttemptHTTP2:   true,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 16,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	return &Upstream{
		location: location,
		project:  project,
		// No overall client timeout: streaming responses are long-lived.
		client: &http.Client{Transport: transport},
	}
}

func (u *Upstream) host() string {
	if u.baseURL != "" {
		return u.baseURL
	}
	return "https://" + u.location + "-aiplatform.googleapis.com"
}

// ChatURL is the OpenAI-compatible Vertex chat endpoint, with the caller's
// query string carried over.
func (u *Upstream) ChatURL(rawQuery string) string {
	target := fmt.Sprintf("%s/v1/projects/%s/locations/%s/endpoints/openapi/chat/completions",
		u.host(), u.project, u.location)
	if rawQuery != "" {
		target += "?" + rawQuery
	}
	return target
}

func (u *Upstream) publisherModelsURL(publisher string) string {
	return fmt.Sprintf("%s/v1beta1/publishers/%s/models", u.host(), publisher)
}

func (u *Upstream) generation() uint64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.gen
}

// reset drops the pooled connections exactly once per observed failure
// generation: concurrent requests that all saw the same broken session
// share one reset instead of each tearing the pool down.
func (u *Upstream) reset(observed uint64) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if observed != u.gen {
		return
	}
	u.client.CloseIdleConnections()
	u.gen++
}

func (u *Upstream) attempt(ctx context.Context, method, target string, header http.Header, body []byte, token string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	for k, vals := range header {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return u.client.Do(req)
}

// Send issues the request, retrying once after a transport failure. The
// returned response body is the live stream; the caller drains it.
func (u *Upstream) Send(ctx context.Context, method, target string, header http.Header, body []byte, token string) (*http.Response, error) {
	gen := u.generation()
	resp, err := u.attempt(ctx, method, target, header, body, token)
	if err == nil {
		return resp, nil
	}
	if ctx.Err() != nil {
		return nil, err
	}
	u.reset(gen)
	resp, err = u.attempt(ctx, method, target, header, body, token)
	if err != nil {
		return nil, fmt.Errorf("upstream unavailable after retry: %w", err)
	}
	return resp, nil
}

// Exchange sends the request and buffers the whole response, used for
// non-streaming calls. A transport failure at any point before the body is
// fully read triggers the single retry, so a connection dropped mid-read
// is invisible to the caller when the retry succeeds.
func (u *Upstream) Exchange(ctx context.Context, method, target string, header http.Header, body []byte, token string) (int, http.Header, []byte, error) {
	var lastErr error
	for attempts := 0; attempts < 2; attempts++ {
		if attempts > 0 {
			if ctx.Err() != nil {
				return 0, nil, nil, lastErr
			}
		}
		gen := u.generation()
		resp, err := u.attempt(ctx, method, target, header, body, token)
		if err != nil {
			lastErr = err
			u.reset(gen)
			continue
		}
		respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxBufferedResponse))
		resp.Body.Close()
		if err != nil {
			lastErr = err
			u.reset(gen)
			continue
		}
		return resp.StatusCode, resp.Header.Clone(), respBody, nil
	}
	return 0, nil, nil, fmt.Errorf("upstream unavailable after retry: %w", lastErr)
}
