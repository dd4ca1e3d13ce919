// Package proxy implements the OpenAI-compatible bridge in front of the
// Vertex AI OpenAPI endpoint: request dispatch, credential injection,
// streaming relay, and model listing.
package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	log "github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/crypto/acme/autocert"

	"github.com/zetaloop/simple-vertex-bridge/pkg/cache"
	"github.com/zetaloop/simple-vertex-bridge/pkg/config"
	"github.com/zetaloop/simple-vertex-bridge/pkg/credential"
	"github.com/zetaloop/simple-vertex-bridge/pkg/logutil"
)

type Server struct {
	cfg        config.Config
	tokens     *credential.Refresher
	upstream   *Upstream
	catalog    *cache.TTLMap[string, []ModelCard]
	router     chi.Router
	httpServer *http.Server
	logger     *log.Logger

	activeRequests atomic.Int64
	draining       atomic.Bool
}

func NewServer(cfg config.Config, tokens *credential.Refresher, upstream *Upstream) *Server {
	s := &Server{
		cfg:      cfg,
		tokens:   tokens,
		upstream: upstream,
		catalog:  cache.New[string, []ModelCard](),
		logger:   logutil.Component("proxy"),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.lifecycleMiddleware)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, "Hello, this is Simple Vertex Bridge! UwU")
	})
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// The v1 prefix is optional: both surfaces route identically.
	mount := func(api chi.Router) {
		api.Use(s.authMiddleware)
		api.Get("/models", s.handleModels)
		api.Post("/chat/completions", s.handleChatCompletions)
	}
	r.Group(mount)
	r.Route("/v1", mount)
	s.router = r

	s.httpServer = &http.Server{
		Addr:              cfg.Addr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

// Handler exposes the router for in-process tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 2)

	if s.cfg.TLSEnabled() {
		mgr := &autocert.Manager{
			Cache:      autocert.DirCache(s.cfg.TLS.CacheDir),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(s.cfg.TLS.Domain),
			Email:      s.cfg.TLS.Email,
		}
		httpsSrv := *s.httpServer
		httpsSrv.Addr = ":443"
		httpsSrv.TLSConfig = &tls.Config{GetCertificate: mgr.GetCertificate, MinVersion: tls.VersionTLS12}
		challenge := &http.Server{
			Addr:              ":80",
			Handler:           mgr.HTTPHandler(http.HandlerFunc(redirectHTTPS)),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			s.logger.Info("http challenge/redirect listening", "addr", ":80")
			if err := challenge.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("http challenge server: %w", err)
			}
		}()
		go func() {
			s.logger.Info("https listening", "addr", ":443", "domain", s.cfg.TLS.Domain)
			if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("https server: %w", err)
			}
		}()
		<-ctx.Done()
		s.shutdown(&httpsSrv, challenge)
		return firstErr(errCh)
	}

	go func() {
		s.logger.Info("listening", "addr", s.cfg.Addr())
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	<-ctx.Done()
	s.shutdown(s.httpServer)
	return firstErr(errCh)
}

func (s *Server) shutdown(servers ...*http.Server) {
	s.draining.Store(true)
	// Release any request still blocked on credential resolution.
	s.tokens.Close()
	s.waitForIdle()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, srv := range servers {
		_ = srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) waitForIdle() {
	deadline := time.Now().Add(30 * time.Second)
	t := time.NewTicker(100 * time.Millisecond)
	defer t.Stop()
	lastLog := time.Time{}
	for {
		active := s.activeRequests.Load()
		if active <= 0 {
			s.logger.Info("shutdown: proxy idle")
			return
		}
		if time.Now().After(deadline) {
			s.logger.Warn("shutdown: abandoning active requests", "active", active)
			return
		}
		if lastLog.IsZero() || time.Since(lastLog) >= time.Second {
			s.logger.Info("shutdown: waiting for active requests", "active", active)
			lastLog = time.Now()
		}
		<-t.C
	}
}

func redirectHTTPS(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "https://"+r.Host+r.RequestURI, http.StatusMovedPermanently)
}

func isProxyPath(p string) bool {
	switch p {
	case "/models", "/v1/models", "/chat/completions", "/v1/chat/completions":
		return true
	}
	return false
}

func (s *Server) lifecycleMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isProxyPath(r.URL.Path) {
			if s.draining.Load() {
				w.Header().Set("Retry-After", "3")
				writeError(w, http.StatusServiceUnavailable, errTypeShuttingDown, "server shutting down")
				return
			}
			s.activeRequests.Add(1)
			defer s.activeRequests.Add(-1)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start).Round(time.Millisecond))
	})
}

func (s *Server) writeTokenError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, credential.ErrShuttingDown):
		writeError(w, http.StatusServiceUnavailable, errTypeShuttingDown, "server shutting down")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// Caller is gone; nothing useful to write.
	default:
		s.logger.Error("no valid token for request", "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, errTypeCredentialUnavailable, "failed to obtain token")
	}
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	token, err := s.tokens.Token(r.Context())
	if err != nil {
		s.writeTokenError(w, r, err)
		return
	}
	cards := s.discoverModels(r.Context(), token)
	fetched := len(cards)
	if s.cfg.FilterModelNames {
		cards = FilterChatModels(cards)
	}
	s.logger.Info("models listed", "returned", len(cards), "fetched", fetched)
	writeJSON(w, http.StatusOK, modelList{Object: "list", Data: cards})
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, errTypeBadRequest, "failed to read request body")
		return
	}
	defer r.Body.Close()

	stream, err := validateChatRequest(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, errTypeBadRequest, err.Error())
		return
	}
	token, err := s.tokens.Token(r.Context())
	if err != nil {
		s.writeTokenError(w, r, err)
		return
	}

	target := s.upstream.ChatURL(r.URL.RawQuery)
	header := sanitizeProxyHeaders(r.Header)
	s.logger.Debug("forwarding chat completion", "target", target, "stream", stream)

	if stream {
		s.relayStream(w, r, target, header, body, token)
		return
	}

	status, respHeader, respBody, err := s.upstream.Exchange(r.Context(), http.MethodPost, target, header, body, token)
	if err != nil {
		if r.Context().Err() == nil {
			s.logger.Error("upstream exchange failed", "err", err)
			writeError(w, http.StatusBadGateway, errTypeUpstreamUnavailable, "upstream unavailable")
		}
		return
	}
	copyResponseHeaders(w, respHeader)
	w.WriteHeader(status)
	_, _ = w.Write(respBody)
}

// relayStream forwards the upstream body chunk by chunk in arrival order,
// flushing after every chunk so clients see tokens as they are produced.
func (s *Server) relayStream(w http.ResponseWriter, r *http.Request, target string, header http.Header, body []byte, token string) {
	resp, err := s.upstream.Send(r.Context(), http.MethodPost, target, header, body, token)
	if err != nil {
		if r.Context().Err() == nil {
			s.logger.Error("upstream send failed", "err", err)
			writeError(w, http.StatusBadGateway, errTypeUpstreamUnavailable, "upstream unavailable")
		}
		return
	}
	defer resp.Body.Close()

	copyResponseHeaders(w, resp.Header)
	w.WriteHeader(resp.StatusCode)
	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}
	isSSE := strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream")

	buf := make([]byte, 32*1024)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				// Client went away; abandon the upstream exchange.
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) || r.Context().Err() != nil {
				return
			}
			s.logger.Error("upstream stream failed mid-relay", "err", readErr)
			if isSSE {
				_, _ = w.Write(streamErrorEvent(errTypeUpstreamUnavailable, "upstream connection lost"))
				if flusher != nil {
					flusher.Flush()
				}
			}
			return
		}
	}
}

func firstErr(ch <-chan error) error {
	select {
	case err := <-ch:
		return err
	default:
		return nil
	}
}
