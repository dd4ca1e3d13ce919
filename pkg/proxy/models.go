package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// There is no API to list publishers themselves; this set covers the ones
// with chat models behind the OpenAPI endpoint.
var publishers = []string{"google", "anthropic", "meta"}

const (
	publisherFetchAttempts = 3
	publisherRetryDelay    = 200 * time.Millisecond

	// The catalogs change rarely; memoizing them keeps repeated /models
	// calls from fanning out to the publisher API every time.
	catalogTTL = 5 * time.Minute
)

type ModelCard struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
}

type modelList struct {
	Object string      `json:"object"`
	Data   []ModelCard `json:"data"`
}

type publisherModelsResponse struct {
	PublisherModels []struct {
		Name string `json:"name"`
	} `json:"publisherModels"`
}

// ListPublisherModels fetches one publisher's catalog in OpenAI card
// shape, retrying transient transport errors a couple of times.
func (u *Upstream) ListPublisherModels(ctx context.Context, publisher, token string) ([]ModelCard, error) {
	var resp *http.Response
	var err error
	for attempt := 0; attempt < publisherFetchAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(publisherRetryDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		var req *http.Request
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, u.publisherModelsURL(publisher), nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("x-goog-user-project", u.project)
		resp, err = u.client.Do(req)
		if err == nil {
			break
		}
	}
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("publisher %s models status %d: %s", publisher, resp.StatusCode, strings.TrimSpace(string(b)))
	}
	var out publisherModelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode publisher %s models: %w", publisher, err)
	}
	cards := make([]ModelCard, 0, len(out.PublisherModels))
	for _, m := range out.PublisherModels {
		// Upstream names look like publishers/google/models/gemini-pro.
		parts := strings.Split(m.Name, "/")
		if len(parts) != 4 || parts[0] != "publishers" || parts[2] != "models" {
			continue
		}
		cards = append(cards, ModelCard{
			ID:      parts[1] + "/" + parts[3],
			Object:  "model",
			OwnedBy: parts[1],
		})
	}
	return cards, nil
}

// discoverModels fans out to every publisher concurrently, memoizing each
// catalog for a few minutes. A publisher that keeps failing falls back to
// its last known catalog, or is skipped with a warning rather than failing
// the whole listing.
func (s *Server) discoverModels(ctx context.Context, token string) []ModelCard {
	results := make([][]ModelCard, len(publishers))
	var g errgroup.Group
	for i, publisher := range publishers {
		g.Go(func() error {
			now := time.Now()
			if cards, ok := s.catalog.Get(publisher, now); ok {
				results[i] = cards
				return nil
			}
			cards, err := s.upstream.ListPublisherModels(ctx, publisher, token)
			if err != nil {
				if stale, ok := s.catalog.GetStale(publisher); ok {
					s.logger.Warn("serving stale publisher catalog", "publisher", publisher, "err", err)
					results[i] = stale
					return nil
				}
				s.logger.Warn("failed to fetch publisher models", "publisher", publisher, "err", err)
				return nil
			}
			s.catalog.Set(publisher, cards, now, catalogTTL)
			results[i] = cards
			return nil
		})
	}
	_ = g.Wait()
	all := make([]ModelCard, 0, 64)
	for _, cards := range results {
		all = append(all, cards...)
	}
	return all
}
