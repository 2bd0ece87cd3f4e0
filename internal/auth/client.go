// Package auth implements the HTTP client for the external authorization
// service. Verdicts are cached in a W-TinyLFU cache keyed by the request
// tuple, so a hot credential costs one live auth call per TTL window.
package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"time"

	"github.com/maypok86/otter/v2"

	warden "github.com/eugener/warden/internal"
	"github.com/eugener/warden/internal/config"
)

// maxDenialBody caps how much of a denial response is retained and relayed.
const maxDenialBody = 64 << 10

// cacheEntry is a cached auth verdict: either a response or a denial.
type cacheEntry struct {
	resp   *warden.AuthResponse
	denied *warden.AuthDeniedError
}

// Counter is the subset of a metrics counter the client bumps.
type Counter interface{ Inc() }

// Client queries the configured auth endpoints.
type Client struct {
	urls          []*url.URL
	httpc         *http.Client
	cache         *otter.Cache[string, cacheEntry]
	cacheFailures bool
	hits, misses  Counter

	// pick selects an endpoint index; replaced in tests.
	pick func(n int) int
}

// New creates a Client from config. The HTTP client enforces the configured
// per-call timeout.
func New(cfg config.AuthConfig) (*Client, error) {
	if len(cfg.URLs) == 0 {
		return nil, fmt.Errorf("no auth urls configured")
	}
	urls := make([]*url.URL, len(cfg.URLs))
	for i, raw := range cfg.URLs {
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("parse auth url %q: %w", raw, err)
		}
		urls[i] = u
	}

	c := &Client{
		urls: urls,
		httpc: &http.Client{
			Timeout: cfg.Timeout(),
		},
		cacheFailures: cfg.Cache.CacheFailures,
		pick:          rand.IntN,
	}

	if cfg.Cache.IsEnabled() {
		cache, err := otter.New(&otter.Options[string, cacheEntry]{
			MaximumSize:      cfg.Cache.MaxSize,
			ExpiryCalculator: otter.ExpiryWriting[string, cacheEntry](cfg.Cache.TTL()),
		})
		if err != nil {
			return nil, fmt.Errorf("create auth cache: %w", err)
		}
		c.cache = cache
	}
	return c, nil
}

// InstrumentCache attaches hit/miss counters to the verdict cache.
func (c *Client) InstrumentCache(hits, misses Counter) {
	c.hits = hits
	c.misses = misses
}

// Authorize presents the request to the auth service and returns its verdict.
//
// A 2xx response is decoded into an AuthResponse; 3xx-5xx becomes an
// *warden.AuthDeniedError carrying the status and the verbatim body; bad
// JSON, timeouts and transport failures map to warden.ErrAuthTransport.
// Successful verdicts are cached; 4xx denials only when configured; 5xx and
// transport errors never.
func (c *Client) Authorize(ctx context.Context, req *warden.AuthRequest) (*warden.AuthResponse, error) {
	key := req.CacheKey()
	if c.cache != nil {
		if e, ok := c.cache.GetIfPresent(key); ok {
			if c.hits != nil {
				c.hits.Inc()
			}
			if e.denied != nil {
				return nil, e.denied
			}
			return e.resp, nil
		}
		if c.misses != nil {
			c.misses.Inc()
		}
	}

	resp, err := c.call(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 300 {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("%w: read body: %v", warden.ErrAuthTransport, err)
		}
		ar, err := warden.ParseAuthResponse(body)
		if err != nil {
			slog.Error("auth service returned malformed response", "error", err)
			return nil, fmt.Errorf("%w: %v", warden.ErrAuthTransport, err)
		}
		if c.cache != nil {
			c.cache.Set(key, cacheEntry{resp: ar})
		}
		return ar, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDenialBody))
	if err != nil {
		slog.Warn("failed to read auth denial body", "status", resp.StatusCode, "error", err)
		body = nil
	}
	denied := &warden.AuthDeniedError{
		Code:   resp.StatusCode,
		Phrase: http.StatusText(resp.StatusCode),
		Body:   body,
	}
	if resp.StatusCode >= 500 {
		slog.Error("auth service failure", "status", resp.StatusCode, "request", req.String())
	} else if c.cache != nil && c.cacheFailures {
		c.cache.Set(key, cacheEntry{denied: denied})
	}
	return nil, denied
}

// call issues the GET against one endpoint picked uniformly at random.
func (c *Client) call(ctx context.Context, req *warden.AuthRequest) (*http.Response, error) {
	target := *c.urls[c.pick(len(c.urls))]
	target.RawQuery = req.Query().Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", warden.ErrAuthTransport, err)
	}

	start := time.Now()
	resp, err := c.httpc.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		slog.Error("auth service unreachable",
			"url", target.Scheme+"://"+target.Host+target.Path,
			"error", err,
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
		return nil, fmt.Errorf("%w: %v", warden.ErrAuthTransport, err)
	}
	return resp, nil
}
