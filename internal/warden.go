// Package warden defines domain types and errors for the warden proxy.
// This package has no project imports -- it is the dependency root.
package warden

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// --- Rates ---

// Period is a named rate-limit window.
type Period string

// Recognized rate periods, ordered from shortest to longest.
const (
	PeriodSecond Period = "second"
	PeriodMinute Period = "minute"
	PeriodHour   Period = "hour"
	PeriodDay    Period = "day"
)

// Seconds returns the period length in seconds, or 0 for an unknown period.
func (p Period) Seconds() int64 {
	switch p {
	case PeriodSecond:
		return 1
	case PeriodMinute:
		return 60
	case PeriodHour:
		return 3600
	case PeriodDay:
		return 86400
	}
	return 0
}

// Valid reports whether p is one of the recognized periods.
func (p Period) Valid() bool {
	return p.Seconds() > 0
}

// Rate is a quota: at most Value hits per Period.
type Rate struct {
	Value  int64  `json:"value"`
	Period Period `json:"period"`
}

// Validate checks that the rate has a positive value and a known period.
func (r Rate) Validate() error {
	if r.Value < 1 {
		return fmt.Errorf("rate value must be >= 1, got %d", r.Value)
	}
	if !r.Period.Valid() {
		return fmt.Errorf("unsupported rate period: %q", r.Period)
	}
	return nil
}

// Less orders rates by period length. Two rates with equal periods are
// considered equal regardless of value.
func (r Rate) Less(other Rate) bool {
	return r.Period.Seconds() < other.Period.Seconds()
}

// --- Auth service response model ---

// Token identifies a caller for counter keying, with its own quotas.
// Rates may be empty.
type Token struct {
	ID    string `json:"id"`
	Rates []Rate `json:"rates,omitempty"`
}

// Upstream is an origin server candidate with its own quotas and extra
// headers to inject into the proxied request.
type Upstream struct {
	URL     string            `json:"url"`
	Rates   []Rate            `json:"rates,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`

	// target caches the parsed URL; populated by Validate.
	target *url.URL
}

// Validate parses the upstream URL and checks its rates.
func (u *Upstream) Validate() error {
	parsed, err := url.Parse(u.URL)
	if err != nil {
		return fmt.Errorf("parse upstream url %q: %w", u.URL, err)
	}
	if parsed.Host == "" {
		return fmt.Errorf("upstream url %q has no host", u.URL)
	}
	for _, r := range u.Rates {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("upstream %q: %w", u.URL, err)
		}
	}
	u.target = parsed
	return nil
}

// Target returns the parsed upstream URL. Validate must have succeeded.
func (u *Upstream) Target() *url.URL {
	if u.target == nil {
		u.target, _ = url.Parse(u.URL)
	}
	return u.target
}

// Host returns the host (without port) of the upstream URL.
func (u *Upstream) Host() string {
	return u.Target().Hostname()
}

// Port returns the port of the upstream URL, defaulting to 80.
func (u *Upstream) Port() string {
	if p := u.Target().Port(); p != "" {
		return p
	}
	return "80"
}

// RequestURI returns the path and query forwarded to the origin as the
// request-URI.
func (u *Upstream) RequestURI() string {
	return u.Target().RequestURI()
}

// AuthResponse is the auth service's verdict for a presented credential:
// who the caller is (tokens), where the request may go (upstreams), and
// which headers to inject.
type AuthResponse struct {
	Tokens    []Token           `json:"tokens"`
	Upstreams []Upstream        `json:"upstreams"`
	Headers   map[string]string `json:"headers,omitempty"`
}

// Validate enforces the response invariants: at least one token, at least
// one upstream, all rates well formed, all upstream URLs parseable.
func (a *AuthResponse) Validate() error {
	if len(a.Tokens) == 0 {
		return fmt.Errorf("at least one token is required")
	}
	if len(a.Upstreams) == 0 {
		return fmt.Errorf("at least one upstream is required")
	}
	for _, t := range a.Tokens {
		if t.ID == "" {
			return fmt.Errorf("token id must not be empty")
		}
		for _, r := range t.Rates {
			if err := r.Validate(); err != nil {
				return fmt.Errorf("token %q: %w", t.ID, err)
			}
		}
	}
	for i := range a.Upstreams {
		if err := a.Upstreams[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}

// ParseAuthResponse decodes and validates an auth service response body.
func ParseAuthResponse(data []byte) (*AuthResponse, error) {
	var a AuthResponse
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("decode auth response: %w", err)
	}
	if err := a.Validate(); err != nil {
		return nil, fmt.Errorf("invalid auth response: %w", err)
	}
	return &a, nil
}

// --- Auth service request model ---

// AuthRequest carries the request attributes presented to the auth service.
type AuthRequest struct {
	Username string
	Password string
	Protocol string
	Method   string
	URL      string
	Length   int64
	IP       string
}

// Query encodes the request as auth-service query parameters.
func (r *AuthRequest) Query() url.Values {
	v := url.Values{}
	v.Set("username", r.Username)
	v.Set("password", r.Password)
	v.Set("protocol", r.Protocol)
	v.Set("method", r.Method)
	v.Set("url", r.URL)
	v.Set("length", strconv.FormatInt(r.Length, 10))
	v.Set("ip", r.IP)
	return v
}

// CacheKey returns the tuple key used for auth response caching. The client
// IP is deliberately excluded so a caller keeps its cached verdict across
// connections.
func (r *AuthRequest) CacheKey() string {
	return strings.Join([]string{
		r.Username, r.Password, r.Protocol, r.Method, r.URL,
		strconv.FormatInt(r.Length, 10),
	}, " ")
}

func (r *AuthRequest) String() string {
	return fmt.Sprintf("AuthRequest(username=%s, method=%s, url=%s, length=%d, ip=%s)",
		r.Username, r.Method, r.URL, r.Length, r.IP)
}

// --- Request context ---

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
type requestMeta struct {
	RequestID string
}

func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: id})
}
