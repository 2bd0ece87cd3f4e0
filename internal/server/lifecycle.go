package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/tidwall/gjson"

	warden "github.com/eugener/warden/internal"
	"github.com/eugener/warden/internal/telemetry"
)

const retryInSecondsHeader = "X-Retry-In-Seconds"

// bodyResult is the outcome of buffering the request body.
type bodyResult struct {
	data []byte
	err  error
}

// handleProxy drives the per-request lifecycle: authorize, throttle/select
// upstream, forward. The request body is buffered concurrently with the
// first two stages, so a slow client upload never delays authorization and
// a slow auth service never blocks body receipt. Exactly one response is
// written per request.
func (s *server) handleProxy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tracer := telemetry.Tracer("warden/server")

	username, password, ok := r.BasicAuth()
	if !ok {
		s.countReject("no_credentials")
		w.Header().Set("WWW-Authenticate", `Basic realm="`+s.deps.Realm+`"`)
		// The body has not been consumed; close so unread bytes cannot
		// desync a kept-alive connection.
		w.Header().Set("Connection", "close")
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	// Buffer the body while auth and throttling run.
	bodyCh := make(chan bodyResult, 1)
	go func() {
		data, err := io.ReadAll(r.Body)
		bodyCh <- bodyResult{data: data, err: err}
	}()

	authReq := &warden.AuthRequest{
		Username: username,
		Password: password,
		Protocol: r.Proto,
		Method:   r.Method,
		URL:      r.RequestURI,
		Length:   max(r.ContentLength, 0),
		IP:       clientIP(r),
	}

	authCtx, authSpan := tracer.Start(ctx, "authorize")
	authStart := time.Now()
	ar, err := s.deps.Auth.Authorize(authCtx, authReq)
	if s.deps.Metrics != nil {
		s.deps.Metrics.AuthDuration.Observe(time.Since(authStart).Seconds())
	}
	authSpan.End()
	if err != nil {
		s.rejectAuth(w, r, authReq, err)
		return
	}

	routeCtx, routeSpan := tracer.Start(ctx, "select_upstream")
	upstream, err := s.deps.Engine.Select(routeCtx, ar)
	routeSpan.End()
	if err != nil {
		s.rejectRoute(w, r, authReq, err)
		return
	}

	headers := mergeHeaders(r.Header, ar.Headers, upstream.Headers)

	body := <-bodyCh
	if body.err != nil {
		// Client went away or sent a broken body; nothing to forward.
		slog.Warn("failed to receive request body", "error", body.err,
			"request_id", warden.RequestIDFromContext(ctx))
		w.Header().Set("Connection", "close")
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	fwdCtx, fwdSpan := tracer.Start(ctx, "forward")
	fwdStart := time.Now()
	err = s.deps.Forwarder.Forward(fwdCtx, w, r.Method, r.Proto, r.Host, headers, body.data, upstream)
	fwdSpan.End()
	if s.deps.Metrics != nil {
		s.deps.Metrics.UpstreamDuration.Observe(time.Since(fwdStart).Seconds())
	}
	if err != nil {
		if errors.Is(err, warden.ErrUpstreamUnreachable) {
			s.countReject("upstream_unreachable")
			if s.deps.Metrics != nil {
				s.deps.Metrics.UpstreamErrors.Inc()
			}
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		return
	}
}

// rejectAuth terminates the request after a failed authorization stage.
func (s *server) rejectAuth(w http.ResponseWriter, r *http.Request, authReq *warden.AuthRequest, err error) {
	var denied *warden.AuthDeniedError
	switch {
	case errors.As(err, &denied):
		s.countReject("auth_denied")
		// Surface the service's own reason when it sent a JSON message.
		reason := gjson.GetBytes(denied.Body, "message").String()
		if reason == "" {
			reason = denied.Phrase
		}
		slog.Info("authorization denied", "status", denied.Code, "reason", reason,
			"request", authReq.String())
		s.reject(w, r, denied.Code, errorBody{Error: denied.Reason()})

	case errors.Is(err, context.Canceled):
		// Client went away; no response will be read.

	default:
		s.countReject("auth_transport")
		slog.Error("authorization failed", "error", err, "request", authReq.String())
		s.reject(w, r, http.StatusInternalServerError, errorBody{Error: "internal server error"})
	}
}

// rejectRoute terminates the request after the rate engine refused it.
func (s *server) rejectRoute(w http.ResponseWriter, r *http.Request, authReq *warden.AuthRequest, err error) {
	var limited *warden.RateLimitedError
	if errors.As(err, &limited) {
		s.countReject("rate_limited")
		slog.Info("rate limiting", "retry_seconds", limited.RetrySeconds, "request", authReq.String())
		retry := strconv.FormatInt(limited.RetrySeconds, 10)
		w.Header().Set("Retry-After", retry)
		w.Header().Set(retryInSecondsHeader, retry)
		s.reject(w, r, http.StatusTooManyRequests, rateLimitedBody{
			Error:        fmt.Sprintf("Rate limit reached. Retry in %d second(s)", limited.RetrySeconds),
			RetrySeconds: limited.RetrySeconds,
		})
		return
	}

	s.countReject("internal")
	slog.Error("upstream selection failed", "error", err, "request", authReq.String())
	s.reject(w, r, http.StatusInternalServerError, errorBody{Error: "internal server error"})
}

// reject writes the single terminal response for a refused request. When
// the body is still in flight the connection is closed after the response
// so leftover bytes cannot desync keep-alive framing.
func (s *server) reject(w http.ResponseWriter, r *http.Request, status int, body any) {
	w.Header().Set("Connection", "close")
	writeJSON(w, status, body)
}

// countReject bumps the rejection counter for the given kind.
func (s *server) countReject(kind string) {
	if s.deps.Metrics != nil {
		s.deps.Metrics.Rejections.WithLabelValues(kind).Inc()
	}
}

// mergeHeaders layers auth-response headers and upstream headers over the
// original request headers. Upstream headers win over auth-response headers
// win over the original.
func mergeHeaders(orig http.Header, authHeaders, upstreamHeaders map[string]string) http.Header {
	merged := orig.Clone()
	for k, v := range authHeaders {
		merged.Set(k, v)
	}
	for k, v := range upstreamHeaders {
		merged.Set(k, v)
	}
	return merged
}

// clientIP extracts the peer address without the port.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
