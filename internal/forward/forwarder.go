// Package forward implements the streaming reverse forwarder: it replays an
// admitted request against the selected upstream and relays the upstream's
// response to the client without buffering the response body.
package forward

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/rs/dnscache"

	warden "github.com/eugener/warden/internal"
)

// hopByHop headers that must not be forwarded between client and upstream.
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

// NewTransport returns a tuned *http.Transport with connection pooling and
// optional DNS caching. Upstreams are plain HTTP/1.1 origins, so h2 is not
// attempted.
func NewTransport(resolver *dnscache.Resolver, maxConnsPerHost int) *http.Transport {
	t := &http.Transport{
		MaxIdleConnsPerHost: 100,
		MaxConnsPerHost:     maxConnsPerHost,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   false,
	}
	if resolver != nil {
		t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			var d net.Dialer
			return d.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
		}
	}
	return t
}

// Forwarder replays admitted requests against upstreams.
type Forwarder struct {
	client *http.Client
}

// New creates a Forwarder using the given transport.
func New(transport http.RoundTripper) *Forwarder {
	return &Forwarder{
		client: &http.Client{
			Transport: transport,
			// The proxy relays redirects to the client untouched.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Forward sends the buffered request to the upstream and relays the response.
//
// The request-URI is replaced by the upstream's path and query; the original
// client Host header is forwarded verbatim, never rewritten to the upstream
// host. A connect failure before any response maps to
// warden.ErrUpstreamUnreachable and the caller still owns the client
// response. Once the upstream status line has been relayed, failures abort
// the connection: a second response would desync the client.
func (f *Forwarder) Forward(ctx context.Context, w http.ResponseWriter, method, proto, host string,
	headers http.Header, body []byte, upstream *warden.Upstream) error {

	outReq, err := http.NewRequestWithContext(ctx, method, upstream.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: build request: %v", warden.ErrUpstreamUnreachable, err)
	}
	outReq.Host = host
	outReq.ContentLength = int64(len(body))

	for key, vals := range headers {
		if _, hop := hopByHopHeaders[key]; hop {
			continue
		}
		outReq.Header[key] = vals
	}

	resp, err := f.client.Do(outReq)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		slog.Error("couldn't connect to upstream",
			"host", upstream.Host(), "port", upstream.Port(), "error", err)
		return fmt.Errorf("%w: %s: %v", warden.ErrUpstreamUnreachable, upstream.URL, err)
	}
	defer resp.Body.Close()

	for key, vals := range resp.Header {
		if _, hop := hopByHopHeaders[key]; hop {
			continue
		}
		for _, v := range vals {
			w.Header().Add(key, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	if err := copyFlush(w, resp.Body); err != nil {
		// The status line is already out; terminate without a second response.
		slog.Error("upstream stream aborted",
			"host", upstream.Host(), "status", resp.StatusCode, "error", err)
		panic(http.ErrAbortHandler)
	}
	return nil
}

// copyFlush streams src to w, flushing after every write so slow upstream
// bodies reach the client incrementally.
func copyFlush(w http.ResponseWriter, src io.Reader) error {
	flusher, canFlush := w.(http.Flusher)
	buf := make([]byte, 32<<10)
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				return writeErr
			}
			if canFlush {
				flusher.Flush()
			}
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return readErr
		}
	}
}
