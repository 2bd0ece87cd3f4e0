package warden

import (
	"errors"
	"fmt"
)

// Sentinel errors for the proxy domain.
var (
	// ErrNoCredentials means the request carried no Authorization header.
	ErrNoCredentials = errors.New("no credentials")
	// ErrAuthTransport means the auth service was unreachable, timed out,
	// or returned an unparseable body.
	ErrAuthTransport = errors.New("auth service communication failed")
	// ErrUpstreamUnreachable means the selected upstream refused or reset
	// the connection before producing a response.
	ErrUpstreamUnreachable = errors.New("upstream unreachable")
)

// AuthDeniedError is returned when the auth service rejects a request with
// a 3xx-5xx status. Body preserves the service's response bytes verbatim so
// they can be relayed to the client.
type AuthDeniedError struct {
	Code   int
	Phrase string
	Body   []byte
}

func (e *AuthDeniedError) Error() string {
	return fmt.Sprintf("authorization denied: %d %s", e.Code, e.Phrase)
}

// Reason returns the denial body when present, the status phrase otherwise.
func (e *AuthDeniedError) Reason() string {
	if len(e.Body) > 0 {
		return string(e.Body)
	}
	return e.Phrase
}

// RateLimitedError is returned when no upstream can serve the request within
// its quotas. RetrySeconds is the time to the end of the blocking bucket.
type RateLimitedError struct {
	RetrySeconds int64
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limit reached, retry in %d second(s)", e.RetrySeconds)
}
