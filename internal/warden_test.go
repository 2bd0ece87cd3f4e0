package warden

import (
	"strings"
	"testing"
)

func TestPeriodSeconds(t *testing.T) {
	t.Parallel()

	tests := []struct {
		period Period
		want   int64
	}{
		{PeriodSecond, 1},
		{PeriodMinute, 60},
		{PeriodHour, 3600},
		{PeriodDay, 86400},
		{Period("fortnight"), 0},
		{Period(""), 0},
	}
	for _, tt := range tests {
		if got := tt.period.Seconds(); got != tt.want {
			t.Errorf("Seconds(%q) = %d, want %d", tt.period, got, tt.want)
		}
	}
}

func TestRateValidate(t *testing.T) {
	t.Parallel()

	valid := Rate{Value: 10, Period: PeriodMinute}
	if err := valid.Validate(); err != nil {
		t.Errorf("valid rate rejected: %v", err)
	}

	bad := []Rate{
		{Value: 0, Period: PeriodMinute},
		{Value: -1, Period: PeriodHour},
		{Value: 5, Period: "week"},
		{Value: 5, Period: ""},
	}
	for _, r := range bad {
		if err := r.Validate(); err == nil {
			t.Errorf("rate %+v should be invalid", r)
		}
	}
}

func TestRateLess(t *testing.T) {
	t.Parallel()

	second := Rate{Value: 100, Period: PeriodSecond}
	day := Rate{Value: 1, Period: PeriodDay}

	if !second.Less(day) {
		t.Error("second-period rate should order before day-period rate")
	}
	if day.Less(second) {
		t.Error("day-period rate should not order before second-period rate")
	}
	// Value does not participate in ordering.
	if second.Less(Rate{Value: 1, Period: PeriodSecond}) {
		t.Error("equal periods should not be Less")
	}
}

func TestUpstreamTarget(t *testing.T) {
	t.Parallel()

	u := Upstream{URL: "http://backend.local:5080/api/v2?mode=fast"}
	if err := u.Validate(); err != nil {
		t.Fatal(err)
	}
	if got := u.Host(); got != "backend.local" {
		t.Errorf("Host = %q, want backend.local", got)
	}
	if got := u.Port(); got != "5080" {
		t.Errorf("Port = %q, want 5080", got)
	}
	if got := u.RequestURI(); got != "/api/v2?mode=fast" {
		t.Errorf("RequestURI = %q", got)
	}
}

func TestUpstreamDefaultPort(t *testing.T) {
	t.Parallel()

	u := Upstream{URL: "http://backend.local/path"}
	if err := u.Validate(); err != nil {
		t.Fatal(err)
	}
	if got := u.Port(); got != "80" {
		t.Errorf("Port = %q, want 80", got)
	}
}

func TestParseAuthResponse(t *testing.T) {
	t.Parallel()

	body := `{
		"tokens": [{"id": "abc", "rates": [{"value": 400, "period": "second"}]}],
		"upstreams": [
			{"url": "http://127.0.0.1:5000/upstream", "rates": [{"value": 4, "period": "minute"}]},
			{"url": "http://127.0.0.2:5000/upstream2", "headers": {"X-Shard": "b"}}
		],
		"headers": {"X-Account-Id": "abc"}
	}`
	ar, err := ParseAuthResponse([]byte(body))
	if err != nil {
		t.Fatal(err)
	}
	if len(ar.Tokens) != 1 || ar.Tokens[0].ID != "abc" {
		t.Fatalf("tokens = %+v", ar.Tokens)
	}
	if ar.Tokens[0].Rates[0].Value != 400 || ar.Tokens[0].Rates[0].Period != PeriodSecond {
		t.Errorf("token rate = %+v", ar.Tokens[0].Rates[0])
	}
	if len(ar.Upstreams) != 2 {
		t.Fatalf("upstreams = %d, want 2", len(ar.Upstreams))
	}
	if ar.Upstreams[1].Headers["X-Shard"] != "b" {
		t.Errorf("upstream headers = %v", ar.Upstreams[1].Headers)
	}
	if ar.Headers["X-Account-Id"] != "abc" {
		t.Errorf("response headers = %v", ar.Headers)
	}
}

func TestParseAuthResponseInvalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
	}{
		{"not_json", `<html>auth down</html>`},
		{"no_tokens", `{"tokens": [], "upstreams": [{"url": "http://u"}]}`},
		{"no_upstreams", `{"tokens": [{"id": "a"}], "upstreams": []}`},
		{"empty_token_id", `{"tokens": [{"id": ""}], "upstreams": [{"url": "http://u"}]}`},
		{"bad_rate_period", `{"tokens": [{"id": "a", "rates": [{"value": 1, "period": "eon"}]}], "upstreams": [{"url": "http://u"}]}`},
		{"bad_rate_value", `{"tokens": [{"id": "a"}], "upstreams": [{"url": "http://u", "rates": [{"value": 0, "period": "second"}]}]}`},
		{"hostless_upstream", `{"tokens": [{"id": "a"}], "upstreams": [{"url": "/just/a/path"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := ParseAuthResponse([]byte(tt.body)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestAuthRequestQuery(t *testing.T) {
	t.Parallel()

	r := &AuthRequest{
		Username: "alice",
		Password: "s3cret",
		Protocol: "HTTP/1.1",
		Method:   "POST",
		URL:      "/v1/messages?limit=5",
		Length:   42,
		IP:       "10.1.2.3",
	}
	q := r.Query()
	if q.Get("username") != "alice" || q.Get("password") != "s3cret" {
		t.Errorf("credentials: %v", q)
	}
	if q.Get("method") != "POST" || q.Get("url") != "/v1/messages?limit=5" {
		t.Errorf("request line: %v", q)
	}
	if q.Get("length") != "42" || q.Get("ip") != "10.1.2.3" {
		t.Errorf("length/ip: %v", q)
	}
}

func TestAuthRequestCacheKey(t *testing.T) {
	t.Parallel()

	a := &AuthRequest{Username: "u", Password: "p", Protocol: "HTTP/1.1", Method: "GET", URL: "/x", Length: 0, IP: "1.1.1.1"}
	b := &AuthRequest{Username: "u", Password: "p", Protocol: "HTTP/1.1", Method: "GET", URL: "/x", Length: 0, IP: "2.2.2.2"}
	if a.CacheKey() != b.CacheKey() {
		t.Error("cache key should not depend on client IP")
	}

	c := &AuthRequest{Username: "u", Password: "p", Protocol: "HTTP/1.1", Method: "GET", URL: "/y", Length: 0, IP: "1.1.1.1"}
	if a.CacheKey() == c.CacheKey() {
		t.Error("cache key should depend on URL")
	}
	if strings.Contains(a.CacheKey(), "1.1.1.1") {
		t.Error("cache key leaks client IP")
	}
}

func TestRequestIDContext(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	if got := RequestIDFromContext(ctx); got != "" {
		t.Errorf("empty context returned id %q", got)
	}
	ctx = ContextWithRequestID(ctx, "req-123")
	if got := RequestIDFromContext(ctx); got != "req-123" {
		t.Errorf("id = %q, want req-123", got)
	}
}
