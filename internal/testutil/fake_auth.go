package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"

	warden "github.com/eugener/warden/internal"
)

// FakeAuthService is an httptest-backed auth service returning a canned
// verdict and counting live calls.
type FakeAuthService struct {
	*httptest.Server

	calls atomic.Int64

	// Status and Body are returned when Response is nil.
	Status   int
	Body     []byte
	Response *warden.AuthResponse
}

// NewFakeAuthService starts a fake auth service. Close it when done.
func NewFakeAuthService() *FakeAuthService {
	f := &FakeAuthService{Status: http.StatusOK}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handle))
	return f
}

func (f *FakeAuthService) handle(w http.ResponseWriter, r *http.Request) {
	f.calls.Add(1)
	if f.Response != nil {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(f.Response)
		return
	}
	w.WriteHeader(f.Status)
	w.Write(f.Body)
}

// Calls returns how many live auth calls the service has seen.
func (f *FakeAuthService) Calls() int64 {
	return f.calls.Load()
}

// SimpleResponse builds an AuthResponse with one token and the given
// upstream URLs, each carrying the provided rates.
func SimpleResponse(tokenID string, tokenRates []warden.Rate, upstreams ...string) *warden.AuthResponse {
	ups := make([]warden.Upstream, len(upstreams))
	for i, u := range upstreams {
		ups[i] = warden.Upstream{URL: u}
	}
	return &warden.AuthResponse{
		Tokens:    []warden.Token{{ID: tokenID, Rates: tokenRates}},
		Upstreams: ups,
	}
}
