package throttle

import (
	"errors"
	"testing"
	"time"

	warden "github.com/eugener/warden/internal"
	"github.com/eugener/warden/internal/counter"
	"github.com/eugener/warden/internal/testutil"
)

// fixedNow pins engine time so bucket boundaries are deterministic.
var fixedNow = time.Unix(1_700_000_000, 0)

// recordingScheduler collects scheduled increments synchronously.
type recordingScheduler struct {
	incs []counter.Increment
}

func (r *recordingScheduler) Schedule(inc counter.Increment) {
	r.incs = append(r.incs, inc)
}

// applyTo replays recorded increments into the store, the way the async
// scheduler eventually would.
func (r *recordingScheduler) applyTo(t *testing.T, s *testutil.FakeStore) {
	t.Helper()
	for _, inc := range r.incs {
		if err := s.Incr(t.Context(), inc.Key, inc.TTL); err != nil {
			t.Fatal(err)
		}
	}
	r.incs = nil
}

func newTestEngine(store counter.Store, sched Scheduler) *Engine {
	e := NewEngine(store, sched)
	e.now = func() time.Time { return fixedNow }
	// Deterministic upstream order.
	e.perm = func(n int) []int {
		out := make([]int, n)
		for i := range out {
			out[i] = i
		}
		return out
	}
	return e
}

func TestHitKey(t *testing.T) {
	t.Parallel()

	rate := warden.Rate{Value: 10, Period: warden.PeriodMinute}
	now := int64(1_700_000_125) // 1_700_000_125 / 60 * 60 = 1_700_000_100
	got := HitKey("abc", rate, now)
	want := "abc_minute_1700000100"
	if got != want {
		t.Errorf("HitKey = %q, want %q", got, want)
	}
}

func TestHitKeyStableWithinBucket(t *testing.T) {
	t.Parallel()

	rate := warden.Rate{Value: 10, Period: warden.PeriodHour}
	base := int64(1_700_000_000) / 3600 * 3600
	if HitKey("id", rate, base) != HitKey("id", rate, base+3599) {
		t.Error("keys within one bucket should match")
	}
	if HitKey("id", rate, base) == HitKey("id", rate, base+3600) {
		t.Error("keys across buckets should differ")
	}
}

func TestSelect_AdmitsAndAccounts(t *testing.T) {
	t.Parallel()

	store := testutil.NewFakeStore()
	sched := &recordingScheduler{}
	e := newTestEngine(store, sched)

	tokenRate := warden.Rate{Value: 400, Period: warden.PeriodSecond}
	upRate := warden.Rate{Value: 4, Period: warden.PeriodMinute}
	ar := &warden.AuthResponse{
		Tokens: []warden.Token{{ID: "abc", Rates: []warden.Rate{tokenRate}}},
		Upstreams: []warden.Upstream{
			{URL: "http://127.0.0.1:5000/upstream", Rates: []warden.Rate{upRate}},
		},
	}

	u, err := e.Select(t.Context(), ar)
	if err != nil {
		t.Fatal(err)
	}
	if u.URL != "http://127.0.0.1:5000/upstream" {
		t.Errorf("selected %q", u.URL)
	}

	// One increment for the upstream rate, one for the token rate.
	if len(sched.incs) != 2 {
		t.Fatalf("increments = %d, want 2", len(sched.incs))
	}
	now := fixedNow.Unix()
	wantKeys := map[string]time.Duration{
		HitKey("http://127.0.0.1:5000/upstream", upRate, now): time.Minute,
		HitKey("abc", tokenRate, now):                         time.Second,
	}
	for _, inc := range sched.incs {
		ttl, ok := wantKeys[inc.Key]
		if !ok {
			t.Errorf("unexpected increment key %q", inc.Key)
			continue
		}
		if inc.TTL != ttl {
			t.Errorf("key %q ttl = %v, want %v", inc.Key, inc.TTL, ttl)
		}
	}
}

func TestSelect_ThrottledTokenRejects(t *testing.T) {
	t.Parallel()

	store := testutil.NewFakeStore()
	sched := &recordingScheduler{}
	e := newTestEngine(store, sched)

	rate := warden.Rate{Value: 10, Period: warden.PeriodMinute}
	ar := &warden.AuthResponse{
		Tokens:    []warden.Token{{ID: "abc", Rates: []warden.Rate{rate}}},
		Upstreams: []warden.Upstream{{URL: "http://u1"}},
	}
	store.Set(HitKey("abc", rate, fixedNow.Unix()), 10)

	_, err := e.Select(t.Context(), ar)
	var limited *warden.RateLimitedError
	if !errors.As(err, &limited) {
		t.Fatalf("err = %v, want RateLimitedError", err)
	}
	// Retry lands within the current minute bucket.
	if limited.RetrySeconds < 1 || limited.RetrySeconds > 60 {
		t.Errorf("retry = %d, want within (0, 60]", limited.RetrySeconds)
	}
	// A rejected request accounts nothing.
	if len(sched.incs) != 0 {
		t.Errorf("increments = %d, want 0 on rejection", len(sched.incs))
	}
}

func TestSelect_SkipsThrottledUpstream(t *testing.T) {
	t.Parallel()

	store := testutil.NewFakeStore()
	sched := &recordingScheduler{}
	e := newTestEngine(store, sched)

	rate := warden.Rate{Value: 4, Period: warden.PeriodMinute}
	ar := &warden.AuthResponse{
		Tokens: []warden.Token{{ID: "abc"}},
		Upstreams: []warden.Upstream{
			{URL: "http://u1", Rates: []warden.Rate{rate}},
			{URL: "http://u2", Rates: []warden.Rate{rate}},
		},
	}
	store.Set(HitKey("http://u1", rate, fixedNow.Unix()), 4)

	u, err := e.Select(t.Context(), ar)
	if err != nil {
		t.Fatal(err)
	}
	if u.URL != "http://u2" {
		t.Errorf("selected %q, want the unthrottled upstream", u.URL)
	}
}

func TestSelect_AllUpstreamsThrottled(t *testing.T) {
	t.Parallel()

	store := testutil.NewFakeStore()
	sched := &recordingScheduler{}
	e := newTestEngine(store, sched)

	minuteRate := warden.Rate{Value: 4, Period: warden.PeriodMinute}
	hourRate := warden.Rate{Value: 100, Period: warden.PeriodHour}
	ar := &warden.AuthResponse{
		Tokens: []warden.Token{{ID: "abc"}},
		Upstreams: []warden.Upstream{
			{URL: "http://u1", Rates: []warden.Rate{minuteRate}},
			{URL: "http://u2", Rates: []warden.Rate{hourRate}},
		},
	}
	now := fixedNow.Unix()
	store.Set(HitKey("http://u1", minuteRate, now), 4)
	store.Set(HitKey("http://u2", hourRate, now), 100)

	_, err := e.Select(t.Context(), ar)
	var limited *warden.RateLimitedError
	if !errors.As(err, &limited) {
		t.Fatalf("err = %v, want RateLimitedError", err)
	}
	// The smallest retry across upstreams wins: the minute bucket frees up
	// long before the hour bucket does.
	if limited.RetrySeconds > 60 {
		t.Errorf("retry = %d, want the minute-rate retry", limited.RetrySeconds)
	}
	if len(sched.incs) != 0 {
		t.Errorf("increments = %d, want 0 on rejection", len(sched.incs))
	}
}

func TestSelect_WorstExceededPicksLongestPeriod(t *testing.T) {
	t.Parallel()

	store := testutil.NewFakeStore()
	sched := &recordingScheduler{}
	e := newTestEngine(store, sched)

	secondRate := warden.Rate{Value: 1, Period: warden.PeriodSecond}
	dayRate := warden.Rate{Value: 100, Period: warden.PeriodDay}
	ar := &warden.AuthResponse{
		Tokens:    []warden.Token{{ID: "abc", Rates: []warden.Rate{secondRate, dayRate}}},
		Upstreams: []warden.Upstream{{URL: "http://u1"}},
	}
	now := fixedNow.Unix()
	store.Set(HitKey("abc", secondRate, now), 1)
	store.Set(HitKey("abc", dayRate, now), 100)

	_, err := e.Select(t.Context(), ar)
	var limited *warden.RateLimitedError
	if !errors.As(err, &limited) {
		t.Fatalf("err = %v, want RateLimitedError", err)
	}
	// Both rates are exceeded; retry reflects the day-period window.
	if limited.RetrySeconds <= 60 {
		t.Errorf("retry = %d, want the day-rate retry", limited.RetrySeconds)
	}
}

func TestSelect_FailsOpenOnStoreError(t *testing.T) {
	t.Parallel()

	store := testutil.NewFakeStore()
	store.ReadErr = counter.ErrTimedOut
	sched := &recordingScheduler{}
	e := newTestEngine(store, sched)

	rate := warden.Rate{Value: 1, Period: warden.PeriodMinute}
	ar := &warden.AuthResponse{
		Tokens:    []warden.Token{{ID: "abc", Rates: []warden.Rate{rate}}},
		Upstreams: []warden.Upstream{{URL: "http://u1", Rates: []warden.Rate{rate}}},
	}

	u, err := e.Select(t.Context(), ar)
	if err != nil {
		t.Fatalf("store failure should not reject: %v", err)
	}
	if u == nil {
		t.Fatal("expected an upstream")
	}
}

func TestSelect_QuotaEnforcedAcrossRequests(t *testing.T) {
	t.Parallel()

	store := testutil.NewFakeStore()
	sched := &recordingScheduler{}
	e := newTestEngine(store, sched)

	rate := warden.Rate{Value: 4, Period: warden.PeriodMinute}
	ar := &warden.AuthResponse{
		Tokens:    []warden.Token{{ID: "abc"}},
		Upstreams: []warden.Upstream{{URL: "http://u1", Rates: []warden.Rate{rate}}},
	}

	for i := range 4 {
		if _, err := e.Select(t.Context(), ar); err != nil {
			t.Fatalf("request %d rejected: %v", i+1, err)
		}
		sched.applyTo(t, store)
	}

	_, err := e.Select(t.Context(), ar)
	var limited *warden.RateLimitedError
	if !errors.As(err, &limited) {
		t.Fatalf("fifth request: err = %v, want RateLimitedError", err)
	}
}

func TestThrottledRateExceeded(t *testing.T) {
	t.Parallel()

	r := warden.Rate{Value: 4, Period: warden.PeriodMinute}
	if (ThrottledRate{Rate: r, Count: 3}).Exceeded() {
		t.Error("3/4 should not be exceeded")
	}
	if !(ThrottledRate{Rate: r, Count: 4}).Exceeded() {
		t.Error("4/4 should be exceeded")
	}
}
