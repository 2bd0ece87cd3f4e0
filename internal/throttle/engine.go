// Package throttle implements the rate engine: given an authorization
// verdict, decide whether the request is admitted, pick an upstream, and
// schedule the counter increments that account for the hit.
//
// Counters are keyed per caller-or-upstream id, per period label, per time
// bucket. A key's bucket index is the current time rounded down to the
// period length, so all proxy instances sharing the counter store agree on
// the window without coordination.
package throttle

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	warden "github.com/eugener/warden/internal"
	"github.com/eugener/warden/internal/counter"
)

// ThrottledRate pairs a rate with the counter value observed against it.
type ThrottledRate struct {
	Rate  warden.Rate
	Count int64
}

// Exceeded reports whether the observed count has reached the quota.
func (t ThrottledRate) Exceeded() bool {
	return t.Count >= t.Rate.Value
}

// Scheduler schedules fire-and-forget counter increments.
type Scheduler interface {
	Schedule(counter.Increment)
}

// Engine evaluates quotas against the counter store and selects upstreams.
type Engine struct {
	store counter.Store
	sched Scheduler

	// now and perm are injectable for tests.
	now  func() time.Time
	perm func(n int) []int
}

// NewEngine creates an Engine reading from store and scheduling increments
// through sched.
func NewEngine(store counter.Store, sched Scheduler) *Engine {
	return &Engine{
		store: store,
		sched: sched,
		now:   time.Now,
		perm:  rand.Perm,
	}
}

// Select admits or rejects the request described by the auth response.
//
// Token quotas are checked first, in order; a throttled token rejects the
// request outright with the retry time of its longest-period exceeded rate.
// Upstreams are then tried in random order and the first one within quota
// wins; its admission schedules one increment per upstream rate and one per
// rate of every token. When every upstream is throttled the request is
// rejected with the smallest retry time observed.
//
// Counter reads fail open: a failing store never rejects a request.
func (e *Engine) Select(ctx context.Context, ar *warden.AuthResponse) (*warden.Upstream, error) {
	now := e.now().Unix()

	for i := range ar.Tokens {
		t := &ar.Tokens[i]
		observed := e.observe(ctx, t.ID, t.Rates, now)
		if blocking, ok := worstExceeded(observed); ok {
			return nil, &warden.RateLimitedError{
				RetrySeconds: retrySeconds(blocking.Rate, now),
			}
		}
	}

	minRetry := int64(-1)
	for _, i := range e.perm(len(ar.Upstreams)) {
		u := &ar.Upstreams[i]
		observed := e.observe(ctx, u.URL, u.Rates, now)
		if blocking, ok := worstExceeded(observed); ok {
			if r := retrySeconds(blocking.Rate, now); minRetry < 0 || r < minRetry {
				minRetry = r
			}
			continue
		}

		e.scheduleHits(u, ar.Tokens, now)
		return u, nil
	}

	return nil, &warden.RateLimitedError{RetrySeconds: minRetry}
}

// observe reads the counter for every rate of id. Read failures are logged
// and reported as a zero count so rate checking fails open.
func (e *Engine) observe(ctx context.Context, id string, rates []warden.Rate, now int64) []ThrottledRate {
	out := make([]ThrottledRate, len(rates))
	for i, r := range rates {
		count, err := e.store.Read(ctx, HitKey(id, r, now))
		if err != nil {
			slog.Warn("counter read failed, treating as not throttled",
				"id", id, "period", string(r.Period), "error", err)
			count = 0
		}
		out[i] = ThrottledRate{Rate: r, Count: count}
	}
	return out
}

// scheduleHits accounts the admitted request against the winning upstream
// and every token. Increments are fire-and-forget; the TTL equals the period
// so an idle bucket expires on its own.
func (e *Engine) scheduleHits(u *warden.Upstream, tokens []warden.Token, now int64) {
	for _, r := range u.Rates {
		e.sched.Schedule(counter.Increment{
			Key: HitKey(u.URL, r, now),
			TTL: time.Duration(r.Period.Seconds()) * time.Second,
		})
	}
	for _, t := range tokens {
		for _, r := range t.Rates {
			e.sched.Schedule(counter.Increment{
				Key: HitKey(t.ID, r, now),
				TTL: time.Duration(r.Period.Seconds()) * time.Second,
			})
		}
	}
}

// worstExceeded returns the exceeded rate with the longest period, if any.
func worstExceeded(observed []ThrottledRate) (ThrottledRate, bool) {
	var worst ThrottledRate
	found := false
	for _, tr := range observed {
		if !tr.Exceeded() {
			continue
		}
		if !found || worst.Rate.Less(tr.Rate) {
			worst = tr
		}
		found = true
	}
	return worst, found
}

// bucket rounds now down to the start of the rate's current window.
func bucket(rate warden.Rate, now int64) int64 {
	period := rate.Period.Seconds()
	return now / period * period
}

// HitKey builds the counter key for id under rate at the current bucket.
func HitKey(id string, rate warden.Rate, now int64) string {
	return fmt.Sprintf("%s_%s_%d", id, rate.Period, bucket(rate, now))
}

// retrySeconds is the time remaining until the current bucket ends.
func retrySeconds(rate warden.Rate, now int64) int64 {
	return bucket(rate, now) + rate.Period.Seconds() - now
}
