package counter

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	incrChanSize  = 1000
	incrDrainTime = 10 * time.Second
)

// Increment is a pending counter bump with its key TTL.
type Increment struct {
	Key string
	TTL time.Duration
}

// Scheduler applies counter increments asynchronously through a bounded
// worker pool. Increments are fire-and-forget: Schedule never blocks the
// request path, store failures are logged and swallowed, and pending
// increments are drained best-effort on shutdown.
type Scheduler struct {
	ch      chan Increment
	store   Store
	workers int
}

// NewScheduler creates a Scheduler with the given worker count.
func NewScheduler(store Store, workers int) *Scheduler {
	if workers < 1 {
		workers = 1
	}
	return &Scheduler{
		ch:      make(chan Increment, incrChanSize),
		store:   store,
		workers: workers,
	}
}

// Name returns the worker identifier.
func (s *Scheduler) Name() string { return "increment_scheduler" }

// Schedule enqueues an increment. It never blocks; drops on full channel.
func (s *Scheduler) Schedule(inc Increment) {
	select {
	case s.ch <- inc:
	default:
		slog.Warn("counter increment dropped, queue full", "key", inc.Key)
	}
}

// QueueLen returns the number of pending increments, for gauge export.
func (s *Scheduler) QueueLen() int { return len(s.ch) }

// Run processes increments until ctx is cancelled, then drains the queue.
func (s *Scheduler) Run(ctx context.Context) error {
	g, _ := errgroup.WithContext(context.Background())
	for range s.workers {
		g.Go(func() error {
			for {
				select {
				case inc := <-s.ch:
					s.apply(inc)
				case <-ctx.Done():
					s.drain()
					return nil
				}
			}
		})
	}
	return g.Wait()
}

// drain applies queued increments until the channel is empty or the drain
// budget runs out.
func (s *Scheduler) drain() {
	deadline := time.Now().Add(incrDrainTime)
	for time.Now().Before(deadline) {
		select {
		case inc := <-s.ch:
			s.apply(inc)
		default:
			return
		}
	}
}

func (s *Scheduler) apply(inc Increment) {
	// The store applies its own per-call timeout.
	if err := s.store.Incr(context.Background(), inc.Key, inc.TTL); err != nil {
		slog.Error("counter increment failed", "key", inc.Key, "error", err)
	}
}
