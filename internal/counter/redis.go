package counter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/eugener/warden/internal/circuitbreaker"
	"github.com/eugener/warden/internal/config"
)

// Redis is a Store backed by one or more redis nodes. Reads pass through a
// circuit breaker so a dead store fails fast instead of burning the per-call
// timeout on every request.
type Redis struct {
	client   redis.UniversalClient
	keyspace string
	timeout  time.Duration
	breaker  *circuitbreaker.Breaker

	// onRead reports read outcomes to metrics; nil disables reporting.
	onRead func(outcome string)
}

// InstrumentReads attaches a read-outcome observer. Outcomes are "ok",
// "error", "timeout" and "open".
func (r *Redis) InstrumentReads(f func(outcome string)) {
	r.onRead = f
}

func (r *Redis) observeRead(outcome string) {
	if r.onRead != nil {
		r.onRead(outcome)
	}
}

// NewRedis creates a Redis store from config. With multiple servers the
// go-redis universal client shards keys across nodes.
func NewRedis(cfg config.CounterStoreConfig) *Redis {
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:          cfg.Servers,
		PoolSize:       cfg.PoolSize,
		MaxActiveConns: cfg.MaxConnectionsPerNode,
		DialTimeout:    cfg.Timeout(),
		ReadTimeout:    cfg.Timeout(),
		WriteTimeout:   cfg.Timeout(),
	})
	return &Redis{
		client:   client,
		keyspace: cfg.Keyspace,
		timeout:  cfg.Timeout(),
		breaker:  circuitbreaker.NewBreaker(circuitbreaker.DefaultConfig()),
	}
}

// key prefixes hit keys with the configured keyspace.
func (r *Redis) key(hit string) string {
	if r.keyspace == "" {
		return hit
	}
	return r.keyspace + ":" + hit
}

// Read returns the counter at key, 0 when the key does not exist.
func (r *Redis) Read(ctx context.Context, key string) (int64, error) {
	if !r.breaker.Allow() {
		r.observeRead("open")
		return 0, fmt.Errorf("%w: circuit open", ErrStore)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	val, err := r.client.Get(ctx, r.key(key)).Int64()
	if errors.Is(err, redis.Nil) {
		r.breaker.RecordSuccess()
		r.observeRead("ok")
		return 0, nil
	}
	if err != nil {
		r.breaker.RecordError(circuitbreaker.ClassifyError(err))
		if errors.Is(err, context.DeadlineExceeded) {
			r.observeRead("timeout")
		} else {
			r.observeRead("error")
		}
		return 0, wrapStoreErr("read", key, err)
	}
	r.breaker.RecordSuccess()
	r.observeRead("ok")
	return val, nil
}

// Incr increments the counter at key and refreshes its TTL. INCR and EXPIRE
// are pipelined so the pair costs one round trip.
func (r *Redis) Incr(ctx context.Context, key string, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	pipe := r.client.Pipeline()
	pipe.Incr(ctx, r.key(key))
	pipe.Expire(ctx, r.key(key), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return wrapStoreErr("incr", key, err)
	}
	return nil
}

// Ping verifies store connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.client.Ping(ctx).Err()
}

// Close releases the connection pool.
func (r *Redis) Close() error {
	return r.client.Close()
}

// wrapStoreErr maps a redis error to ErrTimedOut or ErrStore, keeping the
// original error in the chain.
func wrapStoreErr(op, key string, err error) error {
	kind := ErrStore
	if errors.Is(err, context.DeadlineExceeded) {
		kind = ErrTimedOut
	}
	return fmt.Errorf("%w: %s %q: %v", kind, op, key, err)
}
