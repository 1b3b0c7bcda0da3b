// Package rateengine implements C3: given an AuthResponse and the current
// time, decide whether to admit the request, select an upstream, and
// schedule the counter increments for the winning token/upstream pair.
package rateengine

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vulcanproxy/gateway/internal/counterstore"
	"github.com/vulcanproxy/gateway/internal/ratetypes"
	"github.com/vulcanproxy/gateway/internal/workerpool"
)

// RateLimited is returned when no token or no upstream can currently serve
// the request; RetrySeconds is the time until the blocking bucket rolls
// over.
type RateLimited struct {
	RetrySeconds int64
}

func (e *RateLimited) Error() string {
	return "rate limit reached"
}

// Engine evaluates token and upstream quotas against a counter store and
// schedules fire-and-forget counter increments for admitted requests.
type Engine struct {
	store Store
	pool  *workerpool.Pool

	wg sync.WaitGroup

	// Now defaults to time.Now. GetUpstream does not read it; callers pass
	// the current time explicitly.
	Now func() time.Time
}

// Store is the subset of counterstore.Store the engine needs; accepting an
// interface here (rather than a concrete type) keeps the engine testable
// against counterstore.MockStore without importing test-only code.
type Store = counterstore.Store

func New(store Store, pool *workerpool.Pool) *Engine {
	return &Engine{store: store, pool: pool, Now: time.Now}
}

// Bucket returns the integer time index (now / period) * period, per §4.3.
func Bucket(now time.Time, r ratetypes.Rate) int64 {
	sec := r.Seconds()
	if sec <= 0 {
		sec = 1
	}
	n := now.Unix()
	return (n / sec) * sec
}

// HitKey is "{id}_{period}_{bucket}", per §4.3. It is injective in
// (id, period, bucket) because Period values are drawn from a fixed,
// disjoint string set and bucket is numeric.
func HitKey(id string, r ratetypes.Rate, now time.Time) string {
	return id + "_" + string(r.Period) + "_" + strconv.FormatInt(Bucket(now, r), 10)
}

// RetrySeconds is the time remaining until the current bucket ends, per
// §4.3: bucket(now, rate) + period_seconds - now.
func RetrySeconds(tr ratetypes.ThrottledRate, now time.Time) int64 {
	b := Bucket(now, tr.Rate)
	retry := b + tr.Rate.Seconds() - now.Unix()
	if retry < 1 {
		retry = 1
	}
	return retry
}

// GetUpstream runs the admission algorithm in §4.3: token admission, then
// upstream selection over a random permutation, scheduling increments for
// the winner.
func (e *Engine) GetUpstream(ctx context.Context, resp *ratetypes.AuthResponse, now time.Time) (*ratetypes.Upstream, *RateLimited, error) {
	// Step 1: token admission, sequential, stop at first throttled token.
	for _, tok := range resp.Tokens {
		throttled, blocking, err := e.checkRates(ctx, tok.ID, tok.Rates, now)
		if err != nil {
			return nil, nil, err
		}
		if throttled {
			return nil, &RateLimited{RetrySeconds: RetrySeconds(blocking, now)}, nil
		}
	}

	// Step 2: upstream selection over a random permutation.
	order := rand.Perm(len(resp.Upstreams))
	var minRetry int64 = -1
	for _, idx := range order {
		up := resp.Upstreams[idx]
		throttled, blocking, err := e.checkRates(ctx, up.URL, up.Rates, now)
		if err != nil {
			return nil, nil, err
		}
		if throttled {
			r := RetrySeconds(blocking, now)
			if minRetry < 0 || r < minRetry {
				minRetry = r
			}
			continue
		}

		// Winner: schedule increments for every rate on the winning
		// upstream and on every token, fire-and-forget.
		e.scheduleIncrements(up.URL, up.Rates, now)
		for _, tok := range resp.Tokens {
			e.scheduleIncrements(tok.ID, tok.Rates, now)
		}
		winner := up
		return &winner, nil, nil
	}

	// Step 4: every upstream throttled.
	if minRetry < 0 {
		minRetry = 1
	}
	return nil, &RateLimited{RetrySeconds: minRetry}, nil
}

// checkRates reads the counter for every rate concurrently (bounded by the
// engine's worker pool), fanning out with errgroup per DESIGN.md. A read
// failure or timeout is logged and treated as "not throttled" for that
// rate (fail-open, §4.3); it never aborts the overall check.
func (e *Engine) checkRates(ctx context.Context, id string, rates []ratetypes.Rate, now time.Time) (bool, ratetypes.ThrottledRate, error) {
	if len(rates) == 0 {
		return false, ratetypes.ThrottledRate{}, nil
	}

	observed := make([]ratetypes.ThrottledRate, len(rates))
	g, gctx := errgroup.WithContext(ctx)
	for i, r := range rates {
		i, r := i, r
		g.Go(func() error {
			var count int64
			readErr := e.doCounterRead(gctx, HitKey(id, r, now), &count)
			if readErr != nil {
				slog.Warn("counter read failed, failing open", "key", HitKey(id, r, now), "error", readErr)
				count = 0
			}
			observed[i] = ratetypes.ThrottledRate{Rate: r, Count: count}
			return nil
		})
	}
	// errgroup's functions above never return a non-nil error (failures
	// are swallowed and logged per the fail-open contract), so Wait only
	// ever returns nil and its result is discarded.
	_ = g.Wait()

	var blocking *ratetypes.ThrottledRate
	for _, tr := range observed {
		if tr.Exceeded() {
			if blocking == nil || blocking.Less(tr) {
				cp := tr
				blocking = &cp
			}
		}
	}
	if blocking != nil {
		return true, *blocking, nil
	}
	return false, ratetypes.ThrottledRate{}, nil
}

func (e *Engine) doCounterRead(ctx context.Context, key string, out *int64) error {
	if e.pool == nil {
		v, err := e.store.CounterRead(ctx, key)
		*out = v
		return err
	}
	return e.pool.Do(ctx, func() error {
		v, err := e.store.CounterRead(ctx, key)
		*out = v
		return err
	})
}

// scheduleIncrements fires counter-incr calls for every rate without
// blocking the caller. Each increment is tracked by the engine's
// WaitGroup so Shutdown can drain outstanding work before the process
// exits, per §9's "fire-and-forget... runtime tracks so they are not
// dropped on shutdown".
func (e *Engine) scheduleIncrements(id string, rates []ratetypes.Rate, now time.Time) {
	for _, r := range rates {
		key := HitKey(id, r, now)
		ttl := time.Duration(r.Seconds()) * time.Second
		e.wg.Add(1)
		go func(key string, ttl time.Duration) {
			defer e.wg.Done()
			ctx := context.Background()
			incr := func() error { return e.store.CounterIncr(ctx, key, ttl) }
			var err error
			if e.pool != nil {
				err = e.pool.Do(ctx, incr)
			} else {
				err = incr()
			}
			if err != nil {
				slog.Error("counter increment failed", "key", key, "error", err)
			}
		}(key, ttl)
	}
}

// Shutdown waits for scheduled increments to complete or ctx to expire,
// whichever comes first — a best-effort drain per §9.
func (e *Engine) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
