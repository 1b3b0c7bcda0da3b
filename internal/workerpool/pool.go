// Package workerpool bounds concurrent blocking adapter calls (the rate
// engine's counter-store reads/writes) the way §4.6/§6's thread_pool_size is
// meant to, using a weighted semaphore instead of a goroutine pool — Go's
// scheduler already multiplexes goroutines onto OS threads, so the resource
// that actually needs bounding is concurrent outstanding calls, not threads.
package workerpool

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Pool caps the number of concurrently in-flight blocking calls.
type Pool struct {
	sem *semaphore.Weighted
}

// New creates a Pool that allows at most size concurrent callers through
// Do at once. A size <= 0 means unbounded.
func New(size int) *Pool {
	if size <= 0 {
		return &Pool{}
	}
	return &Pool{sem: semaphore.NewWeighted(int64(size))}
}

// Do runs fn once a slot is available, releasing the slot when fn returns.
// It blocks until a slot is free or ctx is cancelled.
func (p *Pool) Do(ctx context.Context, fn func() error) error {
	if p.sem == nil {
		return fn()
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)
	return fn()
}
