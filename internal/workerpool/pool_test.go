package workerpool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPoolBoundsConcurrency(t *testing.T) {
	p := New(2)
	var concurrent int32
	var maxSeen int32
	ctx := context.Background()

	done := make(chan struct{})
	for i := 0; i < 5; i++ {
		go func() {
			_ = p.Do(ctx, func() error {
				cur := atomic.AddInt32(&concurrent, 1)
				for {
					old := atomic.LoadInt32(&maxSeen)
					if cur <= old || atomic.CompareAndSwapInt32(&maxSeen, old, cur) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)
				atomic.AddInt32(&concurrent, -1)
				return nil
			})
			done <- struct{}{}
		}()
	}
	for i := 0; i < 5; i++ {
		<-done
	}

	assert.LessOrEqual(t, int(maxSeen), 2)
}

func TestPoolUnboundedWhenZero(t *testing.T) {
	p := New(0)
	err := p.Do(context.Background(), func() error { return nil })
	assert.NoError(t, err)
}

func TestPoolRespectsContextCancellation(t *testing.T) {
	p := New(1)
	ctx, cancel := context.WithCancel(context.Background())

	blocker := make(chan struct{})
	go p.Do(context.Background(), func() error {
		<-blocker
		return nil
	})
	time.Sleep(10 * time.Millisecond) // let the first Do take the only slot

	cancel()
	err := p.Do(ctx, func() error { return nil })
	assert.Error(t, err)
	close(blocker)
}
