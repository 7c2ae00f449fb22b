package ingest

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/ajitpratap0/featuresink/pkg/errors"
)

// Permits is a fixed-size pool of concurrency permits. Every successful
// Acquire returns a release func that gives the permit back exactly once,
// however many times it is called.
type Permits struct {
	sem   *semaphore.Weighted
	size  int
	inUse atomic.Int64
}

// NewPermits creates a pool of size permits; size below one is raised to one
func NewPermits(size int) *Permits {
	if size < 1 {
		size = 1
	}
	return &Permits{
		sem:  semaphore.NewWeighted(int64(size)),
		size: size,
	}
}

// Acquire blocks until a permit is free, wait elapses, or ctx is done. A
// non-positive wait means only ctx bounds the wait. Failures are
// concurrency errors and are retriable.
func (p *Permits) Acquire(ctx context.Context, wait time.Duration) (func(), error) {
	if wait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, wait)
		defer cancel()
	}

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConcurrency, "failed to acquire concurrency permit").
			WithDetail("wait", wait.String()).
			WithDetail("permits", p.size)
	}
	p.inUse.Add(1)

	var once sync.Once
	return func() {
		once.Do(func() {
			p.inUse.Add(-1)
			p.sem.Release(1)
		})
	}, nil
}

// Size returns the pool size
func (p *Permits) Size() int {
	return p.size
}

// InUse returns the number of permits currently held
func (p *Permits) InUse() int {
	return int(p.inUse.Load())
}

// Available returns the number of free permits
func (p *Permits) Available() int {
	return p.size - p.InUse()
}
