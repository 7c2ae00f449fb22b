package ingest

import (
	"context"
	"sync"

	"github.com/ajitpratap0/featuresink/pkg/errors"
)

// Future is the pending outcome of an asynchronous send
type Future struct {
	done chan struct{}

	mu        sync.Mutex
	completed bool
	outcome   Outcome
	callbacks []func(Outcome)
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Completed returns a future that already holds o
func Completed(o Outcome) *Future {
	f := newFuture()
	f.complete(o)
	return f
}

func (f *Future) complete(o Outcome) {
	f.mu.Lock()
	if f.completed {
		f.mu.Unlock()
		return
	}
	f.outcome = o
	f.completed = true
	callbacks := f.callbacks
	f.callbacks = nil
	close(f.done)
	f.mu.Unlock()

	for _, cb := range callbacks {
		cb(o)
	}
}

// Done is closed once the outcome is available
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Outcome returns the outcome and whether the send has finished
func (f *Future) Outcome() (Outcome, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.outcome, f.completed
}

// Wait blocks until the outcome is available. If ctx ends first the
// result is a retriable outcome carrying the context error.
func (f *Future) Wait(ctx context.Context) Outcome {
	select {
	case <-f.done:
		o, _ := f.Outcome()
		return o
	case <-ctx.Done():
		return Outcome{
			Kind: Retriable,
			Err:  wrapFailure(Retriable, ctx.Err(), errors.ErrorTypeTimeout, "interrupted while awaiting ingest outcome"),
		}
	}
}

// Then registers fn to run with the outcome. If the send has already
// finished fn runs immediately on the caller's goroutine.
func (f *Future) Then(fn func(Outcome)) *Future {
	f.mu.Lock()
	if f.completed {
		o := f.outcome
		f.mu.Unlock()
		fn(o)
		return f
	}
	f.callbacks = append(f.callbacks, fn)
	f.mu.Unlock()
	return f
}
