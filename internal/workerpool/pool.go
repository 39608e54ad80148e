// Package workerpool runs CPU-bound work such as archive decoding and
// hashing on a bounded set of goroutines, away from the orchestration path.
package workerpool

import (
	"context"
	"fmt"
	"runtime"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

type Pool struct {
	sem    *semaphore.Weighted
	size   int
	logger zerolog.Logger
}

// New creates a pool with size slots. size <= 0 means GOMAXPROCS.
func New(size int, logger zerolog.Logger) *Pool {
	if size <= 0 {
		size = runtime.GOMAXPROCS(0)
	}
	return &Pool{
		sem:    semaphore.NewWeighted(int64(size)),
		size:   size,
		logger: logger.With().Str("op", "workerpool/pool").Logger(),
	}
}

func (p *Pool) Size() int { return p.size }

// Future is the pending result of a submitted task.
type Future[T any] struct {
	done chan struct{}
	val  T
	err  error
}

// Done is closed when the task has finished or failed to start.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Wait blocks until the task finishes or ctx ends. A ctx that ends first
// does not stop the task; the task sees its own context.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Submit schedules fn once a slot frees up. Panics inside fn are returned as
// errors so a malformed archive cannot take the process down.
func Submit[T any](ctx context.Context, p *Pool, name string, fn func(context.Context) (T, error)) *Future[T] {
	f := &Future[T]{done: make(chan struct{})}
	go func() {
		defer close(f.done)
		if err := p.sem.Acquire(ctx, 1); err != nil {
			f.err = fmt.Errorf("waiting for worker slot: %w", err)
			return
		}
		defer p.sem.Release(1)
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error().Str("task", name).Msgf("Task panicked: %v", r)
				f.err = fmt.Errorf("task %s panicked: %v", name, r)
			}
		}()
		p.logger.Debug().Str("task", name).Msg("Task started")
		f.val, f.err = fn(ctx)
	}()
	return f
}

// Run submits fn and waits for it to finish, even when ctx ends first. fn
// sees ctx and is expected to stop on its own; returning early would let the
// caller's cleanup race with fn's writes.
func (p *Pool) Run(ctx context.Context, name string, fn func(context.Context) error) error {
	_, err := Submit(ctx, p, name, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	}).Wait(context.WithoutCancel(ctx))
	return err
}
