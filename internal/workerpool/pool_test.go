package workerpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolBoundsConcurrency(t *testing.T) {
	p := New(2, zerolog.Nop())
	var running, peak atomic.Int32
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := p.Run(context.Background(), "hash", func(ctx context.Context) error {
				n := running.Add(1)
				for {
					old := peak.Load()
					if n <= old || peak.CompareAndSwap(old, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				running.Add(-1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, int32(0), running.Load())
}

func TestSubmitReturnsValueAndError(t *testing.T) {
	p := New(1, zerolog.Nop())
	v, err := Submit(context.Background(), p, "sum", func(ctx context.Context) (int, error) { return 42, nil }).Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	boom := errors.New("boom")
	_, err = Submit(context.Background(), p, "fail", func(ctx context.Context) (int, error) { return 0, boom }).Wait(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestSubmitRecoversPanics(t *testing.T) {
	p := New(1, zerolog.Nop())
	err := p.Run(context.Background(), "extract", func(ctx context.Context) error { panic("bad archive") })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad archive")
	assert.NoError(t, p.Run(context.Background(), "after", func(ctx context.Context) error { return nil }))
}

func TestSubmitHonoursContextWhileQueued(t *testing.T) {
	p := New(1, zerolog.Nop())
	release := make(chan struct{})
	started := make(chan struct{})
	blocker := Submit(context.Background(), p, "blocker", func(ctx context.Context) (struct{}, error) {
		close(started)
		<-release
		return struct{}{}, nil
	})

	<-started
	ctx, cancel := context.WithCancel(context.Background())
	queued := Submit(ctx, p, "queued", func(ctx context.Context) (struct{}, error) { return struct{}{}, nil })
	cancel()
	<-queued.Done()
	_, err := queued.Wait(context.Background())
	assert.ErrorIs(t, err, context.Canceled)

	close(release)
	_, err = blocker.Wait(context.Background())
	assert.NoError(t, err)
}

func TestRunWaitsForTaskAfterCancel(t *testing.T) {
	p := New(1, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	var finished atomic.Bool
	err := p.Run(ctx, "extract", func(ctx context.Context) error {
		cancel()
		time.Sleep(50 * time.Millisecond)
		finished.Store(true)
		return ctx.Err()
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, finished.Load(), "Run returned before the task finished")
}
