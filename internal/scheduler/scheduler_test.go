package scheduler

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
	"github.com/tanq16/voxpull/internal/utils"
)

// gate blocks jobs until released and records the order they started in.
type gate struct {
	mu      sync.Mutex
	started []string
	release chan struct{}
}

func newGate() *gate { return &gate{release: make(chan struct{})} }

func (g *gate) work(id string) WorkFunc {
	return func(ctx context.Context) error {
		g.mu.Lock()
		g.started = append(g.started, id)
		g.mu.Unlock()
		select {
		case <-g.release:
			return nil
		case <-ctx.Done():
			return context.Cause(ctx)
		}
	}
}

func (g *gate) order() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.started...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, time.Millisecond)
}

func TestConcurrencyIsBounded(t *testing.T) {
	q := New(2, zerolog.Nop())
	defer q.Close()

	var running, peak atomic.Int32
	release := make(chan struct{})
	var tickets []*Ticket
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		tickets = append(tickets, q.Enqueue(id, func(ctx context.Context) error {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			<-release
			running.Add(-1)
			return nil
		}))
	}
	waitFor(t, func() bool { return len(q.Active()) == 2 })
	assert.Equal(t, []string{"c", "d", "e"}, q.Pending())
	close(release)
	for _, tk := range tickets {
		require.NoError(t, tk.Wait(context.Background()))
	}
	assert.Equal(t, int32(2), peak.Load())
	assert.Empty(t, q.Pending())
	assert.Empty(t, q.Active())
}

func TestDuplicateEnqueueReturnsSameTicket(t *testing.T) {
	q := New(1, zerolog.Nop())
	defer q.Close()
	g := newGate()

	first := q.Enqueue("a", g.work("a"))
	waitFor(t, func() bool { return len(q.Active()) == 1 })
	var calls atomic.Int32
	dup := q.Enqueue("a", func(context.Context) error { calls.Add(1); return nil })
	assert.Same(t, first, dup)

	pending := q.Enqueue("b", g.work("b"))
	assert.Same(t, pending, q.Enqueue("b", g.work("b")))
	assert.Equal(t, []string{"b"}, q.Pending())

	close(g.release)
	require.NoError(t, first.Wait(context.Background()))
	require.NoError(t, pending.Wait(context.Background()))
	assert.Zero(t, calls.Load())
	assert.Equal(t, []string{"a", "b"}, g.order())

	again := q.Enqueue("a", func(context.Context) error { return nil })
	assert.NotSame(t, first, again, "finished ids can be queued again")
	require.NoError(t, again.Wait(context.Background()))
}

func TestCancelPendingCompletesImmediately(t *testing.T) {
	q := New(1, zerolog.Nop())
	defer q.Close()
	g := newGate()

	running := q.Enqueue("a", g.work("a"))
	waitFor(t, func() bool { return len(q.Active()) == 1 })
	queued := q.Enqueue("b", g.work("b"))

	assert.True(t, q.Cancel("b"))
	select {
	case <-queued.Done():
	default:
		t.Fatal("pending ticket should be done right after Cancel")
	}
	assert.ErrorIs(t, queued.Err(), utils.ErrCancelled)
	assert.Empty(t, q.Pending())
	assert.False(t, q.Cancel("b"))
	assert.False(t, q.Cancel("missing"))

	close(g.release)
	require.NoError(t, running.Wait(context.Background()))
	assert.Equal(t, []string{"a"}, g.order())
}

func TestCancelActiveCancelsContext(t *testing.T) {
	q := New(1, zerolog.Nop())
	defer q.Close()
	g := newGate()

	tk := q.Enqueue("a", g.work("a"))
	waitFor(t, func() bool { return len(q.Active()) == 1 })
	assert.True(t, q.Cancel("a"))

	err := tk.Wait(context.Background())
	assert.ErrorIs(t, err, utils.ErrCancelled)
	waitFor(t, func() bool { return len(q.Active()) == 0 })
}

func TestPrioritizeMovesToFront(t *testing.T) {
	q := New(1, zerolog.Nop())
	defer q.Close()
	g := newGate()

	q.Enqueue("a", g.work("a"))
	waitFor(t, func() bool { return len(q.Active()) == 1 })
	q.Enqueue("b", g.work("b"))
	q.Enqueue("c", g.work("c"))
	last := q.Enqueue("d", g.work("d"))

	assert.True(t, q.Prioritize("d"))
	assert.Equal(t, []string{"d", "b", "c"}, q.Pending())
	assert.False(t, q.Prioritize("a"), "running jobs are not reordered")
	assert.Equal(t, []string{"a"}, q.Active())

	close(g.release)
	require.NoError(t, last.Wait(context.Background()))
	waitFor(t, func() bool { return len(g.order()) == 4 })
	assert.Equal(t, []string{"a", "d", "b", "c"}, g.order())
}

func TestCloseCancelsEverything(t *testing.T) {
	var depth atomic.Int32
	q := New(1, zerolog.Nop(), WithDepthFunc(func(n int) { depth.Store(int32(n)) }))
	g := newGate()

	running := q.Enqueue("a", g.work("a"))
	waitFor(t, func() bool { return len(q.Active()) == 1 })
	queued := q.Enqueue("b", g.work("b"))
	assert.Equal(t, int32(1), depth.Load())

	q.Close()
	assert.ErrorIs(t, running.Err(), utils.ErrCancelled)
	assert.ErrorIs(t, queued.Err(), ErrClosed)
	assert.Zero(t, depth.Load())

	late := q.Enqueue("c", g.work("c"))
	assert.ErrorIs(t, late.Err(), ErrClosed)
	q.Close()
}

func TestPanickingJobFailsTicket(t *testing.T) {
	q := New(1, zerolog.Nop())
	defer q.Close()
	tk := q.Enqueue("boom", func(context.Context) error { panic("bad archive") })
	err := tk.Wait(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")

	ok := q.Enqueue("next", func(context.Context) error { return nil })
	require.NoError(t, ok.Wait(context.Background()))
}

func TestTicketWaitHonoursCallerContext(t *testing.T) {
	q := New(1, zerolog.Nop())
	defer q.Close()
	g := newGate()
	defer close(g.release)

	tk := q.Enqueue("a", g.work("a"))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.True(t, errors.Is(tk.Wait(ctx), context.DeadlineExceeded))
	assert.Nil(t, tk.Err())
	assert.NotEmpty(t, tk.RunID)
}
