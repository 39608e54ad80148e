package state

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProgressIsMonotonicWithinAttempt(t *testing.T) {
	s := NewStore(WithProgressInterval(0))
	first := s.Begin("core-a", 100)
	assert.Equal(t, 1, first.Attempt)
	assert.NotEmpty(t, first.AttemptID)

	s.Progress("core-a", StatusDownloading, 0.5, 50, 100)
	st := s.Progress("core-a", StatusDownloading, 0.3, 30, 100)
	assert.Equal(t, 0.5, st.Progress)
	assert.Equal(t, int64(50), st.BytesDownloaded)

	st = s.Progress("core-a", StatusExtracting, 0.9, 100, 100)
	assert.Equal(t, StatusExtracting, st.Status)
	st = s.Progress("core-a", StatusDownloading, 0.95, 100, 100)
	assert.Equal(t, StatusExtracting, st.Status, "status never moves backwards")

	s.Fail("core-a", "boom", "retry")
	second := s.Begin("core-a", 100)
	assert.Equal(t, 2, second.Attempt)
	assert.NotEqual(t, first.AttemptID, second.AttemptID)
	assert.Zero(t, second.Progress)
	assert.Empty(t, second.Error)
}

func TestResetKeepsAttemptCounter(t *testing.T) {
	s := NewStore()
	s.Begin("k", 10)
	s.Ready("k", 10)
	st := s.Reset("k")
	assert.Equal(t, StatusNotDownloaded, st.Status)
	assert.Zero(t, st.Progress)
	assert.Equal(t, 1, st.Attempt)
	assert.Equal(t, StatusNotDownloaded, s.Get("unknown").Status)
}

func TestSubscribeDeliversCurrentThenChanges(t *testing.T) {
	s := NewStore(WithProgressInterval(0))
	ch, cancel := s.Subscribe("core-a")
	defer cancel()

	assert.Equal(t, StatusNotDownloaded, (<-ch).Status)
	s.Begin("core-a", 10)
	assert.Equal(t, StatusDownloading, (<-ch).Status)
	s.Ready("core-a", 10)
	assert.Equal(t, StatusReady, (<-ch).Status)

	s.Begin("other", 1)
	select {
	case st := <-ch:
		t.Fatalf("unexpected state for %s", st.Key)
	default:
	}
}

func TestSlowSubscriberGetsLatest(t *testing.T) {
	s := NewStore(WithProgressInterval(0))
	ch, cancel := s.Subscribe("k")
	s.Begin("k", 1000)
	for i := 1; i <= 100; i++ {
		s.Progress("k", StatusDownloading, float64(i)/100, int64(i*10), 1000)
	}
	var last DownloadState
	for len(ch) > 0 {
		last = <-ch
	}
	assert.Equal(t, 1.0, last.Progress)
	cancel()
	_, open := <-ch
	assert.False(t, open)
	cancel()
}

func TestThrottleNeverDropsStatusChanges(t *testing.T) {
	s := NewStore(WithProgressInterval(time.Hour))
	var mu sync.Mutex
	var seen []Status
	s.AddObserver(ObserverFunc(func(st DownloadState) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, st.Status)
	}))
	s.Begin("k", 100)
	for i := 1; i < 50; i++ {
		s.Progress("k", StatusDownloading, float64(i)/100, int64(i), 100)
	}
	assert.Equal(t, 0.49, s.Get("k").Progress, "state map keeps unthrottled values")
	s.Progress("k", StatusExtracting, 0.9, 100, 100)
	s.Ready("k", 100)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, seen)
	assert.Equal(t, StatusDownloading, seen[0])
	assert.Equal(t, []Status{StatusExtracting, StatusReady}, seen[len(seen)-2:])
	assert.Less(t, len(seen), 10)
}

func TestSubscribeAll(t *testing.T) {
	s := NewStore(WithProgressInterval(0))
	ch, cancel := s.SubscribeAll()
	defer cancel()
	s.MarkQueued("a")
	s.MarkQueued("b")
	assert.Equal(t, "a", (<-ch).Key)
	assert.Equal(t, "b", (<-ch).Key)
	assert.Len(t, s.Snapshot(), 2)
}

func TestReconcile(t *testing.T) {
	s := NewStore()
	assert.Equal(t, StatusReady, s.Reconcile("k", StatusReady, 5).Status)
	assert.Equal(t, StatusNotDownloaded, s.Reconcile("k", StatusNotDownloaded, 0).Status)

	s.Begin("k", 5)
	assert.Equal(t, StatusDownloading, s.Reconcile("k", StatusNotDownloaded, 0).Status)
}

func TestUpdatedAtUsesClock(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewStore(WithClock(func() time.Time { return at }))
	assert.Equal(t, at, s.MarkQueued("core-a").UpdatedAt)
	assert.Equal(t, at, s.Get("core-a").UpdatedAt)
}
