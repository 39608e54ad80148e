package state

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const subscriberBuffer = 16

type Observer interface {
	Observe(DownloadState)
}

type ObserverFunc func(DownloadState)

func (f ObserverFunc) Observe(st DownloadState) { f(st) }

type subscription struct {
	ch   chan DownloadState
	once sync.Once
}

// Store owns the in-memory state map. Observers are called synchronously
// after the store lock is released and must be safe for concurrent use.
type Store struct {
	mu        sync.Mutex
	states    map[string]DownloadState
	subs      map[string]map[uint64]*subscription
	all       map[uint64]*subscription
	nextSub   uint64
	observers []Observer
	throttles map[string]*rate.Sometimes
	interval  time.Duration
	now       func() time.Time
}

type StoreOption func(*Store)

// WithProgressInterval limits how often same-status progress updates reach
// subscribers and observers. Status changes are never throttled.
func WithProgressInterval(d time.Duration) StoreOption {
	return func(s *Store) { s.interval = d }
}

func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		states:    make(map[string]DownloadState),
		subs:      make(map[string]map[uint64]*subscription),
		all:       make(map[uint64]*subscription),
		throttles: make(map[string]*rate.Sometimes),
		interval:  100 * time.Millisecond,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) AddObserver(o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, o)
}

// Get returns the last known state; unknown keys are not-downloaded.
func (s *Store) Get(key string) DownloadState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[key]; ok {
		return st
	}
	return NotDownloaded(key)
}

func (s *Store) Snapshot() []DownloadState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]DownloadState, 0, len(s.states))
	for _, st := range s.states {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (s *Store) MarkQueued(key string) DownloadState {
	return s.commit(key, true, func(st *DownloadState) {
		if st.Status.IsActive() {
			return
		}
		st.Status = StatusQueued
		st.Progress = 0
		st.BytesDownloaded = 0
		st.Error = ""
		st.Action = ""
	})
}

// Begin starts a new attempt: progress goes back to zero and the attempt
// counter moves on.
func (s *Store) Begin(key string, total int64) DownloadState {
	return s.commit(key, true, func(st *DownloadState) {
		st.Attempt++
		st.AttemptID = uuid.NewString()
		st.Status = StatusDownloading
		st.Progress = 0
		st.BytesDownloaded = 0
		st.TotalBytes = total
		st.Error = ""
		st.Action = ""
	})
}

// Progress records forward movement within the current attempt. Lower
// progress or an earlier status than already recorded is ignored.
func (s *Store) Progress(key string, status Status, progress float64, downloaded, total int64) DownloadState {
	return s.commit(key, false, func(st *DownloadState) {
		if status.rank() > st.Status.rank() {
			st.Status = status
		}
		if progress > st.Progress {
			st.Progress = min(progress, 1)
		}
		if downloaded > st.BytesDownloaded {
			st.BytesDownloaded = downloaded
		}
		if total > 0 {
			st.TotalBytes = total
		}
	})
}

func (s *Store) Ready(key string, total int64) DownloadState {
	return s.commit(key, true, func(st *DownloadState) {
		st.Status = StatusReady
		st.Progress = 1
		if total > 0 {
			st.TotalBytes = total
			st.BytesDownloaded = total
		}
		st.Error = ""
		st.Action = ""
	})
}

// Fail keeps the byte counters of the attempt for display.
func (s *Store) Fail(key, message, action string) DownloadState {
	return s.commit(key, true, func(st *DownloadState) {
		st.Status = StatusFailed
		st.Error = message
		st.Action = action
	})
}

// Reset returns key to not-downloaded. The attempt counter is kept so a
// later attempt is still distinguishable.
func (s *Store) Reset(key string) DownloadState {
	return s.commit(key, true, func(st *DownloadState) {
		*st = DownloadState{Key: key, Status: StatusNotDownloaded, Attempt: st.Attempt}
	})
}

// Reconcile overwrites the cached status with one derived from disk, but
// only when it differs and no attempt is running.
func (s *Store) Reconcile(key string, onDisk Status, total int64) DownloadState {
	s.mu.Lock()
	cur, ok := s.states[key]
	s.mu.Unlock()
	switch {
	case ok && cur.Status.IsActive():
		return cur
	case onDisk == StatusReady && cur.Status != StatusReady:
		return s.Ready(key, total)
	case onDisk != StatusReady && cur.Status == StatusReady:
		return s.Reset(key)
	case !ok:
		return NotDownloaded(key)
	}
	return cur
}

func (s *Store) commit(key string, force bool, mutate func(*DownloadState)) DownloadState {
	s.mu.Lock()
	st, ok := s.states[key]
	if !ok {
		st = NotDownloaded(key)
	}
	before := st.Status
	mutate(&st)
	force = force || st.Status != before
	st.Key = key
	st.UpdatedAt = s.now()
	s.states[key] = st

	publish := force || s.throttle(key)
	var observers []Observer
	if publish {
		for _, sub := range s.subs[key] {
			offer(sub.ch, st)
		}
		for _, sub := range s.all {
			offer(sub.ch, st)
		}
		observers = append(observers, s.observers...)
	}
	s.mu.Unlock()

	for _, o := range observers {
		o.Observe(st)
	}
	return st
}

func (s *Store) throttle(key string) bool {
	if s.interval <= 0 {
		return true
	}
	sometimes, ok := s.throttles[key]
	if !ok {
		sometimes = &rate.Sometimes{First: 1, Interval: s.interval}
		s.throttles[key] = sometimes
	}
	ran := false
	sometimes.Do(func() { ran = true })
	return ran
}

// offer delivers st without blocking. A full buffer drops its oldest entry
// so slow subscribers always end up with the latest state.
func offer(ch chan DownloadState, st DownloadState) {
	select {
	case ch <- st:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- st:
	default:
	}
}

// Subscribe streams changes for key, starting with its current state. The
// returned func ends the subscription and closes the channel.
func (s *Store) Subscribe(key string) (<-chan DownloadState, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub := &subscription{ch: make(chan DownloadState, subscriberBuffer)}
	id := s.nextSub
	s.nextSub++
	if s.subs[key] == nil {
		s.subs[key] = make(map[uint64]*subscription)
	}
	s.subs[key][id] = sub
	if st, ok := s.states[key]; ok {
		sub.ch <- st
	} else {
		sub.ch <- NotDownloaded(key)
	}
	return sub.ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs[key], id)
		if len(s.subs[key]) == 0 {
			delete(s.subs, key)
		}
		sub.once.Do(func() { close(sub.ch) })
	}
}

// SubscribeAll streams changes for every key.
func (s *Store) SubscribeAll() (<-chan DownloadState, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub := &subscription{ch: make(chan DownloadState, subscriberBuffer*4)}
	id := s.nextSub
	s.nextSub++
	s.all[id] = sub
	return sub.ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.all, id)
		sub.once.Do(func() { close(sub.ch) })
	}
}
