// Package scheduler is the download queue. It bounds how many installs run
// at once, deduplicates ids, and supports cancellation and reordering.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tanq16/voxpull/internal/utils"
)

var ErrClosed = errors.New("queue closed")

// WorkFunc is the body of one queued job. ctx is cancelled by Cancel and
// Close; implementations are expected to poll it between chunks of work.
type WorkFunc func(ctx context.Context) error

// Ticket is the completion handle of an enqueued id.
type Ticket struct {
	ID    string
	RunID string

	done chan struct{}
	once sync.Once
	err  error
}

func newTicket(id string) *Ticket {
	return &Ticket{ID: id, RunID: uuid.NewString(), done: make(chan struct{})}
}

func (t *Ticket) finish(err error) {
	t.once.Do(func() {
		t.err = err
		close(t.done)
	})
}

func (t *Ticket) Done() <-chan struct{} { return t.done }

// Err is nil until the ticket is done.
func (t *Ticket) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

func (t *Ticket) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type job struct {
	ticket *Ticket
	fn     WorkFunc
	ctx    context.Context
	cancel context.CancelCauseFunc
}

type Option func(*Queue)

// WithDepthFunc reports the number of pending ids after every change.
func WithDepthFunc(fn func(pending int)) Option {
	return func(q *Queue) { q.depth = fn }
}

type Queue struct {
	concurrency int
	logger      zerolog.Logger
	depth       func(int)

	mu      sync.Mutex
	pending []*job
	active  map[string]*job
	closed  bool

	ctx    context.Context
	stop   context.CancelFunc
	wake   chan struct{}
	loopWG sync.WaitGroup
	jobWG  sync.WaitGroup
}

// New starts a queue running at most concurrency jobs at a time.
func New(concurrency int, logger zerolog.Logger, opts ...Option) *Queue {
	if concurrency <= 0 {
		concurrency = 1
	}
	ctx, stop := context.WithCancel(context.Background())
	q := &Queue{
		concurrency: concurrency,
		logger:      logger.With().Str("op", "scheduler/scheduler").Logger(),
		active:      make(map[string]*job),
		ctx:         ctx,
		stop:        stop,
		wake:        make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.loopWG.Add(1)
	go q.loop()
	return q
}

// Enqueue appends id to the pending list. An id that is already pending or
// running returns its existing ticket and fn is dropped.
func (q *Queue) Enqueue(id string, fn WorkFunc) *Ticket {
	q.mu.Lock()
	defer q.mu.Unlock()
	if j := q.lookup(id); j != nil {
		q.logger.Debug().Str("id", id).Msg("Already queued, returning existing ticket")
		return j.ticket
	}
	t := newTicket(id)
	if q.closed {
		t.finish(ErrClosed)
		return t
	}
	ctx, cancel := context.WithCancelCause(q.ctx)
	q.pending = append(q.pending, &job{ticket: t, fn: fn, ctx: ctx, cancel: cancel})
	q.logger.Debug().Str("id", id).Str("run", t.RunID).Msgf("Enqueued at position %d", len(q.pending))
	q.reportLocked()
	q.signal()
	return t
}

// Cancel removes a pending id and completes its ticket at once, or cancels
// the context of a running one. It reports whether id was known.
func (q *Queue) Cancel(id string) bool {
	q.mu.Lock()
	if idx := q.pendingIndex(id); idx >= 0 {
		j := q.pending[idx]
		q.pending = slices.Delete(q.pending, idx, idx+1)
		q.reportLocked()
		q.mu.Unlock()
		j.cancel(utils.ErrCancelled)
		j.ticket.finish(fmt.Errorf("%w: %s removed from queue", utils.ErrCancelled, id))
		q.logger.Info().Str("id", id).Msg("Cancelled pending download")
		return true
	}
	j, ok := q.active[id]
	q.mu.Unlock()
	if !ok {
		return false
	}
	j.cancel(utils.ErrCancelled)
	q.logger.Info().Str("id", id).Msg("Cancelling active download")
	return true
}

// Prioritize moves a pending id to the front. Running jobs are untouched.
func (q *Queue) Prioritize(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	idx := q.pendingIndex(id)
	if idx < 0 {
		return false
	}
	j := q.pending[idx]
	q.pending = slices.Delete(q.pending, idx, idx+1)
	q.pending = slices.Insert(q.pending, 0, j)
	return true
}

// Pending lists waiting ids in the order they will start.
func (q *Queue) Pending() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := make([]string, len(q.pending))
	for i, j := range q.pending {
		ids[i] = j.ticket.ID
	}
	return ids
}

// Active lists running ids, sorted.
func (q *Queue) Active() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := make([]string, 0, len(q.active))
	for id := range q.active {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Close rejects pending ids, cancels running ones and waits for them.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	dropped := q.pending
	q.pending = nil
	running := make([]*job, 0, len(q.active))
	for _, j := range q.active {
		running = append(running, j)
	}
	q.reportLocked()
	q.mu.Unlock()

	cause := fmt.Errorf("%w: %w", utils.ErrCancelled, ErrClosed)
	for _, j := range dropped {
		j.cancel(cause)
		j.ticket.finish(cause)
	}
	for _, j := range running {
		j.cancel(cause)
	}
	q.stop()
	q.loopWG.Wait()
	q.jobWG.Wait()
}

func (q *Queue) loop() {
	defer q.loopWG.Done()
	for {
		select {
		case <-q.ctx.Done():
			return
		case <-q.wake:
			q.dispatch()
		}
	}
}

func (q *Queue) dispatch() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for !q.closed && len(q.active) < q.concurrency && len(q.pending) > 0 {
		j := q.pending[0]
		q.pending = q.pending[1:]
		q.active[j.ticket.ID] = j
		q.jobWG.Add(1)
		go q.run(j)
	}
	q.reportLocked()
}

func (q *Queue) run(j *job) {
	defer q.jobWG.Done()
	log := q.logger.With().Str("id", j.ticket.ID).Str("run", j.ticket.RunID).Logger()
	log.Debug().Msg("Job started")
	err := q.call(j)
	j.cancel(nil)

	q.mu.Lock()
	delete(q.active, j.ticket.ID)
	q.mu.Unlock()

	if err != nil {
		log.Debug().Err(err).Msg("Job finished with error")
	} else {
		log.Debug().Msg("Job finished")
	}
	j.ticket.finish(err)
	q.signal()
}

func (q *Queue) call(j *job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error().Str("id", j.ticket.ID).Msgf("Job panicked: %v", r)
			err = fmt.Errorf("job %s panicked: %v", j.ticket.ID, r)
		}
	}()
	return j.fn(j.ctx)
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) lookup(id string) *job {
	if j, ok := q.active[id]; ok {
		return j
	}
	if idx := q.pendingIndex(id); idx >= 0 {
		return q.pending[idx]
	}
	return nil
}

func (q *Queue) pendingIndex(id string) int {
	return slices.IndexFunc(q.pending, func(j *job) bool { return j.ticket.ID == id })
}

func (q *Queue) reportLocked() {
	if q.depth != nil {
		q.depth(len(q.pending))
	}
}
