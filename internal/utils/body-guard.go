package utils

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

// guardedBody closes the wrapped body when ctx ends or when a single Read
// waits longer than idle, so a stalled server cannot block the reader.
type guardedBody struct {
	body  io.ReadCloser
	idle  time.Duration
	timer *time.Timer
	stop  func() bool

	mu     sync.Mutex
	reason error
}

// GuardBody wraps a transfer body. Reads blocked by a cancelled ctx return
// ErrCancelled; reads idle for longer than idle return ErrStalled (which is
// also ErrInterrupted). idle <= 0 disables the idle deadline.
func GuardBody(ctx context.Context, body io.ReadCloser, idle time.Duration) io.ReadCloser {
	g := &guardedBody{body: body, idle: idle}
	if idle > 0 {
		g.timer = time.AfterFunc(idle, func() {
			g.abort(fmt.Errorf("%w: %w: no data for %s", ErrInterrupted, ErrStalled, idle))
		})
		g.timer.Stop()
	}
	g.stop = context.AfterFunc(ctx, func() {
		g.abort(fmt.Errorf("%w: %w", ErrCancelled, context.Cause(ctx)))
	})
	return g
}

func (g *guardedBody) abort(reason error) {
	g.mu.Lock()
	if g.reason == nil {
		g.reason = reason
	}
	g.mu.Unlock()
	g.body.Close()
}

func (g *guardedBody) cause() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.reason
}

func (g *guardedBody) Read(p []byte) (int, error) {
	if reason := g.cause(); reason != nil {
		return 0, reason
	}
	if g.timer != nil {
		g.timer.Reset(g.idle)
	}
	n, err := g.body.Read(p)
	if g.timer != nil {
		g.timer.Stop()
	}
	if err != nil {
		if reason := g.cause(); reason != nil {
			return n, reason
		}
	}
	return n, err
}

func (g *guardedBody) Close() error {
	g.stop()
	if g.timer != nil {
		g.timer.Stop()
	}
	return g.body.Close()
}
