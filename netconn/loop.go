// Package netconn drives peerwire connections over real network connections. A Loop serializes
// transport events with the owner's own work, so PeerConns run on it need no locking.
package netconn

import (
	"context"
	"time"

	"github.com/anacrolix/chansync"
	"github.com/anacrolix/sync"
)

// Runs posted functions one at a time, in order, on the goroutine calling Run.
type Loop struct {
	mu     sync.Mutex
	queue  []func()
	posted chansync.BroadcastCond
	closed chansync.SetOnce
}

func NewLoop() *Loop {
	return &Loop{}
}

// Queues f to run on the loop. Returns false if the loop is closed. Safe to call from any
// goroutine, including the loop's.
func (l *Loop) Post(f func()) bool {
	if l.closed.IsSet() {
		return false
	}
	l.mu.Lock()
	l.queue = append(l.queue, f)
	l.posted.Broadcast()
	l.mu.Unlock()
	return true
}

// Posts f after d. The returned timer can be stopped.
func (l *Loop) AfterFunc(d time.Duration, f func()) *time.Timer {
	return time.AfterFunc(d, func() {
		l.Post(f)
	})
}

// Posts f and waits for it to run.
func (l *Loop) Do(ctx context.Context, f func()) error {
	done := make(chan struct{})
	if !l.Post(func() {
		defer close(done)
		f()
	}) {
		return context.Canceled
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.closed.Done():
		return context.Canceled
	}
}

// Runs posted functions until ctx is done or the loop is closed. Functions still queued at that
// point are dropped.
func (l *Loop) Run(ctx context.Context) error {
	for {
		l.mu.Lock()
		q := l.queue
		l.queue = nil
		posted := l.posted.Signaled()
		l.mu.Unlock()
		for _, f := range q {
			if l.closed.IsSet() {
				return nil
			}
			f()
		}
		if len(q) != 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.closed.Done():
			return nil
		case <-posted:
		}
	}
}

func (l *Loop) Close() {
	l.closed.Set()
}
