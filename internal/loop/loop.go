// Package loop provides the single logical event loop that every BlueZ
// callback runs on.
//
// Bus signals, method-call completions and timers are all posted to one Loop,
// which executes them one at a time in FIFO order. Code running on the loop
// therefore never races with other loop code and needs no locking.
package loop

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/ble2mqtt/internal/groutine"
)

// ErrStopped is returned when work is submitted to a loop that has exited.
var ErrStopped = errors.New("event loop stopped")

// Loop executes posted functions sequentially on a single goroutine.
type Loop struct {
	mu      sync.Mutex
	queue   []func()
	stopped bool

	wake   chan struct{}
	done   chan struct{}
	logger *logrus.Logger
}

// New creates a loop. It does nothing until Run or Start is called.
func New(logger *logrus.Logger) *Loop {
	if logger == nil {
		logger = logrus.New()
	}
	return &Loop{
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// Post enqueues fn. It is safe to call from any goroutine, including the
// loop itself. Returns false if the loop has already stopped.
func (l *Loop) Post(fn func()) bool {
	if fn == nil {
		return true
	}

	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// AfterFunc posts fn to the loop once d has elapsed. The returned function
// cancels the timer; it reports false if fn was already posted.
func (l *Loop) AfterFunc(d time.Duration, fn func()) (cancel func() bool) {
	if d <= 0 {
		l.Post(fn)
		return func() bool { return false }
	}
	t := time.AfterFunc(d, func() { l.Post(fn) })
	return t.Stop
}

// Run processes posted functions until ctx is canceled. Functions still queued
// when the loop stops are discarded.
func (l *Loop) Run(ctx context.Context) error {
	defer func() {
		l.mu.Lock()
		l.stopped = true
		l.queue = nil
		l.mu.Unlock()
		close(l.done)
	}()

	for {
		for {
			fn := l.next()
			if fn == nil {
				break
			}
			l.execute(fn)
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
		}
	}
}

// Start runs the loop on a named background goroutine.
func (l *Loop) Start(ctx context.Context) {
	groutine.Go(ctx, "event-loop", func(ctx context.Context) {
		_ = l.Run(ctx)
	})
}

// Done is closed once Run has returned.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Sync runs fn on the loop and waits for it to finish. It must not be called
// from the loop goroutine.
func (l *Loop) Sync(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrStopped
	}

	select {
	case <-finished:
		return nil
	case <-l.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Quiesce waits until the loop has no queued work. Timers that have not yet
// fired are not considered queued.
func (l *Loop) Quiesce(ctx context.Context) error {
	for {
		idle := false
		if err := l.Sync(ctx, func() { idle = l.Len() == 0 }); err != nil {
			return err
		}
		if idle {
			return nil
		}
	}
}

// Len returns the number of queued functions.
func (l *Loop) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

func (l *Loop) next() func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return nil
	}
	fn := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	return fn
}

func (l *Loop) execute(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.WithField("panic", r).Error("Event loop task panicked")
		}
	}()
	fn()
}
