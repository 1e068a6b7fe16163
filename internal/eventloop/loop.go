package eventloop

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HMasataka/presence/internal/logging"
	"github.com/HMasataka/presence/pkg/domain"
	"github.com/benbjohnson/clock"
)

// Options configures a Loop
type Options struct {
	QueueSize int
	Clock     clock.Clock
	// OnPanic is called, on the loop goroutine, after a task panicked
	OnPanic func(name string, recovered any)
}

// DefaultOptions returns default loop options
func DefaultOptions() Options {
	return Options{
		QueueSize: 4096,
		Clock:     clock.New(),
	}
}

type task struct {
	name string
	fn   func()
}

type timer struct {
	name     string
	interval time.Duration
	fn       func()
}

// Loop runs every registry and presence mutation one at a time on a single
// goroutine. Tasks are executed in the order they were posted.
type Loop struct {
	tasks   chan task
	timers  []timer
	logger  *logging.Logger
	options Options
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool

	executed int64
	panics   int64
}

// New creates a new loop
func New(logger *logging.Logger, options Options) *Loop {
	if options.QueueSize <= 0 {
		options.QueueSize = DefaultOptions().QueueSize
	}
	if options.Clock == nil {
		options.Clock = clock.New()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Loop{
		tasks:   make(chan task, options.QueueSize),
		logger:  logger.WithFields(map[string]any{"component": "eventloop"}),
		options: options,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Every registers fn to run on the loop at a fixed interval. It must be
// called before Start.
func (l *Loop) Every(name string, interval time.Duration, fn func()) {
	if interval <= 0 {
		return
	}
	l.timers = append(l.timers, timer{name: name, interval: interval, fn: fn})
}

// Start starts the loop goroutine and its timers
func (l *Loop) Start(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return fmt.Errorf("event loop already started")
	}

	go func() {
		select {
		case <-ctx.Done():
			l.cancel()
		case <-l.ctx.Done():
		}
	}()

	l.wg.Add(1)
	go l.run()

	for _, t := range l.timers {
		l.wg.Add(1)
		go l.tick(t)
	}

	l.logger.Info("event loop started", "timers", len(l.timers))
	return nil
}

// Stop drains the queued tasks and stops the loop
func (l *Loop) Stop() error {
	l.logger.Info("stopping event loop")
	l.cancel()
	l.wg.Wait()
	l.logger.Info("event loop stopped",
		"executed", atomic.LoadInt64(&l.executed),
		"panics", atomic.LoadInt64(&l.panics),
	)
	return nil
}

// Post queues fn for execution. It blocks while the queue is full and
// fails once the loop is stopped.
func (l *Loop) Post(name string, fn func()) error {
	if l.ctx.Err() != nil {
		return domain.ErrLoopStopped
	}
	select {
	case l.tasks <- task{name: name, fn: fn}:
		return nil
	case <-l.ctx.Done():
		return domain.ErrLoopStopped
	}
}

// Call queues fn and waits until it has run.
func (l *Loop) Call(ctx context.Context, name string, fn func()) error {
	done := make(chan struct{})
	if err := l.Post(name, func() {
		defer close(done)
		fn()
	}); err != nil {
		return err
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.ctx.Done():
		// the task may still have run during the drain
		select {
		case <-done:
			return nil
		default:
			return domain.ErrLoopStopped
		}
	}
}

// Executed returns the number of tasks run so far
func (l *Loop) Executed() int64 {
	return atomic.LoadInt64(&l.executed)
}

// run is the main loop
func (l *Loop) run() {
	defer l.wg.Done()

	for {
		select {
		case <-l.ctx.Done():
			l.drain()
			return
		case t := <-l.tasks:
			l.execute(t)
		}
	}
}

// drain runs whatever was queued before Stop
func (l *Loop) drain() {
	for {
		select {
		case t := <-l.tasks:
			l.execute(t)
		default:
			return
		}
	}
}

func (l *Loop) execute(t task) {
	defer func() {
		if r := recover(); r != nil {
			atomic.AddInt64(&l.panics, 1)
			l.logger.Error("task panicked", "task", t.name, "panic", fmt.Sprint(r))
			if l.options.OnPanic != nil {
				l.options.OnPanic(t.name, r)
			}
		}
	}()

	t.fn()
	atomic.AddInt64(&l.executed, 1)
}

func (l *Loop) tick(t timer) {
	defer l.wg.Done()

	ticker := l.options.Clock.Ticker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.ctx.Done():
			return
		case <-ticker.C:
			if err := l.Post(t.name, t.fn); err != nil {
				return
			}
		}
	}
}
