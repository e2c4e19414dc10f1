package loop

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// ErrClosed is returned by Post, Do and Run after Close.
var ErrClosed = errors.New("loop: closed")

// ErrRunning is returned by Run when another Run is already active.
var ErrRunning = errors.New("loop: already running")

// DefaultQueueSize is the task queue capacity used when Options.QueueSize is 0.
const DefaultQueueSize = 256

// Options configures a Loop. Zero values are safe.
type Options struct {
	// QueueSize bounds the number of posted, not yet started tasks.
	// Post blocks (respecting ctx) while the queue is full.
	QueueSize int
	// Logger; nil => zap.NewNop().
	Logger *zap.Logger
}

// Loop is a single-goroutine cooperative task loop.
//
// Tasks are posted from any goroutine and run one at a time on the goroutine
// that calls Run (or RunUntilIdle). A task is the unit of work the cache's
// deferred pruning is attached to: observers registered with AfterTask fire
// once, in registration order, when the outermost running task returns.
//
// Loop implements cache.Scheduler.
type Loop struct {
	log   *zap.Logger
	tasks chan func()

	closeOnce sync.Once
	closed    chan struct{}
	running   atomic.Bool

	// depth counts nested RunTask calls; > 0 means "inside a task".
	// Only the loop goroutine writes it.
	depth atomic.Int32
	// firing is set while end-of-task observers run.
	firing atomic.Bool

	mu        sync.Mutex
	observers []*observer
}

type observer struct {
	fn        func()
	cancelled atomic.Bool
}

// New constructs a Loop. It does not start a goroutine; call Run.
func New(opt Options) *Loop {
	if opt.QueueSize <= 0 {
		opt.QueueSize = DefaultQueueSize
	}
	if opt.Logger == nil {
		opt.Logger = zap.NewNop()
	}
	return &Loop{
		log:    opt.Logger.Named("loop"),
		tasks:  make(chan func(), opt.QueueSize),
		closed: make(chan struct{}),
	}
}

// ---- posting ----

// Post queues fn to run on the loop goroutine. It blocks while the queue is
// full and returns ctx.Err() or ErrClosed if it cannot enqueue.
func (l *Loop) Post(ctx context.Context, fn func()) error {
	select {
	case <-l.closed:
		return ErrClosed
	default:
	}
	select {
	case l.tasks <- fn:
		return nil
	case <-l.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do posts fn and waits until it has run, including the end-of-task
// observers it triggered. Calling Do from the loop goroutine deadlocks.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	// done is the last observer of the task.
	err := l.Post(ctx, func() {
		fn()
		l.onIdle(func() { close(done) })
	})
	if err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-l.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ---- running ----

// Run executes posted tasks until ctx is done or Close is called.
// It returns ctx.Err(), or nil after Close.
func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer l.running.Store(false)

	l.log.Debug("loop started")
	defer l.log.Debug("loop stopped")

	for {
		select {
		case <-l.closed:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-l.tasks:
			l.RunTask(fn)
		}
	}
}

// RunUntilIdle runs queued tasks on the calling goroutine until the queue is
// empty and returns how many ran. Tests and hosts that own their own loop
// use it instead of Run.
func (l *Loop) RunUntilIdle() int {
	n := 0
	for {
		select {
		case fn := <-l.tasks:
			l.RunTask(fn)
			n++
		default:
			return n
		}
	}
}

// RunTask runs fn as a task on the calling goroutine, which must be the loop
// goroutine. Nested calls are part of the outer task; observers fire when
// the outermost call returns.
func (l *Loop) RunTask(fn func()) {
	l.depth.Add(1)
	func() {
		defer l.depth.Add(-1)
		fn()
	}()
	if l.depth.Load() == 0 {
		l.didProcessTask()
	}
}

// InTask reports whether a task is currently running.
func (l *Loop) InTask() bool { return l.depth.Load() > 0 }

// OnLoop reports whether a task or an end-of-task observer is running.
// The cache panics on mutating calls made while OnLoop is false.
func (l *Loop) OnLoop() bool { return l.InTask() || l.firing.Load() }

// ---- end-of-task observers ----

// AfterTask registers fn to run once when the current outermost task ends.
// Called between tasks, it wakes the loop with an empty task so fn still
// runs promptly. The returned cancel func unregisters fn if it has not run.
func (l *Loop) AfterTask(fn func()) (cancel func()) {
	o := &observer{fn: fn}
	l.mu.Lock()
	l.observers = append(l.observers, o)
	l.mu.Unlock()

	if !l.InTask() {
		l.wake()
	}
	return func() { o.cancelled.Store(true) }
}

// onIdle registers fn after the observers already queued for this task.
func (l *Loop) onIdle(fn func()) {
	l.mu.Lock()
	l.observers = append(l.observers, &observer{fn: fn})
	l.mu.Unlock()
}

func (l *Loop) didProcessTask() {
	l.mu.Lock()
	obs := l.observers
	l.observers = nil
	l.mu.Unlock()

	l.firing.Store(true)
	defer l.firing.Store(false)
	for _, o := range obs {
		if !o.cancelled.Load() {
			o.fn()
		}
	}
}

// wake posts a no-op task without blocking. A full queue already guarantees
// another task end, so dropping the wake-up is fine.
func (l *Loop) wake() {
	select {
	case l.tasks <- func() {}:
	default:
		l.log.Debug("wake-up dropped, queue full")
	}
}

// Pending returns the number of queued, not yet started tasks.
func (l *Loop) Pending() int { return len(l.tasks) }

// Close stops Run and makes Post and Do fail with ErrClosed. Queued tasks
// and registered observers are dropped. Close is idempotent.
func (l *Loop) Close() error {
	l.closeOnce.Do(func() {
		close(l.closed)
		l.mu.Lock()
		l.observers = nil
		l.mu.Unlock()
		l.log.Debug("loop closed", zap.Int("dropped_tasks", len(l.tasks)))
	})
	return nil
}
