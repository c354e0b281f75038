// Package eventloop runs a single-goroutine, readiness-driven dispatcher.
//
// All socket reads and writes of a connection happen on the goroutine that calls
// Run. Other goroutines talk to the loop only through Post, Wakeup and ExitLoop.
//
// One iteration:
//
//	posted tasks → wakeup tasks (e.g. drain the outbound queue) → due timers
//	  → arm readiness watchers → wait for the first of {readiness, wakeup, timer, ctx}
//	  → dispatch read/write handlers
//
// Readiness comes from watcher goroutines parked in Selectable.WaitReadable /
// WaitWritable (the runtime netpoller). A watcher only waits; when it fires, the
// handler runs on the loop goroutine. A watcher is never re-armed until its
// previous notification has been consumed, so at most one read and one write
// watcher exist per Selectable.
package eventloop

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var ErrAlreadyRunning = errors.New("eventloop: already running")

// Selectable is something whose readiness the loop can wait on.
// *transport.Channel implements it.
type Selectable interface {
	WaitReadable() error
	WaitWritable() error
}

type op uint8

const (
	opRead op = iota
	opWrite
)

type readiness struct {
	sel Selectable
	op  op
}

type registration struct {
	onRead  func()
	onWrite func()
}

type armed struct {
	read, write bool
}

type Loop struct {
	logger *zap.Logger

	wake    chan struct{}
	events  chan readiness
	done    chan struct{}
	exit    atomic.Bool
	running atomic.Bool

	mu      sync.Mutex
	posted  []func()
	stopped bool

	// Everything below is owned by the loop goroutine.
	wakeupTasks []func()
	exitHooks   []func()
	regs        map[Selectable]*registration
	armed       map[Selectable]*armed
	timers      timerHeap
	timerSeq    uint64
}

type Option func(*Loop)

func WithLogger(logger *zap.Logger) Option {
	return func(l *Loop) {
		if logger != nil {
			l.logger = logger
		}
	}
}

func New(opts ...Option) *Loop {
	l := &Loop{
		logger: zap.NewNop(),
		wake:   make(chan struct{}, 1),
		events: make(chan readiness, 16),
		done:   make(chan struct{}),
		regs:   make(map[Selectable]*registration),
		armed:  make(map[Selectable]*armed),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run dispatches events until ExitLoop is called or ctx is done. Exit is
// cooperative: it is noticed at the next iteration boundary. On the way out the
// exit hooks run (owners release their sockets there), followed by any tasks
// that were posted but not yet run.
func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer l.shutdown()

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for !l.exit.Load() {
		l.runPosted()
		for _, task := range l.wakeupTasks {
			task()
		}
		l.runTimers(time.Now())
		if l.exit.Load() {
			break
		}
		l.armWatchers()

		var timerC <-chan time.Time
		if d, ok := l.nextTimer(time.Now()); ok {
			timer.Reset(d)
			timerC = timer.C
		}

		select {
		case <-ctx.Done():
			l.exit.Store(true)
		case <-l.wake:
		case ev := <-l.events:
			l.dispatch(ev)
			l.dispatchReady()
		case <-timerC:
		}
		timer.Stop()
	}
	return ctx.Err()
}

// ExitLoop asks the loop to stop at the next iteration boundary. Safe from any goroutine.
func (l *Loop) ExitLoop() {
	l.exit.Store(true)
	l.Wakeup()
}

// Wakeup makes a parked loop run one more iteration. Safe from any goroutine.
func (l *Loop) Wakeup() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Post schedules fn to run on the loop goroutine. It reports false, and fn will
// never run, when the loop has already shut down.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.posted = append(l.posted, fn)
	l.mu.Unlock()
	l.Wakeup()
	return true
}

// Done is closed once the loop has exited and its exit hooks have run.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// AddWakeupTask registers fn to run at the start of every iteration.
// Call before Run or from the loop goroutine.
func (l *Loop) AddWakeupTask(fn func()) {
	l.wakeupTasks = append(l.wakeupTasks, fn)
}

// OnExit registers fn to run on the loop goroutine when the loop stops.
// Call before Run or from the loop goroutine.
func (l *Loop) OnExit(fn func()) {
	l.exitHooks = append(l.exitHooks, fn)
}

// RegisterRead calls fn on the loop goroutine whenever s becomes readable.
// Loop goroutine only.
func (l *Loop) RegisterRead(s Selectable, fn func()) {
	l.reg(s).onRead = fn
}

// RegisterWrite calls fn on the loop goroutine whenever s becomes writable.
// Loop goroutine only.
func (l *Loop) RegisterWrite(s Selectable, fn func()) {
	l.reg(s).onWrite = fn
}

func (l *Loop) UnregisterRead(s Selectable) {
	if r, ok := l.regs[s]; ok {
		r.onRead = nil
		l.gc(s)
	}
}

func (l *Loop) UnregisterWrite(s Selectable) {
	if r, ok := l.regs[s]; ok {
		r.onWrite = nil
		l.gc(s)
	}
}

// Unregister drops all interest in s. A watcher that is already parked stays
// parked until s is closed or becomes ready; its notification is then ignored.
func (l *Loop) Unregister(s Selectable) {
	delete(l.regs, s)
}

func (l *Loop) reg(s Selectable) *registration {
	r, ok := l.regs[s]
	if !ok {
		r = &registration{}
		l.regs[s] = r
	}
	return r
}

func (l *Loop) gc(s Selectable) {
	if r := l.regs[s]; r != nil && r.onRead == nil && r.onWrite == nil {
		delete(l.regs, s)
	}
}

func (l *Loop) runPosted() {
	l.mu.Lock()
	tasks := l.posted
	l.posted = nil
	l.mu.Unlock()
	for _, fn := range tasks {
		fn()
	}
}

func (l *Loop) armWatchers() {
	for s, r := range l.regs {
		a := l.armed[s]
		if a == nil {
			a = &armed{}
			l.armed[s] = a
		}
		if r.onRead != nil && !a.read {
			a.read = true
			go l.watch(s, opRead)
		}
		if r.onWrite != nil && !a.write {
			a.write = true
			go l.watch(s, opWrite)
		}
	}
}

func (l *Loop) watch(s Selectable, o op) {
	var err error
	if o == opRead {
		err = s.WaitReadable()
	} else {
		err = s.WaitWritable()
	}
	if err != nil {
		l.logger.Debug("readiness wait ended with error", zap.Error(err))
	}
	select {
	case l.events <- readiness{sel: s, op: o}:
	case <-l.done:
	}
}

// dispatchReady handles notifications that are already queued without waiting.
func (l *Loop) dispatchReady() {
	for {
		select {
		case ev := <-l.events:
			l.dispatch(ev)
		default:
			return
		}
	}
}

func (l *Loop) dispatch(ev readiness) {
	if a := l.armed[ev.sel]; a != nil {
		if ev.op == opRead {
			a.read = false
		} else {
			a.write = false
		}
		if !a.read && !a.write {
			delete(l.armed, ev.sel)
		}
	}

	r, ok := l.regs[ev.sel]
	if !ok {
		return
	}
	if ev.op == opRead && r.onRead != nil {
		r.onRead()
	} else if ev.op == opWrite && r.onWrite != nil {
		r.onWrite()
	}
}

func (l *Loop) shutdown() {
	l.mu.Lock()
	l.stopped = true
	leftover := l.posted
	l.posted = nil
	l.mu.Unlock()

	for _, hook := range l.exitHooks {
		hook()
	}
	for _, fn := range leftover {
		fn()
	}
	l.regs = make(map[Selectable]*registration)
	close(l.done)
	l.logger.Debug("event loop exited")
}
