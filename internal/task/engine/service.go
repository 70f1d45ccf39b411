// Package engine is the single logical thread of the reminder engine: one
// worker goroutine draining a bounded queue. Every mutation, rearm pass and
// timer callback runs here, one at a time.
package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"reminderd/internal/eventbus"
	rtsup "reminderd/internal/runtime/supervisor"
	logx "reminderd/pkg/logx"
)

// Func is a unit of work. The context is cancelled when the executor stops.
type Func func(ctx context.Context) error

type ctxKey struct{}

type job struct {
	id   uint64
	name string
	fn   Func
	enq  time.Time
	done chan error // nil for Submit
}

type Executor struct {
	cfg    Config
	log    logx.Logger
	bus    eventbus.Bus
	inline bool

	mu      sync.RWMutex
	q       chan job
	sup     *rtsup.Supervisor
	exited  chan struct{}
	running bool

	seq      atomic.Uint64
	executed atomic.Uint64
	failed   atomic.Uint64
	dropped  atomic.Uint64

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Executor {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Executor{cfg: cfg.withDefaults(), log: log, bus: bus}
}

// NewInline returns an executor that runs every task synchronously on the
// calling goroutine. Tests pair it with a fake clock so that advancing time
// runs callbacks to completion before Advance returns. It is not safe for
// concurrent use.
func NewInline(log logx.Logger, bus eventbus.Bus) *Executor {
	e := New(Config{}, log, bus)
	e.inline = true
	e.running = true
	return e
}

func (e *Executor) Start(ctx context.Context) {
	if e.inline {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return
	}
	e.q = make(chan job, e.cfg.QueueSize)
	e.exited = make(chan struct{})
	e.sup = rtsup.New(ctx, rtsup.WithLogger(e.log))
	e.running = true

	q, exited := e.q, e.exited
	e.sup.Go0("executor", func(ctx context.Context) {
		defer close(exited)
		e.loop(ctx, q)
	})
	e.log.Debug("executor started", logx.Int("queue", e.cfg.QueueSize))
}

// Stop rejects new work, runs what is already queued, and waits for the
// worker or ctx.
func (e *Executor) Stop(ctx context.Context) error {
	if e.inline {
		return nil
	}
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	q, sup, exited := e.q, e.sup, e.exited
	e.mu.Unlock()

	close(q)
	select {
	case <-exited:
	case <-ctx.Done():
		sup.Cancel()
		return ctx.Err()
	}
	return sup.Stop(ctx)
}

func (e *Executor) loop(ctx context.Context, q <-chan job) {
	for j := range q {
		e.exec(ctx, j)
	}
}

// Submit enqueues fn without waiting for it.
func (e *Executor) Submit(name string, fn Func) error {
	j := job{id: e.seq.Add(1), name: name, fn: fn, enq: time.Now()}
	if e.inline {
		e.execInline(j)
		return nil
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.running {
		return ErrStopped
	}
	select {
	case e.q <- j:
		return nil
	default:
		e.dropped.Add(1)
		e.log.Warn("executor queue full; task dropped", logx.String("task", name))
		return ErrQueueFull
	}
}

// Do runs fn on the executor and returns its error. Called from inside a
// task it runs fn directly instead of deadlocking on its own queue.
func (e *Executor) Do(ctx context.Context, name string, fn Func) error {
	if ctx.Value(ctxKey{}) == e {
		return e.call(ctx, name, fn)
	}
	j := job{id: e.seq.Add(1), name: name, fn: fn, enq: time.Now(), done: make(chan error, 1)}
	if e.inline {
		e.execInline(j)
		return <-j.done
	}

	e.mu.RLock()
	if !e.running {
		e.mu.RUnlock()
		return ErrStopped
	}
	q, exited := e.q, e.exited
	// Holding the read lock keeps Stop from closing q mid-send.
	select {
	case q <- j:
	case <-ctx.Done():
		e.mu.RUnlock()
		return ctx.Err()
	}
	e.mu.RUnlock()

	select {
	case err := <-j.done:
		return err
	case <-exited:
		select {
		case err := <-j.done:
			return err
		default:
			return ErrStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Executor) execInline(j job) {
	e.exec(context.Background(), j)
}

func (e *Executor) exec(ctx context.Context, j job) {
	start := time.Now()
	err := e.call(ctx, j.name, j.fn)
	dur := time.Since(start)

	item := HistoryItem{ID: j.id, Name: j.name, Started: start, QueueDelay: start.Sub(j.enq), Duration: dur}
	ev := TaskEvent{ID: j.id, Name: j.name, Duration: dur}
	e.executed.Add(1)
	if err != nil {
		e.failed.Add(1)
		item.Error = err.Error()
		ev.Error = err.Error()
		e.log.Warn("task failed", logx.String("task", j.name), logx.Duration("took", dur), logx.Err(err))
		eventbus.Publish(e.bus, eventbus.TaskFailed, ev)
	} else {
		e.log.Trace("task finished", logx.String("task", j.name), logx.Duration("took", dur))
		eventbus.Publish(e.bus, eventbus.TaskFinished, ev)
	}
	e.record(item)

	if j.done != nil {
		j.done <- err
	}
}

// call runs fn with the executor marker in ctx and converts a panic into an
// error.
func (e *Executor) call(ctx context.Context, name string, fn Func) (err error) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("task panicked", logx.String("task", name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("panic in %s: %v", name, r)
		}
	}()
	return fn(context.WithValue(ctx, ctxKey{}, e))
}

func (e *Executor) record(item HistoryItem) {
	e.hmu.Lock()
	e.history = append(e.history, item)
	if n := len(e.history) - e.cfg.HistorySize; n > 0 {
		e.history = append([]HistoryItem(nil), e.history[n:]...)
	}
	e.hmu.Unlock()
}

func (e *Executor) Snapshot() Snapshot {
	e.mu.RLock()
	snap := Snapshot{Running: e.running, Inline: e.inline, QueueCap: e.cfg.QueueSize}
	if e.q != nil && e.running {
		snap.QueueLen = len(e.q)
	}
	e.mu.RUnlock()

	snap.Executed = e.executed.Load()
	snap.Failed = e.failed.Load()
	snap.Dropped = e.dropped.Load()
	e.hmu.Lock()
	snap.History = append([]HistoryItem(nil), e.history...)
	e.hmu.Unlock()
	return snap
}
