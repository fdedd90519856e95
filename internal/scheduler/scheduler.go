// Package scheduler runs work off the caller's goroutine and delivers the
// completion callback on a single dispatcher goroutine, so callbacks never
// race each other.
package scheduler

import (
	"context"
	"sync"
	"time"
)

// Task is a handle to scheduled work.
type Task interface {
	// Cancel asks the work to stop. A cancelled task's callback is not run.
	Cancel()
	// Done is closed once the background work has returned and the
	// callback, if any, has run or been skipped.
	Done() <-chan struct{}
	Cancelled() bool
}

// Scheduler runs background work with a foreground callback.
type Scheduler interface {
	// Immediate starts background on its own goroutine and, when it
	// returns, runs foreground on the dispatcher. Either may be nil.
	Immediate(background func(ctx context.Context), foreground func()) Task

	// Repeat runs fn every interval until the task is cancelled. Runs never
	// overlap.
	Repeat(interval time.Duration, fn func(ctx context.Context)) Task
}

type task struct {
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func newTask(parent context.Context) *task {
	ctx, cancel := context.WithCancel(parent)
	return &task{ctx: ctx, cancel: cancel, done: make(chan struct{})}
}

func (t *task) Cancel()               { t.cancel() }
func (t *task) Done() <-chan struct{} { return t.done }
func (t *task) Cancelled() bool       { return t.ctx.Err() != nil }

// Dispatcher is the default Scheduler.
type Dispatcher struct {
	ctx    context.Context
	stop   context.CancelFunc
	queue  chan func()
	wg     sync.WaitGroup
	closed chan struct{}
}

// New starts a dispatcher. Work scheduled on it sees a context derived from
// parent.
func New(parent context.Context) *Dispatcher {
	ctx, stop := context.WithCancel(parent)
	d := &Dispatcher{
		ctx:    ctx,
		stop:   stop,
		queue:  make(chan func(), 64),
		closed: make(chan struct{}),
	}
	go d.loop()
	return d
}

func (d *Dispatcher) loop() {
	defer close(d.closed)
	for fn := range d.queue {
		fn()
	}
}

func (d *Dispatcher) Immediate(background func(ctx context.Context), foreground func()) Task {
	t := newTask(d.ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if background != nil {
			background(t.ctx)
		}
		if foreground == nil || t.Cancelled() {
			t.cancel()
			close(t.done)
			return
		}
		d.queue <- func() {
			defer close(t.done)
			defer t.cancel()
			if t.ctx.Err() == nil {
				foreground()
			}
		}
	}()
	return t
}

func (d *Dispatcher) Repeat(interval time.Duration, fn func(ctx context.Context)) Task {
	t := newTask(d.ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer close(t.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-t.ctx.Done():
				return
			case <-ticker.C:
				fn(t.ctx)
			}
		}
	}()
	return t
}

// Wait blocks until every scheduled task has finished. Repeating tasks
// must be cancelled first.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Close cancels outstanding work, waits for it and stops the dispatcher.
func (d *Dispatcher) Close() {
	d.stop()
	d.wg.Wait()
	close(d.queue)
	<-d.closed
}
