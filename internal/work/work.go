// Package work runs deferred tasks on a single worker goroutine.
//
// A Task is a reusable slot with the state machine
// Idle -> Pending -> Running -> Idle. EnqueueIfIdle only admits an Idle
// task, so a task is never queued twice and never runs concurrently with
// itself; extra triggers while it is Pending or Running coalesce.
package work

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// State of a Task.
type State int32

const (
	Idle State = iota
	Pending
	Running
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Pending:
		return "pending"
	case Running:
		return "running"
	}
	return "unknown"
}

// Func is the body of a task. It may block.
type Func func(ctx context.Context) error

// Task is created once and reused for the life of the process.
type Task struct {
	name  string
	fn    Func
	state atomic.Int32

	runs      atomic.Uint64
	coalesced atomic.Uint64
	failures  atomic.Uint64
}

// NewTask creates an Idle task.
func NewTask(name string, fn Func) *Task {
	return &Task{name: name, fn: fn}
}

// Name returns the task name.
func (t *Task) Name() string { return t.name }

// State returns the current state.
func (t *Task) State() State { return State(t.state.Load()) }

// Runs is the number of completed executions, failed or not.
func (t *Task) Runs() uint64 { return t.runs.Load() }

// Coalesced is the number of enqueues that found the task already Pending or Running.
func (t *Task) Coalesced() uint64 { return t.coalesced.Load() }

// Failures is the number of executions that returned an error or panicked.
func (t *Task) Failures() uint64 { return t.failures.Load() }

// DoneFunc observes every completed execution.
type DoneFunc func(t *Task, took time.Duration, err error)

// Queue dispatches tasks to one worker.
type Queue struct {
	log    *slog.Logger
	onDone DoneFunc

	// mu guards closed and the send on tasks. It is never held by the
	// worker, so EnqueueIfIdle does not wait on task execution.
	mu     sync.RWMutex
	closed bool
	tasks  chan *Task
	wg     sync.WaitGroup
}

// NewQueue creates a Queue able to hold up to capacity distinct pending tasks.
func NewQueue(capacity int, log *slog.Logger) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{
		log:   log,
		tasks: make(chan *Task, capacity),
	}
}

// OnDone sets a hook called after each execution. Call before Start.
func (q *Queue) OnDone(fn DoneFunc) {
	q.onDone = fn
}

// Start launches the worker. ctx is passed to every task.
func (q *Queue) Start(ctx context.Context) {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		for t := range q.tasks {
			q.run(ctx, t)
		}
	}()
}

// EnqueueIfIdle admits t if it is Idle and reports whether it did. It never
// blocks and is safe to call from concurrent notification handlers.
func (q *Queue) EnqueueIfIdle(t *Task) bool {
	if !t.state.CompareAndSwap(int32(Idle), int32(Pending)) {
		t.coalesced.Add(1)
		return false
	}

	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		t.state.Store(int32(Idle))
		return false
	}
	select {
	case q.tasks <- t:
		return true
	default:
		// more distinct tasks than capacity
		t.state.Store(int32(Idle))
		return false
	}
}

// Close stops admitting tasks and waits for queued and running tasks to
// finish. Tasks are not cancelled.
func (q *Queue) Close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.tasks)
	}
	q.mu.Unlock()
	q.wg.Wait()
}

func (q *Queue) run(ctx context.Context, t *Task) {
	t.state.Store(int32(Running))
	start := time.Now()
	err := q.call(ctx, t)
	took := time.Since(start)

	t.runs.Add(1)
	if err != nil {
		t.failures.Add(1)
		q.log.Error("deferred task failed", "task", t.name, "error", err, "took", took)
	} else {
		q.log.Debug("deferred task done", "task", t.name, "took", took)
	}
	if q.onDone != nil {
		q.onDone(t, took, err)
	}
	t.state.Store(int32(Idle))
}

func (q *Queue) call(ctx context.Context, t *Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return t.fn(ctx)
}
