package server

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/signadot/beansync/debug"
)

// Task is work deferred to the next exchange of a session. Tasks run with
// the session locked and may change beans freely.
type Task func(ctx context.Context) error

// TaskStats summarizes one RunAll call.
type TaskStats struct {
	Ran      int
	Failed   int
	Deferred int
}

// TaskQueue is a FIFO of deferred tasks. Push and Interrupt are safe for
// concurrent use; RunAll is called by one goroutine at a time.
type TaskQueue struct {
	mu    sync.Mutex
	tasks []Task
	gen   uint64
	// armed makes the next Wait return at once. Release sets it for a
	// poll that has not started waiting yet.
	armed   bool
	waiting int
	wake  chan struct{}
	log   *slog.Logger
}

func NewTaskQueue(log *slog.Logger) *TaskQueue {
	if log == nil {
		log = slog.Default()
	}
	return &TaskQueue{wake: make(chan struct{}, 1), log: log}
}

// Push appends t and wakes a waiting long poll.
func (q *TaskQueue) Push(t Task) {
	q.mu.Lock()
	q.tasks = append(q.tasks, t)
	q.mu.Unlock()
	q.signal()
}

// Interrupt wakes a waiting long poll and stops a running RunAll before its
// next task. Queued tasks are kept.
func (q *TaskQueue) Interrupt() {
	q.mu.Lock()
	q.gen++
	q.armed = false
	q.mu.Unlock()
	q.signal()
}

// Release is Interrupt for a client about to send a batch: it wakes a
// waiting poll, or when no poll is waiting, makes the next Wait return at
// once.
func (q *TaskQueue) Release() {
	q.mu.Lock()
	q.gen++
	q.armed = q.waiting == 0
	q.mu.Unlock()
	q.signal()
}

func (q *TaskQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *TaskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Wait blocks until a task is queued, Interrupt or Release is called,
// maxWait elapses or ctx is done. It reports whether tasks are queued.
func (q *TaskQueue) Wait(ctx context.Context, maxWait time.Duration) bool {
	q.mu.Lock()
	n, gen, armed := len(q.tasks), q.gen, q.armed
	q.armed = false
	if n > 0 || armed || maxWait <= 0 {
		q.mu.Unlock()
		return n > 0
	}
	q.waiting++
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		q.waiting--
		q.mu.Unlock()
	}()
	timer := time.NewTimer(maxWait)
	defer timer.Stop()
	for {
		select {
		case <-q.wake:
		case <-timer.C:
			return q.Len() > 0
		case <-ctx.Done():
			return q.Len() > 0
		}
		q.mu.Lock()
		n, interrupted := len(q.tasks), q.gen != gen
		q.mu.Unlock()
		if n > 0 {
			return true
		}
		if interrupted {
			return false
		}
	}
}

// RunAll runs queued tasks in order until the queue is empty, budget is
// spent or Interrupt is called. A started task always runs to completion;
// the remaining tasks stay queued. A zero budget means no limit. Task
// failures and panics are logged and combined into the returned error.
func (q *TaskQueue) RunAll(ctx context.Context, budget time.Duration) (TaskStats, error) {
	var (
		stats TaskStats
		errs  error
		start = time.Now()
	)
	q.mu.Lock()
	gen := q.gen
	q.mu.Unlock()
	for {
		q.mu.Lock()
		if len(q.tasks) == 0 {
			q.mu.Unlock()
			return stats, errs
		}
		if q.gen != gen || ctx.Err() != nil || (budget > 0 && time.Since(start) >= budget) {
			stats.Deferred = len(q.tasks)
			q.mu.Unlock()
			if debug.Tasks() {
				debug.Logf("tasks: deferred %d after %s", stats.Deferred, time.Since(start))
			}
			return stats, errs
		}
		t := q.tasks[0]
		q.tasks[0] = nil
		q.tasks = q.tasks[1:]
		q.mu.Unlock()

		stats.Ran++
		if err := runTask(ctx, t); err != nil {
			stats.Failed++
			q.log.Error("deferred task failed", "error", err)
			errs = multierr.Append(errs, err)
		}
	}
}

func runTask(ctx context.Context, t Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panic: %v", r)
		}
	}()
	return t(ctx)
}
