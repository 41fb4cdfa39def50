package server

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/multierr"
)

func record(log *[]string, name string) Task {
	return func(context.Context) error {
		*log = append(*log, name)
		return nil
	}
}

func TestTaskQueueOrder(t *testing.T) {
	q := NewTaskQueue(nil)
	var ran []string
	for _, name := range []string{"a", "b", "c"} {
		q.Push(record(&ran, name))
	}
	q.Push(func(context.Context) error { return errors.New("boom") })
	q.Push(func(context.Context) error { panic("kaboom") })
	q.Push(record(&ran, "d"))

	stats, err := q.RunAll(context.Background(), 0)
	if diff := cmp.Diff([]string{"a", "b", "c", "d"}, ran); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(TaskStats{Ran: 6, Failed: 2}, stats); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
	if errs := multierr.Errors(err); len(errs) != 2 || !strings.Contains(errs[1].Error(), "kaboom") {
		t.Errorf("errors %v", errs)
	}
	if q.Len() != 0 {
		t.Errorf("%d tasks left", q.Len())
	}
}

func TestTaskQueueInterrupt(t *testing.T) {
	q := NewTaskQueue(nil)
	var ran []string
	q.Push(func(ctx context.Context) error {
		ran = append(ran, "a")
		q.Interrupt()
		return nil
	})
	q.Push(record(&ran, "b"))
	q.Push(record(&ran, "c"))

	stats, err := q.RunAll(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(TaskStats{Ran: 1, Deferred: 2}, stats); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
	// The next turn picks up where the interrupted one stopped.
	if _, err := q.RunAll(context.Background(), 0); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"a", "b", "c"}, ran); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
}

func TestTaskQueueBudget(t *testing.T) {
	q := NewTaskQueue(nil)
	var ran []string
	for _, name := range []string{"a", "b", "c"} {
		q.Push(func(ctx context.Context) error {
			time.Sleep(20 * time.Millisecond)
			ran = append(ran, name)
			return nil
		})
	}
	stats, _ := q.RunAll(context.Background(), 10*time.Millisecond)
	if diff := cmp.Diff(TaskStats{Ran: 1, Deferred: 2}, stats); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"a"}, ran); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
}

func TestTaskQueueWait(t *testing.T) {
	ctx := context.Background()
	t.Run("queued", func(t *testing.T) {
		q := NewTaskQueue(nil)
		q.Push(func(context.Context) error { return nil })
		if !q.Wait(ctx, time.Hour) {
			t.Errorf("Wait ignored a queued task")
		}
	})
	t.Run("timeout", func(t *testing.T) {
		q := NewTaskQueue(nil)
		start := time.Now()
		if q.Wait(ctx, 20*time.Millisecond) {
			t.Errorf("Wait reported a task")
		}
		if time.Since(start) < 20*time.Millisecond {
			t.Errorf("Wait returned early")
		}
	})
	t.Run("push", func(t *testing.T) {
		q := NewTaskQueue(nil)
		go func() {
			time.Sleep(10 * time.Millisecond)
			q.Push(func(context.Context) error { return nil })
		}()
		if !q.Wait(ctx, 5*time.Second) {
			t.Errorf("Wait not woken by Push")
		}
	})
	t.Run("interrupt", func(t *testing.T) {
		q := NewTaskQueue(nil)
		go func() {
			time.Sleep(10 * time.Millisecond)
			q.Interrupt()
		}()
		start := time.Now()
		if q.Wait(ctx, 5*time.Second) {
			t.Errorf("Wait reported a task")
		}
		if time.Since(start) > 4*time.Second {
			t.Errorf("Wait not woken by Interrupt")
		}
	})
	t.Run("stale wakeup", func(t *testing.T) {
		q := NewTaskQueue(nil)
		q.Push(func(context.Context) error { return nil })
		q.RunAll(ctx, 0)
		// The signal of the drained push must not end the wait.
		if q.Wait(ctx, 20*time.Millisecond) {
			t.Errorf("Wait reported a drained task")
		}
	})
	t.Run("release before wait", func(t *testing.T) {
		q := NewTaskQueue(nil)
		q.Release()
		start := time.Now()
		if q.Wait(ctx, time.Second) {
			t.Errorf("Wait reported tasks")
		}
		if d := time.Since(start); d > 500*time.Millisecond {
			t.Errorf("released Wait took %s", d)
		}
		// A later interrupt disarms it again.
		q.Release()
		q.Interrupt()
		if q.Wait(ctx, 20*time.Millisecond) {
			t.Errorf("Wait reported tasks")
		}
	})
	t.Run("release of a waiting poll", func(t *testing.T) {
		q := NewTaskQueue(nil)
		done := make(chan bool)
		go func() { done <- q.Wait(ctx, 5*time.Second) }()
		for {
			q.mu.Lock()
			n := q.waiting
			q.mu.Unlock()
			if n > 0 {
				break
			}
			time.Sleep(time.Millisecond)
		}
		q.Release()
		if <-done {
			t.Errorf("Wait reported tasks")
		}
		// The release was spent on the first poll.
		start := time.Now()
		q.Wait(ctx, 50*time.Millisecond)
		if d := time.Since(start); d < 50*time.Millisecond {
			t.Errorf("second Wait returned after %s", d)
		}
	})
}
