package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/signadot/beansync/beans"
	"github.com/signadot/beansync/command"
	"github.com/signadot/beansync/remoting"
)

type sessionKey struct{}

// SessionFrom returns the session whose exchange is running an action or a
// deferred task.
func SessionFrom(ctx context.Context) (*Context, bool) {
	c, ok := ctx.Value(sessionKey{}).(*Context)
	return c, ok
}

// Context is the server side of one client session. All bean changes happen
// during an exchange, with the session locked: inside actions, inside
// deferred tasks, or through the collector.
type Context struct {
	id      string
	cfg     *SessionConfig
	gc      bool
	metrics *Metrics
	log     *slog.Logger
	tasks   *TaskQueue

	// onDestroy is called once, with mu held.
	onDestroy func(*Context)

	mu        sync.Mutex
	repo      *beans.Repository
	engine    *remoting.Engine
	outbox    []command.Command
	destroyed bool

	// set by session commands while a batch is applied
	poll       bool
	destroyReq bool
}

type contextSpec struct {
	ID          string
	Config      *Config
	Classes     *beans.ClassRegistry
	Controllers *remoting.Registry
	Trace       *command.Filter
	Metrics     *Metrics
	Log         *slog.Logger
	OnDestroy   func(*Context)
}

func newContext(spec *contextSpec) (*Context, error) {
	log := spec.Log.With("session", spec.ID)
	c := &Context{
		id:        spec.ID,
		cfg:       spec.Config.Session,
		gc:        spec.Config.GC.Enabled,
		metrics:   spec.Metrics,
		log:       log,
		tasks:     NewTaskQueue(log),
		onDestroy: spec.OnDestroy,
	}
	repo, err := beans.NewRepository(&beans.Config{Classes: spec.Classes, Log: log})
	if err != nil {
		return nil, err
	}
	engine, err := remoting.New(&remoting.Config{
		Repository:  repo,
		Controllers: spec.Controllers,
		Sink:        func(cmd command.Command) { c.outbox = append(c.outbox, cmd) },
		Unhandled:   c.unhandled,
		Trace:       spec.Trace,
		Hooks:       spec.Metrics.hooks(),
		Log:         log,
	})
	if err != nil {
		return nil, err
	}
	c.repo, c.engine = repo, engine
	spec.Metrics.contextCreated()
	log.Debug("session created")
	return c, nil
}

func (c *Context) ID() string { return c.id }

// RunLater queues t for the next exchange of the session and wakes a
// pending long poll. It is safe to call from any goroutine.
func (c *Context) RunLater(t Task) {
	c.tasks.Push(t)
}

// Exchange applies an inbound batch and returns the outbound commands.
// A batch without StartLongPoll first interrupts a pending long poll.
// Structural failures end the batch early and are answered with an
// ErrorResponse naming the failing position.
//
// A batch holding only InterruptLongPoll releases the long poll and returns
// nothing, without waiting for the session: it lets a client that
// serializes its exchanges cut a pending poll short.
func (c *Context) Exchange(ctx context.Context, cmds []command.Command) ([]command.Command, error) {
	if isRelease(cmds) {
		c.tasks.Release()
		return []command.Command{}, nil
	}
	if !isLongPoll(cmds) {
		c.tasks.Interrupt()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return nil, ErrContextDestroyed
	}
	c.poll, c.destroyReq = false, false
	ctx = context.WithValue(ctx, sessionKey{}, c)

	if err := c.engine.Apply(ctx, cmds); err != nil {
		var pe *remoting.ProtocolError
		if !errors.As(err, &pe) {
			return nil, err
		}
		c.log.Warn("batch aborted", "error", err)
		c.outbox = append(c.outbox, &command.ErrorResponse{RequestID: strconv.Itoa(pe.Index), Message: err.Error()})
	}
	if c.destroyReq {
		out := c.flush(0)
		c.destroyLocked(ctx)
		return out, nil
	}
	if c.poll && len(c.outbox) == 0 {
		c.mu.Unlock()
		c.tasks.Wait(ctx, c.cfg.MaxPollWait.D())
		c.mu.Lock()
		if c.destroyed {
			return nil, ErrContextDestroyed
		}
		// Nobody reads the response of an abandoned poll.
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	stats, _ := c.tasks.RunAll(ctx, c.cfg.TaskBudget.D())
	c.metrics.tasksRun(stats)
	if c.gc {
		c.engine.Collect()
	}
	return c.flush(c.cfg.OutboxLimit), nil
}

func (c *Context) flush(limit int) []command.Command {
	n := len(c.outbox)
	if limit > 0 && n > limit {
		n = limit
	}
	out := c.outbox[:n:n]
	c.outbox = c.outbox[n:]
	if len(c.outbox) == 0 {
		c.outbox = nil
	}
	if out == nil {
		out = []command.Command{}
	}
	return out
}

func (c *Context) unhandled(_ context.Context, cmd command.Command) error {
	switch cmd := cmd.(type) {
	case *command.CreateContext, *command.InterruptLongPoll:
		return nil
	case *command.DestroyContext:
		c.destroyReq = true
		return nil
	case *command.StartLongPoll:
		c.poll = true
		return nil
	case *command.ErrorResponse:
		c.log.Warn("client reported an error", "request", cmd.RequestID, "message", cmd.Message)
		return nil
	case *command.InternalError:
		c.log.Warn("client reported an internal error", "message", cmd.Message)
		return nil
	}
	return fmt.Errorf("unexpected %s command from client", cmd.Type())
}

func isRelease(cmds []command.Command) bool {
	return len(cmds) == 1 && cmds[0].Type() == command.TypeInterruptLongPoll
}

func isLongPoll(cmds []command.Command) bool {
	for _, c := range cmds {
		if c.Type() == command.TypeStartLongPoll {
			return true
		}
	}
	return false
}

// Snapshot returns the state of the session.
func (c *Context) Snapshot() (*remoting.Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return nil, ErrContextDestroyed
	}
	return c.engine.Snapshot()
}

// Destroy destroys the controllers of the session and forgets its beans.
func (c *Context) Destroy(ctx context.Context) {
	c.tasks.Interrupt()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.destroyLocked(ctx)
}

func (c *Context) destroyLocked(ctx context.Context) {
	if c.destroyed {
		return
	}
	c.destroyed = true
	c.engine.Destroy(ctx)
	c.outbox = nil
	c.metrics.contextDestroyed()
	if c.onDestroy != nil {
		c.onDestroy(c)
	}
	c.log.Debug("session destroyed")
}

func (c *Context) Destroyed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.destroyed
}
