package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sony/gobreaker"
	"go.uber.org/multierr"

	"github.com/signadot/beansync/beans"
	"github.com/signadot/beansync/command"
	"github.com/signadot/beansync/remoting"
)

// Executor runs fn on the goroutine that owns the local beans, such as a
// UI loop. It must eventually run fn.
type Executor func(fn func())

func inline(fn func()) { fn() }

type Config struct {
	Transport Transport
	Classes   *beans.ClassRegistry

	// Executor applies server changes. Nil runs them on the exchanging
	// goroutine.
	Executor Executor
	// Breaker configures the circuit breaker around Transport. Nil uses
	// gobreaker defaults.
	Breaker *gobreaker.Settings
	// PollRetry is the pause after a failed long poll.
	PollRetry time.Duration

	Log *slog.Logger
}

// Client is the client side of one session. Local changes made in Update
// are queued and sent with the next exchange. Exchanges are serialized, so
// server responses are applied in the order the server produced them.
type Client struct {
	transport Transport
	breaker   *Breaker
	exec      Executor
	pollRetry time.Duration
	log       *slog.Logger

	exchMu  sync.Mutex
	waiting  atomic.Int32
	polling  atomic.Bool
	pollStop atomic.Bool

	mu      sync.Mutex
	id      string
	repo    *beans.Repository
	engine  *remoting.Engine
	outbox  []command.Command
	replies []command.Command
	closed  bool

	pollMu     sync.Mutex
	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

func New(cfg *Config) (*Client, error) {
	if cfg.Transport == nil {
		return nil, errors.New("client: nil transport")
	}
	if cfg.Classes == nil {
		return nil, errors.New("client: nil class registry")
	}
	log := cfg.Log
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}
	var st gobreaker.Settings
	if cfg.Breaker != nil {
		st = *cfg.Breaker
	}
	c := &Client{
		breaker:   NewBreaker(cfg.Transport, st),
		exec:      cfg.Executor,
		pollRetry: cfg.PollRetry,
		log:       log,
	}
	c.transport = c.breaker
	if c.exec == nil {
		c.exec = inline
	}
	if c.pollRetry <= 0 {
		c.pollRetry = time.Second
	}
	repo, err := beans.NewRepository(&beans.Config{Classes: cfg.Classes, Log: log})
	if err != nil {
		return nil, err
	}
	engine, err := remoting.New(&remoting.Config{
		Repository: repo,
		Sink:       func(cmd command.Command) { c.outbox = append(c.outbox, cmd) },
		Unhandled:  c.unhandled,
		Log:        log,
	})
	if err != nil {
		return nil, err
	}
	c.repo, c.engine = repo, engine
	return c, nil
}

// ID returns the session id, or "" before Connect.
func (c *Client) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

func (c *Client) Breaker() *Breaker { return c.breaker }

// Connect creates the server session.
func (c *Client) Connect(ctx context.Context) error {
	replies, err := c.exchange(ctx, &command.CreateContext{})
	if err != nil {
		return err
	}
	return replyErrors(replies, nil)
}

// Update runs fn with the local beans and queues the resulting changes.
// Beans created in fn and not reachable from a root when fn returns are
// deleted again.
func (c *Client) Update(fn func(repo *beans.Repository) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	err := fn(c.repo)
	c.engine.Collect()
	return err
}

// Read runs fn with the local beans without queueing anything.
func (c *Client) Read(fn func(repo *beans.Repository)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c.repo)
}

// Sync sends queued changes and applies the server response. Errors the
// server reports for earlier commands are returned as RemoteErrors.
func (c *Client) Sync(ctx context.Context) error {
	replies, err := c.exchange(ctx)
	if err != nil {
		return err
	}
	return replyErrors(replies, nil)
}

// Snapshot returns the state of the local beans and controllers.
func (c *Client) Snapshot() (*remoting.Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.engine.Snapshot()
}

// Disconnect stops polling, destroys the server session and forgets the
// local beans. The client cannot be used afterwards.
func (c *Client) Disconnect(ctx context.Context) error {
	c.StopPolling()
	_, err := c.exchange(ctx, &command.DestroyContext{})
	c.mu.Lock()
	c.engine.Destroy(ctx)
	c.closed = true
	c.mu.Unlock()
	return err
}

// Close disconnects, if connected, and closes the transport.
func (c *Client) Close(ctx context.Context) error {
	var err error
	if c.ID() != "" && !c.isClosed() {
		err = c.Disconnect(ctx)
	}
	c.StopPolling()
	return multierr.Append(err, c.transport.Close())
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// exchange sends the queued changes followed by cmds and applies the
// response. It returns the replies addressed to the client: ControllerCreated
// and error reports.
func (c *Client) exchange(ctx context.Context, cmds ...command.Command) ([]command.Command, error) {
	c.waiting.Add(1)
	if !c.exchMu.TryLock() {
		if c.polling.Load() {
			c.release(ctx)
		}
		c.exchMu.Lock()
	}
	c.waiting.Add(-1)
	defer c.exchMu.Unlock()
	return c.exchangeLocked(ctx, cmds)
}

func (c *Client) exchangeLocked(ctx context.Context, cmds []command.Command) ([]command.Command, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	id := c.id
	queued := c.outbox
	c.outbox = nil
	c.mu.Unlock()

	if id == "" && (len(cmds) == 0 || cmds[0].Type() != command.TypeCreateContext) {
		c.requeue(queued)
		return nil, ErrNotConnected
	}
	batch := append(queued[:len(queued):len(queued)], cmds...)
	newID, out, err := c.transport.Exchange(ctx, id, batch)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			// never sent
			c.requeue(queued)
		}
		return nil, err
	}
	if id == "" {
		c.mu.Lock()
		c.id = newID
		c.mu.Unlock()
		c.log.Debug("session created", "session", newID)
	}
	return c.apply(ctx, out)
}

func (c *Client) requeue(cmds []command.Command) {
	if len(cmds) == 0 {
		return
	}
	c.mu.Lock()
	c.outbox = append(cmds, c.outbox...)
	c.mu.Unlock()
}

// apply hands the server batch to the executor and waits for it.
func (c *Client) apply(ctx context.Context, out []command.Command) ([]command.Command, error) {
	if len(out) == 0 {
		return nil, nil
	}
	var (
		replies []command.Command
		err     error
		done    = make(chan struct{})
	)
	c.exec(func() {
		defer close(done)
		c.mu.Lock()
		defer c.mu.Unlock()
		c.replies = nil
		err = c.engine.Apply(context.WithoutCancel(ctx), out)
		c.engine.Collect()
		replies, c.replies = c.replies, nil
	})
	select {
	case <-done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if err != nil {
		c.log.Error("applying server batch", "error", err)
	}
	return replies, err
}

func (c *Client) unhandled(_ context.Context, cmd command.Command) error {
	switch cmd.(type) {
	case *command.ControllerCreated, *command.ErrorResponse, *command.InternalError:
		c.replies = append(c.replies, cmd)
		return nil
	}
	return fmt.Errorf("unexpected %s command from server", cmd.Type())
}

// release asks the server to end a pending long poll.
func (c *Client) release(ctx context.Context) {
	c.mu.Lock()
	id := c.id
	c.mu.Unlock()
	if id == "" {
		return
	}
	if _, _, err := c.transport.Exchange(ctx, id, []command.Command{&command.InterruptLongPoll{}}); err != nil {
		c.log.Debug("interrupting long poll", "error", err)
	}
}

// replyErrors combines the error reports in replies, skipping those
// accepted by skip.
func replyErrors(replies []command.Command, skip func(requestID string) bool) error {
	var errs error
	for _, r := range replies {
		switch r := r.(type) {
		case *command.ErrorResponse:
			if skip != nil && skip(r.RequestID) {
				continue
			}
			errs = multierr.Append(errs, &RemoteError{RequestID: r.RequestID, Message: r.Message})
		case *command.InternalError:
			errs = multierr.Append(errs, &RemoteError{Message: r.Message})
		}
	}
	return errs
}

func newRequestID() string {
	return ulid.Make().String()
}
