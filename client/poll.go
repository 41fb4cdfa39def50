package client

import (
	"context"
	"errors"
	"time"

	"github.com/signadot/beansync/command"
)

// StartPolling keeps a long poll open so that server changes, such as
// those made by deferred tasks, reach the client without a Sync. It
// returns at once; polling stops with StopPolling, when ctx is done or
// when the session is gone.
func (c *Client) StartPolling(ctx context.Context) {
	c.pollMu.Lock()
	defer c.pollMu.Unlock()
	if c.pollCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.pollCancel, c.pollDone = cancel, done
	c.pollStop.Store(false)
	c.polling.Store(true)
	go func() {
		defer close(done)
		defer c.polling.Store(false)
		c.poll(ctx)
	}()
}

// StopPolling ends polling and waits for the pending long poll to return.
// The poll is released rather than cancelled, so that changes already on
// their way are applied.
func (c *Client) StopPolling() {
	c.pollMu.Lock()
	cancel, done := c.pollCancel, c.pollDone
	c.pollCancel, c.pollDone = nil, nil
	c.pollMu.Unlock()
	if cancel == nil {
		return
	}
	defer cancel()
	c.pollStop.Store(true)
	ctx, cancelRelease := context.WithTimeout(context.Background(), releaseWait)
	defer cancelRelease()
	c.release(ctx)
	select {
	case <-done:
	case <-ctx.Done():
		cancel()
		<-done
	}
}

const releaseWait = 2 * time.Second

func (c *Client) poll(ctx context.Context) {
	for ctx.Err() == nil && !c.pollStop.Load() {
		// Let waiting exchanges go first.
		if c.waiting.Load() > 0 || !c.exchMu.TryLock() {
			if !sleep(ctx, 5*time.Millisecond) {
				return
			}
			continue
		}
		replies, err := c.exchangeLocked(ctx, []command.Command{&command.StartLongPoll{}})
		c.exchMu.Unlock()
		switch {
		case err == nil:
			if err := replyErrors(replies, nil); err != nil {
				c.log.Warn("server reported errors", "error", err)
			}
		case ctx.Err() != nil:
			return
		case errors.Is(err, ErrSessionGone), errors.Is(err, ErrClosed), errors.Is(err, ErrNotConnected):
			c.log.Info("long poll stopped", "error", err)
			return
		default:
			c.log.Warn("long poll failed", "error", err)
			if !sleep(ctx, c.pollRetry) {
				return
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
