package main

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/signadot/beansync/beans"
	"github.com/signadot/beansync/remoting"
	"github.com/signadot/beansync/server"
)

// The demo board served by "beansync serve".

type task struct {
	beans.Bean
	Title beans.Property[string]
	Done  beans.Property[bool]
	Cost  beans.Property[decimal.Decimal]
}

type board struct {
	beans.Bean
	Title beans.Property[string]
	Tasks beans.List[*task]
	Total beans.Property[decimal.Decimal]
	Clock beans.Property[time.Time]
}

func demoClasses() *beans.ClassRegistry {
	reg := beans.NewClassRegistry()
	beans.MustRegister[task](reg, "Task")
	beans.MustRegister[board](reg, "Board")
	return reg
}

type boardController struct {
	cc    *remoting.ControllerContext
	model *board

	mu       sync.Mutex
	stopTick context.CancelFunc
}

func newBoard(cc *remoting.ControllerContext) (*boardController, error) {
	m, err := remoting.NewModel[board](cc)
	if err != nil {
		return nil, err
	}
	m.Title.Set("board")
	b := &boardController{cc: cc, model: m}
	m.Tasks.OnChange(func(beans.ListChange[*task]) { b.total() })
	return b, nil
}

func (b *boardController) total() {
	sum := decimal.Zero
	for _, t := range b.model.Tasks.Values() {
		sum = sum.Add(t.Cost.Get())
	}
	b.model.Total.Set(sum)
}

func (b *boardController) add(title string, cost decimal.Decimal) error {
	t, err := beans.Create[task](b.cc.Repository())
	if err != nil {
		return err
	}
	t.Title.Set(title)
	t.Cost.Set(cost)
	b.model.Tasks.Append(t)
	return nil
}

func (b *boardController) remove(t *task) error {
	for i, x := range b.model.Tasks.Values() {
		if x == t {
			b.model.Tasks.Remove(i)
			return nil
		}
	}
	return errors.New("task is not on the board")
}

func (b *boardController) clearDone() {
	vals := b.model.Tasks.Values()
	for i := len(vals) - 1; i >= 0; i-- {
		if vals[i].Done.Get() {
			b.model.Tasks.Remove(i)
		}
	}
}

// tick sets the clock of the board every interval until the controller is
// destroyed. Updates reach the client through its long poll.
func (b *boardController) tick(sess *server.Context, interval time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopTick != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	b.stopTick = cancel
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case now := <-t.C:
				sess.RunLater(func(context.Context) error {
					if ctx.Err() == nil {
						b.model.Clock.Set(now.UTC().Truncate(time.Second))
					}
					return nil
				})
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (b *boardController) Destroy(context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopTick != nil {
		b.stopTick()
	}
}

func demoControllers() (*remoting.Registry, error) {
	def := remoting.NewController("board", newBoard).
		Action("add", func(_ context.Context, b *boardController, args remoting.Args) error {
			return b.add(remoting.Arg[string](args, "title"), remoting.Arg[decimal.Decimal](args, "cost"))
		}, remoting.Param[string]("title"), remoting.OptionalParam[decimal.Decimal]("cost")).
		Action("toggle", func(_ context.Context, b *boardController, args remoting.Args) error {
			t := remoting.Arg[*task](args, "task")
			t.Done.Set(!t.Done.Get())
			return nil
		}, remoting.Param[*task]("task")).
		Action("remove", func(_ context.Context, b *boardController, args remoting.Args) error {
			return b.remove(remoting.Arg[*task](args, "task"))
		}, remoting.Param[*task]("task")).
		Action("clearDone", func(_ context.Context, b *boardController, _ remoting.Args) error {
			b.clearDone()
			return nil
		}).
		Action("watch", func(ctx context.Context, b *boardController, args remoting.Args) error {
			sess, ok := server.SessionFrom(ctx)
			if !ok {
				return errors.New("watch needs a server session")
			}
			interval := time.Second
			if args.Has("interval") {
				interval = remoting.Arg[time.Duration](args, "interval")
			}
			if interval < 10*time.Millisecond {
				return errors.New("interval below 10ms")
			}
			b.tick(sess, interval)
			return nil
		}, remoting.OptionalParam[time.Duration]("interval"))
	return remoting.NewRegistry(def)
}
