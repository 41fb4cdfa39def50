package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/sony/gobreaker"

	"github.com/signadot/beansync/beans"
	"github.com/signadot/beansync/command"
	"github.com/signadot/beansync/convert"
	"github.com/signadot/beansync/remoting"
	"github.com/signadot/beansync/server"
)

type todoItem struct {
	beans.Bean
	Text beans.Property[string]
	Done beans.Property[bool]
}

type todoList struct {
	beans.Bean
	Title beans.Property[string]
	Items beans.List[*todoItem]
}

type todos struct {
	cc    *remoting.ControllerContext
	model *todoList
}

func (t *todos) add(text string) error {
	item, err := beans.Create[todoItem](t.cc.Repository())
	if err != nil {
		return err
	}
	item.Text.Set(text)
	t.model.Items.Append(item)
	return nil
}

func testClasses() *beans.ClassRegistry {
	reg := beans.NewClassRegistry()
	beans.MustRegister[todoItem](reg, "TodoItem")
	beans.MustRegister[todoList](reg, "TodoList")
	return reg
}

func testControllers(t *testing.T) *remoting.Registry {
	t.Helper()
	def := remoting.NewController("todos", func(cc *remoting.ControllerContext) (*todos, error) {
		m, err := remoting.NewModel[todoList](cc)
		if err != nil {
			return nil, err
		}
		m.Title.Set("todo")
		return &todos{cc: cc, model: m}, nil
	}).
		Action("add", func(_ context.Context, c *todos, args remoting.Args) error {
			return c.add(remoting.Arg[string](args, "text"))
		}, remoting.Param[string]("text")).
		Action("toggle", func(_ context.Context, c *todos, args remoting.Args) error {
			item := remoting.Arg[*todoItem](args, "item")
			item.Done.Set(!item.Done.Get())
			return nil
		}, remoting.Param[*todoItem]("item")).
		// push adds an item from another goroutine, after the exchange.
		Action("push", func(ctx context.Context, c *todos, args remoting.Args) error {
			sess, ok := server.SessionFrom(ctx)
			if !ok {
				return errors.New("no session")
			}
			text := remoting.Arg[string](args, "text")
			go func() {
				time.Sleep(50 * time.Millisecond)
				sess.RunLater(func(context.Context) error { return c.add(text) })
			}()
			return nil
		}, remoting.Param[string]("text"))
	reg, err := remoting.NewRegistry(def)
	if err != nil {
		t.Fatal(err)
	}
	return reg
}

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func newTestServer(t *testing.T) (*server.Server, *httptest.Server) {
	t.Helper()
	cfg := server.DefaultConfig()
	cfg.Session.MaxPollWait = server.Duration(5 * time.Second)
	s, err := server.New(&server.Spec{
		Config:      cfg,
		Classes:     testClasses(),
		Controllers: testControllers(t),
		Log:         discard,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(s.Store.Close)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func newTestClient(t *testing.T, tr Transport, edit func(*Config)) *Client {
	t.Helper()
	cfg := &Config{Transport: tr, Classes: testClasses(), PollRetry: 10 * time.Millisecond, Log: discard}
	if edit != nil {
		edit(cfg)
	}
	c, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close(context.Background()) })
	return c
}

func itemTexts(c *Client, k *Controller) []string {
	var texts []string
	c.Read(func(repo *beans.Repository) {
		m, err := repo.Bean(k.ModelID())
		if err != nil {
			return
		}
		for _, it := range m.(*todoList).Items.Values() {
			texts = append(texts, it.Text.Get())
		}
	})
	return texts
}

func TestClientSession(t *testing.T) {
	s, ts := newTestServer(t)
	c := newTestClient(t, NewHTTPTransport(ts.URL+s.Spec.Config.HTTP.Path), nil)
	ctx := context.Background()

	if err := c.Sync(ctx); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Sync before Connect: %v", err)
	}
	if err := c.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	if c.ID() == "" || s.Store.Len() != 1 {
		t.Fatalf("id %q, %d sessions", c.ID(), s.Store.Len())
	}

	k, err := c.CreateController(ctx, "todos", nil)
	if err != nil {
		t.Fatal(err)
	}
	model, err := ModelOf[todoList](k)
	if err != nil {
		t.Fatal(err)
	}
	c.Read(func(*beans.Repository) {
		if got := model.Title.Get(); got != "todo" {
			t.Errorf("title %q", got)
		}
	})

	for _, text := range []string{"milk", "eggs"} {
		if err := k.Invoke(ctx, "add", Arg{Name: "text", Value: text}); err != nil {
			t.Fatal(err)
		}
	}
	if diff := cmp.Diff([]string{"milk", "eggs"}, itemTexts(c, k)); diff != "" {
		t.Errorf("items (-want +got):\n%s", diff)
	}

	// A local change reaches the server with the next exchange.
	var first *todoItem
	err = c.Update(func(*beans.Repository) error {
		first = model.Items.At(0)
		first.Done.Set(true)
		model.Title.Set("groceries")
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Sync(ctx); err != nil {
		t.Fatal(err)
	}
	sess, err := s.Store.Get(c.ID())
	if err != nil {
		t.Fatal(err)
	}
	snap, err := sess.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	got := map[string]convert.Value{}
	for _, b := range snap.Beans {
		switch b.ID {
		case model.BeanID():
			got["title"] = b.Properties["title"]
		case first.BeanID():
			got["done"] = b.Properties["done"]
		}
	}
	want := map[string]convert.Value{"title": convert.String("groceries"), "done": convert.Bool(true)}
	if diff := cmp.Diff(want, got, cmp.Comparer(convert.Value.Equal)); diff != "" {
		t.Errorf("server state (-want +got):\n%s", diff)
	}

	// Beans travel as action arguments.
	if err := k.Invoke(ctx, "toggle", Arg{Name: "item", Value: first}); err != nil {
		t.Fatal(err)
	}
	c.Read(func(*beans.Repository) {
		if first.Done.Get() {
			t.Errorf("toggle not applied locally")
		}
	})

	var re *RemoteError
	if err := k.Invoke(ctx, "nope"); !errors.As(err, &re) {
		t.Errorf("unknown action: %v", err)
	}
	if _, err := c.CreateController(ctx, "missing", nil); !errors.As(err, &re) {
		t.Errorf("unknown controller: %v", err)
	}

	if err := c.Disconnect(ctx); err != nil {
		t.Fatal(err)
	}
	if n := s.Store.Len(); n != 0 {
		t.Errorf("%d sessions after Disconnect", n)
	}
	if err := c.Sync(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("Sync after Disconnect: %v", err)
	}
}

func TestClientPolling(t *testing.T) {
	s, ts := newTestServer(t)
	c := newTestClient(t, NewHTTPTransport(ts.URL+s.Spec.Config.HTTP.Path), nil)
	ctx := context.Background()
	if err := c.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	k, err := c.CreateController(ctx, "todos", nil)
	if err != nil {
		t.Fatal(err)
	}
	c.StartPolling(ctx)
	if err := k.Invoke(ctx, "push", Arg{Name: "text", Value: "later"}); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for len(itemTexts(c, k)) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("pushed item never arrived")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Exchanges do not wait for the pending poll to time out.
	start := time.Now()
	if err := k.Invoke(ctx, "add", Arg{Name: "text", Value: "now"}); err != nil {
		t.Fatal(err)
	}
	if d := time.Since(start); d > 2*time.Second {
		t.Errorf("Invoke during poll took %s", d)
	}
	if diff := cmp.Diff([]string{"later", "now"}, itemTexts(c, k)); diff != "" {
		t.Errorf("items (-want +got):\n%s", diff)
	}

	start = time.Now()
	c.StopPolling()
	if d := time.Since(start); d > 2*time.Second {
		t.Errorf("StopPolling took %s", d)
	}
}

func TestClientSessionGone(t *testing.T) {
	s, ts := newTestServer(t)
	c := newTestClient(t, NewHTTPTransport(ts.URL+s.Spec.Config.HTTP.Path), nil)
	ctx := context.Background()
	if err := c.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	sess, err := s.Store.Get(c.ID())
	if err != nil {
		t.Fatal(err)
	}
	sess.Destroy(ctx)
	err = c.Sync(ctx)
	if !errors.Is(err, ErrSessionGone) {
		t.Fatalf("Sync: %v", err)
	}
	// A lost session is the client's fault, not the server's.
	if st := c.Breaker().State(); st != gobreaker.StateClosed {
		t.Errorf("breaker %s", st)
	}
}

func TestClientExecutor(t *testing.T) {
	s, ts := newTestServer(t)
	work := make(chan func())
	stop := make(chan struct{})
	t.Cleanup(func() { close(stop) })
	var ran atomic.Int32
	go func() {
		for {
			select {
			case fn := <-work:
				ran.Add(1)
				fn()
			case <-stop:
				return
			}
		}
	}()
	c := newTestClient(t, NewHTTPTransport(ts.URL+s.Spec.Config.HTTP.Path), func(cfg *Config) {
		cfg.Executor = func(fn func()) { work <- fn }
	})
	ctx := context.Background()
	if err := c.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := c.CreateController(ctx, "todos", nil); err != nil {
		t.Fatal(err)
	}
	if ran.Load() == 0 {
		t.Errorf("server batch not applied through the executor")
	}
}

func TestClientTransports(t *testing.T) {
	s, ts := newTestServer(t)
	rpc, err := server.NewRPCListener("127.0.0.1:0", s)
	if err != nil {
		t.Fatal(err)
	}
	go rpc.Serve()
	t.Cleanup(func() { rpc.Close() })

	dialers := map[string]func(context.Context) (Transport, error){
		"websocket": func(ctx context.Context) (Transport, error) {
			url := "ws" + strings.TrimPrefix(ts.URL, "http") + s.Spec.Config.HTTP.WebSocketPath
			return DialWebSocket(ctx, url, nil)
		},
		"jsonrpc": func(ctx context.Context) (Transport, error) {
			return DialRPC(ctx, rpc.Addr().String())
		},
	}
	for name, dial := range dialers {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			tr, err := dial(ctx)
			if err != nil {
				t.Fatal(err)
			}
			c := newTestClient(t, tr, nil)
			if err := c.Connect(ctx); err != nil {
				t.Fatal(err)
			}
			k, err := c.CreateController(ctx, "todos", nil)
			if err != nil {
				t.Fatal(err)
			}
			c.StartPolling(ctx)
			if err := k.Invoke(ctx, "add", Arg{Name: "text", Value: "milk"}); err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff([]string{"milk"}, itemTexts(c, k)); diff != "" {
				t.Errorf("items (-want +got):\n%s", diff)
			}
			c.StopPolling()

			id := c.ID()
			if err := c.Disconnect(ctx); err != nil {
				t.Fatal(err)
			}
			if _, err := s.Store.Get(id); err == nil {
				t.Errorf("session %s survived Disconnect", id)
			}
		})
	}
}

type failingTransport struct {
	calls atomic.Int32
	err   error
}

func (f *failingTransport) Exchange(context.Context, string, []command.Command) (string, []command.Command, error) {
	f.calls.Add(1)
	return "", nil, f.err
}

func (f *failingTransport) Close() error { return nil }

func TestBreaker(t *testing.T) {
	trip := gobreaker.Settings{
		Timeout:     time.Hour,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 2 },
	}
	ctx := context.Background()
	tests := []struct {
		name      string
		err       error
		wantState gobreaker.State
		wantCalls int32
	}{
		{name: "server down", err: errors.New("connection refused"), wantState: gobreaker.StateOpen, wantCalls: 2},
		{name: "session gone", err: &StatusError{Status: 410}, wantState: gobreaker.StateClosed, wantCalls: 3},
		{name: "server error", err: &StatusError{Status: 500}, wantState: gobreaker.StateOpen, wantCalls: 2},
		{name: "cancelled", err: context.Canceled, wantState: gobreaker.StateClosed, wantCalls: 3},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := &failingTransport{err: tc.err}
			b := NewBreaker(f, trip)
			var last error
			for range 3 {
				_, _, last = b.Exchange(ctx, "id", nil)
			}
			if got := b.State(); got != tc.wantState {
				t.Errorf("state %s, want %s", got, tc.wantState)
			}
			if got := f.calls.Load(); got != tc.wantCalls {
				t.Errorf("%d calls, want %d", got, tc.wantCalls)
			}
			if tc.wantState == gobreaker.StateOpen && !errors.Is(last, gobreaker.ErrOpenState) {
				t.Errorf("last error %v", last)
			}
		})
	}
}

func TestClientRequeuesWhileOpen(t *testing.T) {
	f := &failingTransport{err: errors.New("down")}
	c := newTestClient(t, f, func(cfg *Config) {
		cfg.Breaker = &gobreaker.Settings{
			Timeout:     time.Hour,
			ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 1 },
		}
	})
	c.mu.Lock()
	c.id = "offline"
	c.mu.Unlock()
	ctx := context.Background()
	if err := c.Sync(ctx); err == nil {
		t.Fatal("Sync succeeded on a failing transport")
	}
	err := c.Update(func(repo *beans.Repository) error {
		_, err := beans.Create[todoList](repo, beans.AsRoot())
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Sync(ctx); !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("Sync: %v", err)
	}
	c.mu.Lock()
	n := len(c.outbox)
	c.mu.Unlock()
	if n == 0 {
		t.Errorf("changes dropped while the circuit was open")
	}
}
