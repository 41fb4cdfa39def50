package server

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/signadot/beansync/beans"
	"github.com/signadot/beansync/command"
	"github.com/signadot/beansync/convert"
	"github.com/signadot/beansync/remoting"
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
		Action("later", func(ctx context.Context, c *todos, args remoting.Args) error {
			sess, ok := SessionFrom(ctx)
			if !ok {
				return io.ErrUnexpectedEOF
			}
			text := remoting.Arg[string](args, "text")
			sess.RunLater(func(context.Context) error { return c.add(text) })
			return nil
		}, remoting.Param[string]("text")).
		Action("clear", func(_ context.Context, c *todos, _ remoting.Args) error {
			c.model.Items.Clear()
			return nil
		})
	reg, err := remoting.NewRegistry(def)
	if err != nil {
		t.Fatal(err)
	}
	return reg
}

func testClasses() *beans.ClassRegistry {
	reg := beans.NewClassRegistry()
	beans.MustRegister[todoItem](reg, "TodoItem")
	beans.MustRegister[todoList](reg, "TodoList")
	return reg
}

func newTestServer(t *testing.T, edit func(*Config)) *Server {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Session.MaxPollWait = Duration(5 * time.Second)
	if edit != nil {
		edit(cfg)
	}
	s, err := New(&Spec{
		Config:      cfg,
		Classes:     testClasses(),
		Controllers: testControllers(t),
		Log:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(s.Store.Close)
	return s
}

// httpPeer posts batches to an httptest server and remembers its session.
type httpPeer struct {
	url string
	id  string
}

func (p *httpPeer) post(t *testing.T, cmds ...command.Command) (int, []command.Command) {
	t.Helper()
	body, err := command.EncodeBatch(cmds)
	if err != nil {
		t.Fatal(err)
	}
	return p.postRaw(t, body)
}

func (p *httpPeer) postRaw(t *testing.T, body []byte) (int, []command.Command) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if p.id != "" {
		req.Header.Set(command.ClientIDHeader, p.id)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		return resp.StatusCode, nil
	}
	if id := resp.Header.Get(command.ClientIDHeader); id != "" {
		p.id = id
	}
	out, err := command.DecodeBatch(data)
	if err != nil {
		t.Fatalf("response %s: %v", data, err)
	}
	return resp.StatusCode, out
}

func typesOf(cmds []command.Command) []command.Type {
	ts := make([]command.Type, len(cmds))
	for i, c := range cmds {
		ts[i] = c.Type()
	}
	return ts
}

func startHTTP(t *testing.T, s *Server) (*httptest.Server, *httpPeer) {
	t.Helper()
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts, &httpPeer{url: ts.URL + s.Spec.Config.HTTP.Path}
}

func TestHTTPExchange(t *testing.T) {
	s := newTestServer(t, nil)
	_, p := startHTTP(t, s)

	status, out := p.post(t,
		&command.CreateContext{},
		&command.CreateController{ControllerID: "k1", ControllerName: "todos"},
	)
	if status != http.StatusOK {
		t.Fatalf("status %d", status)
	}
	if p.id == "" || s.Store.Len() != 1 {
		t.Fatalf("session %q, %d live", p.id, s.Store.Len())
	}
	want := []command.Type{
		command.TypeCreateBeanType,
		command.TypeCreateBean,
		command.TypeValueChanged,
		command.TypeControllerCreated,
	}
	if diff := cmp.Diff(want, typesOf(out)); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}
	modelID := out[3].(*command.ControllerCreated).ModelID

	_, out = p.post(t, &command.CallAction{
		RequestID:    "r1",
		ControllerID: "k1",
		ActionName:   "add",
		Params:       []command.Param{{Name: "text", Value: convert.String("milk")}},
	})
	want = []command.Type{
		command.TypeCreateBeanType,
		command.TypeCreateBean,
		command.TypeValueChanged,
		command.TypeListAdd,
	}
	if diff := cmp.Diff(want, typesOf(out)); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}
	add := out[3].(*command.ListAdd)
	if add.BeanID != modelID || add.ListName != "items" || add.From != 0 || len(add.Values) != 1 {
		t.Errorf("list add %+v", add)
	}

	// The item detached from the model is collected in the same exchange.
	_, out = p.post(t, &command.CallAction{RequestID: "r2", ControllerID: "k1", ActionName: "clear"})
	want = []command.Type{command.TypeListRemove, command.TypeDeleteBean}
	if diff := cmp.Diff(want, typesOf(out)); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}

	_, out = p.post(t, &command.CallAction{RequestID: "r3", ControllerID: "k1", ActionName: "nope"})
	if len(out) != 1 || out[0].(*command.ErrorResponse).RequestID != "r3" {
		t.Errorf("unknown action answered with %v", typesOf(out))
	}

	_, out = p.post(t, &command.DestroyContext{})
	if len(out) != 0 || s.Store.Len() != 0 {
		t.Errorf("after destroy: %v, %d live", typesOf(out), s.Store.Len())
	}
	if status, _ := p.post(t, &command.CreateBean{BeanID: "x", ClassID: "y"}); status != http.StatusGone {
		t.Errorf("destroyed session answered %d", status)
	}
}

func TestHTTPErrors(t *testing.T) {
	s := newTestServer(t, nil)
	_, p := startHTTP(t, s)

	tests := []struct {
		name   string
		id     string
		body   string
		status int
	}{
		{"not json", "", `[{"id":`, http.StatusBadRequest},
		{"unknown command", "", `[{"id":"CreateContext"},{"id":"Frobnicate"}]`, http.StatusBadRequest},
		{"missing field", "", `[{"id":"CreateContext"},{"id":"DeleteBean"}]`, http.StatusBadRequest},
		{"no client id", "", `[{"id":"StartLongPoll"}]`, http.StatusBadRequest},
		{"unknown client id", "01ARZ3NDEKTSV4RRFFQ69G5FAV", `[{"id":"StartLongPoll"}]`, http.StatusGone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p.id = tt.id
			status, _ := p.postRaw(t, []byte(tt.body))
			if status != tt.status {
				t.Errorf("status %d, want %d", status, tt.status)
			}
			if s.Store.Len() != 0 {
				t.Errorf("%d sessions created", s.Store.Len())
			}
		})
	}

	resp, err := http.Get(p.url)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET answered %d", resp.StatusCode)
	}
}

func TestHTTPStructuralErrorKeepsEarlierCommands(t *testing.T) {
	s := newTestServer(t, nil)
	_, p := startHTTP(t, s)
	p.post(t, &command.CreateContext{})

	_, out := p.post(t,
		&command.CreateController{ControllerID: "k1", ControllerName: "todos"},
		&command.DeleteBean{BeanID: "missing"},
		&command.CreateController{ControllerID: "k2", ControllerName: "todos"},
	)
	var created []string
	var report *command.ErrorResponse
	for _, c := range out {
		switch c := c.(type) {
		case *command.ControllerCreated:
			created = append(created, c.ControllerID)
		case *command.ErrorResponse:
			report = c
		}
	}
	if diff := cmp.Diff([]string{"k1"}, created); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
	if report == nil || report.RequestID != "1" || !strings.Contains(report.Message, "no bean instance found") {
		t.Errorf("report %+v", report)
	}
}

func TestLongPollWakesOnTask(t *testing.T) {
	s := newTestServer(t, nil)
	_, p := startHTTP(t, s)
	p.post(t, &command.CreateContext{}, &command.CreateController{ControllerID: "k1", ControllerName: "todos"})
	sess, err := s.Store.Get(p.id)
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan []command.Command)
	go func() {
		_, out := p.post(t, &command.StartLongPoll{})
		done <- out
	}()
	time.Sleep(50 * time.Millisecond)
	sess.RunLater(func(ctx context.Context) error {
		s, ok := SessionFrom(ctx)
		if !ok || s != sess {
			t.Errorf("task ran outside its session")
		}
		return nil
	})
	select {
	case out := <-done:
		if len(out) != 0 {
			t.Errorf("unexpected %v", typesOf(out))
		}
	case <-time.After(3 * time.Second):
		t.Fatal("long poll not woken by task")
	}

	// A task queued by an action runs at the end of the same exchange.
	_, out := p.post(t, &command.CallAction{
		RequestID:    "r1",
		ControllerID: "k1",
		ActionName:   "later",
		Params:       []command.Param{{Name: "text", Value: convert.String("eggs")}},
	})
	if n := len(out); n == 0 || out[n-1].Type() != command.TypeListAdd {
		t.Errorf("deferred add not flushed: %v", typesOf(out))
	}
}

func TestLongPollInterrupted(t *testing.T) {
	s := newTestServer(t, nil)
	_, p := startHTTP(t, s)
	p.post(t, &command.CreateContext{})

	poller := &httpPeer{url: p.url, id: p.id}
	done := make(chan time.Duration)
	go func() {
		start := time.Now()
		poller.post(t, &command.StartLongPoll{})
		done <- time.Since(start)
	}()
	time.Sleep(50 * time.Millisecond)
	p.post(t, &command.InterruptLongPoll{})
	select {
	case d := <-done:
		if d >= s.Spec.Config.Session.MaxPollWait.D() {
			t.Errorf("long poll waited %s", d)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("long poll not interrupted")
	}
}

func TestReleaseBeforeLongPoll(t *testing.T) {
	s := newTestServer(t, nil)
	_, p := startHTTP(t, s)
	p.post(t, &command.CreateContext{})

	status, out := p.post(t, &command.InterruptLongPoll{})
	if status != http.StatusOK || len(out) != 0 {
		t.Fatalf("release: status %d, %v", status, typesOf(out))
	}
	start := time.Now()
	p.post(t, &command.StartLongPoll{})
	if d := time.Since(start); d >= s.Spec.Config.Session.MaxPollWait.D() {
		t.Errorf("released long poll waited %s", d)
	}
}

func TestLongPollTimesOut(t *testing.T) {
	s := newTestServer(t, func(c *Config) { c.Session.MaxPollWait = Duration(30 * time.Millisecond) })
	_, p := startHTTP(t, s)
	p.post(t, &command.CreateContext{})
	status, out := p.post(t, &command.StartLongPoll{})
	if status != http.StatusOK || len(out) != 0 {
		t.Errorf("status %d, %v", status, typesOf(out))
	}
}

func TestOutboxLimit(t *testing.T) {
	s := newTestServer(t, func(c *Config) { c.Session.OutboxLimit = 2 })
	_, p := startHTTP(t, s)
	_, out := p.post(t, &command.CreateContext{}, &command.CreateController{ControllerID: "k1", ControllerName: "todos"})
	if len(out) != 2 {
		t.Fatalf("first response %v", typesOf(out))
	}
	_, rest := p.post(t, &command.StartLongPoll{})
	want := []command.Type{command.TypeValueChanged, command.TypeControllerCreated}
	if diff := cmp.Diff(want, typesOf(rest)); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
}

func TestMetricsAndSnapshot(t *testing.T) {
	s := newTestServer(t, nil)
	ts, p := startHTTP(t, s)
	p.post(t, &command.CreateContext{}, &command.CreateController{ControllerID: "k1", ControllerName: "todos"})

	get := func(path string) string {
		t.Helper()
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			t.Fatal(err)
		}
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("GET %s: %d %s", path, resp.StatusCode, data)
		}
		return string(data)
	}
	metrics := get(s.Spec.Config.HTTP.MetricsPath)
	for _, line := range []string{
		"beansync_contexts 1",
		`beansync_commands_total{direction="in",type="CreateController"} 1`,
		`beansync_commands_total{direction="out",type="ControllerCreated"} 1`,
	} {
		if !strings.Contains(metrics, line) {
			t.Errorf("metrics lack %q", line)
		}
	}

	if list := get(s.Spec.Config.HTTP.SnapshotPath); !strings.Contains(list, p.id) {
		t.Errorf("session list %s", list)
	}
	snap := get(s.Spec.Config.HTTP.SnapshotPath + "?clientId=" + p.id)
	for _, frag := range []string{`"class": "TodoList"`, `"title": "todo"`, `"name": "todos"`} {
		if !strings.Contains(snap, frag) {
			t.Errorf("snapshot lacks %s:\n%s", frag, snap)
		}
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Trace.Filter = "cmd =="
	if _, err := New(&Spec{Config: cfg, Classes: testClasses()}); err == nil {
		t.Errorf("bad trace filter accepted")
	}
	if _, err := New(&Spec{}); err == nil {
		t.Errorf("missing classes accepted")
	}
}
