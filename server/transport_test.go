package server

import (
	"context"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"
	"github.com/segmentio/encoding/json"
	"go.lsp.dev/jsonrpc2"

	"github.com/signadot/beansync/command"
	"github.com/signadot/beansync/convert"
)

func wsExchange(t *testing.T, conn *websocket.Conn, env command.Envelope) command.Envelope {
	t.Helper()
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatal(err)
	}
	return wsRead(t, conn)
}

func wsRead(t *testing.T, conn *websocket.Conn) command.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	var out command.Envelope
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("envelope %s: %v", data, err)
	}
	return out
}

func TestWebSocketExchange(t *testing.T) {
	s := newTestServer(t, nil)
	ts, _ := startHTTP(t, s)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + s.Spec.Config.HTTP.WebSocketPath
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	out := wsExchange(t, conn, command.Envelope{Seq: 1, Commands: []command.Command{
		&command.CreateContext{},
		&command.CreateController{ControllerID: "k1", ControllerName: "todos"},
	}})
	if out.Seq != 1 || out.ClientID == "" || out.Error != "" {
		t.Fatalf("envelope %+v", out)
	}
	id := out.ClientID

	// A long poll answers after the request that interrupts it.
	poll := command.Envelope{ClientID: id, Seq: 2, Commands: []command.Command{&command.StartLongPoll{}}}
	data, _ := json.Marshal(poll)
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	data, _ = json.Marshal(command.Envelope{ClientID: id, Seq: 3, Commands: []command.Command{
		&command.CallAction{
			RequestID:    "r1",
			ControllerID: "k1",
			ActionName:   "add",
			Params:       []command.Param{{Name: "text", Value: convert.String("milk")}},
		},
	}})
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatal(err)
	}
	seqs := map[uint64]int{}
	for range 2 {
		env := wsRead(t, conn)
		seqs[env.Seq] = len(env.Commands)
	}
	if diff := cmp.Diff(map[uint64]int{2: 0, 3: 4}, seqs); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"commands":[{"id":"Nope"}]}`)); err != nil {
		t.Fatal(err)
	}
	if env := wsRead(t, conn); env.Status != http.StatusBadRequest {
		t.Errorf("malformed envelope answered %+v", env)
	}
	out = wsExchange(t, conn, command.Envelope{ClientID: "gone", Seq: 4, Commands: []command.Command{&command.StartLongPoll{}}})
	if out.Status != http.StatusGone || out.Seq != 4 {
		t.Errorf("unknown session answered %+v", out)
	}
}

func TestRPCExchange(t *testing.T) {
	s := newTestServer(t, nil)
	l, err := NewRPCListener("127.0.0.1:0", s)
	if err != nil {
		t.Fatal(err)
	}
	go l.Serve()
	defer l.Close()

	nc, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn := jsonrpc2.NewConn(jsonrpc2.NewStream(nc))
	conn.Go(ctx, jsonrpc2.MethodNotFoundHandler)
	defer conn.Close()

	var out command.Envelope
	_, err = conn.Call(ctx, command.MethodExchange, command.Envelope{Seq: 1, Commands: []command.Command{
		&command.CreateContext{},
		&command.CreateController{ControllerID: "k1", ControllerName: "todos"},
	}}, &out)
	if err != nil {
		t.Fatal(err)
	}
	if out.ClientID == "" || len(out.Commands) != 4 {
		t.Fatalf("envelope %+v", out)
	}
	if l.ConnCount() != 1 {
		t.Errorf("%d connections", l.ConnCount())
	}

	_, err = conn.Call(ctx, "remoting.nope", nil, nil)
	if err == nil || !strings.Contains(err.Error(), "method not found") {
		t.Errorf("unknown method: %v", err)
	}

	out = command.Envelope{}
	_, err = conn.Call(ctx, command.MethodExchange, command.Envelope{Seq: 2, Commands: []command.Command{&command.DestroyContext{}}}, &out)
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != http.StatusBadRequest {
		t.Errorf("exchange without client id answered %+v", out)
	}
}

func TestStoreExpiry(t *testing.T) {
	s := newTestServer(t, func(c *Config) {
		c.Session.Timeout = Duration(50 * time.Millisecond)
		c.Session.MaxPollWait = Duration(10 * time.Millisecond)
	})
	s.Store.Start()
	id, _, err := s.Exchange(context.Background(), "", []command.Command{&command.CreateContext{}})
	if err != nil {
		t.Fatal(err)
	}
	sess, err := s.Store.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for !sess.Destroyed() {
		if time.Now().After(deadline) {
			t.Fatal("idle session not destroyed")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, err := s.Store.Get(id); err != ErrContextNotFound {
		t.Errorf("got %v", err)
	}
}
