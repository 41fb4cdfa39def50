package remoting

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/signadot/beansync/beans"
	"github.com/signadot/beansync/command"
	"github.com/signadot/beansync/convert"
)

type counter struct {
	cc        *ControllerContext
	model     *counterModel
	destroyed *[]string
}

func (c *counter) Destroy(context.Context) {
	*c.destroyed = append(*c.destroyed, c.cc.ID())
}

func counterRegistry(t *testing.T, destroyed *[]string) *Registry {
	t.Helper()
	def := NewController("counter", func(cc *ControllerContext) (*counter, error) {
		m, err := NewModel[counterModel](cc)
		if err != nil {
			return nil, err
		}
		return &counter{cc: cc, model: m, destroyed: destroyed}, nil
	}).
		Action("add", func(_ context.Context, c *counter, args Args) error {
			c.model.Value.Set(c.model.Value.Get() + Arg[int](args, "n"))
			if args.Has("label") {
				c.model.Label.Set(Arg[string](args, "label"))
			}
			return nil
		}, Param[int]("n"), OptionalParam[string]("label")).
		Action("fail", func(context.Context, *counter, Args) error {
			return errors.New("nope")
		}).
		Action("panic", func(context.Context, *counter, Args) error {
			panic("kaboom")
		}).
		Action("adopt", func(_ context.Context, c *counter, args Args) error {
			f := Arg[*foo](args, "item")
			if !c.cc.engine.GC().IsRoot(f.BeanID()) {
				return errors.New("argument not pinned during the call")
			}
			c.model.Items.Append(f)
			return nil
		}, Param[*foo]("item"))
	broken := NewController("broken", func(cc *ControllerContext) (*counter, error) {
		if _, err := NewModel[counterModel](cc); err != nil {
			return nil, err
		}
		return nil, errors.New("cannot start")
	})
	reg, err := NewRegistry(def, broken)
	if err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(def); err == nil {
		t.Errorf("duplicate controller registered")
	}
	return reg
}

func call(req, action string, params ...command.Param) *command.CallAction {
	return &command.CallAction{RequestID: req, ControllerID: "k1", ActionName: action, Params: params}
}

func TestControllerActions(t *testing.T) {
	var destroyed []string
	p := newPeer(t, "s", counterRegistry(t, &destroyed))
	p.apply(t, &command.CreateController{ControllerID: "k1", ControllerName: "counter"})
	out := p.take()
	want := []command.Type{command.TypeCreateBeanType, command.TypeCreateBean, command.TypeControllerCreated}
	if diff := cmp.Diff(want, typesOf(out)); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(&command.ControllerCreated{ControllerID: "k1", ModelID: "s1"}, out[2]); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
	model := beanOf[counterModel](t, p, "s1")

	p.apply(t,
		call("r1", "add", command.Param{Name: "n", Value: convert.Int(5)}, command.Param{Name: "label", Value: convert.String("five")}),
		call("r2", "add"),
		call("r3", "add", command.Param{Name: "n", Value: convert.Null()}),
		call("r4", "add", command.Param{Name: "n", Value: convert.Int(1)}, command.Param{Name: "extra", Value: convert.Int(1)}),
		call("r5", "fail"),
		call("r6", "panic"),
		call("r7", "missing"),
		&command.CallAction{RequestID: "r8", ControllerID: "nope", ActionName: "add"},
		call("r9", "add", command.Param{Name: "n", Value: convert.Int(2)}),
	)
	if model.Value.Get() != 7 || model.Label.Get() != "five" {
		t.Errorf("model value %d label %q", model.Value.Get(), model.Label.Get())
	}
	reports := map[string]string{}
	for _, c := range p.take() {
		if er, ok := c.(*command.ErrorResponse); ok {
			reports[er.RequestID] = er.Message
		}
	}
	expect := map[string][]string{
		"r2": {"parameter n", ErrMissingParam.Error()},
		"r3": {"parameter n", convert.ErrNullNotAllowed.Error()},
		"r4": {"parameter extra", ErrUnknownParam.Error()},
		"r5": {"counter.fail", "nope"},
		"r6": {"panic: kaboom"},
		"r7": {ErrUnknownAction.Error()},
		"r8": {ErrUnknownController.Error()},
	}
	if len(reports) != len(expect) {
		t.Errorf("reports %v", reports)
	}
	for req, parts := range expect {
		msg, ok := reports[req]
		if !ok {
			t.Errorf("%s: no error response", req)
			continue
		}
		for _, part := range parts {
			if !strings.Contains(msg, part) {
				t.Errorf("%s: %q does not mention %q", req, msg, part)
			}
		}
	}
}

func TestActionPinsBeanArguments(t *testing.T) {
	var destroyed []string
	p := newPeer(t, "s", counterRegistry(t, &destroyed))
	p.apply(t, &command.CreateController{ControllerID: "k1", ControllerName: "counter"})
	orphan, err := beans.Create[foo](p.repo)
	if err != nil {
		t.Fatal(err)
	}
	p.take()
	p.apply(t, call("r1", "adopt", command.Param{Name: "item", Value: convert.String(orphan.BeanID())}))
	for _, c := range p.take() {
		if er, ok := c.(*command.ErrorResponse); ok {
			t.Fatalf("adopt failed: %s", er.Message)
		}
	}
	if p.engine.GC().IsRoot(orphan.BeanID()) {
		t.Errorf("argument still pinned after the call")
	}
	if res := p.engine.Collect(); len(res.Rejected) != 0 {
		t.Errorf("adopted bean collected: %v", res.Rejected)
	}
}

func TestControllerDestroyCascade(t *testing.T) {
	var destroyed []string
	p := newPeer(t, "s", counterRegistry(t, &destroyed))
	p.apply(t,
		&command.CreateController{ControllerID: "k1", ControllerName: "counter"},
		&command.CreateController{ControllerID: "k2", ParentControllerID: "k1", ControllerName: "counter"},
		&command.CreateController{ControllerID: "k3", ParentControllerID: "k2", ControllerName: "counter"},
	)
	if res := p.engine.Collect(); len(res.Rejected) != 0 {
		t.Fatalf("models collected while controllers live: %v", res.Rejected)
	}
	p.take()

	p.apply(t, &command.DestroyController{ControllerID: "k1"})
	if diff := cmp.Diff([]string{"k3", "k2", "k1"}, destroyed); diff != "" {
		t.Errorf("destroy order (-want +got):\n%s", diff)
	}
	for _, id := range []string{"k1", "k2", "k3"} {
		if _, ok := p.engine.Controller(id); ok {
			t.Errorf("%s still live", id)
		}
	}
	res := p.engine.Collect()
	if diff := cmp.Diff([]string{"s1", "s2", "s3"}, res.Rejected); diff != "" {
		t.Errorf("models (-want +got):\n%s", diff)
	}

	p.take()
	p.apply(t, &command.DestroyController{ControllerID: "k1"})
	out := p.take()
	if len(out) != 1 || out[0].Type() != command.TypeErrorResponse {
		t.Errorf("destroying an unknown controller: %v", typesOf(out))
	}
}

func TestControllerCreateFailures(t *testing.T) {
	var destroyed []string
	p := newPeer(t, "s", counterRegistry(t, &destroyed))
	p.apply(t,
		&command.CreateController{ControllerID: "k1", ControllerName: "nope"},
		&command.CreateController{ControllerID: "k2", ControllerName: "counter", ParentControllerID: "ghost"},
		&command.CreateController{ControllerID: "k3", ControllerName: "broken"},
	)
	var reports []string
	for _, c := range p.take() {
		if er, ok := c.(*command.ErrorResponse); ok {
			reports = append(reports, er.RequestID)
		}
	}
	if diff := cmp.Diff([]string{"k1", "k2", "k3"}, reports); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
	// the model made by the failed factory is garbage
	if res := p.engine.Collect(); len(res.Rejected) != 1 {
		t.Errorf("rejected %v", res.Rejected)
	}

	p.apply(t, &command.CreateController{ControllerID: "k4", ControllerName: "counter"})
	err := p.engine.Apply(context.Background(), []command.Command{
		&command.CreateController{ControllerID: "k4", ControllerName: "counter"},
	})
	if !errors.Is(err, ErrProtocol) {
		t.Errorf("duplicate controller id: %v", err)
	}
}

func TestDestroyEngineDestroysControllers(t *testing.T) {
	var destroyed []string
	p := newPeer(t, "s", counterRegistry(t, &destroyed))
	p.apply(t,
		&command.CreateController{ControllerID: "b", ControllerName: "counter"},
		&command.CreateController{ControllerID: "a", ControllerName: "counter"},
		&command.CreateController{ControllerID: "c", ParentControllerID: "a", ControllerName: "counter"},
	)
	p.engine.Destroy(context.Background())
	if diff := cmp.Diff([]string{"c", "a", "b"}, destroyed); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
}
