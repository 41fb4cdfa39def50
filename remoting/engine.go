package remoting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"

	"github.com/signadot/beansync/beans"
	"github.com/signadot/beansync/command"
	"github.com/signadot/beansync/convert"
	"github.com/signadot/beansync/debug"
	"github.com/signadot/beansync/gc"
)

// Hooks are optional callbacks for instrumentation.
type Hooks struct {
	Command      func(dir command.Direction, t command.Type)
	ActionFailed func(controller, action string)
	Rejected     func(n int)
}

type Config struct {
	Repository *beans.Repository
	// Controllers may be nil for an engine that never receives
	// CreateController, such as a client.
	Controllers *Registry
	// Sink receives outbound commands in order.
	Sink func(command.Command)
	// Unhandled receives inbound commands the engine does not process:
	// session commands, ControllerCreated and peer error reports. An error
	// aborts the batch.
	Unhandled func(ctx context.Context, c command.Command) error
	// Trace selects commands logged at info level.
	Trace *command.Filter
	Hooks Hooks
	Log   *slog.Logger
}

// Engine is the synchronization state machine of one session. It is not
// safe for concurrent use.
type Engine struct {
	repo        *beans.Repository
	controllers *Registry
	sink        func(command.Command)
	unhandled   func(context.Context, command.Command) error
	trace       *command.Filter
	hooks       Hooks
	log         *slog.Logger
	gc          *gc.Collector

	sentClasses   map[*beans.ClassInfo]bool
	remoteClasses map[string]*beans.ClassInfo
	live          map[string]*ControllerContext
	destroyed     bool
}

func New(cfg *Config) (*Engine, error) {
	if cfg.Repository == nil {
		return nil, errors.New("remoting: nil repository")
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	e := &Engine{
		repo:          cfg.Repository,
		controllers:   cfg.Controllers,
		sink:          cfg.Sink,
		unhandled:     cfg.Unhandled,
		trace:         cfg.Trace,
		hooks:         cfg.Hooks,
		log:           log,
		sentClasses:   map[*beans.ClassInfo]bool{},
		remoteClasses: map[string]*beans.ClassInfo{},
		live:          map[string]*ControllerContext{},
	}
	e.gc = gc.New(&gc.Config{Reject: e.reject, Log: log})
	e.repo.SetObserver(e)
	return e, nil
}

func (e *Engine) Repository() *beans.Repository { return e.repo }
func (e *Engine) GC() *gc.Collector              { return e.gc }

// Controller returns a live controller.
func (e *Engine) Controller(id string) (*ControllerContext, bool) {
	cc, ok := e.live[id]
	return cc, ok
}

// Collect runs the garbage collector. Rejected beans are deleted and their
// deletion is sent to the peer.
func (e *Engine) Collect() gc.Result {
	res := e.gc.Collect()
	if len(res.Rejected) > 0 && e.hooks.Rejected != nil {
		e.hooks.Rejected(len(res.Rejected))
	}
	return res
}

func (e *Engine) reject(id string) error {
	err := e.repo.DeleteByID(id, beans.SourceSelf)
	if errors.Is(err, beans.ErrBeanNotFound) {
		return nil
	}
	return err
}

func (e *Engine) emit(c command.Command) {
	e.traceCommand(command.Outbound, c)
	if e.hooks.Command != nil {
		e.hooks.Command(command.Outbound, c.Type())
	}
	if e.sink != nil {
		e.sink(c)
	}
}

func (e *Engine) traceCommand(dir command.Direction, c command.Command) {
	dump := debug.Commands()
	if !dump && e.trace == nil {
		return
	}
	if e.trace != nil {
		ok, err := e.trace.Match(dir, c)
		if err != nil {
			e.log.Warn("trace filter", "error", err)
		}
		dump = dump || ok
	}
	if !dump {
		return
	}
	data, err := command.Encode(c)
	if err != nil {
		return
	}
	if debug.Commands() {
		debug.Logf("%s %s", dir, data)
	}
	if e.trace != nil {
		e.log.Info("command", "dir", string(dir), "command", string(data))
	}
}

// outboundFailed reports a local change that could not be encoded.
func (e *Engine) outboundFailed(msg string, err error, args ...any) {
	e.log.Error(msg, append(args, "error", err)...)
	e.emit(&command.InternalError{Message: err.Error()})
}

// BeanCreated implements beans.Observer.
func (e *Engine) BeanCreated(ev beans.BeanEvent) {
	e.gc.OnBeanCreated(ev.ID, ev.Root)
	if ev.Source != beans.SourceSelf {
		return
	}
	e.announce(ev.Class)
	e.emit(&command.CreateBean{BeanID: ev.ID, ClassID: ev.Class.ID()})
}

// BeanRemoved implements beans.Observer.
func (e *Engine) BeanRemoved(ev beans.BeanEvent) {
	e.gc.OnBeanRemoved(ev.ID)
	if ev.Source != beans.SourceSelf {
		return
	}
	e.emit(&command.DeleteBean{BeanID: ev.ID})
}

// PropertyChanged implements beans.Observer.
func (e *Engine) PropertyChanged(ev beans.PropertyEvent) {
	if ev.Property.IsBeanRef() {
		e.gc.OnPropertyValueChanged(ev.BeanID, beans.IDOf(ev.Old), beans.IDOf(ev.New))
	}
	if ev.Source != beans.SourceSelf {
		return
	}
	v, err := ev.Property.ToRemote(ev.New)
	if err != nil {
		e.outboundFailed("encoding property change", err, "bean", ev.BeanID, "property", ev.Property.Name())
		return
	}
	e.emit(&command.ValueChanged{BeanID: ev.BeanID, PropertyName: ev.Property.Name(), Value: v})
}

// ListChanged implements beans.Observer.
func (e *Engine) ListChanged(ev beans.ListEvent) {
	if ev.List.IsBeanRef() {
		e.gc.OnRemovedFromList(ev.BeanID, refIDs(ev.Removed)...)
		e.gc.OnAddedToList(ev.BeanID, refIDs(ev.Added)...)
	}
	if ev.Source != beans.SourceSelf {
		return
	}
	values := make([]convert.Value, len(ev.Added))
	for i, x := range ev.Added {
		v, err := ev.List.ToRemote(x)
		if err != nil {
			e.outboundFailed("encoding list change", err, "bean", ev.BeanID, "list", ev.List.Name(), "index", ev.From+i)
			return
		}
		values[i] = v
	}
	name := ev.List.Name()
	switch {
	case ev.IsReplaced() && len(ev.Removed) == len(ev.Added):
		e.emit(&command.ListReplace{BeanID: ev.BeanID, ListName: name, From: ev.From, Values: values})
	default:
		if len(ev.Removed) > 0 {
			e.emit(&command.ListRemove{BeanID: ev.BeanID, ListName: name, From: ev.From, To: ev.From + len(ev.Removed)})
		}
		if len(ev.Added) > 0 {
			e.emit(&command.ListAdd{BeanID: ev.BeanID, ListName: name, From: ev.From, Values: values})
		}
	}
}

func refIDs(xs []any) []string {
	ids := make([]string, 0, len(xs))
	for _, x := range xs {
		if id := beans.IDOf(x); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// announce sends the descriptor of a class the first time a local bean of
// it is created.
func (e *Engine) announce(info *beans.ClassInfo) {
	if e.sentClasses[info] {
		return
	}
	e.sentClasses[info] = true
	props, lists := describe(info)
	e.emit(&command.CreateBeanType{
		ClassID:    info.ID(),
		ClassName:  info.Name(),
		Properties: props,
		Lists:      lists,
	})
}

func describe(info *beans.ClassInfo) (props, lists []command.PropertyDesc) {
	for _, p := range info.Properties() {
		props = append(props, command.PropertyDesc{Name: p.Name(), Type: p.TypeID()})
	}
	for _, p := range info.Lists() {
		lists = append(lists, command.PropertyDesc{Name: p.Name(), Type: p.TypeID()})
	}
	return props, lists
}

func sameDescs(a, b []command.PropertyDesc) bool {
	cmpDesc := func(x, y command.PropertyDesc) int {
		if x.Name < y.Name {
			return -1
		}
		if x.Name > y.Name {
			return 1
		}
		return 0
	}
	a = slices.SortedFunc(slices.Values(a), cmpDesc)
	b = slices.SortedFunc(slices.Values(b), cmpDesc)
	return slices.Equal(a, b)
}

// Apply applies an inbound batch in order. Failures local to one command
// are reported to the peer with an ErrorResponse and the batch continues.
// Structural failures stop the batch and are returned as a ProtocolError;
// commands applied before stay applied.
func (e *Engine) Apply(ctx context.Context, cmds []command.Command) error {
	if e.destroyed {
		return ErrDestroyed
	}
	for i, c := range cmds {
		if err := ctx.Err(); err != nil {
			return err
		}
		e.traceCommand(command.Inbound, c)
		if e.hooks.Command != nil {
			e.hooks.Command(command.Inbound, c.Type())
		}
		if err := e.apply(ctx, i, c); err != nil {
			var pe *ProtocolError
			if errors.As(err, &pe) {
				return err
			}
			return &ProtocolError{Index: i, Command: c.Type(), Err: err}
		}
	}
	return nil
}

func (e *Engine) apply(ctx context.Context, i int, c command.Command) error {
	switch c := c.(type) {
	case *command.CreateBeanType:
		return e.applyClass(c)
	case *command.CreateBean:
		info, ok := e.remoteClasses[c.ClassID]
		if !ok {
			return fmt.Errorf("%w: class id %s was not announced before bean %s", beans.ErrUnknownClass, c.ClassID, c.BeanID)
		}
		_, err := e.repo.CreateBean(info, c.BeanID, beans.SourceRemote, beans.AsRoot())
		return err
	case *command.DeleteBean:
		return e.repo.DeleteByID(c.BeanID, beans.SourceRemote)
	case *command.ValueChanged:
		return e.local(i, e.repo.SetProperty(c.BeanID, c.PropertyName, c.Value, beans.SourceRemote))
	// List windows are absolute, so a failed splice leaves later list
	// commands pointing at the wrong elements.
	case *command.ListAdd:
		return e.repo.SpliceList(c.BeanID, c.ListName, c.From, c.From, c.Values, beans.SourceRemote)
	case *command.ListRemove:
		return e.repo.SpliceList(c.BeanID, c.ListName, c.From, c.To, nil, beans.SourceRemote)
	case *command.ListReplace:
		return e.repo.SpliceList(c.BeanID, c.ListName, c.From, c.From+len(c.Values), c.Values, beans.SourceRemote)
	case *command.CreateController:
		return e.createController(ctx, c)
	case *command.DestroyController:
		cc, ok := e.live[c.ControllerID]
		if !ok {
			e.report(c.ControllerID, &ActionError{Controller: c.ControllerID, Action: "destroy", Err: ErrUnknownController})
			return nil
		}
		e.destroy(ctx, cc)
		return nil
	case *command.CallAction:
		e.callAction(ctx, c)
		return nil
	case *command.ErrorResponse, *command.InternalError:
		if e.unhandled != nil {
			return e.unhandled(ctx, c)
		}
		e.log.Warn("peer reported an error", "command", c.Type(), "detail", fmt.Sprintf("%+v", c))
		return nil
	}
	if e.unhandled != nil {
		return e.unhandled(ctx, c)
	}
	return fmt.Errorf("unexpected %s command", c.Type())
}

// local turns conversion failures of a property update into an
// ErrorResponse for the command at index i. Lookup failures stay structural.
func (e *Engine) local(i int, err error) error {
	if err == nil {
		return nil
	}
	var ce *convert.ConversionError
	if errors.As(err, &ce) && !errors.Is(err, beans.ErrBeanNotFound) {
		e.report(strconv.Itoa(i), err)
		return nil
	}
	return err
}

func (e *Engine) report(requestID string, err error) {
	e.log.Warn("command failed", "request", requestID, "error", err)
	e.emit(&command.ErrorResponse{RequestID: requestID, Message: err.Error()})
}

func (e *Engine) applyClass(c *command.CreateBeanType) error {
	info, err := e.repo.Classes().ByName(c.ClassName)
	if err != nil {
		return err
	}
	if len(c.Properties) > 0 || len(c.Lists) > 0 {
		props, lists := describe(info)
		if !sameDescs(props, c.Properties) || !sameDescs(lists, c.Lists) {
			return fmt.Errorf("class %s: remote descriptor %v %v does not match local %v %v",
				c.ClassName, c.Properties, c.Lists, props, lists)
		}
	}
	if prev, ok := e.remoteClasses[c.ClassID]; ok && prev != info {
		return fmt.Errorf("class id %s already names %s", c.ClassID, prev.Name())
	}
	e.remoteClasses[c.ClassID] = info
	if debug.Classes() {
		debug.Logf("class %s announced as %s", c.ClassName, c.ClassID)
	}
	return nil
}

func (e *Engine) createController(ctx context.Context, c *command.CreateController) error {
	if c.ControllerID == "" {
		return errors.New("empty controller id")
	}
	if _, dup := e.live[c.ControllerID]; dup {
		return fmt.Errorf("duplicate controller id %s", c.ControllerID)
	}
	fail := func(err error) error {
		e.report(c.ControllerID, &ActionError{Controller: c.ControllerName, Action: "create", Err: err})
		return nil
	}
	if e.controllers == nil {
		return fail(ErrUnknownController)
	}
	def, ok := e.controllers.Lookup(c.ControllerName)
	if !ok {
		return fail(ErrUnknownController)
	}
	var parent *ControllerContext
	if c.ParentControllerID != "" {
		parent, ok = e.live[c.ParentControllerID]
		if !ok {
			return fail(fmt.Errorf("parent %s: %w", c.ParentControllerID, ErrUnknownController))
		}
	}
	cc := &ControllerContext{
		engine: e,
		id:     c.ControllerID,
		def:    def,
		parent: parent,
		log:    e.log.With("controller", def.Name(), "controllerId", c.ControllerID),
	}
	var inst any
	err := protect(func() error {
		var err error
		inst, err = def.newInstance(cc)
		return err
	})
	if err != nil {
		if cc.model != nil {
			e.gc.SetRoot(cc.model.BeanID(), false)
		}
		return fail(err)
	}
	cc.instance = inst
	e.live[cc.id] = cc
	if parent != nil {
		parent.children = append(parent.children, cc)
	}
	cc.log.Debug("controller created")
	e.emit(&command.ControllerCreated{ControllerID: cc.id, ModelID: beans.IDOf(cc.model)})
	return nil
}

// destroy tears down cc and its children, children first. The model of
// each controller stops being a root and is left to the collector.
func (e *Engine) destroy(ctx context.Context, cc *ControllerContext) {
	for _, child := range slices.Backward(slices.Clone(cc.children)) {
		e.destroy(ctx, child)
	}
	if d, ok := cc.instance.(Destroyer); ok {
		if err := protect(func() error { d.Destroy(ctx); return nil }); err != nil {
			cc.log.Error("destroying controller", "error", err)
		}
	}
	if cc.model != nil {
		e.gc.SetRoot(cc.model.BeanID(), false)
	}
	delete(e.live, cc.id)
	if p := cc.parent; p != nil {
		p.children = slices.DeleteFunc(p.children, func(x *ControllerContext) bool { return x == cc })
	}
	cc.log.Debug("controller destroyed")
}

func (e *Engine) callAction(ctx context.Context, c *command.CallAction) {
	fail := func(controller, param string, err error) {
		e.report(c.RequestID, &ActionError{
			RequestID:  c.RequestID,
			Controller: controller,
			Action:     c.ActionName,
			Param:      param,
			Err:        err,
		})
		if e.hooks.ActionFailed != nil {
			e.hooks.ActionFailed(controller, c.ActionName)
		}
	}
	cc, ok := e.live[c.ControllerID]
	if !ok {
		fail(c.ControllerID, "", ErrUnknownController)
		return
	}
	name := cc.def.Name()
	entry, ok := cc.def.action(c.ActionName)
	if !ok {
		fail(name, "", ErrUnknownAction)
		return
	}
	args, pinned, param, err := e.convertArgs(entry.params, c.Params)
	defer func() {
		for _, id := range pinned {
			e.gc.Unpin(id)
		}
	}()
	if err != nil {
		fail(name, param, err)
		return
	}
	err = protect(func() error { return entry.call(ctx, cc.instance, args) })
	if err != nil {
		fail(name, "", err)
		return
	}
	cc.log.Debug("action called", "action", c.ActionName, "request", c.RequestID)
}

// convertArgs converts the wire parameters of a call. Bean arguments are
// pinned as roots and returned in pinned; param names a failing parameter.
func (e *Engine) convertArgs(specs []ParamSpec, params []command.Param) (args Args, pinned []string, param string, err error) {
	wire := make(map[string]convert.Value, len(params))
	for _, p := range params {
		if _, dup := wire[p.Name]; dup {
			return Args{}, nil, p.Name, errors.New("given twice")
		}
		wire[p.Name] = p.Value
	}
	declared := make(map[string]bool, len(specs))
	for _, s := range specs {
		declared[s.name] = true
	}
	for _, p := range params {
		if !declared[p.Name] {
			return Args{}, nil, p.Name, ErrUnknownParam
		}
	}
	args = Args{values: make(map[string]any, len(specs))}
	for _, s := range specs {
		v, ok := wire[s.name]
		if !ok {
			if s.optional {
				continue
			}
			return Args{}, pinned, s.name, ErrMissingParam
		}
		conv, err := e.repo.Converters().Converter(s.typ)
		if err != nil {
			return Args{}, pinned, s.name, err
		}
		x, err := conv.FromRemote(v)
		if err != nil {
			return Args{}, pinned, s.name, err
		}
		args.values[s.name] = x
		if id := beans.IDOf(x); id != "" {
			e.gc.Pin(id)
			pinned = append(pinned, id)
		}
	}
	return args, pinned, "", nil
}

// Destroy destroys every controller and forgets all beans. The engine
// rejects further batches.
func (e *Engine) Destroy(ctx context.Context) {
	if e.destroyed {
		return
	}
	if debug.GC() {
		if snap, err := e.Snapshot(); err == nil {
			debug.Logf("destroying engine with %d beans", len(snap.Beans))
			debug.LogAny(snap)
		}
	}
	var top []*ControllerContext
	for _, cc := range e.live {
		if cc.parent == nil {
			top = append(top, cc)
		}
	}
	slices.SortFunc(top, func(a, b *ControllerContext) int {
		switch {
		case a.id < b.id:
			return -1
		case a.id > b.id:
			return 1
		}
		return 0
	})
	for _, cc := range top {
		e.destroy(ctx, cc)
	}
	e.destroyed = true
	e.repo.SetObserver(nil)
	e.repo.Clear()
}

func protect(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}
