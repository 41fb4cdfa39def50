package remoting

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"slices"
	"sync"

	"github.com/signadot/beansync/beans"
)

// ControllerDef is a named controller type with its actions. It is built
// with NewController.
type ControllerDef interface {
	Name() string
	Actions() []string
	newInstance(cc *ControllerContext) (any, error)
	action(name string) (*actionEntry, bool)
}

type actionEntry struct {
	params []ParamSpec
	call   func(ctx context.Context, inst any, args Args) error
}

// Controller defines a controller whose instances are *C.
type Controller[C any] struct {
	name    string
	factory func(*ControllerContext) (*C, error)
	actions map[string]*actionEntry
}

// NewController starts the definition of a controller. factory is called
// once per CreateController command.
func NewController[C any](name string, factory func(*ControllerContext) (*C, error)) *Controller[C] {
	return &Controller[C]{
		name:    name,
		factory: factory,
		actions: map[string]*actionEntry{},
	}
}

// Action adds an action. The parameters of a call are converted to the
// types declared by params before fn runs.
func (c *Controller[C]) Action(name string, fn func(ctx context.Context, c *C, args Args) error, params ...ParamSpec) *Controller[C] {
	c.actions[name] = &actionEntry{
		params: params,
		call: func(ctx context.Context, inst any, args Args) error {
			return fn(ctx, inst.(*C), args)
		},
	}
	return c
}

func (c *Controller[C]) Name() string { return c.name }

func (c *Controller[C]) Actions() []string {
	names := make([]string, 0, len(c.actions))
	for n := range c.actions {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

func (c *Controller[C]) newInstance(cc *ControllerContext) (any, error) {
	inst, err := c.factory(cc)
	if err != nil {
		return nil, err
	}
	if inst == nil {
		return nil, fmt.Errorf("controller %s: factory returned nil", c.name)
	}
	return inst, nil
}

func (c *Controller[C]) action(name string) (*actionEntry, bool) {
	a, ok := c.actions[name]
	return a, ok
}

// Destroyer is implemented by controller instances that release resources
// when they are destroyed.
type Destroyer interface {
	Destroy(ctx context.Context)
}

// ParamSpec declares one action parameter.
type ParamSpec struct {
	name     string
	typ      reflect.Type
	optional bool
}

// Param declares a required parameter of type T.
func Param[T any](name string) ParamSpec {
	return ParamSpec{name: name, typ: reflect.TypeFor[T]()}
}

// OptionalParam declares a parameter that may be omitted by the caller.
func OptionalParam[T any](name string) ParamSpec {
	return ParamSpec{name: name, typ: reflect.TypeFor[T](), optional: true}
}

func (p ParamSpec) Name() string { return p.name }

// Args holds the converted parameters of an action call.
type Args struct {
	values map[string]any
}

func (a Args) Has(name string) bool {
	_, ok := a.values[name]
	return ok
}

func (a Args) Get(name string) any {
	return a.values[name]
}

// Arg returns the parameter name as a T, or the zero T when it was
// omitted.
func Arg[T any](a Args, name string) T {
	v, _ := a.values[name].(T)
	return v
}

// Registry holds the controller definitions of a server. It is safe for
// concurrent use.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]ControllerDef
}

func NewRegistry(defs ...ControllerDef) (*Registry, error) {
	r := &Registry{defs: map[string]ControllerDef{}}
	for _, d := range defs {
		if err := r.Register(d); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) Register(d ControllerDef) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.defs[d.Name()]; ok {
		return fmt.Errorf("controller %q already registered", d.Name())
	}
	r.defs[d.Name()] = d
	return nil
}

func (r *Registry) Lookup(name string) (ControllerDef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[name]
	return d, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.defs))
	for n := range r.defs {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// ControllerContext is handed to a controller factory. It stays valid until
// the controller is destroyed.
type ControllerContext struct {
	engine   *Engine
	id       string
	def      ControllerDef
	parent   *ControllerContext
	children []*ControllerContext
	instance any
	model    beans.Managed
	log      *slog.Logger
}

func (cc *ControllerContext) ID() string                     { return cc.id }
func (cc *ControllerContext) Name() string                   { return cc.def.Name() }
func (cc *ControllerContext) Parent() *ControllerContext     { return cc.parent }
func (cc *ControllerContext) Repository() *beans.Repository { return cc.engine.repo }
func (cc *ControllerContext) Log() *slog.Logger              { return cc.log }

// Model returns the root model created with NewModel, or nil.
func (cc *ControllerContext) Model() beans.Managed { return cc.model }

// NewModel creates the root model of the controller. The model is a garbage
// collection root until the controller is destroyed.
func NewModel[M any](cc *ControllerContext) (*M, error) {
	if cc.model != nil {
		return nil, fmt.Errorf("controller %s already has a model", cc.id)
	}
	m, err := beans.Create[M](cc.engine.repo, beans.AsRoot())
	if err != nil {
		return nil, err
	}
	cc.model = any(m).(beans.Managed)
	return m, nil
}
