package beans

import (
	"errors"
	"fmt"
	"reflect"
	"slices"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"
	"github.com/signadot/beansync/convert"
)

// ClassRegistry maps wire class names to Go struct types. It is shared by
// every session of a server and safe for concurrent use.
type ClassRegistry struct {
	mu     sync.RWMutex
	byName map[string]reflect.Type
	byType map[reflect.Type]string
}

func NewClassRegistry() *ClassRegistry {
	return &ClassRegistry{
		byName: map[string]reflect.Type{},
		byType: map[reflect.Type]string{},
	}
}

// Register adds the struct type T under name.
func Register[T any](r *ClassRegistry, name string) error {
	return r.Register(name, reflect.TypeFor[T]())
}

// MustRegister is like Register but panics on error.
func MustRegister[T any](r *ClassRegistry, name string) {
	if err := Register[T](r, name); err != nil {
		panic(err)
	}
}

// Register adds the struct type t under name. Registering the same pair
// twice is allowed.
func (r *ClassRegistry) Register(name string, t reflect.Type) error {
	if name == "" {
		return &ClassError{Class: t.String(), Err: errors.New("empty class name")}
	}
	if t.Kind() != reflect.Struct || !reflect.PointerTo(t).Implements(managedType) {
		return &ClassError{Class: name, Err: fmt.Errorf("%s is not a struct embedding beans.Bean", t)}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.byName[name]; ok && prev != t {
		return &ClassError{Class: name, Err: fmt.Errorf("already registered for %s", prev)}
	}
	if prev, ok := r.byType[t]; ok && prev != name {
		return &ClassError{Class: name, Err: fmt.Errorf("%s already registered as %s", t, prev)}
	}
	r.byName[name] = t
	r.byType[t] = name
	return nil
}

func (r *ClassRegistry) TypeOf(name string) (reflect.Type, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byName[name]
	return t, ok
}

func (r *ClassRegistry) NameOf(t reflect.Type) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.byType[t]
	return n, ok
}

// Names returns the registered class names in sorted order.
func (r *ClassRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byName))
	for n := range r.byName {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// ClassInfo is the immutable description of a bean class.
type ClassInfo struct {
	id         string
	name       string
	typ        reflect.Type
	properties []*PropertyInfo
	lists      []*PropertyInfo
	byName     map[string]*PropertyInfo
}

// ID is the session unique id used on the wire for this class.
func (c *ClassInfo) ID() string { return c.id }

// Name is the registered class name.
func (c *ClassInfo) Name() string { return c.name }

// Type is the struct type of the class.
func (c *ClassInfo) Type() reflect.Type { return c.typ }

// Properties returns the single valued properties in declaration order.
func (c *ClassInfo) Properties() []*PropertyInfo { return c.properties }

// Lists returns the list properties in declaration order.
func (c *ClassInfo) Lists() []*PropertyInfo { return c.lists }

func (c *ClassInfo) Property(name string) (*PropertyInfo, bool) {
	p, ok := c.byName[name]
	if !ok || p.list {
		return nil, false
	}
	return p, true
}

func (c *ClassInfo) List(name string) (*PropertyInfo, bool) {
	p, ok := c.byName[name]
	if !ok || !p.list {
		return nil, false
	}
	return p, true
}

// PropertyInfo describes one Property or List field of a class.
type PropertyInfo struct {
	name      string
	field     string
	index     []int
	list      bool
	elem      reflect.Type
	converter convert.Converter
}

func (p *PropertyInfo) Name() string                 { return p.name }
func (p *PropertyInfo) FieldName() string            { return p.field }
func (p *PropertyInfo) IsList() bool                 { return p.list }
func (p *PropertyInfo) ElemType() reflect.Type       { return p.elem }
func (p *PropertyInfo) Converter() convert.Converter { return p.converter }
func (p *PropertyInfo) TypeID() convert.TypeID       { return p.converter.TypeID() }

// IsBeanRef reports whether values of the property reference other beans.
func (p *PropertyInfo) IsBeanRef() bool {
	return p.converter.TypeID() == convert.TypeBean
}

// ToRemote converts a native value of the property.
func (p *PropertyInfo) ToRemote(v any) (convert.Value, error) {
	rv, err := p.converter.ToRemote(v)
	return rv, convert.WithField(err, p.name)
}

// FromRemote converts a remote value for the property.
func (p *PropertyInfo) FromRemote(v convert.Value) (any, error) {
	x, err := p.converter.FromRemote(v)
	return x, convert.WithField(err, p.name)
}

func (p *PropertyInfo) field0(b Managed) reflect.Value {
	return reflect.ValueOf(b).Elem().FieldByIndex(p.index).Addr()
}

func (p *PropertyInfo) propertySlot(b Managed) propertySlot {
	return p.field0(b).Interface().(propertySlot)
}

func (p *PropertyInfo) listSlot(b Managed) listSlot {
	return p.field0(b).Interface().(listSlot)
}

// ClassRepository builds and caches ClassInfo per Go type. Class ids are
// unique to the repository.
type ClassRepository struct {
	mu         sync.Mutex
	registry   *ClassRegistry
	converters *convert.Registry
	byType     map[reflect.Type]*ClassInfo
	byName     map[string]*ClassInfo
	newID      func() string
}

func NewClassRepository(reg *ClassRegistry, converters *convert.Registry) *ClassRepository {
	return &ClassRepository{
		registry:   reg,
		converters: converters,
		byType:     map[reflect.Type]*ClassInfo{},
		byName:     map[string]*ClassInfo{},
		newID:      func() string { return ulid.Make().String() },
	}
}

func (c *ClassRepository) Registry() *ClassRegistry {
	return c.registry
}

// ByName returns the class registered under name.
func (c *ClassRepository) ByName(name string) (*ClassInfo, error) {
	c.mu.Lock()
	if info, ok := c.byName[name]; ok {
		c.mu.Unlock()
		return info, nil
	}
	c.mu.Unlock()
	t, ok := c.registry.TypeOf(name)
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownClass, name)
	}
	return c.Get(t)
}

// Get returns the class of the struct type t, building it on first use.
// t may also be a pointer to the struct.
func (c *ClassRepository) Get(t reflect.Type) (*ClassInfo, error) {
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if info, ok := c.byType[t]; ok {
		return info, nil
	}
	name, ok := c.registry.NameOf(t)
	if !ok {
		return nil, &ClassError{Class: t.String(), Err: ErrUnknownClass}
	}
	info := &ClassInfo{
		id:     c.newID(),
		name:   name,
		typ:    t,
		byName: map[string]*PropertyInfo{},
	}
	if err := c.collect(info, t, nil); err != nil {
		return nil, err
	}
	c.byType[t] = info
	c.byName[name] = info
	return info, nil
}

func (c *ClassRepository) collect(info *ClassInfo, t reflect.Type, prefix []int) error {
	for i := range t.NumField() {
		f := t.Field(i)
		index := append(slices.Clone(prefix), i)
		if f.Type == reflect.TypeFor[Bean]() {
			continue
		}
		pt := reflect.PointerTo(f.Type)
		isProp := pt.Implements(propertySlotType)
		isList := pt.Implements(listSlotType)
		if !isProp && !isList {
			if f.Anonymous && f.Type.Kind() == reflect.Struct {
				if err := c.collect(info, f.Type, index); err != nil {
					return err
				}
			}
			continue
		}
		tag := f.Tag.Get("bean")
		if tag == "-" {
			continue
		}
		if !f.IsExported() {
			return &ClassError{Class: info.name, Field: f.Name, Err: errors.New("synchronized fields must be exported")}
		}
		name := tag
		if name == "" {
			name = lowerFirst(f.Name)
		}
		if _, dup := info.byName[name]; dup {
			return &ClassError{Class: info.name, Field: f.Name, Err: fmt.Errorf("duplicate property name %q", name)}
		}
		elem := reflect.New(f.Type).Interface().(interface{ elemType() reflect.Type }).elemType()
		conv, err := c.converters.Converter(elem)
		if err != nil {
			return &ClassError{Class: info.name, Field: f.Name, Err: err}
		}
		p := &PropertyInfo{
			name:      name,
			field:     f.Name,
			index:     index,
			list:      isList,
			elem:      elem,
			converter: conv,
		}
		info.byName[name] = p
		if isList {
			info.lists = append(info.lists, p)
		} else {
			info.properties = append(info.properties, p)
		}
	}
	return nil
}

func lowerFirst(s string) string {
	r, n := utf8.DecodeRuneInString(s)
	if n == 0 {
		return s
	}
	// keep acronyms readable: "URL" -> "url", "IDList" -> "idList"
	upper := 0
	for _, c := range s {
		if !unicode.IsUpper(c) {
			break
		}
		upper++
	}
	if upper > 1 && upper < utf8.RuneCountInString(s) {
		rs := []rune(s)
		return strings.ToLower(string(rs[:upper-1])) + string(rs[upper-1:])
	}
	if upper == utf8.RuneCountInString(s) {
		return strings.ToLower(s)
	}
	return string(unicode.ToLower(r)) + s[n:]
}
