package beans

import (
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"slices"

	"github.com/oklog/ulid/v2"
	"github.com/signadot/beansync/convert"
)

// BeanEvent reports the creation or removal of a bean.
type BeanEvent struct {
	ID     string
	Bean   Managed
	Class  *ClassInfo
	Root   bool
	Source Source
}

// PropertyEvent reports a changed Property value.
type PropertyEvent struct {
	BeanID   string
	Bean     Managed
	Class    *ClassInfo
	Property *PropertyInfo
	Old, New any
	Source   Source
}

// ListEvent reports one contiguous List modification, see ListChange.
type ListEvent struct {
	BeanID  string
	Bean    Managed
	Class   *ClassInfo
	List    *PropertyInfo
	From    int
	To      int
	Removed []any
	Added   []any
	Source  Source
}

func (e ListEvent) IsAdded() bool    { return classify(e.From, e.To, len(e.Removed)) == changeAdded }
func (e ListEvent) IsRemoved() bool  { return classify(e.From, e.To, len(e.Removed)) == changeRemoved }
func (e ListEvent) IsReplaced() bool { return classify(e.From, e.To, len(e.Removed)) == changeReplaced }

// Observer receives every change of a repository synchronously, in the
// order the changes happen.
type Observer interface {
	BeanCreated(BeanEvent)
	BeanRemoved(BeanEvent)
	PropertyChanged(PropertyEvent)
	ListChanged(ListEvent)
}

// Config configures a Repository.
type Config struct {
	// Classes resolves class names. Required.
	Classes *ClassRegistry
	// Factories are converter factories added to the builtin ones.
	Factories []convert.Factory
	// NewID generates bean ids, it defaults to ULIDs.
	NewID func() string
	Log   *slog.Logger
}

// Repository owns the beans of one session. It is not safe for concurrent
// use; a session serializes all access to it.
type Repository struct {
	classes    *ClassRepository
	converters *convert.Registry
	beans      map[string]*entry
	observer   Observer
	newID      func() string
	log        *slog.Logger
}

type entry struct {
	bean  Managed
	class *ClassInfo
}

func NewRepository(cfg *Config) (*Repository, error) {
	if cfg.Classes == nil {
		return nil, errors.New("beans: nil class registry")
	}
	r := &Repository{
		beans: map[string]*entry{},
		newID: cfg.NewID,
		log:   cfg.Log,
	}
	if r.newID == nil {
		r.newID = func() string { return ulid.Make().String() }
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	r.converters = convert.NewRegistry(convert.Builtins()...)
	if err := r.converters.Register(convert.BeanFactory(r)); err != nil {
		return nil, err
	}
	for _, f := range cfg.Factories {
		if err := r.converters.Register(f); err != nil {
			return nil, err
		}
	}
	r.classes = NewClassRepository(cfg.Classes, r.converters)
	return r, nil
}

// SetObserver installs the single observer of the repository.
func (r *Repository) SetObserver(o Observer) {
	r.observer = o
}

func (r *Repository) Classes() *ClassRepository     { return r.classes }
func (r *Repository) Converters() *convert.Registry { return r.converters }
func (r *Repository) Len() int                      { return len(r.beans) }

// CreateOption configures Create.
type CreateOption func(*createOptions)

type createOptions struct {
	root bool
}

// AsRoot marks the new bean as a garbage collection root.
func AsRoot() CreateOption {
	return func(o *createOptions) { o.root = true }
}

// Create creates a managed instance of the registered bean struct T.
func Create[T any](r *Repository, opts ...CreateOption) (*T, error) {
	class, err := r.classes.Get(reflect.TypeFor[T]())
	if err != nil {
		return nil, err
	}
	b, err := r.CreateBean(class, r.newID(), SourceSelf, opts...)
	if err != nil {
		return nil, err
	}
	return any(b).(*T), nil
}

// CreateBean creates an instance of class under id.
func (r *Repository) CreateBean(class *ClassInfo, id string, src Source, opts ...CreateOption) (Managed, error) {
	var o createOptions
	for _, opt := range opts {
		opt(&o)
	}
	if id == "" {
		return nil, errors.New("beans: empty bean id")
	}
	if _, ok := r.beans[id]; ok {
		return nil, fmt.Errorf("%w %s", ErrDuplicateID, id)
	}
	b := reflect.New(class.typ).Interface().(Managed)
	h := b.handle()
	h.id = id
	h.repo = r
	for _, p := range class.properties {
		p.propertySlot(b).bind(&binding{repo: r, bean: b, class: class, info: p})
	}
	for _, p := range class.lists {
		p.listSlot(b).bind(&binding{repo: r, bean: b, class: class, info: p})
	}
	r.beans[id] = &entry{bean: b, class: class}
	r.log.Debug("bean created", "id", id, "class", class.name, "source", src)
	if r.observer != nil {
		r.observer.BeanCreated(BeanEvent{ID: id, Bean: b, Class: class, Root: o.root, Source: src})
	}
	return b, nil
}

// Delete removes a bean created by this repository.
func (r *Repository) Delete(b Managed) error {
	return r.DeleteBean(b, SourceSelf)
}

// DeleteBean removes b. Its slots are unbound, later changes to the
// instance are local only.
func (r *Repository) DeleteBean(b Managed, src Source) error {
	e, err := r.lookup(b)
	if err != nil {
		return err
	}
	id := b.BeanID()
	delete(r.beans, id)
	for _, p := range e.class.properties {
		p.propertySlot(b).bind(nil)
	}
	for _, p := range e.class.lists {
		p.listSlot(b).bind(nil)
	}
	b.handle().repo = nil
	r.log.Debug("bean removed", "id", id, "class", e.class.name, "source", src)
	if r.observer != nil {
		r.observer.BeanRemoved(BeanEvent{ID: id, Bean: b, Class: e.class, Source: src})
	}
	return nil
}

// DeleteByID removes the bean with id.
func (r *Repository) DeleteByID(id string, src Source) error {
	e, ok := r.beans[id]
	if !ok {
		return notFound(id)
	}
	return r.DeleteBean(e.bean, src)
}

// Bean returns the bean with id.
func (r *Repository) Bean(id string) (Managed, error) {
	e, ok := r.beans[id]
	if !ok {
		return nil, notFound(id)
	}
	return e.bean, nil
}

// ClassOf returns the class of a managed bean.
func (r *Repository) ClassOf(b Managed) (*ClassInfo, error) {
	e, err := r.lookup(b)
	if err != nil {
		return nil, err
	}
	return e.class, nil
}

// IsManaged reports whether b is currently managed by r.
func (r *Repository) IsManaged(b any) bool {
	m, ok := b.(Managed)
	if !ok || isNil(m) {
		return false
	}
	_, err := r.lookup(m)
	return err == nil
}

// IDs returns the ids of all beans in sorted order.
func (r *Repository) IDs() []string {
	ids := make([]string, 0, len(r.beans))
	for id := range r.beans {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Clear removes every bean without notifying the observer.
func (r *Repository) Clear() {
	for id, e := range r.beans {
		for _, p := range e.class.properties {
			p.propertySlot(e.bean).bind(nil)
		}
		for _, p := range e.class.lists {
			p.listSlot(e.bean).bind(nil)
		}
		e.bean.handle().repo = nil
		delete(r.beans, id)
	}
}

func (r *Repository) lookup(b Managed) (*entry, error) {
	if b == nil || isNil(b) {
		return nil, ErrNotManaged
	}
	h := b.handle()
	if h.repo != r {
		return nil, ErrNotManaged
	}
	e, ok := r.beans[h.id]
	if !ok || e.bean != b {
		return nil, ErrNotManaged
	}
	return e, nil
}

func isNil(b any) bool {
	v := reflect.ValueOf(b)
	return v.Kind() == reflect.Pointer && v.IsNil()
}

// IsBeanType implements convert.BeanResolver.
func (r *Repository) IsBeanType(t reflect.Type) bool {
	return IsBeanType(t)
}

// BeanID implements convert.BeanResolver.
func (r *Repository) BeanID(b any) (string, error) {
	m, ok := b.(Managed)
	if !ok {
		return "", ErrNotManaged
	}
	if _, err := r.lookup(m); err != nil {
		return "", err
	}
	return m.BeanID(), nil
}

// BeanByID implements convert.BeanResolver.
func (r *Repository) BeanByID(id string) (any, error) {
	return r.Bean(id)
}

// SetProperty converts v and assigns it to the named property of the bean
// with id.
func (r *Repository) SetProperty(id, name string, v convert.Value, src Source) error {
	e, ok := r.beans[id]
	if !ok {
		return notFound(id)
	}
	p, ok := e.class.Property(name)
	if !ok {
		return fmt.Errorf("%w %q of class %s", ErrUnknownProperty, name, e.class.name)
	}
	x, err := p.FromRemote(v)
	if err != nil {
		return err
	}
	return p.propertySlot(e.bean).setAny(x, src)
}

// SpliceList converts vals and replaces the elements in [from, to) of the
// named list with them. Nothing is modified when a value fails to convert.
func (r *Repository) SpliceList(id, name string, from, to int, vals []convert.Value, src Source) error {
	e, ok := r.beans[id]
	if !ok {
		return notFound(id)
	}
	p, ok := e.class.List(name)
	if !ok {
		return fmt.Errorf("%w %q of class %s", ErrUnknownProperty, name, e.class.name)
	}
	xs := make([]any, len(vals))
	for i, v := range vals {
		x, err := p.FromRemote(v)
		if err != nil {
			return err
		}
		xs[i] = x
	}
	return p.listSlot(e.bean).spliceAny(from, to, xs, src)
}

// PropertyValue returns the native value of a property.
func (r *Repository) PropertyValue(b Managed, p *PropertyInfo) any {
	return p.propertySlot(b).getAny()
}

// ListValues returns the native elements of a list.
func (r *Repository) ListValues(b Managed, p *PropertyInfo) []any {
	return p.listSlot(b).valuesAny()
}

// binding connects a slot to its bean and repository.
type binding struct {
	repo  *Repository
	bean  Managed
	class *ClassInfo
	info  *PropertyInfo
}

// check reports whether the peer can be sent vals.
func (b *binding) check(vals ...any) error {
	for i, v := range vals {
		if _, err := b.info.ToRemote(v); err != nil {
			if len(vals) > 1 {
				return fmt.Errorf("element %d: %w", i, err)
			}
			return err
		}
	}
	return nil
}

func (b *binding) propertyChanged(old, cur any, src Source) {
	if b.repo.observer == nil {
		return
	}
	b.repo.observer.PropertyChanged(PropertyEvent{
		BeanID:   b.bean.BeanID(),
		Bean:     b.bean,
		Class:    b.class,
		Property: b.info,
		Old:      old,
		New:      cur,
		Source:   src,
	})
}

func (b *binding) listChanged(from, to int, removed, added []any, src Source) {
	if b.repo.observer == nil {
		return
	}
	b.repo.observer.ListChanged(ListEvent{
		BeanID:  b.bean.BeanID(),
		Bean:    b.bean,
		Class:   b.class,
		List:    b.info,
		From:    from,
		To:      to,
		Removed: removed,
		Added:   added,
		Source:  src,
	})
}
