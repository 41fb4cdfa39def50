package beans

import (
	"fmt"
	"reflect"
)

// ValueChange is delivered to Property listeners.
type ValueChange[T any] struct {
	Old, New T
	Source   Source
}

// Property is a single synchronized value of a bean.
//
// The zero value is ready to use. Until the owning bean is created by a
// Repository a Property behaves like a plain observable field.
type Property[T any] struct {
	value     T
	binding   *binding
	listeners listeners[ValueChange[T]]
}

// Get returns the current value.
func (p *Property[T]) Get() T {
	return p.value
}

// Set changes the value. Setting an equal value does nothing.
//
// A value the converters cannot encode, such as a NaN float or an
// unmanaged bean, is still set locally and the peer only gets an
// InternalError. Use TrySet to refuse it instead.
func (p *Property[T]) Set(v T) {
	p.set(v, SourceSelf)
}

// TrySet is Set for a managed bean that leaves the value unchanged when it
// cannot be sent to the peer.
func (p *Property[T]) TrySet(v T) error {
	if p.binding != nil && !sameValue(p.value, v) {
		if err := p.binding.check(v); err != nil {
			return err
		}
	}
	p.set(v, SourceSelf)
	return nil
}

// OnChange registers fn to be called after every change, including changes
// applied from the remote side. The returned func removes the listener.
func (p *Property[T]) OnChange(fn func(ValueChange[T])) (remove func()) {
	return p.listeners.add(fn)
}

func (p *Property[T]) set(v T, src Source) {
	old := p.value
	if sameValue(old, v) {
		return
	}
	p.value = v
	if p.binding != nil {
		p.binding.propertyChanged(old, v, src)
	}
	p.listeners.fire(ValueChange[T]{Old: old, New: v, Source: src})
}

func (p *Property[T]) elemType() reflect.Type {
	return reflect.TypeFor[T]()
}

func (p *Property[T]) bind(b *binding) {
	p.binding = b
}

func (p *Property[T]) getAny() any {
	return p.value
}

func (p *Property[T]) setAny(x any, src Source) error {
	v, err := fromAny[T](x)
	if err != nil {
		return err
	}
	p.set(v, src)
	return nil
}

func fromAny[T any](x any) (T, error) {
	var zero T
	if x == nil {
		return zero, nil
	}
	v, ok := x.(T)
	if !ok {
		return zero, fmt.Errorf("value of type %T is not assignable to %s", x, reflect.TypeFor[T]())
	}
	return v, nil
}

type propertySlot interface {
	elemType() reflect.Type
	bind(*binding)
	getAny() any
	setAny(any, Source) error
}

var propertySlotType = reflect.TypeFor[propertySlot]()

// listeners is a small registry of callbacks. Callbacks added or removed
// while firing take effect on the next change.
type listeners[E any] struct {
	next    int
	entries []listener[E]
}

type listener[E any] struct {
	id int
	fn func(E)
}

func (ls *listeners[E]) add(fn func(E)) func() {
	ls.next++
	id := ls.next
	ls.entries = append(ls.entries, listener[E]{id: id, fn: fn})
	return func() {
		for i, e := range ls.entries {
			if e.id == id {
				ls.entries = append(ls.entries[:i:i], ls.entries[i+1:]...)
				return
			}
		}
	}
}

func (ls *listeners[E]) fire(e E) {
	for _, l := range ls.entries {
		l.fn(e)
	}
}
