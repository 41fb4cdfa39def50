package beans

import (
	"fmt"
	"iter"
	"reflect"
	"slices"
)

// ListChange describes one contiguous modification of a List. After the
// change the elements in [From, To) are the added ones and Removed holds the
// elements that were previously at From.
type ListChange[T any] struct {
	From, To int
	Removed  []T
	Added    []T
	Source   Source
}

// NewListChange validates and builds a change. added must hold exactly
// to-from elements.
func NewListChange[T any](from, to int, removed, added []T, src Source) (ListChange[T], error) {
	if err := checkWindow(from, to, len(added)); err != nil {
		return ListChange[T]{}, err
	}
	return ListChange[T]{From: from, To: to, Removed: removed, Added: added, Source: src}, nil
}

func checkWindow(from, to, added int) error {
	if from < 0 {
		return fmt.Errorf("%w: from %d is negative", ErrInvalidChange, from)
	}
	if to < from {
		return fmt.Errorf("%w: to %d is before from %d", ErrInvalidChange, to, from)
	}
	if to-from != added {
		return fmt.Errorf("%w: window [%d,%d) does not hold %d added elements", ErrInvalidChange, from, to, added)
	}
	return nil
}

// IsAdded reports a change that only inserted elements.
func (c ListChange[T]) IsAdded() bool { return classify(c.From, c.To, len(c.Removed)) == changeAdded }

// IsRemoved reports a change that only removed elements.
func (c ListChange[T]) IsRemoved() bool { return classify(c.From, c.To, len(c.Removed)) == changeRemoved }

// IsReplaced reports a change that both removed and inserted elements.
func (c ListChange[T]) IsReplaced() bool {
	return classify(c.From, c.To, len(c.Removed)) == changeReplaced
}

type changeKind uint8

const (
	changeNone changeKind = iota
	changeAdded
	changeRemoved
	changeReplaced
)

func classify(from, to, removed int) changeKind {
	switch {
	case to > from && removed > 0:
		return changeReplaced
	case to > from:
		return changeAdded
	case removed > 0:
		return changeRemoved
	}
	return changeNone
}

// List is an ordered synchronized collection of a bean.
//
// Index arguments out of range panic like slice indexing does. Elements the
// converters cannot encode are kept locally and reported to the peer as an
// InternalError; Splice refuses them instead.
type List[T any] struct {
	items     []T
	binding   *binding
	listeners listeners[ListChange[T]]
}

func (l *List[T]) Len() int {
	return len(l.items)
}

func (l *List[T]) At(i int) T {
	return l.items[i]
}

// Values returns a copy of the elements.
func (l *List[T]) Values() []T {
	return slices.Clone(l.items)
}

func (l *List[T]) All() iter.Seq2[int, T] {
	return func(yield func(int, T) bool) {
		for i, v := range l.items {
			if !yield(i, v) {
				return
			}
		}
	}
}

func (l *List[T]) Append(vals ...T) {
	n := len(l.items)
	l.mustSplice(n, n, vals)
}

func (l *List[T]) Insert(i int, vals ...T) {
	l.mustSplice(i, i, vals)
}

func (l *List[T]) Set(i int, v T) {
	l.mustSplice(i, i+1, []T{v})
}

func (l *List[T]) Remove(i int) {
	l.mustSplice(i, i+1, nil)
}

func (l *List[T]) RemoveRange(from, to int) {
	l.mustSplice(from, to, nil)
}

func (l *List[T]) Clear() {
	l.mustSplice(0, len(l.items), nil)
}

// Replace sets the whole content of the list.
func (l *List[T]) Replace(vals ...T) {
	l.mustSplice(0, len(l.items), vals)
}

// Splice removes the elements in [from, to) and inserts vals at from. The
// list is left unchanged when the window is out of range or a value cannot
// be sent to the peer.
func (l *List[T]) Splice(from, to int, vals ...T) error {
	if l.binding != nil {
		if err := l.binding.check(anySlice(vals)...); err != nil {
			return err
		}
	}
	return l.splice(from, to, vals, SourceSelf)
}

// OnChange registers fn to be called after every modification. The returned
// func removes the listener.
func (l *List[T]) OnChange(fn func(ListChange[T])) (remove func()) {
	return l.listeners.add(fn)
}

func (l *List[T]) mustSplice(from, to int, vals []T) {
	if err := l.splice(from, to, vals, SourceSelf); err != nil {
		panic(err)
	}
}

func (l *List[T]) splice(from, to int, vals []T, src Source) error {
	if from < 0 || to < from || to > len(l.items) {
		return fmt.Errorf("%w: [%d,%d) with length %d", ErrIndexOutOfRange, from, to, len(l.items))
	}
	if from == to && len(vals) == 0 {
		return nil
	}
	removed := slices.Clone(l.items[from:to])
	added := slices.Clone(vals)
	l.items = slices.Replace(l.items, from, to, added...)
	ch := ListChange[T]{From: from, To: from + len(added), Removed: removed, Added: added, Source: src}
	if l.binding != nil {
		l.binding.listChanged(ch.From, ch.To, anySlice(removed), anySlice(added), src)
	}
	l.listeners.fire(ch)
	return nil
}

func (l *List[T]) elemType() reflect.Type {
	return reflect.TypeFor[T]()
}

func (l *List[T]) bind(b *binding) {
	l.binding = b
}

func (l *List[T]) valuesAny() []any {
	return anySlice(l.items)
}

func (l *List[T]) spliceAny(from, to int, xs []any, src Source) error {
	vals := make([]T, len(xs))
	for i, x := range xs {
		v, err := fromAny[T](x)
		if err != nil {
			return fmt.Errorf("element %d: %w", i, err)
		}
		vals[i] = v
	}
	return l.splice(from, to, vals, src)
}

type listSlot interface {
	elemType() reflect.Type
	bind(*binding)
	valuesAny() []any
	spliceAny(from, to int, xs []any, src Source) error
}

var listSlotType = reflect.TypeFor[listSlot]()

func anySlice[T any](xs []T) []any {
	if len(xs) == 0 {
		return nil
	}
	out := make([]any, len(xs))
	for i, x := range xs {
		out[i] = x
	}
	return out
}
