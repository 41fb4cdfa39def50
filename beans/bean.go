package beans

import (
	"math/big"
	"reflect"
)

// Source tags every mutation with where it came from. Only SourceSelf
// changes are forwarded to the remote side.
type Source uint8

const (
	SourceSelf Source = iota
	SourceRemote
)

func (s Source) String() string {
	if s == SourceRemote {
		return "remote"
	}
	return "self"
}

// Bean is embedded by every synchronized struct. It is the handle that ties
// an instance to its id and owning repository.
type Bean struct {
	id   string
	repo *Repository
}

// BeanID returns the id assigned when the bean was created. It stays set
// after the bean is deleted and is empty for beans that were never managed.
func (b *Bean) BeanID() string {
	return b.id
}

func (b *Bean) handle() *Bean {
	return b
}

// Managed is implemented by pointers to structs embedding Bean.
type Managed interface {
	BeanID() string
	handle() *Bean
}

var managedType = reflect.TypeFor[Managed]()

// IsBeanType reports whether t is a pointer to a bean struct or an
// interface satisfied only by beans.
func IsBeanType(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Pointer:
		return t.Elem().Kind() == reflect.Struct && t.Implements(managedType)
	case reflect.Interface:
		return t.Implements(managedType)
	}
	return false
}

// sameValue reports whether setting b over a is a no-op. Pointers compare
// by identity, values with an Equal method by that method.
func sameValue[T any](a, b T) bool {
	if x, ok := any(a).(*big.Int); ok {
		y, ok := any(b).(*big.Int)
		if !ok {
			return false
		}
		if x == nil || y == nil {
			return x == y
		}
		return x.Cmp(y) == 0
	}
	if eq, ok := any(a).(interface{ Equal(T) bool }); ok {
		return eq.Equal(b)
	}
	ia, ib := any(a), any(b)
	if ia == nil || ib == nil {
		return ia == nil && ib == nil
	}
	ta := reflect.TypeOf(ia)
	if ta != reflect.TypeOf(ib) {
		return false
	}
	if ta.Kind() == reflect.Pointer || ta.Comparable() {
		return ia == ib
	}
	return reflect.DeepEqual(ia, ib)
}

// IDOf returns the id of x when it is a non-nil bean and "" otherwise.
func IDOf(x any) string {
	m, ok := x.(Managed)
	if !ok || isNil(m) {
		return ""
	}
	return m.BeanID()
}
