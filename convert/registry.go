package convert

import (
	"fmt"
	"reflect"
	"sync"
)

// Registry selects converters by Go type. It caches one converter per type
// and is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories []Factory
	byID      map[TypeID]Factory
	cache     map[reflect.Type]Converter
}

// NewRegistry returns a registry with the given factories. It panics on a
// duplicate TypeID, use Register to handle that as an error.
func NewRegistry(factories ...Factory) *Registry {
	r := &Registry{
		byID:  make(map[TypeID]Factory),
		cache: make(map[reflect.Type]Converter),
	}
	for _, f := range factories {
		if err := r.Register(f); err != nil {
			panic(err)
		}
	}
	return r
}

// Register adds a factory.
func (r *Registry) Register(f Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[f.TypeID()]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateTypeID, f.TypeID())
	}
	r.factories = append(r.factories, f)
	r.byID[f.TypeID()] = f
	// a new factory may win over cached choices
	clear(r.cache)
	return nil
}

// Factory returns the factory registered under id.
func (r *Registry) Factory(id TypeID) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.byID[id]
	return f, ok
}

// Converter returns the converter for t. Pointers to supported types are
// served by a nullable wrapper unless a factory claims the pointer type
// itself.
func (r *Registry) Converter(t reflect.Type) (Converter, error) {
	if t == nil {
		return nil, &ConversionError{Err: fmt.Errorf("%w: nil type", ErrUnsupportedType)}
	}
	r.mu.RLock()
	c, ok := r.cache[t]
	r.mu.RUnlock()
	if ok {
		return c, nil
	}

	c, err := r.build(t)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.cache[t] = c
	r.mu.Unlock()
	return c, nil
}

func (r *Registry) build(t reflect.Type) (Converter, error) {
	f, err := r.choose(t)
	if err != nil {
		return nil, err
	}
	if f != nil {
		c, err := f.New(t)
		if err != nil {
			return nil, &ConversionError{Type: t, TypeID: f.TypeID(), Err: err}
		}
		return c, nil
	}
	if t.Kind() == reflect.Pointer {
		elem, err := r.Converter(t.Elem())
		if err != nil {
			return nil, &ConversionError{Type: t, Err: fmt.Errorf("%w: %s", ErrUnsupportedType, t)}
		}
		return &nullable{t: t, elem: elem}, nil
	}
	return nil, &ConversionError{Type: t, Err: fmt.Errorf("%w: %s", ErrUnsupportedType, t)}
}

func (r *Registry) choose(t reflect.Type) (Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var (
		best  Factory
		score Match
		tie   []TypeID
	)
	for _, f := range r.factories {
		m := f.Match(t)
		switch {
		case m == NoMatch || m < score:
		case m > score:
			best, score, tie = f, m, nil
		default:
			tie = append(tie, f.TypeID())
		}
	}
	if len(tie) > 0 {
		return nil, &ConversionError{Type: t, Err: fmt.Errorf("%w: %s matches %q and %q", ErrAmbiguousType, t, best.TypeID(), tie)}
	}
	return best, nil
}
