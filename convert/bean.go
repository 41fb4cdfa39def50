package convert

import (
	"fmt"
	"reflect"
)

// BeanFactory returns the factory for references to managed beans. A
// reference travels as the referenced bean's id.
func BeanFactory(r BeanResolver) Factory {
	return &beanFactory{r: r}
}

type beanFactory struct {
	r BeanResolver
}

func (f *beanFactory) TypeID() TypeID { return TypeBean }

func (f *beanFactory) Match(t reflect.Type) Match {
	if f.r.IsBeanType(t) {
		return MatchExact
	}
	return NoMatch
}

func (f *beanFactory) New(t reflect.Type) (Converter, error) {
	if !f.r.IsBeanType(t) {
		return nil, fmt.Errorf("%w: %s is not a bean type", ErrUnsupportedType, t)
	}
	return &beanConverter{t: t, r: f.r}, nil
}

type beanConverter struct {
	t reflect.Type
	r BeanResolver
}

func (c *beanConverter) TypeID() TypeID     { return TypeBean }
func (c *beanConverter) Type() reflect.Type { return c.t }

func (c *beanConverter) ToRemote(v any) (Value, error) {
	if v == nil {
		return Null(), nil
	}
	rv := reflect.ValueOf(v)
	if !rv.Type().AssignableTo(c.t) {
		return Value{}, c.fail(typeMismatch(c.t, v))
	}
	if rv.Kind() == reflect.Pointer && rv.IsNil() {
		return Null(), nil
	}
	id, err := c.r.BeanID(v)
	if err != nil {
		return Value{}, c.fail(err)
	}
	return String(id), nil
}

func (c *beanConverter) FromRemote(v Value) (any, error) {
	if v.IsNull() {
		return reflect.Zero(c.t).Interface(), nil
	}
	id, err := v.AsString()
	if err != nil {
		return nil, c.fail(err)
	}
	b, err := c.r.BeanByID(id)
	if err != nil {
		return nil, c.fail(err)
	}
	if !reflect.TypeOf(b).AssignableTo(c.t) {
		return nil, c.fail(fmt.Errorf("%w: bean %s is a %T, expected %s", ErrUnsupportedType, id, b, c.t))
	}
	return b, nil
}

func (c *beanConverter) fail(err error) error {
	return &ConversionError{Type: c.t, TypeID: TypeBean, Err: err}
}
