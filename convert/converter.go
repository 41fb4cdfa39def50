package convert

import (
	"reflect"
)

// TypeID names a converter independently of the Go type system. It is what
// class descriptors carry on the wire.
type TypeID string

const (
	TypeAny      TypeID = "any"
	TypeBean     TypeID = "bean"
	TypeBool     TypeID = "bool"
	TypeInt      TypeID = "int"
	TypeInt8     TypeID = "int8"
	TypeInt16    TypeID = "int16"
	TypeInt32    TypeID = "int32"
	TypeInt64    TypeID = "int64"
	TypeUint     TypeID = "uint"
	TypeUint8    TypeID = "uint8"
	TypeUint16   TypeID = "uint16"
	TypeUint32   TypeID = "uint32"
	TypeUint64   TypeID = "uint64"
	TypeFloat32  TypeID = "float32"
	TypeFloat64  TypeID = "float64"
	TypeString   TypeID = "string"
	TypeTime     TypeID = "time"
	TypeDuration TypeID = "duration"
	TypeBigInt   TypeID = "bigint"
	TypeDecimal  TypeID = "decimal"
	TypeText     TypeID = "text"
)

// Converter converts values of one Go type. FromRemote returns a value whose
// dynamic type is exactly the converter's Go type, including typed nil
// pointers for null.
type Converter interface {
	TypeID() TypeID
	Type() reflect.Type
	ToRemote(v any) (Value, error)
	FromRemote(v Value) (any, error)
}

// Match is how specifically a factory supports a type.
type Match int

const (
	NoMatch Match = iota
	// MatchInterface: the type implements an interface the factory handles.
	MatchInterface
	// MatchKind: the type has a reflect.Kind the factory handles.
	MatchKind
	// MatchExact: the factory was written for this very type.
	MatchExact
)

// Factory builds converters for a family of types.
type Factory interface {
	TypeID() TypeID
	Match(t reflect.Type) Match
	New(t reflect.Type) (Converter, error)
}

// BeanResolver resolves references to managed beans. It is implemented by
// the bean repository.
type BeanResolver interface {
	IsBeanType(t reflect.Type) bool
	BeanID(bean any) (string, error)
	BeanByID(id string) (any, error)
}

// nullable wraps a converter for T so that it serves *T.
type nullable struct {
	t    reflect.Type
	elem Converter
}

func (n *nullable) TypeID() TypeID     { return n.elem.TypeID() }
func (n *nullable) Type() reflect.Type { return n.t }

func (n *nullable) ToRemote(v any) (Value, error) {
	if v == nil {
		return Null(), nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Pointer || rv.Type() != n.t {
		return Value{}, &ConversionError{Type: n.t, Err: typeMismatch(n.t, v)}
	}
	if rv.IsNil() {
		return Null(), nil
	}
	return n.elem.ToRemote(rv.Elem().Interface())
}

func (n *nullable) FromRemote(v Value) (any, error) {
	if v.IsNull() {
		return reflect.Zero(n.t).Interface(), nil
	}
	x, err := n.elem.FromRemote(v)
	if err != nil {
		return nil, err
	}
	p := reflect.New(n.t.Elem())
	p.Elem().Set(reflect.ValueOf(x))
	return p.Interface(), nil
}
