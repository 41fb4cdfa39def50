package convert

import (
	"encoding"
	"fmt"
	"math/big"
	"reflect"
	"time"

	"github.com/shopspring/decimal"
)

// TimeLayout is the fixed wire layout of time values. Times are always
// normalized to UTC before formatting.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

var (
	anyType      = reflect.TypeFor[any]()
	timeType     = reflect.TypeFor[time.Time]()
	durationType = reflect.TypeFor[time.Duration]()
	bigIntType   = reflect.TypeFor[*big.Int]()
	decimalType  = reflect.TypeFor[decimal.Decimal]()

	textMarshalerType   = reflect.TypeFor[encoding.TextMarshaler]()
	textUnmarshalerType = reflect.TypeFor[encoding.TextUnmarshaler]()
)

// Builtins returns the factories for Go primitives, time, big integers,
// decimals, text marshalers and untyped values.
func Builtins() []Factory {
	fs := []Factory{
		anyFactory{},
		kindFactory(TypeBool, reflect.Bool, boolFuncs),
		kindFactory(TypeString, reflect.String, stringFuncs),
		kindFactory(TypeFloat32, reflect.Float32, floatFuncs(32)),
		kindFactory(TypeFloat64, reflect.Float64, floatFuncs(64)),
		exactFactory(TypeTime, timeType, false, timeFuncs),
		exactFactory(TypeDuration, durationType, false, intFuncs),
		exactFactory(TypeBigInt, bigIntType, true, bigIntFuncs),
		exactFactory(TypeDecimal, decimalType, false, decimalFuncs),
		textFactory{},
	}
	for _, k := range []struct {
		id   TypeID
		kind reflect.Kind
	}{
		{TypeInt, reflect.Int}, {TypeInt8, reflect.Int8}, {TypeInt16, reflect.Int16},
		{TypeInt32, reflect.Int32}, {TypeInt64, reflect.Int64},
	} {
		fs = append(fs, kindFactory(k.id, k.kind, intFuncs))
	}
	for _, k := range []struct {
		id   TypeID
		kind reflect.Kind
	}{
		{TypeUint, reflect.Uint}, {TypeUint8, reflect.Uint8}, {TypeUint16, reflect.Uint16},
		{TypeUint32, reflect.Uint32}, {TypeUint64, reflect.Uint64},
	} {
		fs = append(fs, kindFactory(k.id, k.kind, uintFuncs))
	}
	return fs
}

// codec holds the two directions of a reflective converter.
type codec struct {
	to   func(rv reflect.Value) (Value, error)
	from func(t reflect.Type, v Value) (reflect.Value, error)
}

type funcFactory struct {
	id       TypeID
	match    func(t reflect.Type) Match
	nullable bool
	codec    func(t reflect.Type) codec
}

func (f *funcFactory) TypeID() TypeID             { return f.id }
func (f *funcFactory) Match(t reflect.Type) Match { return f.match(t) }

func (f *funcFactory) New(t reflect.Type) (Converter, error) {
	if f.match(t) == NoMatch {
		return nil, fmt.Errorf("%w: %s for %q", ErrUnsupportedType, t, f.id)
	}
	return &funcConverter{id: f.id, t: t, nullable: f.nullable, codec: f.codec(t)}, nil
}

func kindFactory(id TypeID, kind reflect.Kind, c func(reflect.Type) codec) Factory {
	return &funcFactory{
		id: id,
		match: func(t reflect.Type) Match {
			if t.Kind() == kind {
				return MatchKind
			}
			return NoMatch
		},
		codec: c,
	}
}

func exactFactory(id TypeID, exact reflect.Type, nullable bool, c func(reflect.Type) codec) Factory {
	return &funcFactory{
		id: id,
		match: func(t reflect.Type) Match {
			if t == exact {
				return MatchExact
			}
			return NoMatch
		},
		nullable: nullable,
		codec:    c,
	}
}

type funcConverter struct {
	id       TypeID
	t        reflect.Type
	nullable bool
	codec    codec
}

func (c *funcConverter) TypeID() TypeID     { return c.id }
func (c *funcConverter) Type() reflect.Type { return c.t }

func (c *funcConverter) ToRemote(v any) (Value, error) {
	if v == nil {
		return Null(), nil
	}
	rv := reflect.ValueOf(v)
	if rv.Type() != c.t {
		return Value{}, c.fail(typeMismatch(c.t, v))
	}
	if c.nullable && rv.IsNil() {
		return Null(), nil
	}
	out, err := c.codec.to(rv)
	if err != nil {
		return Value{}, c.fail(err)
	}
	return out, nil
}

func (c *funcConverter) FromRemote(v Value) (any, error) {
	if v.IsNull() {
		if c.nullable {
			return reflect.Zero(c.t).Interface(), nil
		}
		return nil, c.fail(ErrNullNotAllowed)
	}
	rv, err := c.codec.from(c.t, v)
	if err != nil {
		return nil, c.fail(err)
	}
	return rv.Interface(), nil
}

func (c *funcConverter) fail(err error) error {
	return &ConversionError{Type: c.t, TypeID: c.id, Err: err}
}

func typeMismatch(want reflect.Type, got any) error {
	return fmt.Errorf("%w: expected %s, got %T", ErrUnsupportedType, want, got)
}

func boolFuncs(reflect.Type) codec {
	return codec{
		to: func(rv reflect.Value) (Value, error) { return Bool(rv.Bool()), nil },
		from: func(t reflect.Type, v Value) (reflect.Value, error) {
			b, err := v.AsBool()
			if err != nil {
				return reflect.Value{}, err
			}
			return reflect.ValueOf(b).Convert(t), nil
		},
	}
}

func stringFuncs(reflect.Type) codec {
	return codec{
		to: func(rv reflect.Value) (Value, error) { return String(rv.String()), nil },
		from: func(t reflect.Type, v Value) (reflect.Value, error) {
			s, err := v.AsString()
			if err != nil {
				return reflect.Value{}, err
			}
			return reflect.ValueOf(s).Convert(t), nil
		},
	}
}

func intFuncs(reflect.Type) codec {
	return codec{
		to: func(rv reflect.Value) (Value, error) { return Int(rv.Int()), nil },
		from: func(t reflect.Type, v Value) (reflect.Value, error) {
			i, err := v.Int64()
			if err != nil {
				return reflect.Value{}, err
			}
			out := reflect.New(t).Elem()
			if out.OverflowInt(i) {
				return reflect.Value{}, fmt.Errorf("%w: %d overflows %s", ErrOutOfRange, i, t)
			}
			out.SetInt(i)
			return out, nil
		},
	}
}

func uintFuncs(reflect.Type) codec {
	return codec{
		to: func(rv reflect.Value) (Value, error) { return Uint(rv.Uint()), nil },
		from: func(t reflect.Type, v Value) (reflect.Value, error) {
			u, err := v.Uint64()
			if err != nil {
				return reflect.Value{}, err
			}
			out := reflect.New(t).Elem()
			if out.OverflowUint(u) {
				return reflect.Value{}, fmt.Errorf("%w: %d overflows %s", ErrOutOfRange, u, t)
			}
			out.SetUint(u)
			return out, nil
		},
	}
}

func floatFuncs(bits int) func(reflect.Type) codec {
	return func(reflect.Type) codec {
		return codec{
			to: func(rv reflect.Value) (Value, error) { return Float(rv.Float(), bits) },
			from: func(t reflect.Type, v Value) (reflect.Value, error) {
				f, err := v.Float64()
				if err != nil {
					return reflect.Value{}, err
				}
				out := reflect.New(t).Elem()
				if out.OverflowFloat(f) {
					return reflect.Value{}, fmt.Errorf("%w: %v overflows %s", ErrOutOfRange, f, t)
				}
				out.SetFloat(f)
				return out, nil
			},
		}
	}
}

func timeFuncs(reflect.Type) codec {
	return codec{
		to: func(rv reflect.Value) (Value, error) {
			tm := rv.Interface().(time.Time).UTC()
			// RFC 3339 has four digit years only.
			if y := tm.Year(); y < 0 || y > 9999 {
				return Value{}, fmt.Errorf("%w: year %d", ErrOutOfRange, y)
			}
			return String(tm.Format(TimeLayout)), nil
		},
		from: func(_ reflect.Type, v Value) (reflect.Value, error) {
			s, err := v.AsString()
			if err != nil {
				return reflect.Value{}, err
			}
			tm, err := time.Parse(time.RFC3339Nano, s)
			if err != nil {
				return reflect.Value{}, err
			}
			return reflect.ValueOf(tm.UTC()), nil
		},
	}
}

func bigIntFuncs(reflect.Type) codec {
	return codec{
		to: func(rv reflect.Value) (Value, error) {
			return String(rv.Interface().(*big.Int).String()), nil
		},
		from: func(_ reflect.Type, v Value) (reflect.Value, error) {
			s, err := v.AsString()
			if err != nil {
				return reflect.Value{}, err
			}
			i, ok := new(big.Int).SetString(s, 10)
			if !ok {
				return reflect.Value{}, fmt.Errorf("%w: %q is not a decimal integer", ErrOutOfRange, s)
			}
			return reflect.ValueOf(i), nil
		},
	}
}

func decimalFuncs(reflect.Type) codec {
	return codec{
		to: func(rv reflect.Value) (Value, error) {
			return String(rv.Interface().(decimal.Decimal).String()), nil
		},
		from: func(_ reflect.Type, v Value) (reflect.Value, error) {
			s, err := v.AsString()
			if err != nil {
				return reflect.Value{}, err
			}
			d, err := decimal.NewFromString(s)
			if err != nil {
				return reflect.Value{}, fmt.Errorf("%w: %v", ErrOutOfRange, err)
			}
			return reflect.ValueOf(d), nil
		},
	}
}

// textFactory serves any value type whose pointer round-trips through
// encoding.TextMarshaler and encoding.TextUnmarshaler.
type textFactory struct{}

func (textFactory) TypeID() TypeID { return TypeText }

func (textFactory) Match(t reflect.Type) Match {
	if t.Kind() == reflect.Pointer || t.Kind() == reflect.Interface {
		return NoMatch
	}
	if t.Implements(textMarshalerType) && reflect.PointerTo(t).Implements(textUnmarshalerType) {
		return MatchInterface
	}
	return NoMatch
}

func (f textFactory) New(t reflect.Type) (Converter, error) {
	if f.Match(t) == NoMatch {
		return nil, fmt.Errorf("%w: %s is not a text marshaler", ErrUnsupportedType, t)
	}
	return &funcConverter{id: TypeText, t: t, codec: codec{
		to: func(rv reflect.Value) (Value, error) {
			b, err := rv.Interface().(encoding.TextMarshaler).MarshalText()
			if err != nil {
				return Value{}, err
			}
			return String(string(b)), nil
		},
		from: func(t reflect.Type, v Value) (reflect.Value, error) {
			s, err := v.AsString()
			if err != nil {
				return reflect.Value{}, err
			}
			p := reflect.New(t)
			if err := p.Interface().(encoding.TextUnmarshaler).UnmarshalText([]byte(s)); err != nil {
				return reflect.Value{}, err
			}
			return p.Elem(), nil
		},
	}}, nil
}

// anyFactory serves untyped values holding plain primitives.
type anyFactory struct{}

func (anyFactory) TypeID() TypeID { return TypeAny }

func (anyFactory) Match(t reflect.Type) Match {
	if t == anyType {
		return MatchExact
	}
	return NoMatch
}

func (anyFactory) New(reflect.Type) (Converter, error) { return anyConverter{}, nil }

type anyConverter struct{}

func (anyConverter) TypeID() TypeID     { return TypeAny }
func (anyConverter) Type() reflect.Type { return anyType }

func (anyConverter) ToRemote(v any) (Value, error) {
	out, err := FromInterface(v)
	if err != nil {
		return Value{}, &ConversionError{Type: anyType, TypeID: TypeAny, Err: err}
	}
	return out, nil
}

func (anyConverter) FromRemote(v Value) (any, error) {
	return v.Interface(), nil
}
