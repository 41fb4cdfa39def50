package convert

import (
	"bytes"
	"fmt"
	"math"
	"strconv"

	"github.com/segmentio/encoding/json"
)

// Kind is the primitive kind of a wire Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Value is a wire-safe primitive. The zero Value is null.
//
// Numbers keep their decimal literal so that 64 bit integers never pass
// through a float.
type Value struct {
	kind Kind
	b    bool
	s    string
}

// Null returns the null Value.
func Null() Value { return Value{} }

// Bool returns a boolean Value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// String returns a string Value.
func String(s string) Value { return Value{kind: KindString, s: s} }

// Int returns a number Value holding i.
func Int(i int64) Value { return Value{kind: KindNumber, s: strconv.FormatInt(i, 10)} }

// Uint returns a number Value holding u.
func Uint(u uint64) Value { return Value{kind: KindNumber, s: strconv.FormatUint(u, 10)} }

// Float returns a number Value holding f formatted with the shortest
// representation for the given bit size (32 or 64).
func Float(f float64, bitSize int) (Value, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Value{}, fmt.Errorf("%w: %v is not a finite number", ErrOutOfRange, f)
	}
	return Value{kind: KindNumber, s: strconv.FormatFloat(f, 'g', -1, bitSize)}, nil
}

// Number returns a number Value from a JSON number literal.
func Number(lit string) (Value, error) {
	if !isNumberLiteral(lit) {
		return Value{}, fmt.Errorf("%w: %q is not a number literal", ErrWrongKind, lit)
	}
	return Value{kind: KindNumber, s: lit}, nil
}

func (v Value) Kind() Kind   { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }

// Equal reports whether v and o have the same kind and representation.
func (v Value) Equal(o Value) bool {
	return v.kind == o.kind && v.b == o.b && v.s == o.s
}

func (v Value) AsBool() (bool, error) {
	if v.kind != KindBool {
		return false, v.kindError(KindBool)
	}
	return v.b, nil
}

func (v Value) AsString() (string, error) {
	if v.kind != KindString {
		return "", v.kindError(KindString)
	}
	return v.s, nil
}

// AsNumber returns the number literal.
func (v Value) AsNumber() (string, error) {
	if v.kind != KindNumber {
		return "", v.kindError(KindNumber)
	}
	return v.s, nil
}

func (v Value) Int64() (int64, error) {
	lit, err := v.AsNumber()
	if err != nil {
		return 0, err
	}
	i, err := strconv.ParseInt(lit, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrOutOfRange, lit)
	}
	return i, nil
}

func (v Value) Uint64() (uint64, error) {
	lit, err := v.AsNumber()
	if err != nil {
		return 0, err
	}
	u, err := strconv.ParseUint(lit, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrOutOfRange, lit)
	}
	return u, nil
}

func (v Value) Float64() (float64, error) {
	lit, err := v.AsNumber()
	if err != nil {
		return 0, err
	}
	f, err := strconv.ParseFloat(lit, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrOutOfRange, lit)
	}
	return f, nil
}

// Interface returns nil, bool, json.Number or string.
func (v Value) Interface() any {
	switch v.kind {
	case KindBool:
		return v.b
	case KindNumber:
		return json.Number(v.s)
	case KindString:
		return v.s
	default:
		return nil
	}
}

// FromInterface builds a Value from a plain Go primitive.
func FromInterface(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Null(), nil
	case Value:
		return t, nil
	case bool:
		return Bool(t), nil
	case string:
		return String(t), nil
	case json.Number:
		return Number(string(t))
	case int:
		return Int(int64(t)), nil
	case int8:
		return Int(int64(t)), nil
	case int16:
		return Int(int64(t)), nil
	case int32:
		return Int(int64(t)), nil
	case int64:
		return Int(t), nil
	case uint:
		return Uint(uint64(t)), nil
	case uint8:
		return Uint(uint64(t)), nil
	case uint16:
		return Uint(uint64(t)), nil
	case uint32:
		return Uint(uint64(t)), nil
	case uint64:
		return Uint(t), nil
	case float32:
		return Float(float64(t), 32)
	case float64:
		return Float(t, 64)
	default:
		return Value{}, fmt.Errorf("%w: %T is not a primitive", ErrUnsupportedType, x)
	}
}

func (v Value) String() string {
	switch v.kind {
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindNumber:
		return v.s
	case KindString:
		return strconv.Quote(v.s)
	default:
		return "null"
	}
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return []byte("null"), nil
	case KindBool:
		return []byte(strconv.FormatBool(v.b)), nil
	case KindNumber:
		return []byte(v.s), nil
	case KindString:
		return json.Marshal(v.s)
	default:
		return nil, fmt.Errorf("invalid value kind %d", v.kind)
	}
}

// UnmarshalJSON implements json.Unmarshaler. Objects and arrays are rejected.
func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return fmt.Errorf("%w: empty value", ErrWrongKind)
	}
	switch data[0] {
	case 'n':
		if string(data) != "null" {
			return fmt.Errorf("%w: %s", ErrWrongKind, data)
		}
		*v = Null()
	case 't', 'f':
		b, err := strconv.ParseBool(string(data))
		if err != nil {
			return fmt.Errorf("%w: %s", ErrWrongKind, data)
		}
		*v = Bool(b)
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = String(s)
	case '{', '[':
		return fmt.Errorf("%w: structured value %s", ErrWrongKind, abbrev(data))
	default:
		n, err := Number(string(data))
		if err != nil {
			return err
		}
		*v = n
	}
	return nil
}

func (v Value) kindError(want Kind) error {
	return fmt.Errorf("%w: expected %s, got %s", ErrWrongKind, want, v.kind)
}

func abbrev(d []byte) string {
	if len(d) > 32 {
		return string(d[:32]) + "..."
	}
	return string(d)
}

// isNumberLiteral checks the JSON number grammar.
func isNumberLiteral(s string) bool {
	i := 0
	n := len(s)
	if i < n && s[i] == '-' {
		i++
	}
	if i >= n {
		return false
	}
	switch {
	case s[i] == '0':
		i++
	case s[i] >= '1' && s[i] <= '9':
		for i < n && isDigit(s[i]) {
			i++
		}
	default:
		return false
	}
	if i < n && s[i] == '.' {
		i++
		start := i
		for i < n && isDigit(s[i]) {
			i++
		}
		if i == start {
			return false
		}
	}
	if i < n && (s[i] == 'e' || s[i] == 'E') {
		i++
		if i < n && (s[i] == '+' || s[i] == '-') {
			i++
		}
		start := i
		for i < n && isDigit(s[i]) {
			i++
		}
		if i == start {
			return false
		}
	}
	return i == n
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }
