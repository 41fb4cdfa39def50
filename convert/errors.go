package convert

import (
	"errors"
	"fmt"
	"reflect"
)

var (
	ErrUnsupportedType = errors.New("unsupported type")
	ErrAmbiguousType   = errors.New("ambiguous type")
	ErrWrongKind       = errors.New("wrong wire kind")
	ErrOutOfRange      = errors.New("value out of range")
	ErrNullNotAllowed  = errors.New("null not allowed")
	ErrDuplicateTypeID = errors.New("duplicate type id")
)

// ConversionError reports a failed conversion of one value.
type ConversionError struct {
	Field  string       // property, list or parameter name, if known
	Type   reflect.Type // Go type being converted, if known
	TypeID TypeID
	Err    error
}

func (e *ConversionError) Error() string {
	what := "value"
	if e.Type != nil {
		what = e.Type.String()
	} else if e.TypeID != "" {
		what = string(e.TypeID)
	}
	if e.Field != "" {
		return fmt.Sprintf("conversion error at %s (%s): %v", e.Field, what, e.Err)
	}
	return fmt.Sprintf("conversion error (%s): %v", what, e.Err)
}

func (e *ConversionError) Unwrap() error {
	return e.Err
}

// WithField returns err annotated with a field name. Conversion errors get
// their Field set, other errors are wrapped in a ConversionError.
func WithField(err error, field string) error {
	if err == nil {
		return nil
	}
	var ce *ConversionError
	if errors.As(err, &ce) {
		cp := *ce
		cp.Field = field
		return &cp
	}
	return &ConversionError{Field: field, Err: err}
}
