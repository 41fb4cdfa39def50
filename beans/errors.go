package beans

import (
	"errors"
	"fmt"
)

var (
	ErrNotManaged      = errors.New("only managed beans can be used")
	ErrBeanNotFound    = errors.New("no bean instance found")
	ErrDuplicateID     = errors.New("duplicate bean id")
	ErrUnknownClass    = errors.New("unknown class")
	ErrUnknownProperty = errors.New("unknown property")
	ErrIndexOutOfRange = errors.New("list index out of range")
	ErrInvalidChange   = errors.New("invalid list change")
)

// ClassError reports a class that cannot be synchronized.
type ClassError struct {
	Class string
	Field string
	Err   error
}

func (e *ClassError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("class %s, field %s: %v", e.Class, e.Field, e.Err)
	}
	return fmt.Sprintf("class %s: %v", e.Class, e.Err)
}

func (e *ClassError) Unwrap() error {
	return e.Err
}

func notFound(id string) error {
	return fmt.Errorf("%w with id %s", ErrBeanNotFound, id)
}
