package command

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMalformed is matched by every decoding failure.
	ErrMalformed = errors.New("malformed command")
	// ErrUnknownCommand reports an unknown variant name.
	ErrUnknownCommand = errors.New("unknown command")
)

// ParseError describes why input could not be decoded.
type ParseError struct {
	// Index is the position in the batch, or -1 for a single command.
	Index   int
	Command Type
	Field   string
	Err     error
}

func (e *ParseError) Error() string {
	var b strings.Builder
	b.WriteString("malformed command")
	if e.Index >= 0 {
		fmt.Fprintf(&b, "[%d]", e.Index)
	}
	if e.Command != "" {
		b.WriteString(" ")
		b.WriteString(string(e.Command))
	}
	if e.Field != "" {
		b.WriteString(".")
		b.WriteString(e.Field)
	}
	b.WriteString(": ")
	b.WriteString(e.Err.Error())
	return b.String()
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Is makes every ParseError match ErrMalformed.
func (e *ParseError) Is(target error) bool {
	return target == ErrMalformed
}
