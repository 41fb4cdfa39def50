package remoting

import (
	"errors"
	"fmt"
	"strings"

	"github.com/signadot/beansync/command"
)

var (
	// ErrProtocol is matched by every ProtocolError.
	ErrProtocol          = errors.New("protocol error")
	ErrDestroyed         = errors.New("engine destroyed")
	ErrUnknownController = errors.New("unknown controller")
	ErrUnknownAction     = errors.New("unknown action")
	ErrMissingParam      = errors.New("missing parameter")
	ErrUnknownParam      = errors.New("unknown parameter")
)

// ProtocolError is a structural failure while applying a batch. The rest of
// the batch is not applied.
type ProtocolError struct {
	Index   int
	Command command.Type
	Err     error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error in command %d (%s): %v", e.Index, e.Command, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

func (e *ProtocolError) Is(target error) bool {
	return target == ErrProtocol
}

// ActionError is the failure of a single controller operation. It is
// reported to the peer and does not stop the batch.
type ActionError struct {
	RequestID  string
	Controller string
	Action     string
	Param      string
	Err        error
}

func (e *ActionError) Error() string {
	var b strings.Builder
	b.WriteString("action ")
	if e.Controller != "" {
		b.WriteString(e.Controller)
		b.WriteString(".")
	}
	b.WriteString(e.Action)
	if e.Param != "" {
		b.WriteString(": parameter ")
		b.WriteString(e.Param)
	}
	b.WriteString(": ")
	b.WriteString(e.Err.Error())
	return b.String()
}

func (e *ActionError) Unwrap() error {
	return e.Err
}
