package command

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"

	"github.com/segmentio/encoding/json"
	"github.com/signadot/beansync/convert"
)

type jsonKind uint8

const (
	kindInvalid jsonKind = iota
	kindNull
	kindBool
	kindNumber
	kindString
	kindArray
	kindObject
)

func (k jsonKind) String() string {
	switch k {
	case kindNull:
		return "null"
	case kindBool:
		return "boolean"
	case kindNumber:
		return "number"
	case kindString:
		return "string"
	case kindArray:
		return "array"
	case kindObject:
		return "object"
	}
	return "nothing"
}

func kindOf(raw []byte) jsonKind {
	raw = bytes.TrimLeft(raw, " \t\r\n")
	if len(raw) == 0 {
		return kindInvalid
	}
	switch c := raw[0]; {
	case c == '"':
		return kindString
	case c == '{':
		return kindObject
	case c == '[':
		return kindArray
	case c == 't' || c == 'f':
		return kindBool
	case c == 'n':
		return kindNull
	case c == '-' || (c >= '0' && c <= '9'):
		return kindNumber
	}
	return kindInvalid
}

func isPrimitive(k jsonKind) bool {
	return k == kindNull || k == kindBool || k == kindNumber || k == kindString
}

type fieldKind uint8

const (
	fString fieldKind = iota
	fIndex
	fValue
	fValues
	fParams
	fDescs
)

type field struct {
	name     string
	kind     fieldKind
	optional bool
}

type variant struct {
	new    func() Command
	fields []field
	// check validates relations between decoded fields.
	check func(Command) error
}

var variants = map[Type]variant{
	TypeCreateContext:  {new: func() Command { return &CreateContext{} }},
	TypeDestroyContext: {new: func() Command { return &DestroyContext{} }},
	TypeCreateBeanType: {
		new: func() Command { return &CreateBeanType{} },
		fields: []field{
			{name: "beanType"}, {name: "className"},
			{name: "properties", kind: fDescs, optional: true},
			{name: "lists", kind: fDescs, optional: true},
		},
	},
	TypeCreateBean: {
		new:    func() Command { return &CreateBean{} },
		fields: []field{{name: "beanId"}, {name: "classId"}},
	},
	TypeDeleteBean: {
		new:    func() Command { return &DeleteBean{} },
		fields: []field{{name: "beanId"}},
	},
	TypeValueChanged: {
		new:    func() Command { return &ValueChanged{} },
		fields: []field{{name: "beanId"}, {name: "propertyName"}, {name: "value", kind: fValue}},
	},
	TypeListAdd: {
		new: func() Command { return &ListAdd{} },
		fields: []field{
			{name: "beanId"}, {name: "listName"},
			{name: "from", kind: fIndex}, {name: "values", kind: fValues},
		},
	},
	TypeListRemove: {
		new: func() Command { return &ListRemove{} },
		fields: []field{
			{name: "beanId"}, {name: "listName"},
			{name: "from", kind: fIndex}, {name: "to", kind: fIndex},
		},
		check: func(c Command) error {
			r := c.(*ListRemove)
			if r.To < r.From {
				return fmt.Errorf("to %d is before from %d", r.To, r.From)
			}
			return nil
		},
	},
	TypeListReplace: {
		new: func() Command { return &ListReplace{} },
		fields: []field{
			{name: "beanId"}, {name: "listName"},
			{name: "from", kind: fIndex}, {name: "values", kind: fValues},
		},
	},
	TypeCreateController: {
		new: func() Command { return &CreateController{} },
		fields: []field{
			{name: "controllerId"}, {name: "controllerName"},
			{name: "parentControllerId", optional: true},
		},
	},
	TypeControllerCreated: {
		new:    func() Command { return &ControllerCreated{} },
		fields: []field{{name: "controllerId"}, {name: "modelId", optional: true}},
	},
	TypeDestroyController: {
		new:    func() Command { return &DestroyController{} },
		fields: []field{{name: "controllerId"}},
	},
	TypeCallAction: {
		new: func() Command { return &CallAction{} },
		fields: []field{
			{name: "requestId"}, {name: "controllerId"}, {name: "actionName"},
			{name: "params", kind: fParams},
		},
	},
	TypeErrorResponse: {
		new:    func() Command { return &ErrorResponse{} },
		fields: []field{{name: "requestIdentifier"}, {name: "message"}},
	},
	TypeInternalError: {
		new:    func() Command { return &InternalError{} },
		fields: []field{{name: "message", optional: true}},
	},
	TypeStartLongPoll:     {new: func() Command { return &StartLongPoll{} }},
	TypeInterruptLongPoll: {new: func() Command { return &InterruptLongPoll{} }},
}

// Types returns every known variant name.
func Types() []Type {
	ts := make([]Type, 0, len(variants))
	for t := range variants {
		ts = append(ts, t)
	}
	return ts
}

// Encode returns the JSON object for c.
func Encode(c Command) ([]byte, error) {
	if c == nil {
		return nil, errors.New("command: encode nil command")
	}
	body, err := json.Marshal(normalize(c))
	if err != nil {
		return nil, fmt.Errorf("command: encode %s: %w", c.Type(), err)
	}
	id, err := json.Marshal(string(c.Type()))
	if err != nil {
		return nil, err
	}
	var b bytes.Buffer
	b.Grow(len(body) + len(id) + 8)
	b.WriteString(`{"id":`)
	b.Write(id)
	if len(body) > 2 {
		b.WriteByte(',')
		b.Write(body[1:])
	} else {
		b.WriteByte('}')
	}
	return b.Bytes(), nil
}

// normalize replaces nil slices of required array fields by empty ones.
func normalize(c Command) Command {
	switch c := c.(type) {
	case *ListAdd:
		if c.Values == nil {
			cp := *c
			cp.Values = []convert.Value{}
			return &cp
		}
	case *ListReplace:
		if c.Values == nil {
			cp := *c
			cp.Values = []convert.Value{}
			return &cp
		}
	case *CallAction:
		if c.Params == nil {
			cp := *c
			cp.Params = []Param{}
			return &cp
		}
	}
	return c
}

// Decode decodes a single command.
func Decode(data []byte) (Command, error) {
	return decode(data, -1)
}

func decode(data []byte, index int) (Command, error) {
	if k := kindOf(data); k != kindObject {
		return nil, &ParseError{Index: index, Err: fmt.Errorf("expected an object, got %s", k)}
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, &ParseError{Index: index, Err: err}
	}
	rawID, ok := obj["id"]
	if !ok {
		return nil, &ParseError{Index: index, Field: "id", Err: errors.New("missing")}
	}
	if k := kindOf(rawID); k != kindString {
		return nil, &ParseError{Index: index, Field: "id", Err: fmt.Errorf("expected string, got %s", k)}
	}
	var name string
	if err := json.Unmarshal(rawID, &name); err != nil {
		return nil, &ParseError{Index: index, Field: "id", Err: err}
	}
	v, ok := variants[Type(name)]
	if !ok {
		return nil, &ParseError{Index: index, Field: "id", Err: fmt.Errorf("%w %q", ErrUnknownCommand, name)}
	}
	for _, f := range v.fields {
		if err := f.validate(obj); err != nil {
			return nil, &ParseError{Index: index, Command: Type(name), Field: f.name, Err: err}
		}
	}
	c := v.new()
	if err := json.Unmarshal(data, c); err != nil {
		return nil, &ParseError{Index: index, Command: Type(name), Err: err}
	}
	if v.check != nil {
		if err := v.check(c); err != nil {
			return nil, &ParseError{Index: index, Command: Type(name), Err: err}
		}
	}
	return c, nil
}

func (f field) validate(obj map[string]json.RawMessage) error {
	raw, ok := obj[f.name]
	if !ok || (f.optional && kindOf(raw) == kindNull) {
		if f.optional {
			return nil
		}
		return errors.New("missing")
	}
	k := kindOf(raw)
	switch f.kind {
	case fString:
		if k != kindString {
			return fmt.Errorf("expected string, got %s", k)
		}
	case fIndex:
		if k != kindNumber {
			return fmt.Errorf("expected number, got %s", k)
		}
		n, err := strconv.Atoi(string(bytes.TrimSpace(raw)))
		if err != nil || n < 0 {
			return fmt.Errorf("expected a non-negative integer, got %s", bytes.TrimSpace(raw))
		}
	case fValue:
		if !isPrimitive(k) {
			return fmt.Errorf("expected a primitive value, got %s", k)
		}
	case fValues:
		elems, err := array(raw, k)
		if err != nil {
			return err
		}
		for i, e := range elems {
			if ek := kindOf(e); !isPrimitive(ek) {
				return fmt.Errorf("element %d: expected a primitive value, got %s", i, ek)
			}
		}
	case fParams, fDescs:
		elems, err := array(raw, k)
		if err != nil {
			return err
		}
		second := field{name: "value", kind: fValue}
		if f.kind == fDescs {
			second = field{name: "type"}
		}
		for i, e := range elems {
			var m map[string]json.RawMessage
			if ek := kindOf(e); ek != kindObject {
				return fmt.Errorf("element %d: expected object, got %s", i, ek)
			}
			if err := json.Unmarshal(e, &m); err != nil {
				return fmt.Errorf("element %d: %w", i, err)
			}
			for _, sub := range []field{{name: "name"}, second} {
				if err := sub.validate(m); err != nil {
					return fmt.Errorf("element %d: %s: %w", i, sub.name, err)
				}
			}
		}
	}
	return nil
}

func array(raw json.RawMessage, k jsonKind) ([]json.RawMessage, error) {
	if k != kindArray {
		return nil, fmt.Errorf("expected array, got %s", k)
	}
	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		return nil, err
	}
	return elems, nil
}
