package command

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Direction tells whether a command was received or sent.
type Direction string

const (
	Inbound  Direction = "in"
	Outbound Direction = "out"
)

// Filter is a compiled boolean expression over commands, such as
//
//	dir == "in" && cmd startsWith "List" && beanId == "01J..."
//
// The expression sees the variables dir, cmd, beanId, property, list,
// action, controller, className and value, all strings.
type Filter struct {
	src string
	prg *vm.Program
}

// NewFilter compiles src. An empty src matches everything.
func NewFilter(src string) (*Filter, error) {
	if src == "" {
		return &Filter{}, nil
	}
	prg, err := expr.Compile(src, expr.Env(Env("", nil)), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compile filter %q: %w", src, err)
	}
	return &Filter{src: src, prg: prg}, nil
}

func (f *Filter) String() string {
	return f.src
}

// Match evaluates the filter for c.
func (f *Filter) Match(dir Direction, c Command) (bool, error) {
	if f == nil || f.prg == nil {
		return true, nil
	}
	res, err := expr.Run(f.prg, Env(dir, c))
	if err != nil {
		return false, err
	}
	b, _ := res.(bool)
	return b, nil
}

// Env returns the variables a filter sees for c.
func Env(dir Direction, c Command) map[string]any {
	env := map[string]any{
		"dir":        string(dir),
		"cmd":        "",
		"beanId":     "",
		"property":   "",
		"list":       "",
		"action":     "",
		"controller": "",
		"className":  "",
		"value":      "",
	}
	if c == nil {
		return env
	}
	env["cmd"] = string(c.Type())
	env["beanId"] = BeanID(c)
	switch c := c.(type) {
	case *CreateBeanType:
		env["className"] = c.ClassName
	case *ValueChanged:
		env["property"] = c.PropertyName
		if s, err := c.Value.AsString(); err == nil {
			env["value"] = s
		} else {
			env["value"] = c.Value.String()
		}
	case *ListAdd:
		env["list"] = c.ListName
	case *ListRemove:
		env["list"] = c.ListName
	case *ListReplace:
		env["list"] = c.ListName
	case *CreateController:
		env["controller"] = c.ControllerName
	case *DestroyController:
		env["controller"] = c.ControllerID
	case *ControllerCreated:
		env["controller"] = c.ControllerID
	case *CallAction:
		env["controller"] = c.ControllerID
		env["action"] = c.ActionName
	}
	return env
}
