package command

import (
	"github.com/signadot/beansync/convert"
)

// Type is the wire name of a command variant.
type Type string

const (
	TypeCreateContext     Type = "CreateContext"
	TypeDestroyContext    Type = "DestroyContext"
	TypeCreateBeanType    Type = "CreateBeanType"
	TypeCreateBean        Type = "CreateBean"
	TypeDeleteBean        Type = "DeleteBean"
	TypeValueChanged      Type = "ValueChanged"
	TypeListAdd           Type = "ListAdd"
	TypeListRemove        Type = "ListRemove"
	TypeListReplace       Type = "ListReplace"
	TypeCreateController  Type = "CreateController"
	TypeControllerCreated Type = "ControllerCreated"
	TypeDestroyController Type = "DestroyController"
	TypeCallAction        Type = "CallAction"
	TypeErrorResponse     Type = "ErrorResponse"
	TypeInternalError     Type = "InternalError"
	TypeStartLongPoll     Type = "StartLongPoll"
	TypeInterruptLongPoll Type = "InterruptLongPoll"
)

// Command is implemented by the pointer types of this package only.
type Command interface {
	Type() Type
	isCommand()
}

type CreateContext struct{}

type DestroyContext struct{}

// PropertyDesc is one entry of a class descriptor.
type PropertyDesc struct {
	Name string         `json:"name"`
	Type convert.TypeID `json:"type"`
}

// CreateBeanType announces a class before any bean of it is created.
type CreateBeanType struct {
	ClassID    string         `json:"beanType"`
	ClassName  string         `json:"className"`
	Properties []PropertyDesc `json:"properties,omitempty"`
	Lists      []PropertyDesc `json:"lists,omitempty"`
}

type CreateBean struct {
	BeanID  string `json:"beanId"`
	ClassID string `json:"classId"`
}

type DeleteBean struct {
	BeanID string `json:"beanId"`
}

type ValueChanged struct {
	BeanID       string        `json:"beanId"`
	PropertyName string        `json:"propertyName"`
	Value        convert.Value `json:"value"`
}

// ListAdd inserts Values at From.
type ListAdd struct {
	BeanID   string          `json:"beanId"`
	ListName string          `json:"listName"`
	From     int             `json:"from"`
	Values   []convert.Value `json:"values"`
}

// ListRemove removes the elements in [From, To).
type ListRemove struct {
	BeanID   string `json:"beanId"`
	ListName string `json:"listName"`
	From     int    `json:"from"`
	To       int    `json:"to"`
}

// ListReplace overwrites the elements in [From, From+len(Values)).
type ListReplace struct {
	BeanID   string          `json:"beanId"`
	ListName string          `json:"listName"`
	From     int             `json:"from"`
	Values   []convert.Value `json:"values"`
}

type CreateController struct {
	ControllerID       string `json:"controllerId"`
	ParentControllerID string `json:"parentControllerId,omitempty"`
	ControllerName     string `json:"controllerName"`
}

// ControllerCreated confirms a CreateController. ModelID is the root model
// of the controller, if it has one.
type ControllerCreated struct {
	ControllerID string `json:"controllerId"`
	ModelID      string `json:"modelId,omitempty"`
}

type DestroyController struct {
	ControllerID string `json:"controllerId"`
}

type Param struct {
	Name  string        `json:"name"`
	Value convert.Value `json:"value"`
}

// CallAction invokes an action of a controller.
type CallAction struct {
	RequestID    string  `json:"requestId"`
	ControllerID string  `json:"controllerId"`
	ActionName   string  `json:"actionName"`
	Params       []Param `json:"params"`
}

// ErrorResponse reports the failure of one inbound command. RequestID is
// the request id of a CallAction or the position of the failed command in
// its batch.
type ErrorResponse struct {
	RequestID string `json:"requestIdentifier"`
	Message   string `json:"message"`
}

type InternalError struct {
	Message string `json:"message,omitempty"`
}

type StartLongPoll struct{}

type InterruptLongPoll struct{}

func (*CreateContext) Type() Type     { return TypeCreateContext }
func (*DestroyContext) Type() Type    { return TypeDestroyContext }
func (*CreateBeanType) Type() Type    { return TypeCreateBeanType }
func (*CreateBean) Type() Type        { return TypeCreateBean }
func (*DeleteBean) Type() Type        { return TypeDeleteBean }
func (*ValueChanged) Type() Type      { return TypeValueChanged }
func (*ListAdd) Type() Type           { return TypeListAdd }
func (*ListRemove) Type() Type        { return TypeListRemove }
func (*ListReplace) Type() Type       { return TypeListReplace }
func (*CreateController) Type() Type  { return TypeCreateController }
func (*ControllerCreated) Type() Type { return TypeControllerCreated }
func (*DestroyController) Type() Type { return TypeDestroyController }
func (*CallAction) Type() Type        { return TypeCallAction }
func (*ErrorResponse) Type() Type     { return TypeErrorResponse }
func (*InternalError) Type() Type     { return TypeInternalError }
func (*StartLongPoll) Type() Type     { return TypeStartLongPoll }
func (*InterruptLongPoll) Type() Type { return TypeInterruptLongPoll }

func (*CreateContext) isCommand()     {}
func (*DestroyContext) isCommand()    {}
func (*CreateBeanType) isCommand()    {}
func (*CreateBean) isCommand()        {}
func (*DeleteBean) isCommand()        {}
func (*ValueChanged) isCommand()      {}
func (*ListAdd) isCommand()           {}
func (*ListRemove) isCommand()        {}
func (*ListReplace) isCommand()       {}
func (*CreateController) isCommand()  {}
func (*ControllerCreated) isCommand() {}
func (*DestroyController) isCommand() {}
func (*CallAction) isCommand()        {}
func (*ErrorResponse) isCommand()     {}
func (*InternalError) isCommand()     {}
func (*StartLongPoll) isCommand()     {}
func (*InterruptLongPoll) isCommand() {}

// BeanID returns the bean a command targets, if any.
func BeanID(c Command) string {
	switch c := c.(type) {
	case *CreateBean:
		return c.BeanID
	case *DeleteBean:
		return c.BeanID
	case *ValueChanged:
		return c.BeanID
	case *ListAdd:
		return c.BeanID
	case *ListRemove:
		return c.BeanID
	case *ListReplace:
		return c.BeanID
	}
	return ""
}
