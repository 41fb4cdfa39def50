package client

import (
	"context"
	"fmt"
	"reflect"

	"github.com/signadot/beansync/beans"
	"github.com/signadot/beansync/command"
	"github.com/signadot/beansync/convert"
)

// Controller is a server controller created by this client.
type Controller struct {
	client  *Client
	id      string
	name    string
	modelID string
}

func (k *Controller) ID() string   { return k.id }
func (k *Controller) Name() string { return k.name }

// ModelID is the id of the root model bean, or "" if the controller has
// none.
func (k *Controller) ModelID() string { return k.modelID }

// CreateController creates a controller of the named class on the server,
// as a child of parent if parent is not nil. Its model has been applied
// locally when CreateController returns.
func (c *Client) CreateController(ctx context.Context, name string, parent *Controller) (*Controller, error) {
	cmd := &command.CreateController{ControllerID: newRequestID(), ControllerName: name}
	if parent != nil {
		cmd.ParentControllerID = parent.id
	}
	replies, err := c.exchange(ctx, cmd)
	if err != nil {
		return nil, err
	}
	var created *command.ControllerCreated
	for _, r := range replies {
		switch r := r.(type) {
		case *command.ControllerCreated:
			if r.ControllerID == cmd.ControllerID {
				created = r
			}
		case *command.ErrorResponse:
			if r.RequestID == cmd.ControllerID {
				return nil, &RemoteError{RequestID: r.RequestID, Message: r.Message}
			}
		}
	}
	others := replyErrors(replies, nil)
	if created == nil {
		if others != nil {
			return nil, others
		}
		return nil, fmt.Errorf("controller %s: no confirmation from server", name)
	}
	if others != nil {
		c.log.Warn("server reported errors", "error", others)
	}
	return &Controller{client: c, id: created.ControllerID, name: name, modelID: created.ModelID}, nil
}

// Model returns the local copy of the model bean.
func (k *Controller) Model() (beans.Managed, error) {
	if k.modelID == "" {
		return nil, fmt.Errorf("controller %s has no model", k.name)
	}
	k.client.mu.Lock()
	defer k.client.mu.Unlock()
	return k.client.repo.Bean(k.modelID)
}

// ModelOf returns the model of k as an *M.
func ModelOf[M any](k *Controller) (*M, error) {
	b, err := k.Model()
	if err != nil {
		return nil, err
	}
	m, ok := any(b).(*M)
	if !ok {
		return nil, fmt.Errorf("model of %s is %T, not %T", k.name, b, m)
	}
	return m, nil
}

// Arg is a named action parameter. Value is any value the converters of
// the client support, including managed beans.
type Arg struct {
	Name  string
	Value any
}

// Invoke calls an action of k and waits for the server response. A
// failure of the action is returned as a *RemoteError.
func (k *Controller) Invoke(ctx context.Context, action string, args ...Arg) error {
	c := k.client
	params, err := c.params(args)
	if err != nil {
		return fmt.Errorf("action %s: %w", action, err)
	}
	req := &command.CallAction{
		RequestID:    newRequestID(),
		ControllerID: k.id,
		ActionName:   action,
		Params:       params,
	}
	replies, err := c.exchange(ctx, req)
	if err != nil {
		return err
	}
	return replyErrors(replies, nil)
}

// Destroy destroys k and its children on the server.
func (k *Controller) Destroy(ctx context.Context) error {
	replies, err := k.client.exchange(ctx, &command.DestroyController{ControllerID: k.id})
	if err != nil {
		return err
	}
	return replyErrors(replies, nil)
}

func (c *Client) params(args []Arg) ([]command.Param, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	params := make([]command.Param, len(args))
	for i, a := range args {
		params[i].Name = a.Name
		if a.Value == nil {
			params[i].Value = convert.Null()
			continue
		}
		conv, err := c.repo.Converters().Converter(reflect.TypeOf(a.Value))
		if err != nil {
			return nil, convert.WithField(err, a.Name)
		}
		v, err := conv.ToRemote(a.Value)
		if err != nil {
			return nil, convert.WithField(err, a.Name)
		}
		params[i].Value = v
	}
	return params, nil
}
