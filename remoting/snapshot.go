package remoting

import (
	"errors"
	"slices"

	"github.com/signadot/beansync/beans"
	"github.com/signadot/beansync/convert"
)

// Snapshot is a JSON friendly view of the state of an engine.
type Snapshot struct {
	Beans       []BeanSnapshot       `json:"beans"`
	Controllers []ControllerSnapshot `json:"controllers,omitempty"`
}

type BeanSnapshot struct {
	ID         string                     `json:"id"`
	Class      string                     `json:"class"`
	Root       bool                       `json:"root,omitempty"`
	Refs       []string                   `json:"refs,omitempty"`
	Properties map[string]convert.Value   `json:"properties,omitempty"`
	Lists      map[string][]convert.Value `json:"lists,omitempty"`
}

type ControllerSnapshot struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Parent string `json:"parent,omitempty"`
	Model  string `json:"model,omitempty"`
}

// Snapshot converts every managed bean and live controller, ordered by id.
func (e *Engine) Snapshot() (*Snapshot, error) {
	s := &Snapshot{Beans: []BeanSnapshot{}}
	for _, id := range e.repo.IDs() {
		b, err := e.repo.Bean(id)
		if err != nil {
			return nil, err
		}
		class, err := e.repo.ClassOf(b)
		if err != nil {
			return nil, err
		}
		bs := BeanSnapshot{
			ID:    id,
			Class: class.Name(),
			Root:  e.gc.IsRoot(id),
			Refs:  e.gc.Refs(id),
		}
		for _, p := range class.Properties() {
			v, err := snapshotValue(p, e.repo.PropertyValue(b, p))
			if err != nil {
				return nil, err
			}
			if bs.Properties == nil {
				bs.Properties = map[string]convert.Value{}
			}
			bs.Properties[p.Name()] = v
		}
		for _, p := range class.Lists() {
			xs := e.repo.ListValues(b, p)
			vs := make([]convert.Value, len(xs))
			for i, x := range xs {
				if vs[i], err = snapshotValue(p, x); err != nil {
					return nil, err
				}
			}
			if bs.Lists == nil {
				bs.Lists = map[string][]convert.Value{}
			}
			bs.Lists[p.Name()] = vs
		}
		s.Beans = append(s.Beans, bs)
	}
	for _, cc := range e.live {
		cs := ControllerSnapshot{ID: cc.id, Name: cc.def.Name()}
		if cc.parent != nil {
			cs.Parent = cc.parent.id
		}
		if cc.model != nil {
			cs.Model = cc.model.BeanID()
		}
		s.Controllers = append(s.Controllers, cs)
	}
	slices.SortFunc(s.Controllers, func(a, b ControllerSnapshot) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return s, nil
}

// snapshotValue shows references to deleted beans as null.
func snapshotValue(p *beans.PropertyInfo, x any) (convert.Value, error) {
	v, err := p.ToRemote(x)
	if errors.Is(err, beans.ErrNotManaged) {
		return convert.Null(), nil
	}
	return v, err
}
