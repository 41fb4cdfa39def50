// Package gc collects beans that are no longer reachable from any root.
//
// The Collector does not look at beans itself. The owner reports creation,
// removal and every change of a bean reference through the On* hooks, and
// the Collector keeps a reference multigraph from that. Collect walks the
// graph from the roots and hands every unreachable bean to the reject
// callback.
package gc

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/signadot/beansync/debug"
	"go.uber.org/multierr"
)

// RejectFunc deletes a garbage bean. A bean whose rejection fails stays
// known to the collector and is offered again by the next collection.
type RejectFunc func(id string) error

type Config struct {
	Reject RejectFunc
	Log    *slog.Logger
}

type Collector struct {
	reject    RejectFunc
	log       *slog.Logger
	instances map[string]*instance
	// dirty is set when something may have become unreachable since the
	// last collection.
	dirty bool
}

type instance struct {
	root bool
	pins int
	refs map[string]int
}

func (in *instance) isRoot() bool {
	return in.root || in.pins > 0
}

// Result is the outcome of one collection.
type Result struct {
	Rejected []string
	// Err combines the failures of individual rejections.
	Err error
}

func New(cfg *Config) *Collector {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Collector{
		reject:    cfg.Reject,
		log:       log.With("component", "gc"),
		instances: map[string]*instance{},
	}
}

func (c *Collector) OnBeanCreated(id string, root bool) {
	c.instances[id] = &instance{root: root, refs: map[string]int{}}
	c.dirty = true
	if debug.GC() {
		debug.Logf("gc: created %s root=%t", id, root)
	}
}

func (c *Collector) OnBeanRemoved(id string) {
	if _, ok := c.instances[id]; !ok {
		return
	}
	delete(c.instances, id)
	c.dirty = true
	if debug.GC() {
		debug.Logf("gc: removed %s", id)
	}
}

// OnPropertyValueChanged records that a property of id stopped referencing
// old and now references cur. Empty ids mean no reference.
func (c *Collector) OnPropertyValueChanged(id, old, cur string) {
	if old != "" {
		c.OnRemovedFromList(id, old)
	}
	if cur != "" {
		c.OnAddedToList(id, cur)
	}
}

// OnAddedToList records references from id to each of refs.
func (c *Collector) OnAddedToList(id string, refs ...string) {
	in, ok := c.instances[id]
	if !ok {
		return
	}
	for _, r := range refs {
		if r == "" {
			continue
		}
		in.refs[r]++
	}
}

// OnRemovedFromList drops one reference from id to each of refs.
func (c *Collector) OnRemovedFromList(id string, refs ...string) {
	in, ok := c.instances[id]
	if !ok {
		return
	}
	for _, r := range refs {
		n, ok := in.refs[r]
		if !ok {
			continue
		}
		if n <= 1 {
			delete(in.refs, r)
		} else {
			in.refs[r] = n - 1
		}
		c.dirty = true
	}
}

// SetRoot changes whether id is a root.
func (c *Collector) SetRoot(id string, root bool) {
	in, ok := c.instances[id]
	if !ok {
		return
	}
	if in.root && !root {
		c.dirty = true
	}
	in.root = root
}

// Pin makes id a root until the matching Unpin.
func (c *Collector) Pin(id string) {
	if in, ok := c.instances[id]; ok {
		in.pins++
	}
}

func (c *Collector) Unpin(id string) {
	in, ok := c.instances[id]
	if !ok || in.pins == 0 {
		return
	}
	in.pins--
	if in.pins == 0 {
		c.dirty = true
	}
}

func (c *Collector) Len() int {
	return len(c.instances)
}

func (c *Collector) IsRoot(id string) bool {
	in, ok := c.instances[id]
	return ok && in.isRoot()
}

// Refs returns the distinct beans id references, sorted.
func (c *Collector) Refs(id string) []string {
	in, ok := c.instances[id]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(in.refs))
	for r := range in.refs {
		out = append(out, r)
	}
	slices.Sort(out)
	return out
}

// Garbage returns the beans currently unreachable from the roots, sorted.
func (c *Collector) Garbage() []string {
	seen := make(map[string]bool, len(c.instances))
	var stack []string
	for id, in := range c.instances {
		if in.isRoot() {
			seen[id] = true
			stack = append(stack, id)
		}
	}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for r := range c.instances[id].refs {
			if seen[r] {
				continue
			}
			if _, ok := c.instances[r]; !ok {
				continue
			}
			seen[r] = true
			stack = append(stack, r)
		}
	}
	var garbage []string
	for id := range c.instances {
		if !seen[id] {
			garbage = append(garbage, id)
		}
	}
	slices.Sort(garbage)
	return garbage
}

// Collect rejects every bean unreachable from the roots. A failing or
// panicking rejection does not stop the others.
func (c *Collector) Collect() Result {
	if !c.dirty {
		return Result{}
	}
	garbage := c.Garbage()
	c.dirty = false
	if len(garbage) == 0 {
		return Result{}
	}
	if debug.GC() {
		debug.Logf("gc: rejecting %v", garbage)
	}
	var res Result
	for _, id := range garbage {
		if _, ok := c.instances[id]; !ok {
			// removed by an earlier rejection of this pass
			res.Rejected = append(res.Rejected, id)
			continue
		}
		if err := c.rejectOne(id); err != nil {
			res.Err = multierr.Append(res.Err, fmt.Errorf("reject %s: %w", id, err))
			c.dirty = true
			continue
		}
		delete(c.instances, id)
		res.Rejected = append(res.Rejected, id)
	}
	if res.Err != nil {
		c.log.Error("rejecting garbage beans", "failed", len(multierr.Errors(res.Err)), "error", res.Err)
	}
	c.log.Debug("collected", "rejected", len(res.Rejected), "live", len(c.instances))
	return res
}

func (c *Collector) rejectOne(id string) (err error) {
	if c.reject == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return c.reject(id)
}
