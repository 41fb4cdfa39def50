package main

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/scott-cotton/cli"
	"github.com/segmentio/encoding/json"

	"github.com/signadot/beansync/convert"
	"github.com/signadot/beansync/remoting"
)

func inspect(cfg *InspectConfig, cc *cli.Context, args []string) error {
	args, err := cfg.Inspect.Parse(cc, args)
	if err != nil {
		return err
	}
	where, err := newBeanFilter(cfg.Where)
	if err != nil {
		return fmt.Errorf("%w: %w", cli.ErrUsage, err)
	}

	var snap *remoting.Snapshot
	switch {
	case cfg.URL != "" && len(args) != 0:
		return fmt.Errorf("%w: -url and a file are exclusive", cli.ErrUsage)
	case cfg.URL != "" && cfg.Session == "":
		ids, err := fetchSessions(cfg.URL)
		if err != nil {
			return err
		}
		for _, id := range ids {
			fmt.Fprintln(cc.Out, id)
		}
		return nil
	case cfg.URL != "":
		snap, err = fetchSnapshot(cfg.URL, cfg.Session)
	case len(args) > 1:
		return fmt.Errorf("%w: inspect takes at most one file, got %v", cli.ErrUsage, args)
	case len(args) == 1:
		snap, err = readSnapshot(cc.In, args[0])
	default:
		snap, err = readSnapshot(cc.In, "-")
	}
	if err != nil {
		return err
	}

	sel, err := where.apply(snap.Beans)
	if err != nil {
		return err
	}
	if cfg.JSON {
		data, err := json.MarshalIndent(sel, "", "  ")
		if err != nil {
			return err
		}
		_, err = cc.Out.Write(append(data, '\n'))
		return err
	}
	out := &remoting.Snapshot{Beans: sel, Controllers: snap.Controllers}
	if where.prg != nil {
		out.Controllers = nil
	}
	return writeSnapshot(cc.Out, newPalette(cfg.colorize(cc.Out)), out)
}

// beanFilter is a compiled expr expression over one bean.
type beanFilter struct {
	prg *vm.Program
}

func newBeanFilter(src string) (*beanFilter, error) {
	if src == "" {
		return &beanFilter{}, nil
	}
	prg, err := expr.Compile(src, expr.Env(beanEnv(remoting.BeanSnapshot{})), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compile -where %q: %w", src, err)
	}
	return &beanFilter{prg: prg}, nil
}

func (f *beanFilter) apply(bs []remoting.BeanSnapshot) ([]remoting.BeanSnapshot, error) {
	if f.prg == nil {
		return bs, nil
	}
	res := []remoting.BeanSnapshot{}
	for _, b := range bs {
		ok, err := expr.Run(f.prg, beanEnv(b))
		if err != nil {
			return nil, fmt.Errorf("bean %s: %w", b.ID, err)
		}
		if ok.(bool) {
			res = append(res, b)
		}
	}
	return res, nil
}

func beanEnv(b remoting.BeanSnapshot) map[string]any {
	props := make(map[string]any, len(b.Properties))
	for k, v := range b.Properties {
		props[k] = envValue(v)
	}
	lists := make(map[string][]any, len(b.Lists))
	for k, vs := range b.Lists {
		xs := make([]any, len(vs))
		for i, v := range vs {
			xs[i] = envValue(v)
		}
		lists[k] = xs
	}
	refs := b.Refs
	if refs == nil {
		refs = []string{}
	}
	return map[string]any{
		"id":         b.ID,
		"class":      b.Class,
		"root":       b.Root,
		"refs":       refs,
		"properties": props,
		"lists":      lists,
	}
}

// envValue turns numbers into float64 so that expressions compare them
// with number literals.
func envValue(v convert.Value) any {
	if v.Kind() == convert.KindNumber {
		if f, err := v.Float64(); err == nil {
			return f
		}
	}
	x := v.Interface()
	if n, ok := x.(json.Number); ok {
		return string(n)
	}
	return x
}

func writeSnapshot(w io.Writer, p *palette, snap *remoting.Snapshot) error {
	var sb strings.Builder
	for _, b := range snap.Beans {
		sb.WriteString(p.Class("%s", b.Class))
		sb.WriteByte(' ')
		sb.WriteString(p.ID("%s", b.ID))
		if b.Root {
			sb.WriteString(p.Root(" (root)"))
		}
		sb.WriteByte('\n')
		for _, k := range slices.Sorted(maps.Keys(b.Properties)) {
			fmt.Fprintf(&sb, "  %s %s\n", p.Key("%s:", k), p.Value("%s", b.Properties[k]))
		}
		for _, k := range slices.Sorted(maps.Keys(b.Lists)) {
			vs := make([]string, len(b.Lists[k]))
			for i, v := range b.Lists[k] {
				vs[i] = v.String()
			}
			fmt.Fprintf(&sb, "  %s [%s]\n", p.Key("%s:", k), p.Value("%s", strings.Join(vs, ", ")))
		}
	}
	if len(snap.Controllers) > 0 {
		sb.WriteString("controllers:\n")
		for _, c := range snap.Controllers {
			fmt.Fprintf(&sb, "  %s %s", p.ID("%s", c.ID), p.Class("%s", c.Name))
			if c.Parent != "" {
				fmt.Fprintf(&sb, " %s %s", p.Key("parent="), p.ID("%s", c.Parent))
			}
			if c.Model != "" {
				fmt.Fprintf(&sb, " %s %s", p.Key("model="), p.ID("%s", c.Model))
			}
			sb.WriteByte('\n')
		}
	}
	_, err := io.WriteString(w, sb.String())
	return err
}
