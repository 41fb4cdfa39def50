package main

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"

	jsonpatch "github.com/evanphx/json-patch"
	"github.com/scott-cotton/cli"
	"github.com/segmentio/encoding/json"

	diffpatch "github.com/sergi/go-diff/diffmatchpatch"
)

func diff(cfg *DiffConfig, cc *cli.Context, args []string) error {
	args, err := cfg.Diff.Parse(cc, args)
	if err != nil {
		cfg.Diff.Usage(cc, err)
		return cli.ExitCodeErr(1)
	}
	if len(args) != 2 {
		return fmt.Errorf("%w: diff requires 2 args, got %v", cli.ErrUsage, args)
	}
	var docs [2][]byte
	for i, file := range args {
		snap, err := readSnapshot(cc.In, file)
		if err != nil {
			return err
		}
		docs[i], err = jsonIndent(keyed(snap))
		if err != nil {
			return err
		}
	}
	p := newPalette(cfg.colorize(cc.Out))
	var differs bool
	if cfg.Text {
		differs, err = writeTextDiff(cc.Out, p, docs[0], docs[1])
	} else {
		differs, err = writePatchDiff(cc.Out, p, docs[0], docs[1])
	}
	if err != nil {
		return err
	}
	if differs {
		return cli.ExitCodeErr(1)
	}
	return nil
}

// writePatchDiff prints the merge patch from a to b, one line per changed
// path: "+" for added entries, "-" for removed ones, "~" for changed values.
func writePatchDiff(w io.Writer, p *palette, a, b []byte) (bool, error) {
	if jsonpatch.Equal(a, b) {
		return false, nil
	}
	patch, err := jsonpatch.CreateMergePatch(a, b)
	if err != nil {
		return false, fmt.Errorf("error creating patch: %w", err)
	}
	var orig, changes map[string]any
	if err := json.Unmarshal(a, &orig); err != nil {
		return false, err
	}
	if err := json.Unmarshal(patch, &changes); err != nil {
		return false, err
	}
	var sb strings.Builder
	if err := patchLines(&sb, p, "", orig, changes); err != nil {
		return false, err
	}
	_, err = io.WriteString(w, sb.String())
	return sb.Len() > 0, err
}

var pointerEscaper = strings.NewReplacer("~", "~0", "/", "~1")

func patchLines(sb *strings.Builder, p *palette, prefix string, orig, changes map[string]any) error {
	for _, k := range slices.Sorted(maps.Keys(changes)) {
		path := prefix + "/" + pointerEscaper.Replace(k)
		v := changes[k]
		was, existed := orig[k]
		switch {
		case v == nil:
			fmt.Fprintln(sb, p.Removed("- %s", path))
			continue
		case !existed:
			data, err := json.Marshal(v)
			if err != nil {
				return err
			}
			fmt.Fprintln(sb, p.Added("+ %s %s", path, data))
			continue
		}
		sub, isObj := v.(map[string]any)
		wasObj, wasIsObj := was.(map[string]any)
		if isObj && wasIsObj {
			if err := patchLines(sb, p, path, wasObj, sub); err != nil {
				return err
			}
			continue
		}
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		fmt.Fprintf(sb, "%s %s %s\n", p.Key("~"), path, p.Value("%s", data))
	}
	return nil
}

// writeTextDiff prints a line diff of a and b.
func writeTextDiff(w io.Writer, p *palette, a, b []byte) (bool, error) {
	dmp := diffpatch.New()
	ca, cb, lines := dmp.DiffLinesToChars(string(a), string(b))
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(ca, cb, false), lines)
	var (
		sb      strings.Builder
		differs bool
	)
	for _, d := range diffs {
		mark, paint := "  ", p.Value
		switch d.Type {
		case diffpatch.DiffInsert:
			mark, paint, differs = "+ ", p.Added, true
		case diffpatch.DiffDelete:
			mark, paint, differs = "- ", p.Removed, true
		}
		for _, line := range strings.SplitAfter(strings.TrimSuffix(d.Text, "\n"), "\n") {
			sb.WriteString(paint("%s%s", mark, strings.TrimSuffix(line, "\n")))
			sb.WriteByte('\n')
		}
	}
	if !differs {
		return false, nil
	}
	_, err := io.WriteString(w, sb.String())
	return true, err
}
