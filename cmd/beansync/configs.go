package main

import (
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/scott-cotton/cli"
)

type MainConfig struct {
	Color bool `cli:"name=color desc='colorize output'"`

	Main *cli.Command
}

// colorize reports whether output to w is colored: -color forces it,
// -color=false disables it, otherwise terminals get color.
func (cfg *MainConfig) colorize(w io.Writer) bool {
	if cfg.Color {
		return true
	}
	for _, opt := range cfg.Main.Opts {
		if opt.Name == "color" && opt.Value != nil {
			return false
		}
	}
	f, ok := w.(*os.File)
	return ok && isatty.IsTerminal(f.Fd())
}

// palette holds the sprintf funcs used to render snapshots and diffs.
type palette struct {
	ID, Class, Key, Value, Root, Added, Removed func(string, ...any) string
}

func newPalette(on bool) *palette {
	mk := func(c *color.Color) func(string, ...any) string {
		if on {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
		return c.SprintfFunc()
	}
	return &palette{
		ID:      mk(color.New(color.FgCyan)),
		Class:   mk(color.RGB(196, 96, 16)),
		Key:     mk(color.RGB(74, 92, 138)),
		Value:   mk(color.New(color.Reset)),
		Root:    mk(color.RGB(255, 0, 196)),
		Added:   mk(color.New(color.FgGreen)),
		Removed: mk(color.New(color.FgRed)),
	}
}

type ServeConfig struct {
	*MainConfig
	ConfigFile string `cli:"name=config desc='configuration file (yaml)'"`
	Addr       string `cli:"name=addr desc='HTTP listen address, overrides the configuration file'"`
	RPCAddr    string `cli:"name=rpc desc='JSON-RPC listen address, overrides the configuration file'"`
	Gops       bool   `cli:"name=gops desc='start the gops diagnostics agent'"`

	Serve *cli.Command
}

type InspectConfig struct {
	*MainConfig
	URL     string `cli:"name=url desc='snapshot endpoint of a running server'"`
	Session string `cli:"name=session aliases=s desc='session to fetch from -url'"`
	Where   string `cli:"name=where desc='expression over id, class, root, refs, properties and lists selecting beans'"`
	JSON    bool   `cli:"name=j aliases=json desc='print the selected beans as json'"`

	Inspect *cli.Command
}

type DiffConfig struct {
	*MainConfig
	Text bool `cli:"name=text desc='show a line diff of the indented snapshots'"`

	Diff *cli.Command
}
