package main

import (
	"fmt"
	"runtime/debug"

	"github.com/scott-cotton/cli"
)

func version(cc *cli.Context) error {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		fmt.Fprintln(cc.Out, "beansync (unknown version)")
		return nil
	}
	fmt.Fprintf(cc.Out, "beansync %s %s\n", info.Main.Version, info.GoVersion)
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision", "vcs.time", "vcs.modified":
			fmt.Fprintf(cc.Out, "  %s=%s\n", s.Key, s.Value)
		}
	}
	return nil
}
