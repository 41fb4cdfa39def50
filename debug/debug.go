package debug

import (
	"fmt"
	"os"
	"strconv"

	"github.com/segmentio/encoding/json"
)

type debug struct {
	Commands bool
	GC       bool
	Tasks    bool
	Classes  bool
}

var d *debug

func init() {
	d = &debug{}
	d.Commands = boolEnv("BEANSYNC_DEBUG_COMMANDS")
	d.GC = boolEnv("BEANSYNC_DEBUG_GC")
	d.Tasks = boolEnv("BEANSYNC_DEBUG_TASKS")
	d.Classes = boolEnv("BEANSYNC_DEBUG_CLASSES")
}

func boolEnv(v string) bool {
	x := os.Getenv(v)
	if x == "" {
		return false
	}
	b, _ := strconv.ParseBool(x)
	return b
}

func Commands() bool {
	return d.Commands
}
func GC() bool {
	return d.GC
}
func Tasks() bool {
	return d.Tasks
}
func Classes() bool {
	return d.Classes
}

// Logf writes a formatted line to stderr.
func Logf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
}

// LogAny writes v to stderr as one line of JSON.
func LogAny(v any) {
	d, err := json.Marshal(v)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", v)
		return
	}
	os.Stderr.Write(append(d, '\n'))
}
