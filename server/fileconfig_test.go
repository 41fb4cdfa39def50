package server

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func writeConfig(t *testing.T, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "beansync.yaml")
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
http:
  addr: 127.0.0.1:9000
  path: /sync
  websocketPath: /sync/ws
  metricsPath: ""
  snapshotPath: ""
rpc:
  addr: 127.0.0.1:9001
session:
  timeout: 10m
  maxPollWait: 15s
  taskBudget: 250ms
  outboxLimit: 500
trace:
  filter: dir == "in"
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	want := DefaultConfig()
	want.HTTP = &HTTPConfig{Addr: "127.0.0.1:9000", Path: "/sync", WebSocketPath: "/sync/ws"}
	want.RPC.Addr = "127.0.0.1:9001"
	want.Session = &SessionConfig{
		Timeout:     Duration(10 * time.Minute),
		MaxPollWait: Duration(15 * time.Second),
		TaskBudget:  Duration(250 * time.Millisecond),
		OutboxLimit: 500,
	}
	want.Trace.Filter = `dir == "in"`
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
		want string
	}{
		{"bad duration", "session:\n  timeout: soon\n", "failed to parse"},
		{"unknown field", "sesion:\n  timeout: 1m\n", "failed to parse"},
		{"poll longer than timeout", "session:\n  timeout: 10s\n  maxPollWait: 1m\n", "maxPollWait"},
		{"relative path", "http:\n  path: sync\n", "must start with /"},
		{"bad filter", "trace:\n  filter: 'cmd =='\n", "trace.filter"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.data))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("got %v, want error containing %q", err, tt.want)
			}
		})
	}
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Errorf("missing file accepted")
	}
}

func TestDefaultConfigValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatal(err)
	}
	cfg := &Config{}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	if cfg.Session == nil || !cfg.GC.Enabled {
		t.Errorf("empty config not filled: %+v", cfg)
	}
}
