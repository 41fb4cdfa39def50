package server

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/signadot/beansync/command"
)

// Config represents the server configuration file structure.
type Config struct {
	HTTP    *HTTPConfig    `yaml:"http"`
	RPC     *RPCConfig     `yaml:"rpc"`
	Session *SessionConfig `yaml:"session"`
	GC      *GCConfig      `yaml:"gc"`
	Trace   *TraceConfig   `yaml:"trace"`
}

// HTTPConfig configures the HTTP listener and the routes it serves.
// An empty path disables the route.
type HTTPConfig struct {
	Addr          string `yaml:"addr"`
	Path          string `yaml:"path"`
	WebSocketPath string `yaml:"websocketPath"`
	MetricsPath   string `yaml:"metricsPath"`
	// SnapshotPath serves the bean snapshot of the session named by the
	// clientId query parameter.
	SnapshotPath string `yaml:"snapshotPath"`
}

// RPCConfig configures the JSON-RPC listener. An empty address disables it.
type RPCConfig struct {
	Addr string `yaml:"addr"`
}

type SessionConfig struct {
	// Timeout expires a session that has seen no request for this long.
	Timeout Duration `yaml:"timeout"`
	// MaxPollWait bounds how long a long poll waits for deferred tasks.
	MaxPollWait Duration `yaml:"maxPollWait"`
	// TaskBudget bounds the time spent running deferred tasks in one
	// exchange. Tasks left over run in the next exchange.
	TaskBudget Duration `yaml:"taskBudget"`
	// OutboxLimit caps the number of commands in one response; zero means
	// no limit. Commands over the limit are sent in the next response.
	OutboxLimit int `yaml:"outboxLimit"`
}

type GCConfig struct {
	Enabled bool `yaml:"enabled"`
}

type TraceConfig struct {
	// Filter is an expression over command fields selecting the commands
	// logged at info level, for example `dir == "in" && cmd == "CallAction"`.
	Filter string `yaml:"filter"`
}

// LoadConfig loads a YAML configuration file. Sections missing from the
// file keep their defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.UnmarshalWithOptions(data, cfg, yaml.DisallowUnknownField()); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", path, err)
	}
	return cfg, nil
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		HTTP: &HTTPConfig{
			Addr:          ":8080",
			Path:          "/remoting",
			WebSocketPath: "/remoting/ws",
			MetricsPath:   "/metrics",
			SnapshotPath:  "/debug/snapshot",
		},
		RPC: &RPCConfig{},
		Session: &SessionConfig{
			Timeout:     Duration(30 * time.Minute),
			MaxPollWait: Duration(20 * time.Second),
			TaskBudget:  Duration(time.Second),
		},
		GC:    &GCConfig{Enabled: true},
		Trace: &TraceConfig{},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error
	if c.HTTP == nil {
		c.HTTP = &HTTPConfig{}
	}
	for _, p := range []struct{ name, path string }{
		{"http.path", c.HTTP.Path},
		{"http.websocketPath", c.HTTP.WebSocketPath},
		{"http.metricsPath", c.HTTP.MetricsPath},
		{"http.snapshotPath", c.HTTP.SnapshotPath},
	} {
		if p.path != "" && !strings.HasPrefix(p.path, "/") {
			errs = append(errs, fmt.Errorf("%s %q must start with /", p.name, p.path))
		}
	}
	if c.RPC == nil {
		c.RPC = &RPCConfig{}
	}
	if c.Session == nil {
		c.Session = DefaultConfig().Session
	}
	s := c.Session
	if s.Timeout <= 0 {
		errs = append(errs, errors.New("session.timeout must be positive"))
	}
	if s.MaxPollWait < 0 || s.TaskBudget < 0 || s.OutboxLimit < 0 {
		errs = append(errs, errors.New("session limits must not be negative"))
	}
	if s.Timeout > 0 && s.MaxPollWait >= s.Timeout {
		errs = append(errs, fmt.Errorf("session.maxPollWait %s must be shorter than session.timeout %s", s.MaxPollWait, s.Timeout))
	}
	if c.GC == nil {
		c.GC = &GCConfig{Enabled: true}
	}
	if c.Trace == nil {
		c.Trace = &TraceConfig{}
	}
	if _, err := command.NewFilter(c.Trace.Filter); err != nil {
		errs = append(errs, fmt.Errorf("trace.filter: %w", err))
	}
	return errors.Join(errs...)
}

// Duration is a time.Duration written as a string such as "30s".
type Duration time.Duration

func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalYAML(data []byte) error {
	var s string
	if err := yaml.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration: %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}
