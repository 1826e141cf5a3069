package probe

import (
	"context"
	"fmt"
	"time"
)

// Probe is a strategy that decides whether a managed process is ready to
// serve. Implementations must be safe for concurrent use and must honor
// the context deadline.
type Probe interface {
	// Check returns nil when the process is ready.
	Check(ctx context.Context) error
	// Describe returns a human-readable description of the probe.
	Describe() string
}

// Config is the parseable form of a probe, used in config files and
// environment-driven specs.
type Config struct {
	Type    string        `json:"type" mapstructure:"type"` // http, tcp, command, pidfile
	URL     string        `json:"url" mapstructure:"url"`
	Addr    string        `json:"addr" mapstructure:"addr"`
	Command string        `json:"command" mapstructure:"command"`
	Path    string        `json:"path" mapstructure:"path"`
	Timeout time.Duration `json:"timeout" mapstructure:"timeout"`
}

const defaultTimeout = 2 * time.Second

// New builds a Probe from its config. A zero Type yields (nil, nil):
// the process is considered ready while its OS process is alive.
func New(c Config) (Probe, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	switch c.Type {
	case "":
		return nil, nil
	case "http":
		if c.URL == "" {
			return nil, fmt.Errorf("http probe requires url")
		}
		return HTTP{URL: c.URL, Timeout: timeout}, nil
	case "tcp":
		if c.Addr == "" {
			return nil, fmt.Errorf("tcp probe requires addr")
		}
		return TCP{Addr: c.Addr, Timeout: timeout}, nil
	case "command":
		if c.Command == "" {
			return nil, fmt.Errorf("command probe requires command")
		}
		return Command{Command: c.Command, Timeout: timeout}, nil
	case "pidfile":
		if c.Path == "" {
			return nil, fmt.Errorf("pidfile probe requires path")
		}
		return PIDFile{Path: c.Path}, nil
	default:
		return nil, fmt.Errorf("unknown probe type %q", c.Type)
	}
}
