package process

import (
	"os/exec"
	"strings"
	"time"

	"github.com/evreth/tandem/internal/logger"
	"github.com/evreth/tandem/internal/probe"
)

// Spec describes one managed process.
type Spec struct {
	Name    string   `json:"name" mapstructure:"name"`
	Command string   `json:"command" mapstructure:"command"`
	WorkDir string   `json:"work_dir" mapstructure:"work_dir"`
	Env     []string `json:"env" mapstructure:"env"`
	PIDFile string   `json:"pid_file" mapstructure:"pid_file"`

	// Required processes participate in composite health; optional ones
	// are supervised but never make the container unhealthy.
	Required bool `json:"required" mapstructure:"required"`

	// StartOrder sorts processes at startup (lower starts first).
	// WaitReady blocks the next process until this one passes its probe.
	StartOrder   int           `json:"start_order" mapstructure:"start_order"`
	WaitReady    bool          `json:"wait_ready" mapstructure:"wait_ready"`
	StartTimeout time.Duration `json:"start_timeout" mapstructure:"start_timeout"`

	// StartDuration is the minimum uptime before a start counts as
	// successful.
	StartDuration time.Duration `json:"start_duration" mapstructure:"start_duration"`

	Restart RestartPolicy `json:"restart" mapstructure:"restart"`
	Probe   probe.Config  `json:"probe" mapstructure:"probe"`
	Log     logger.Config `json:"log" mapstructure:"log"`
}

// RestartPolicy bounds crash recovery: Retries immediate attempts, then
// exponential backoff from Interval up to BackoffCap. More than MaxRestarts
// failures inside Window parks the process in StateStopped permanently.
type RestartPolicy struct {
	Retries     int           `json:"retries" mapstructure:"retries"`
	Interval    time.Duration `json:"interval" mapstructure:"interval"`
	BackoffCap  time.Duration `json:"backoff_cap" mapstructure:"backoff_cap"`
	MaxRestarts int           `json:"max_restarts" mapstructure:"max_restarts"`
	Window      time.Duration `json:"window" mapstructure:"window"`
}

// Policy defaults.
const (
	DefaultRetries     = 3
	DefaultInterval    = 500 * time.Millisecond
	DefaultBackoffCap  = 60 * time.Second
	DefaultMaxRestarts = 10
	DefaultWindow      = 5 * time.Minute
)

// Normalized returns the policy with zero values replaced by defaults.
func (p RestartPolicy) Normalized() RestartPolicy {
	if p.Retries <= 0 {
		p.Retries = DefaultRetries
	}
	if p.Interval <= 0 {
		p.Interval = DefaultInterval
	}
	if p.BackoffCap <= 0 {
		p.BackoffCap = DefaultBackoffCap
	}
	if p.MaxRestarts <= 0 {
		p.MaxRestarts = DefaultMaxRestarts
	}
	if p.Window <= 0 {
		p.Window = DefaultWindow
	}
	return p
}

// BuildCommand constructs an *exec.Cmd for the spec's Command. It avoids
// invoking a shell when not necessary, and honors an explicit shell
// invocation already present in the command string (e.g. "sh -c 'echo hi'")
// without double-wrapping.
func (s *Spec) BuildCommand() *exec.Cmd {
	cmdStr := strings.TrimSpace(s.Command)
	if cmdStr == "" {
		// #nosec G204
		return exec.Command("/bin/true")
	}
	if _, afterC, ok := parseExplicitShell(cmdStr); ok {
		// Absolute shell path avoids PATH dependency when Env is overridden.
		// #nosec G204
		return exec.Command("/bin/sh", "-c", afterC)
	}
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		// #nosec G204
		return exec.Command("/bin/sh", "-c", cmdStr)
	}
	parts := strings.Fields(cmdStr)
	name := parts[0]
	var args []string
	if len(parts) > 1 {
		args = parts[1:]
	}
	// #nosec G204
	return exec.Command(name, args...)
}

// parseExplicitShell detects "sh -c <ARG>" or "/bin/sh -c <ARG>" at the
// beginning of cmdStr. The substring after "-c " is preserved verbatim,
// except that one pair of wrapping quotes is stripped so the actual script
// reaches the shell.
func parseExplicitShell(cmdStr string) (string, string, bool) {
	trim := strings.TrimLeft(cmdStr, " \t")
	candidates := []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "}
	for _, p := range candidates {
		if strings.HasPrefix(trim, p) {
			after := trim[len(p):]
			if n := len(after); n >= 2 {
				if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
					after = after[1 : n-1]
				}
			}
			return strings.Fields(p)[0], after, true
		}
	}
	return "", "", false
}
