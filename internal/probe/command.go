package probe

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Command considers the process ready when the configured command exits 0.
type Command struct {
	Command string
	Timeout time.Duration
}

// buildShellAwareCommand constructs an *exec.Cmd for a probe command.
// It avoids invoking a shell unless obvious shell metacharacters are
// present (G204 mitigation).
func buildShellAwareCommand(ctx context.Context, cmdStr string) *exec.Cmd {
	cmdStr = strings.TrimSpace(cmdStr)
	if cmdStr == "" {
		// #nosec G204
		return exec.CommandContext(ctx, "/bin/true")
	}
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		// #nosec G204
		return exec.CommandContext(ctx, "/bin/sh", "-c", cmdStr)
	}
	parts := strings.Fields(cmdStr)
	name := parts[0]
	var args []string
	if len(parts) > 1 {
		args = parts[1:]
	}
	// #nosec G204
	return exec.CommandContext(ctx, name, args...)
}

func (p Command) Check(ctx context.Context) error {
	cctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()
	cmd := buildShellAwareCommand(cctx, p.Command)
	cmd.Stdout = nil
	cmd.Stderr = nil
	err := cmd.Run()
	if err == nil {
		return nil
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return fmt.Errorf("probe command exited %d", ee.ExitCode())
	}
	return err
}

func (p Command) Describe() string { return "cmd:" + p.Command }
