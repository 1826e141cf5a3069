//go:build !windows

package probe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// pidAlive returns true if a process with the given pid exists (or EPERM).
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

// PIDFile considers the process ready when the PID recorded in Path is
// alive. An optional second line carrying {"start_unix":N} guards against
// PID reuse: the live process's start time must match the recorded one.
type PIDFile struct {
	Path string
}

type pidMeta struct {
	StartUnix int64 `json:"start_unix"`
}

func (p PIDFile) Check(_ context.Context) error {
	data, err := os.ReadFile(p.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("pidfile %s not present", p.Path)
		}
		return err
	}
	lines := strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")
	pidStr := strings.TrimSpace(lines[0])
	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return fmt.Errorf("invalid pid in %s: %w", p.Path, err)
	}
	var metaStart int64
	if len(lines) >= 2 {
		var m pidMeta
		if err := json.Unmarshal([]byte(strings.TrimSpace(lines[1])), &m); err == nil {
			metaStart = m.StartUnix
		}
	}
	if metaStart > 0 {
		if cur := ProcStartUnix(pid); cur > 0 && cur != metaStart {
			return fmt.Errorf("pid %d reused (start time mismatch)", pid)
		}
	}
	if !pidAlive(pid) {
		return fmt.Errorf("pid %d not alive", pid)
	}
	return nil
}

func (p PIDFile) Describe() string { return "pidfile:" + p.Path }
