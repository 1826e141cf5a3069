package process

import (
	"bytes"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/evreth/tandem/internal/metrics"
	"github.com/evreth/tandem/internal/probe"
)

// Process wraps one child OS process and its lifecycle bookkeeping.
// All mutation happens through methods holding the internal lock; the
// supervisor's watcher goroutine is the only caller of Reap.
type Process struct {
	mu        sync.Mutex
	spec      Spec
	cmd       *exec.Cmd
	state     State
	status    Status
	restarts  int
	stopping  bool          // Stop requested; suppress restarts
	waitDone  chan struct{} // closed by Reap when cmd.Wait returns
	outCloser io.WriteCloser
	errCloser io.WriteCloser
}

func New(spec Spec) *Process {
	return &Process{
		spec:   spec,
		state:  StateNotStarted,
		status: Status{Name: spec.Name, State: StateNotStarted},
	}
}

// UpdateSpec replaces the spec under lock.
func (p *Process) UpdateSpec(s Spec) {
	p.mu.Lock()
	p.spec = s
	p.mu.Unlock()
}

// Spec returns a copy of the current spec.
func (p *Process) Spec() Spec {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.spec
}

// State returns the current lifecycle state.
func (p *Process) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// SetState applies a transition if legal and records it in metrics.
// Returns false (and leaves the state untouched) on an illegal transition.
func (p *Process) SetState(next State) bool {
	p.mu.Lock()
	cur := p.state
	if cur == next {
		p.mu.Unlock()
		return true
	}
	if !cur.CanTransition(next) {
		p.mu.Unlock()
		return false
	}
	p.state = next
	p.status.State = next
	name := p.spec.Name
	p.mu.Unlock()

	metrics.RecordStateTransition(name, cur.String(), next.String())
	for _, s := range AllStates {
		metrics.SetCurrentState(name, s.String(), s == next)
	}
	return true
}

// ConfigureCmd builds the exec.Cmd for this process: workdir, environment,
// its own process group, and captured stdio.
func (p *Process) ConfigureCmd(mergedEnv []string) *exec.Cmd {
	p.mu.Lock()
	spec := p.spec
	p.mu.Unlock()

	cmd := spec.BuildCommand()
	if spec.WorkDir != "" {
		cmd.Dir = spec.WorkDir
	}
	if len(mergedEnv) > 0 {
		cmd.Env = mergedEnv
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if spec.Log.Enabled() {
		if spec.Log.Dir != "" {
			_ = os.MkdirAll(spec.Log.Dir, 0o750)
		}
		outW, errW, _ := spec.Log.Writers(spec.Name)
		p.ensureWriters(outW, errW)
		ow, ew := p.writers()
		cmd.Stdout = ow
		cmd.Stderr = ew
		if ow == nil {
			cmd.Stdout, _ = os.OpenFile(os.DevNull, os.O_RDWR, 0)
		}
		if ew == nil {
			cmd.Stderr, _ = os.OpenFile(os.DevNull, os.O_RDWR, 0)
		}
	} else {
		null, _ := os.OpenFile(os.DevNull, os.O_RDWR, 0)
		cmd.Stdout = null
		cmd.Stderr = null
	}
	return cmd
}

// TryStart starts cmd and records the run. The PID file is written
// synchronously so it is observable immediately after return.
func (p *Process) TryStart(cmd *exec.Cmd) error {
	if err := cmd.Start(); err != nil {
		return err
	}
	p.mu.Lock()
	p.cmd = cmd
	p.waitDone = make(chan struct{})
	p.status.Running = true
	p.status.PID = cmd.Process.Pid
	p.status.StartedAt = time.Now()
	p.status.ExitCode = 0
	p.status.ExitError = ""
	p.status.Restarts = p.restarts
	p.stopping = false
	p.mu.Unlock()
	p.WritePIDFile()
	return nil
}

// Reap waits for the child to exit, records the outcome, and releases the
// waitDone channel plus any log writers. It must be called exactly once per
// successful TryStart, by the owning watcher.
func (p *Process) Reap() error {
	p.mu.Lock()
	cmd := p.cmd
	p.mu.Unlock()
	var err error
	if cmd != nil {
		err = cmd.Wait()
	}
	p.MarkExited(err)
	p.mu.Lock()
	if p.waitDone != nil {
		close(p.waitDone)
		p.waitDone = nil
	}
	p.mu.Unlock()
	p.CloseWriters()
	return err
}

// MarkExited records a process exit.
func (p *Process) MarkExited(err error) {
	p.mu.Lock()
	p.status.Running = false
	p.status.StoppedAt = time.Now()
	p.status.ExitCode = exitCode(err)
	if err != nil {
		p.status.ExitError = err.Error()
	} else {
		p.status.ExitError = ""
	}
	p.mu.Unlock()
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}

// Snapshot returns a copy of the current status.
func (p *Process) Snapshot() Status {
	p.mu.Lock()
	s := p.status
	s.Restarts = p.restarts
	p.mu.Unlock()
	return s
}

func (p *Process) SetStopRequested(v bool) {
	p.mu.Lock()
	p.stopping = v
	p.mu.Unlock()
}

func (p *Process) StopRequested() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopping
}

// IncRestarts bumps and returns the restart counter.
func (p *Process) IncRestarts() int {
	p.mu.Lock()
	p.restarts++
	v := p.restarts
	p.status.Restarts = v
	p.mu.Unlock()
	return v
}

// ResetRestarts clears the restart counter after a sustained healthy period.
func (p *Process) ResetRestarts() {
	p.mu.Lock()
	p.restarts = 0
	p.status.Restarts = 0
	p.mu.Unlock()
}

// SetLastReady records a successful readiness probe.
func (p *Process) SetLastReady(t time.Time) {
	p.mu.Lock()
	p.status.LastReady = t
	p.mu.Unlock()
}

func (p *Process) waitDoneChan() chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitDone
}

func (p *Process) pid() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd != nil && p.cmd.Process != nil {
		return p.cmd.Process.Pid
	}
	return 0
}

func (p *Process) ensureWriters(stdout, stderr io.WriteCloser) {
	p.mu.Lock()
	if p.outCloser == nil && stdout != nil {
		p.outCloser = stdout
	}
	if p.errCloser == nil && stderr != nil {
		p.errCloser = stderr
	}
	p.mu.Unlock()
}

func (p *Process) writers() (io.WriteCloser, io.WriteCloser) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outCloser, p.errCloser
}

// CloseWriters releases captured-output writers.
func (p *Process) CloseWriters() {
	p.mu.Lock()
	if p.outCloser != nil {
		_ = p.outCloser.Close()
		p.outCloser = nil
	}
	if p.errCloser != nil {
		_ = p.errCloser.Close()
		p.errCloser = nil
	}
	p.mu.Unlock()
}

// WritePIDFile records the child PID plus its start time, so a stale file
// surviving a PID wrap is detectable.
func (p *Process) WritePIDFile() {
	p.mu.Lock()
	pidFile := p.spec.PIDFile
	pid := 0
	if p.cmd != nil && p.cmd.Process != nil {
		pid = p.cmd.Process.Pid
	}
	p.mu.Unlock()
	if pidFile == "" || pid == 0 {
		return
	}
	_ = os.MkdirAll(filepath.Dir(pidFile), 0o750)
	content := strconv.Itoa(pid) + "\n"
	if start := probe.ProcStartUnix(pid); start > 0 {
		content += `{"start_unix":` + strconv.FormatInt(start, 10) + "}\n"
	}
	_ = os.WriteFile(pidFile, []byte(content), 0o600)
}

// RemovePIDFile best-effort.
func (p *Process) RemovePIDFile() {
	p.mu.Lock()
	pidFile := p.spec.PIDFile
	p.mu.Unlock()
	if pidFile == "" {
		return
	}
	_ = os.Remove(pidFile)
}

// Alive probes OS-level liveness of the current run.
func (p *Process) Alive() bool {
	pid := p.pid()
	if pid <= 0 {
		return false
	}
	if runtime.GOOS == "linux" {
		// A quickly-exiting child can linger as a zombie; not alive.
		if isZombieLinux(pid) {
			return false
		}
		return syscall.Kill(pid, 0) == nil
	}
	return syscall.Kill(-pid, 0) == nil
}

// isZombieLinux reports whether /proc/<pid>/status shows state Z.
func isZombieLinux(pid int) bool {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/status")
	if err != nil {
		return false
	}
	return bytes.Contains(b, []byte("State:\tZ"))
}

// EnforceStartDuration requires the process to stay up for d; returns an
// error on early exit.
func (p *Process) EnforceStartDuration(d time.Duration) error {
	if d <= 0 {
		return nil
	}
	deadline := time.Now().Add(d)
	wd := p.waitDoneChan()
	for time.Now().Before(deadline) {
		if wd != nil {
			select {
			case <-wd:
				return errEarlyExit(d)
			case <-time.After(10 * time.Millisecond):
			}
		} else if !p.Alive() {
			return errEarlyExit(d)
		} else {
			time.Sleep(10 * time.Millisecond)
		}
	}
	return nil
}

// Terminate sends SIGTERM to the child's process group, waits up to grace
// for the watcher to reap it, then escalates to SIGKILL. The returned bool
// reports whether the grace period was exceeded.
func (p *Process) Terminate(grace time.Duration) (bool, error) {
	pid := p.pid()
	if pid == 0 || !p.Alive() {
		return false, nil
	}
	p.SetStopRequested(true)
	_ = syscall.Kill(-pid, syscall.SIGTERM)
	wd := p.waitDoneChan()
	if wd == nil {
		// No watcher attached (start never completed); nothing to reap.
		return false, nil
	}
	select {
	case <-wd:
		return false, nil
	case <-time.After(grace):
	}
	_ = syscall.Kill(-pid, syscall.SIGKILL)
	select {
	case <-wd:
	case <-time.After(200 * time.Millisecond):
		// best-effort
	}
	return true, nil
}

// Kill force-terminates the process group immediately.
func (p *Process) Kill() {
	pid := p.pid()
	if pid == 0 {
		return
	}
	p.SetStopRequested(true)
	_ = syscall.Kill(-pid, syscall.SIGKILL)
	if wd := p.waitDoneChan(); wd != nil {
		select {
		case <-wd:
		case <-time.After(200 * time.Millisecond):
		}
	}
}
