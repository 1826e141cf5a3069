package process

import (
	"strings"
	"testing"
	"time"
)

func TestBuildCommandPlain(t *testing.T) {
	s := Spec{Command: "sleep 1"}
	cmd := s.BuildCommand()
	if len(cmd.Args) != 2 || !strings.HasSuffix(cmd.Args[0], "sleep") || cmd.Args[1] != "1" {
		t.Fatalf("unexpected args: %v", cmd.Args)
	}
}

func TestBuildCommandMetacharsUseShell(t *testing.T) {
	s := Spec{Command: "echo hi > /tmp/out"}
	cmd := s.BuildCommand()
	if cmd.Args[0] != "/bin/sh" || cmd.Args[1] != "-c" {
		t.Fatalf("expected shell wrapping, got %v", cmd.Args)
	}
}

func TestBuildCommandExplicitShellNotDoubleWrapped(t *testing.T) {
	s := Spec{Command: "sh -c 'echo hi; sleep 0.1'"}
	cmd := s.BuildCommand()
	if cmd.Args[0] != "/bin/sh" || cmd.Args[1] != "-c" {
		t.Fatalf("expected normalized shell invocation, got %v", cmd.Args)
	}
	if cmd.Args[2] != "echo hi; sleep 0.1" {
		t.Fatalf("quotes not stripped: %q", cmd.Args[2])
	}
}

func TestBuildCommandEmpty(t *testing.T) {
	s := Spec{}
	cmd := s.BuildCommand()
	if cmd.Args[0] != "/bin/true" {
		t.Fatalf("empty command should yield /bin/true, got %v", cmd.Args)
	}
}

func TestRestartPolicyNormalized(t *testing.T) {
	p := RestartPolicy{}.Normalized()
	if p.Retries != DefaultRetries || p.Interval != DefaultInterval ||
		p.BackoffCap != DefaultBackoffCap || p.MaxRestarts != DefaultMaxRestarts ||
		p.Window != DefaultWindow {
		t.Fatalf("defaults not applied: %+v", p)
	}
	custom := RestartPolicy{Retries: 1, Interval: time.Second, BackoffCap: 2 * time.Second, MaxRestarts: 4, Window: time.Minute}
	if got := custom.Normalized(); got != custom {
		t.Fatalf("explicit values must be preserved: %+v", got)
	}
}
