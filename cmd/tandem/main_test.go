package main

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"testing"
	"time"
)

func TestHelpExitsZero(t *testing.T) {
	cmd := exec.Command("go", "run", ".", "--help")
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("help should succeed: %v, out=%s", err, out)
	}
	if !strings.Contains(string(out), "tandem") {
		t.Fatalf("unexpected help output: %s", out)
	}
}

func TestInvalidConfigFailsFast(t *testing.T) {
	dir := t.TempDir()
	cfg := filepath.Join(dir, "tandem.toml")
	content := "[[processes]]\nname = \"app\"\ncommand = \"/no/such/binary\"\n"
	if err := os.WriteFile(cfg, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	cmd := exec.Command("go", "run", ".", "--config", cfg, "--data-dir", dir)
	out, err := cmd.CombinedOutput()
	if err == nil {
		t.Fatalf("expected non-zero exit, out=%s", out)
	}
	if !strings.Contains(string(out), "configuration") {
		t.Fatalf("expected configuration error, out=%s", out)
	}
}

func TestRunServesHealthAndExitsZeroOnSignal(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix signals")
	}
	dir := t.TempDir()
	port := freePort(t)
	cfg := filepath.Join(dir, "tandem.toml")
	content := `
[[processes]]
name = "app"
command = "sleep 60"

[[processes]]
name = "nlp-worker"
command = "sleep 60"
`
	if err := os.WriteFile(cfg, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cmd := exec.Command("go", "run", ".",
		"--config", cfg, "--data-dir", dir, "--port", fmt.Sprint(port))
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	defer func() {
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}()

	url := fmt.Sprintf("http://127.0.0.1:%d/health", port)
	deadline := time.Now().Add(20 * time.Second)
	var body struct {
		Status string `json:"status"`
	}
	for {
		if time.Now().After(deadline) {
			t.Fatal("health endpoint never became healthy")
		}
		resp, err := http.Get(url)
		if err == nil {
			dec := json.NewDecoder(resp.Body)
			decErr := dec.Decode(&body)
			_ = resp.Body.Close()
			if decErr == nil && resp.StatusCode == http.StatusOK && body.Status == "healthy" {
				break
			}
		}
		time.Sleep(200 * time.Millisecond)
	}

	// SIGTERM the whole group; `go run` forwards to the child build.
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM); err != nil {
		t.Fatalf("signal: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected exit 0 after SIGTERM, got %v", err)
		}
	case <-time.After(30 * time.Second):
		t.Fatal("shutdown timed out")
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = l.Close() }()
	return l.Addr().(*net.TCPAddr).Port
}
