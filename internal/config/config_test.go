package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/evreth/tandem/internal/process"
)

func TestLoadDefaults(t *testing.T) {
	s, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if s.ServicePort != DefaultServicePort {
		t.Fatalf("port = %d, want %d", s.ServicePort, DefaultServicePort)
	}
	if s.DataDir != DefaultDataDir {
		t.Fatalf("data dir = %q", s.DataDir)
	}
	if len(s.Specs) != 2 {
		t.Fatalf("expected 2 built-in specs, got %d", len(s.Specs))
	}
	if s.Specs[0].Name != WorkerName || s.Specs[1].Name != AppName {
		t.Fatalf("unexpected spec names: %s %s", s.Specs[0].Name, s.Specs[1].Name)
	}
	for _, sp := range s.Specs {
		if !sp.Required {
			t.Fatalf("built-in %q must be required", sp.Name)
		}
		if sp.Restart.MaxRestarts != process.DefaultMaxRestarts {
			t.Fatalf("restart policy not defaulted: %+v", sp.Restart)
		}
	}
	s.Finalize()
	if s.StoreDSN != filepath.Join(DefaultDataDir, "tandem.db") {
		t.Fatalf("store dsn = %q", s.StoreDSN)
	}
	if s.LogDir != filepath.Join(DefaultDataDir, "logs") {
		t.Fatalf("log dir = %q", s.LogDir)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("SERVICE_PORT", "8080")
	t.Setenv("DATA_DIR", "/tmp/tandem-test-data")
	t.Setenv("TANDEM_APP_COMMAND", "sleep 100")
	t.Setenv("TANDEM_WORKER_COMMAND", "sleep 200")
	t.Setenv("TANDEM_GRACE_PERIOD", "3s")
	t.Setenv("TANDEM_MAX_RESTARTS", "7")

	s, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if s.ServicePort != 8080 {
		t.Fatalf("port = %d", s.ServicePort)
	}
	if s.DataDir != "/tmp/tandem-test-data" {
		t.Fatalf("data dir = %q", s.DataDir)
	}
	if s.GracePeriod != 3*time.Second {
		t.Fatalf("grace = %v", s.GracePeriod)
	}
	byName := map[string]process.Spec{}
	for _, sp := range s.Specs {
		byName[sp.Name] = sp
	}
	if byName[AppName].Command != "sleep 100" || byName[WorkerName].Command != "sleep 200" {
		t.Fatalf("command overrides not applied: %+v", byName)
	}
	if byName[AppName].Restart.MaxRestarts != 7 {
		t.Fatalf("max restarts = %d", byName[AppName].Restart.MaxRestarts)
	}
	// Children must see the resolved port and data dir.
	s.Finalize()
	wantPort, wantDir := false, false
	for _, kv := range s.GlobalEnv {
		if kv == "SERVICE_PORT=8080" {
			wantPort = true
		}
		if kv == "DATA_DIR=/tmp/tandem-test-data" {
			wantDir = true
		}
	}
	if !wantPort || !wantDir {
		t.Fatalf("global env incomplete: %v", s.GlobalEnv)
	}
}

func TestLoadFileScalars(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tandem.toml")
	toml := `
service_port = 3200
data_dir = "` + dir + `/state"
staleness_window = "45s"
max_restarts = 4
store_retention = "72h"
`
	if err := os.WriteFile(path, []byte(toml), 0o600); err != nil {
		t.Fatalf("write toml: %v", err)
	}

	s, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if s.ServicePort != 3200 {
		t.Fatalf("port = %d, want 3200 from file", s.ServicePort)
	}
	if s.DataDir != dir+"/state" {
		t.Fatalf("data dir = %q", s.DataDir)
	}
	if s.StalenessWindow != 45*time.Second {
		t.Fatalf("staleness = %v", s.StalenessWindow)
	}
	if s.StoreRetention != 72*time.Hour {
		t.Fatalf("retention = %v", s.StoreRetention)
	}
	if s.Specs[0].Restart.MaxRestarts != 4 {
		t.Fatalf("max restarts = %d", s.Specs[0].Restart.MaxRestarts)
	}
	s.Finalize()
	if s.StoreDSN != filepath.Join(dir+"/state", "tandem.db") {
		t.Fatalf("store dsn = %q", s.StoreDSN)
	}

	// Environment still wins over the file.
	t.Setenv("SERVICE_PORT", "3300")
	s2, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if s2.ServicePort != 3300 {
		t.Fatalf("port = %d, want env 3300 over file 3200", s2.ServicePort)
	}
}

func TestFinalizeFollowsOverrides(t *testing.T) {
	s, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	// Flag-style overrides land between Load and Finalize.
	s.DataDir = "/srv/tandem"
	s.ServicePort = 4100
	s.Finalize()
	if s.StoreDSN != filepath.Join("/srv/tandem", "tandem.db") {
		t.Fatalf("store dsn = %q, did not follow data dir", s.StoreDSN)
	}
	if s.LogDir != filepath.Join("/srv/tandem", "logs") {
		t.Fatalf("log dir = %q", s.LogDir)
	}
	wantPort, wantDir := false, false
	for _, kv := range s.GlobalEnv {
		if kv == "SERVICE_PORT=4100" {
			wantPort = true
		}
		if kv == "DATA_DIR=/srv/tandem" {
			wantDir = true
		}
	}
	if !wantPort || !wantDir {
		t.Fatalf("global env incomplete: %v", s.GlobalEnv)
	}
	for _, sp := range s.Specs {
		if sp.Log.Dir != s.LogDir {
			t.Fatalf("spec %q log dir = %q, want %q", sp.Name, sp.Log.Dir, s.LogDir)
		}
	}
	// Finalize is idempotent.
	before := len(s.GlobalEnv)
	s.Finalize()
	if len(s.GlobalEnv) != before {
		t.Fatalf("second Finalize mutated env: %v", s.GlobalEnv)
	}
}

func TestLoadTOMLProcesses(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tandem.toml")
	toml := `
env = ["SHARED=1"]

[log]
dir = "` + dir + `/logs"

[store]
dsn = "sqlite://:memory:"

[[processes]]
name = "svc"
command = "sleep 5"
start_order = 1
wait_ready = true
start_timeout = "10s"

[processes.probe]
type = "tcp"
addr = "127.0.0.1:9999"

[processes.restart]
retries = 5
max_restarts = 2
window = "1m"

[[processes]]
name = "helper"
command = "sleep 5"
required = false
start_order = 2
`
	if err := os.WriteFile(path, []byte(toml), 0o600); err != nil {
		t.Fatalf("write toml: %v", err)
	}

	s, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(s.Specs) != 2 {
		t.Fatalf("expected 2 specs, got %d", len(s.Specs))
	}
	svc := s.Specs[0]
	if svc.Name != "svc" || !svc.WaitReady || svc.StartTimeout != 10*time.Second {
		t.Fatalf("svc spec wrong: %+v", svc)
	}
	if svc.Probe.Type != "tcp" || svc.Probe.Addr != "127.0.0.1:9999" {
		t.Fatalf("probe not parsed: %+v", svc.Probe)
	}
	if svc.Restart.Retries != 5 || svc.Restart.MaxRestarts != 2 {
		t.Fatalf("restart not parsed: %+v", svc.Restart)
	}
	if !svc.Required {
		t.Fatal("required should default to true")
	}
	if s.Specs[1].Required {
		t.Fatal("helper should be optional")
	}
	if s.StoreDSN != "sqlite://:memory:" {
		t.Fatalf("store dsn = %q", s.StoreDSN)
	}
	found := false
	for _, kv := range s.GlobalEnv {
		if kv == "SHARED=1" {
			found = true
		}
	}
	if !found {
		t.Fatalf("file env missing: %v", s.GlobalEnv)
	}
}

func TestLoadTOMLRejectsInvalidProbe(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.toml")
	toml := `
[[processes]]
name = "svc"
command = "sleep 5"

[processes.probe]
type = "http"
`
	if err := os.WriteFile(path, []byte(toml), 0o600); err != nil {
		t.Fatalf("write toml: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for http probe without url")
	}
}

func TestValidate(t *testing.T) {
	dir := t.TempDir()
	ok := &Settings{
		ServicePort: 3000,
		DataDir:     filepath.Join(dir, "data"),
		Specs: []process.Spec{
			{Name: "a", Command: "sleep 1"},
			{Name: "b", Command: "/bin/sh -c 'echo hi'"},
		},
	}
	if err := ok.Validate(); err != nil {
		t.Fatalf("valid settings rejected: %v", err)
	}
	if _, err := os.Stat(ok.DataDir); err != nil {
		t.Fatalf("data dir not created: %v", err)
	}

	bad := *ok
	bad.ServicePort = 0
	if err := bad.Validate(); err == nil {
		t.Fatal("expected port error")
	}

	bad = *ok
	bad.Specs = []process.Spec{{Name: "x", Command: "definitely-not-a-real-binary-xyz"}}
	if err := bad.Validate(); err == nil {
		t.Fatal("expected executable lookup error")
	}

	bad = *ok
	bad.Specs = nil
	if err := bad.Validate(); err == nil {
		t.Fatal("expected no-processes error")
	}

	// A file at the data dir path fails the writable-dir check.
	filePath := filepath.Join(dir, "occupied")
	if err := os.WriteFile(filePath, []byte("x"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	bad = *ok
	bad.DataDir = filePath
	if err := bad.Validate(); err == nil {
		t.Fatal("expected data dir error")
	}
}
