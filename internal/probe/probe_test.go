package probe

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"testing"
	"time"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("probes require a Unix-like system")
	}
}

func TestNewValidation(t *testing.T) {
	cases := []struct {
		cfg     Config
		wantErr bool
		wantNil bool
	}{
		{Config{}, false, true},
		{Config{Type: "http", URL: "http://127.0.0.1/health"}, false, false},
		{Config{Type: "http"}, true, false},
		{Config{Type: "tcp", Addr: "127.0.0.1:1"}, false, false},
		{Config{Type: "tcp"}, true, false},
		{Config{Type: "command", Command: "true"}, false, false},
		{Config{Type: "command"}, true, false},
		{Config{Type: "pidfile", Path: "/run/x.pid"}, false, false},
		{Config{Type: "pidfile"}, true, false},
		{Config{Type: "bogus"}, true, false},
	}
	for _, c := range cases {
		p, err := New(c.cfg)
		if (err != nil) != c.wantErr {
			t.Fatalf("New(%+v) err=%v wantErr=%v", c.cfg, err, c.wantErr)
		}
		if err == nil && (p == nil) != c.wantNil {
			t.Fatalf("New(%+v) nil=%v wantNil=%v", c.cfg, p == nil, c.wantNil)
		}
	}
}

func TestHTTPProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ok" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := HTTP{URL: srv.URL + "/ok", Timeout: time.Second}
	if err := p.Check(context.Background()); err != nil {
		t.Fatalf("expected ready: %v", err)
	}
	p = HTTP{URL: srv.URL + "/down", Timeout: time.Second}
	if err := p.Check(context.Background()); err == nil {
		t.Fatal("expected 503 to fail the probe")
	}
}

func TestTCPProbe(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer func() { _ = ln.Close() }()

	p := TCP{Addr: ln.Addr().String(), Timeout: time.Second}
	if err := p.Check(context.Background()); err != nil {
		t.Fatalf("expected dialable: %v", err)
	}
	_ = ln.Close()
	if err := p.Check(context.Background()); err == nil {
		t.Fatal("expected closed listener to fail the probe")
	}
}

func TestCommandProbe(t *testing.T) {
	requireUnix(t)
	p := Command{Command: "true", Timeout: time.Second}
	if err := p.Check(context.Background()); err != nil {
		t.Fatalf("true should pass: %v", err)
	}
	p = Command{Command: "false", Timeout: time.Second}
	if err := p.Check(context.Background()); err == nil {
		t.Fatal("false should fail")
	}
}

func TestPIDFileProbe(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "self.pid")

	p := PIDFile{Path: path}
	if err := p.Check(context.Background()); err == nil {
		t.Fatal("missing pidfile should fail")
	}

	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o600); err != nil {
		t.Fatalf("write pidfile: %v", err)
	}
	if err := p.Check(context.Background()); err != nil {
		t.Fatalf("own pid should be alive: %v", err)
	}

	if err := os.WriteFile(path, []byte("garbage\n"), 0o600); err != nil {
		t.Fatalf("write pidfile: %v", err)
	}
	if err := p.Check(context.Background()); err == nil {
		t.Fatal("garbage pid should fail")
	}
}

func TestPIDFileProbeStartTimeGuard(t *testing.T) {
	requireUnix(t)
	if runtime.GOOS != "linux" {
		t.Skip("start-time guard is validated on /proc systems")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "guard.pid")
	// Record a start time that cannot match the live process.
	content := strconv.Itoa(os.Getpid()) + "\n" + `{"start_unix":1}` + "\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write pidfile: %v", err)
	}
	p := PIDFile{Path: path}
	if err := p.Check(context.Background()); err == nil {
		t.Fatal("mismatched start time should be treated as PID reuse")
	}
}
