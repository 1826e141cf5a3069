package tandem

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func requireUnix(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like environment")
	}
}

func TestSupervisorFacadeLifecycle(t *testing.T) {
	requireUnix(t)
	sup := New(Options{GracePeriod: 2 * time.Second})
	err := sup.Register(
		Spec{Name: "fa-worker", Command: "sleep 5", StartOrder: 1, Required: true, StartDuration: 20 * time.Millisecond},
		Spec{Name: "fa-app", Command: "sleep 5", StartOrder: 2, Required: true, StartDuration: 20 * time.Millisecond},
	)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	ctx := context.Background()
	if err := sup.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		_ = sup.Shutdown(shutdownCtx)
	}()

	st, ok := sup.StatusByName("fa-app")
	if !ok || st.PID == 0 {
		t.Fatalf("unexpected status: %+v ok=%v", st, ok)
	}
	if got := len(sup.Status()); got != 2 {
		t.Fatalf("expected 2 statuses, got %d", got)
	}
	h := sup.Health()
	if !h.Healthy || len(h.Failing) != 0 {
		t.Fatalf("expected healthy composite, got %+v", h)
	}
}

func TestConfigHelpers(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	cfg := `
service_port = 3200

[[processes]]
name = "c-app"
command = "sleep 0.1"

[[processes]]
name = "c-worker"
command = "sleep 0.1"
start_order = 1
`
	p := filepath.Join(dir, "cfg.toml")
	if err := os.WriteFile(p, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}
	settings, err := LoadConfig(p)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if settings.ServicePort != 3200 {
		t.Fatalf("port: %d", settings.ServicePort)
	}
	if len(settings.Specs) != 2 {
		t.Fatalf("specs: len=%d", len(settings.Specs))
	}
}

func TestHTTPHandlerFacade(t *testing.T) {
	requireUnix(t)
	sup := New(Options{GracePeriod: time.Second})
	if err := sup.Register(Spec{Name: "fh", Command: "sleep 5", Required: true, StartDuration: 20 * time.Millisecond}); err != nil {
		t.Fatalf("register: %v", err)
	}
	ctx := context.Background()
	if err := sup.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		_ = sup.Shutdown(shutdownCtx)
	}()

	h := NewHTTPHandler("", sup, nil)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("health status %d body=%s", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), "healthy") {
		t.Fatalf("unexpected health body: %s", rr.Body.String())
	}
}

func TestMetricsHelpers(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := RegisterMetrics(reg); err != nil {
		t.Fatalf("RegisterMetrics: %v", err)
	}
	if err := RegisterMetricsDefault(); err != nil {
		t.Fatalf("RegisterMetricsDefault: %v", err)
	}
}

func TestHistorySinkFacade(t *testing.T) {
	sink, err := NewSQLHistorySink(":memory:")
	if err != nil {
		t.Fatalf("NewSQLHistorySink: %v", err)
	}
	defer func() { _ = sink.Close() }()
	events, err := sink.Recent(context.Background(), "", 5)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected no events, got %d", len(events))
	}
}
