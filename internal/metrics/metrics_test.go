package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestRegisterIsIdempotent(t *testing.T) {
	r := prometheus.NewRegistry()
	if err := Register(r); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if err := Register(r); err != nil {
		t.Fatalf("second Register: %v", err)
	}
}

func TestHelpersDoNotPanic(t *testing.T) {
	// Helpers must be safe both before and after registration.
	IncStart("app")
	IncRestart("app")
	IncStop("app")
	RecordStateTransition("app", "starting", "running")
	SetCurrentState("app", "running", true)
	SetHealthy(true)
	ObserveHealthCheckDuration(0.001)

	r := prometheus.NewRegistry()
	if err := Register(r); err != nil {
		t.Fatalf("Register: %v", err)
	}
	IncStart("worker")
	SetHealthy(false)
	ObserveHealthCheckDuration(0.002)

	// Register gates on a package-level flag, so this registry may or may
	// not hold the collectors depending on test order; Gather must not error.
	if _, err := r.Gather(); err != nil {
		t.Fatalf("Gather: %v", err)
	}
}
