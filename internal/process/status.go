package process

import "time"

// Status is an externally consumable snapshot of a managed process.
type Status struct {
	Name      string    `json:"name"`
	State     State     `json:"state"`
	Running   bool      `json:"running"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	StoppedAt time.Time `json:"stopped_at"`
	ExitCode  int       `json:"exit_code"`
	ExitError string    `json:"exit_error,omitempty"`
	Restarts  int       `json:"restarts"`
	// LastReady is the last time the readiness probe passed; zero when the
	// process has no probe or has never been ready.
	LastReady time.Time `json:"last_ready"`
}
