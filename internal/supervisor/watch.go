package supervisor

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/evreth/tandem/internal/history"
	"github.com/evreth/tandem/internal/metrics"
	"github.com/evreth/tandem/internal/process"
	"github.com/evreth/tandem/internal/store"
)

// startRun launches one run of the entry's process and hands it to a
// fresh watcher goroutine. An early-exit error means the child died
// before its start window elapsed; recovery then belongs to the watcher.
func (s *Supervisor) startRun(e *entry) error {
	sp := e.proc.Spec()
	e.proc.SetState(process.StateStarting)
	cmd := e.proc.ConfigureCmd(s.envM.Merge(sp.Env))
	if err := e.proc.TryStart(cmd); err != nil {
		return err
	}
	metrics.IncStart(sp.Name)
	s.recordStart(e.proc)

	s.wg.Add(1)
	go s.watch(e)

	// Shutdown may have swept the entries while this child was being
	// launched; such a child would otherwise outlive the supervisor.
	if s.shuttingDown() {
		e.proc.SetStopRequested(true)
		e.proc.Kill()
		return nil
	}

	if err := e.proc.EnforceStartDuration(sp.StartDuration); err != nil {
		return err
	}
	e.proc.SetState(process.StateRunning)
	s.recordState(e.proc)
	return nil
}

// watch owns exactly one run: it reaps the child, classifies the exit,
// and drives the restart policy when the exit was a crash.
func (s *Supervisor) watch(e *entry) {
	defer s.wg.Done()

	err := e.proc.Reap()
	st := e.proc.Snapshot()
	sp := e.proc.Spec()
	metrics.IncStop(sp.Name)
	s.recordStop(e.proc, err)

	if s.shuttingDown() || e.proc.StopRequested() {
		e.proc.SetState(process.StateStopped)
		s.recordState(e.proc)
		s.refreshHealth()
		return
	}

	if err == nil {
		// Voluntary clean exit: no restart, but a required process
		// leaving parks the composite health unhealthy.
		slog.Info("Process exited cleanly", "name", sp.Name, "pid", st.PID)
		e.proc.SetState(process.StateStopped)
		s.recordState(e.proc)
		s.refreshHealth()
		return
	}

	slog.Warn("Process failed", "name", sp.Name, "pid", st.PID,
		"exit_code", st.ExitCode, "error", st.ExitError)
	e.proc.SetState(process.StateFailed)
	s.recordState(e.proc)
	s.refreshHealth()
	s.scheduleRestart(e)
}

// scheduleRestart applies the restart policy: immediate retries first,
// then exponential backoff from Interval capped at BackoffCap. More than
// MaxRestarts failures inside Window parks the process permanently.
func (s *Supervisor) scheduleRestart(e *entry) {
	pol := e.proc.Spec().Restart.Normalized()
	name := e.proc.Spec().Name
	for {
		now := time.Now()
		e.mu.Lock()
		kept := e.fails[:0]
		for _, t := range e.fails {
			if now.Sub(t) <= pol.Window {
				kept = append(kept, t)
			}
		}
		e.fails = append(kept, now)
		windowCount := len(e.fails)
		e.mu.Unlock()

		if windowCount > pol.MaxRestarts {
			slog.Error("Restart budget exhausted, giving up",
				"name", name, "failures", windowCount, "window", pol.Window)
			e.proc.SetState(process.StateStopped)
			s.recordState(e.proc)
			s.refreshHealth()
			return
		}

		attempt := e.proc.IncRestarts()
		metrics.IncRestart(name)
		if !e.proc.SetState(process.StateRestarting) {
			return
		}
		s.recordState(e.proc)
		delay := restartDelay(pol, attempt)
		if delay > 0 {
			slog.Info("Restarting with backoff", "name", name, "attempt", attempt, "delay", delay)
		} else {
			slog.Info("Restarting", "name", name, "attempt", attempt)
		}
		select {
		case <-s.shutdownCh:
			e.proc.SetState(process.StateStopped)
			return
		case <-time.After(delay):
		}

		err := s.startRun(e)
		if err == nil || process.IsEarlyExitErr(err) {
			// A new watcher owns the run now, including its early death.
			return
		}
		slog.Warn("Restart attempt failed to launch", "name", name, "error", err)
		e.proc.SetState(process.StateFailed)
	}
}

// restartDelay returns 0 for the first Retries attempts, then doubles
// from Interval up to BackoffCap.
func restartDelay(pol process.RestartPolicy, attempt int) time.Duration {
	if attempt <= pol.Retries {
		return 0
	}
	d := pol.Interval << uint(attempt-pol.Retries-1)
	if d <= 0 || d > pol.BackoffCap {
		return pol.BackoffCap
	}
	return d
}

func (s *Supervisor) recordStart(p *process.Process) {
	st := s.cfg.Store
	sinks := s.cfg.Sinks
	if st == nil && len(sinks) == 0 {
		return
	}
	rs := p.Snapshot()
	rec := store.Record{
		Name:      rs.Name,
		PID:       rs.PID,
		State:     rs.State.String(),
		StartedAt: rs.StartedAt,
		Running:   true,
	}
	if st != nil {
		if err := st.RecordStart(context.Background(), rec); err != nil {
			slog.Warn("Store record start failed", "name", rs.Name, "error", err)
		}
	}
	evt := history.Event{Type: history.EventStart, OccurredAt: time.Now().UTC(), Record: rec}
	for _, sink := range sinks {
		if err := sink.Send(context.Background(), evt); err != nil {
			slog.Warn("History sink send failed", "name", rs.Name, "error", err)
		}
	}
}

// recordState mirrors a state transition into the store row for the
// current run and emits a state event to the history sinks.
func (s *Supervisor) recordState(p *process.Process) {
	st := s.cfg.Store
	sinks := s.cfg.Sinks
	if st == nil && len(sinks) == 0 {
		return
	}
	rs := p.Snapshot()
	rec := store.Record{
		Name:      rs.Name,
		PID:       rs.PID,
		State:     rs.State.String(),
		StartedAt: rs.StartedAt,
		Running:   rs.State == process.StateRunning,
		Uniq:      store.UniqueKey(rs.PID, rs.StartedAt),
	}
	if !rs.StoppedAt.IsZero() {
		rec.StoppedAt = sql.NullTime{Time: rs.StoppedAt, Valid: true}
	}
	if st != nil {
		if err := st.UpsertStatus(context.Background(), rec); err != nil {
			slog.Warn("Store state update failed", "name", rs.Name, "error", err)
		}
	}
	evt := history.Event{Type: history.EventState, OccurredAt: time.Now().UTC(), Record: rec}
	for _, sink := range sinks {
		if err := sink.Send(context.Background(), evt); err != nil {
			slog.Warn("History sink send failed", "name", rs.Name, "error", err)
		}
	}
}

func (s *Supervisor) recordStop(p *process.Process, exitErr error) {
	st := s.cfg.Store
	sinks := s.cfg.Sinks
	if st == nil && len(sinks) == 0 {
		return
	}
	rs := p.Snapshot()
	uniq := store.UniqueKey(rs.PID, rs.StartedAt)
	if st != nil {
		if err := st.RecordStop(context.Background(), uniq, rs.StoppedAt, exitErr); err != nil {
			slog.Warn("Store record stop failed", "name", rs.Name, "error", err)
		}
	}
	if len(sinks) == 0 {
		return
	}
	rec := store.Record{
		Name:      rs.Name,
		PID:       rs.PID,
		State:     rs.State.String(),
		StartedAt: rs.StartedAt,
		StoppedAt: sql.NullTime{Time: rs.StoppedAt, Valid: !rs.StoppedAt.IsZero()},
		Running:   false,
		Uniq:      uniq,
	}
	if exitErr != nil {
		rec.ExitErr = sql.NullString{String: exitErr.Error(), Valid: true}
	}
	evt := history.Event{Type: history.EventStop, OccurredAt: time.Now().UTC(), Record: rec}
	for _, sink := range sinks {
		if err := sink.Send(context.Background(), evt); err != nil {
			slog.Warn("History sink send failed", "name", rs.Name, "error", err)
		}
	}
}
