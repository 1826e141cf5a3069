package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/evreth/tandem/internal/env"
	"github.com/evreth/tandem/internal/history"
	"github.com/evreth/tandem/internal/metrics"
	"github.com/evreth/tandem/internal/probe"
	"github.com/evreth/tandem/internal/process"
	"github.com/evreth/tandem/internal/store"
)

// Config tunes supervisor-wide behavior. Zero values fall back to the
// defaults below.
type Config struct {
	// GracePeriod is how long a child gets between SIGTERM and SIGKILL
	// during shutdown.
	GracePeriod time.Duration
	// StalenessWindow bounds how old the last successful readiness probe
	// may be before a probed process counts as failing.
	StalenessWindow time.Duration
	// ProbeInterval is the cadence of the background readiness sweep.
	ProbeInterval time.Duration
	// HealthyResetAfter is the sustained uptime after which a process's
	// restart budget is forgiven.
	HealthyResetAfter time.Duration
	// StoreRetention, when positive, purges store rows whose last update
	// is older than this at startup. Zero keeps everything.
	StoreRetention time.Duration

	Store store.Store
	Sinks []history.Sink
}

var errNotRunningAtStartup = errors.New("not running at supervisor startup")

const (
	DefaultGracePeriod       = 10 * time.Second
	DefaultStalenessWindow   = 30 * time.Second
	DefaultProbeInterval     = 5 * time.Second
	DefaultHealthyResetAfter = 60 * time.Second
)

func (c Config) normalized() Config {
	if c.GracePeriod <= 0 {
		c.GracePeriod = DefaultGracePeriod
	}
	if c.StalenessWindow <= 0 {
		c.StalenessWindow = DefaultStalenessWindow
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = DefaultProbeInterval
	}
	if c.HealthyResetAfter <= 0 {
		c.HealthyResetAfter = DefaultHealthyResetAfter
	}
	return c
}

// CompositeHealth is the cached aggregate over all required processes.
// Readers get this snapshot; nothing is probed on the request path.
type CompositeHealth struct {
	Healthy   bool      `json:"healthy"`
	Failing   []string  `json:"failing,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// entry pairs a process with its probe and restart bookkeeping. The
// watcher goroutine owning the current run is the only writer of fails.
type entry struct {
	proc  *process.Process
	probe probe.Probe

	mu    sync.Mutex
	fails []time.Time // restart timestamps, pruned to the policy window
}

// Supervisor owns a fixed set of processes: it starts them in order,
// watches every run, applies the restart policy, and keeps a cached
// composite health snapshot up to date.
type Supervisor struct {
	mu      sync.RWMutex
	cfg     Config
	envM    *env.Env
	entries []*entry
	byName  map[string]*entry
	health  CompositeHealth

	shutdownCh chan struct{}
	shutdown   bool
	probeStop  chan struct{}
	wg         sync.WaitGroup
}

func New(cfg Config) *Supervisor {
	return &Supervisor{
		cfg:        cfg.normalized(),
		envM:       env.New(),
		byName:     make(map[string]*entry),
		shutdownCh: make(chan struct{}),
		probeStop:  make(chan struct{}),
	}
}

// SetGlobalEnv sets environment overrides applied to every child.
// kvs must be in the form "KEY=VALUE".
func (s *Supervisor) SetGlobalEnv(kvs []string) {
	s.envM.SetAll(kvs)
}

// Register adds specs to the supervised set. Must be called before Start.
func (s *Supervisor) Register(specs ...process.Spec) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sp := range specs {
		if sp.Name == "" {
			return fmt.Errorf("process spec requires a name")
		}
		if _, dup := s.byName[sp.Name]; dup {
			return fmt.Errorf("duplicate process name %q", sp.Name)
		}
		pr, err := probe.New(sp.Probe)
		if err != nil {
			return fmt.Errorf("process %q: %w", sp.Name, err)
		}
		e := &entry{proc: process.New(sp), probe: pr}
		s.entries = append(s.entries, e)
		s.byName[sp.Name] = e
	}
	sort.SliceStable(s.entries, func(i, j int) bool {
		return s.entries[i].proc.Spec().StartOrder < s.entries[j].proc.Spec().StartOrder
	})
	return nil
}

// Start launches all registered processes in start order. A process with
// WaitReady blocks the rest of the sequence until its probe passes or its
// start timeout elapses. The first hard failure aborts the sequence.
func (s *Supervisor) Start(ctx context.Context) error {
	if st := s.cfg.Store; st != nil {
		if err := st.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("store schema: %w", err)
		}
		s.reconcileStore(ctx, st)
	}
	s.mu.RLock()
	entries := append([]*entry(nil), s.entries...)
	s.mu.RUnlock()

	for _, e := range entries {
		if s.shuttingDown() {
			break
		}
		sp := e.proc.Spec()
		if err := s.startRun(e); err != nil {
			if process.IsEarlyExitErr(err) {
				// The watcher already owns recovery for this run.
				slog.Warn("Process exited during start window", "name", sp.Name, "error", err)
				continue
			}
			return fmt.Errorf("start %q: %w", sp.Name, err)
		}
		slog.Info("Process started", "name", sp.Name, "pid", e.proc.Snapshot().PID)
		if sp.WaitReady && e.probe != nil {
			if err := s.awaitReady(ctx, e, sp); err != nil {
				return err
			}
		}
	}
	s.refreshHealth()
	go s.probeLoop()
	return nil
}

// reconcileStore closes out rows a previous supervisor left marked running
// and applies the retention policy. Runs before any child is launched, so
// every running row it sees is stale by definition.
func (s *Supervisor) reconcileStore(ctx context.Context, st store.Store) {
	rows, err := st.GetRunning(ctx, "")
	if err != nil {
		slog.Warn("Stale run reconcile failed", "error", err)
	} else {
		for _, r := range rows {
			if err := st.RecordStop(ctx, r.Key(), time.Now().UTC(),
				errNotRunningAtStartup); err != nil {
				slog.Warn("Stale run close failed", "name", r.Name, "error", err)
			}
		}
		if len(rows) > 0 {
			slog.Info("Closed stale running records", "count", len(rows))
		}
	}
	if ret := s.cfg.StoreRetention; ret > 0 {
		n, err := st.PurgeOlderThan(ctx, time.Now().Add(-ret))
		if err != nil {
			slog.Warn("Store purge failed", "error", err)
		} else if n > 0 {
			slog.Info("Purged old store records", "count", n, "retention", ret)
		}
	}
}

// awaitReady polls the entry's probe until it passes or the start timeout
// elapses.
func (s *Supervisor) awaitReady(ctx context.Context, e *entry, sp process.Spec) error {
	timeout := sp.StartTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		lastErr = e.probe.Check(cctx)
		cancel()
		if lastErr == nil {
			e.proc.SetLastReady(time.Now())
			slog.Info("Process ready", "name", sp.Name, "probe", e.probe.Describe())
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
	return fmt.Errorf("process %q not ready within %s: %w", sp.Name, timeout, lastErr)
}

// Status returns snapshots for all processes, in start order.
func (s *Supervisor) Status() []process.Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]process.Status, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.proc.Snapshot())
	}
	return out
}

// StatusByName returns the snapshot for one process.
func (s *Supervisor) StatusByName(name string) (process.Status, bool) {
	s.mu.RLock()
	e, ok := s.byName[name]
	s.mu.RUnlock()
	if !ok {
		return process.Status{}, false
	}
	return e.proc.Snapshot(), true
}

// Health returns the cached composite health snapshot. It never probes.
func (s *Supervisor) Health() CompositeHealth {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h := s.health
	h.Failing = append([]string(nil), s.health.Failing...)
	return h
}

// Shutdown stops every process: SIGTERM to each process group, the grace
// period to comply, then SIGKILL. It waits for all watchers to finish so
// no child outlives the supervisor.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	close(s.shutdownCh)
	close(s.probeStop)
	entries := append([]*entry(nil), s.entries...)
	s.mu.Unlock()

	grace := s.cfg.GracePeriod
	var wg sync.WaitGroup
	for _, e := range entries {
		wg.Add(1)
		go func(e *entry) {
			defer wg.Done()
			name := e.proc.Spec().Name
			e.proc.SetStopRequested(true)
			timedOut, err := e.proc.Terminate(grace)
			if err != nil {
				slog.Warn("Terminate failed", "name", name, "error", err)
			}
			if timedOut {
				slog.Warn("Process exceeded grace period, killed", "name", name, "grace", grace)
			}
			e.proc.RemovePIDFile()
		}(e)
	}
	wg.Wait()

	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("Shutdown context expired before all watchers finished")
	}

	if st := s.cfg.Store; st != nil {
		if err := st.Close(); err != nil {
			slog.Warn("Store close failed", "error", err)
		}
	}
	s.refreshHealth()
	slog.Info("Supervisor shutdown complete")
	return nil
}

func (s *Supervisor) shuttingDown() bool {
	select {
	case <-s.shutdownCh:
		return true
	default:
		return false
	}
}

// probeLoop periodically runs readiness probes and refreshes the cached
// composite health. It also forgives the restart budget of processes that
// have stayed up long enough.
func (s *Supervisor) probeLoop() {
	t := time.NewTicker(s.cfg.ProbeInterval)
	defer t.Stop()
	for {
		select {
		case <-s.probeStop:
			return
		case <-t.C:
		}
		s.mu.RLock()
		entries := append([]*entry(nil), s.entries...)
		s.mu.RUnlock()
		now := time.Now()
		for _, e := range entries {
			st := e.proc.Snapshot()
			if e.proc.State() != process.StateRunning {
				continue
			}
			if e.probe != nil {
				ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ProbeInterval)
				err := e.probe.Check(ctx)
				cancel()
				if err == nil {
					e.proc.SetLastReady(now)
				} else {
					slog.Debug("Readiness probe failed", "name", st.Name, "error", err)
				}
			}
			if st.Restarts > 0 && now.Sub(st.StartedAt) >= s.cfg.HealthyResetAfter {
				e.proc.ResetRestarts()
				e.mu.Lock()
				e.fails = nil
				e.mu.Unlock()
				slog.Info("Restart budget reset after sustained uptime", "name", st.Name)
			}
		}
		s.refreshHealth()
	}
}

// refreshHealth recomputes the cached composite snapshot from current
// process state. A required process counts as failing when it is not
// running, or when its probe has not passed within the staleness window.
func (s *Supervisor) refreshHealth() {
	now := time.Now()
	s.mu.Lock()
	var failing []string
	for _, e := range s.entries {
		sp := e.proc.Spec()
		if !sp.Required {
			continue
		}
		if e.proc.State() != process.StateRunning {
			failing = append(failing, sp.Name)
			continue
		}
		if e.probe != nil {
			st := e.proc.Snapshot()
			ref := st.LastReady
			if ref.IsZero() {
				ref = st.StartedAt
			}
			if now.Sub(ref) > s.cfg.StalenessWindow {
				failing = append(failing, sp.Name)
			}
		}
	}
	s.health = CompositeHealth{
		Healthy:   len(failing) == 0,
		Failing:   failing,
		CheckedAt: now,
	}
	healthy := s.health.Healthy
	s.mu.Unlock()
	metrics.SetHealthy(healthy)
}
