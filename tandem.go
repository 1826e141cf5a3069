package tandem

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	cfg "github.com/evreth/tandem/internal/config"
	"github.com/evreth/tandem/internal/history"
	"github.com/evreth/tandem/internal/metrics"
	"github.com/evreth/tandem/internal/process"
	iapi "github.com/evreth/tandem/internal/server"
	"github.com/evreth/tandem/internal/store"
	"github.com/evreth/tandem/internal/supervisor"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Spec = process.Spec

type Status = process.Status

type State = process.State

type RestartPolicy = process.RestartPolicy

type CompositeHealth = supervisor.CompositeHealth

type Settings = cfg.Settings

type HistorySink = history.Sink

type Store = store.Store

// Supervisor is a thin facade over internal/supervisor.Supervisor,
// providing a stable public API for embedding.
type Supervisor struct{ inner *supervisor.Supervisor }

// Options tunes an embedded supervisor; zero values use the defaults.
type Options struct {
	GracePeriod     time.Duration
	StalenessWindow time.Duration
	ProbeInterval   time.Duration
	StoreRetention  time.Duration
	Store           Store
	Sinks           []HistorySink
}

func New(opts Options) *Supervisor {
	return &Supervisor{inner: supervisor.New(supervisor.Config{
		GracePeriod:     opts.GracePeriod,
		StalenessWindow: opts.StalenessWindow,
		ProbeInterval:   opts.ProbeInterval,
		StoreRetention:  opts.StoreRetention,
		Store:           opts.Store,
		Sinks:           opts.Sinks,
	})}
}

func (s *Supervisor) SetGlobalEnv(kvs []string) { s.inner.SetGlobalEnv(kvs) }

func (s *Supervisor) Register(specs ...Spec) error { return s.inner.Register(specs...) }

func (s *Supervisor) Start(ctx context.Context) error { return s.inner.Start(ctx) }

func (s *Supervisor) Shutdown(ctx context.Context) error { return s.inner.Shutdown(ctx) }

func (s *Supervisor) Status() []Status { return s.inner.Status() }

func (s *Supervisor) StatusByName(n string) (Status, bool) { return s.inner.StatusByName(n) }

func (s *Supervisor) Health() CompositeHealth { return s.inner.Health() }

// LoadConfig resolves the launch plan from environment plus optional TOML.
func LoadConfig(path string) (*Settings, error) { return cfg.Load(path) }

// NewHTTPServer starts an HTTP server exposing health, status, history and
// metrics for the given supervisor. hist may be nil.
func NewHTTPServer(addr, basePath string, s *Supervisor, hist *history.SQLSink) *http.Server {
	return iapi.NewServer(addr, basePath, s.inner, hist)
}

// NewHTTPHandler returns the router as a mountable http.Handler.
func NewHTTPHandler(basePath string, s *Supervisor, hist *history.SQLSink) http.Handler {
	return iapi.NewRouter(s.inner, hist, basePath).Handler()
}

// NewHistorySink builds a lifecycle event sink from a DSN (sqlite path,
// postgres:// or clickhouse://).
func NewSQLHistorySink(dsn string) (*history.SQLSink, error) {
	return history.NewSQLSinkFromDSN(dsn)
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error { return metrics.Register(prometheus.DefaultRegisterer) }
