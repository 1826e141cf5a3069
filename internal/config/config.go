package config

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/evreth/tandem/internal/logger"
	"github.com/evreth/tandem/internal/probe"
	"github.com/evreth/tandem/internal/process"
	"github.com/evreth/tandem/internal/supervisor"
)

// Built-in managed processes. The worker starts first so the primary
// service can lean on it being up, but neither blocks on the other's
// readiness unless wait_ready is configured.
const (
	AppName    = "app"
	WorkerName = "nlp-worker"

	DefaultServicePort   = 3000
	DefaultDataDir       = "data"
	DefaultAppCommand    = "node server.js"
	DefaultWorkerCommand = "python3 -m worker"
)

// Settings is the fully-resolved launch plan. Resolution is deterministic:
// the same environment and config file always produce the same Settings.
// LogDir, StoreDSN and the children's SERVICE_PORT/DATA_DIR env entries are
// derived from DataDir by Finalize, so callers may override DataDir or
// ServicePort (flags) between Load and Validate.
type Settings struct {
	ServicePort     int
	DataDir         string
	LogDir          string
	LogLevel        string
	StoreDSN        string
	HistoryDSN      string
	StoreRetention  time.Duration
	GracePeriod     time.Duration
	StalenessWindow time.Duration
	GlobalEnv       []string
	Specs           []process.Spec

	finalized bool
}

// FileConfig is the top-level TOML structure.
type FileConfig struct {
	Env       []string     `toml:"env" mapstructure:"env"`
	Log       *LogConfig   `toml:"log" mapstructure:"log"`
	Store     *StoreConfig `toml:"store" mapstructure:"store"`
	History   *StoreConfig `toml:"history" mapstructure:"history"`
	Processes []ProcConfig `toml:"processes" mapstructure:"processes"`
}

type LogConfig struct {
	Dir        string `toml:"dir" mapstructure:"dir"`
	Level      string `toml:"level" mapstructure:"level"`
	Stdout     string `toml:"stdout" mapstructure:"stdout"`
	Stderr     string `toml:"stderr" mapstructure:"stderr"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
}

type StoreConfig struct {
	DSN string `toml:"dsn" mapstructure:"dsn"`
}

type ProcConfig struct {
	Name          string        `toml:"name" mapstructure:"name"`
	Command       string        `toml:"command" mapstructure:"command"`
	WorkDir       string        `toml:"workdir" mapstructure:"workdir"`
	Env           []string      `toml:"env" mapstructure:"env"`
	PIDFile       string        `toml:"pidfile" mapstructure:"pidfile"`
	Required      *bool         `toml:"required" mapstructure:"required"`
	StartOrder    int           `toml:"start_order" mapstructure:"start_order"`
	WaitReady     bool          `toml:"wait_ready" mapstructure:"wait_ready"`
	StartTimeout  time.Duration `toml:"start_timeout" mapstructure:"start_timeout"`
	StartDuration time.Duration `toml:"startsecs" mapstructure:"startsecs"`

	Restart *RestartConfig `toml:"restart" mapstructure:"restart"`
	Probe   *ProbeConfig   `toml:"probe" mapstructure:"probe"`
	Log     *LogConfig     `toml:"log" mapstructure:"log"`
}

type RestartConfig struct {
	Retries     int           `toml:"retries" mapstructure:"retries"`
	Interval    time.Duration `toml:"interval" mapstructure:"interval"`
	BackoffCap  time.Duration `toml:"backoff_cap" mapstructure:"backoff_cap"`
	MaxRestarts int           `toml:"max_restarts" mapstructure:"max_restarts"`
	Window      time.Duration `toml:"window" mapstructure:"window"`
}

type ProbeConfig struct {
	Type    string        `toml:"type" mapstructure:"type"`
	URL     string        `toml:"url" mapstructure:"url"`
	Addr    string        `toml:"addr" mapstructure:"addr"`
	Command string        `toml:"command" mapstructure:"command"`
	Path    string        `toml:"path" mapstructure:"path"`
	Timeout time.Duration `toml:"timeout" mapstructure:"timeout"`
}

// newViper builds the env-bound viper instance. SERVICE_PORT and DATA_DIR
// are honored unprefixed for container compatibility; everything else uses
// the TANDEM_ prefix.
func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("TANDEM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("service_port", "TANDEM_SERVICE_PORT", "SERVICE_PORT")
	_ = v.BindEnv("data_dir", "TANDEM_DATA_DIR", "DATA_DIR")

	v.SetDefault("service_port", DefaultServicePort)
	v.SetDefault("data_dir", DefaultDataDir)
	v.SetDefault("app_command", DefaultAppCommand)
	v.SetDefault("worker_command", DefaultWorkerCommand)
	v.SetDefault("grace_period", supervisor.DefaultGracePeriod)
	v.SetDefault("staleness_window", supervisor.DefaultStalenessWindow)
	v.SetDefault("max_restarts", process.DefaultMaxRestarts)
	v.SetDefault("restart_window", process.DefaultWindow)
	v.SetDefault("backoff_cap", process.DefaultBackoffCap)
	v.SetDefault("store_retention", time.Duration(0))
	v.SetDefault("log_level", "info")
	return v
}

// Load resolves the launch plan from the environment plus an optional TOML
// file. configPath overrides TANDEM_CONFIG when non-empty. The file is read
// into the same viper instance as the env bindings, so precedence is
// defaults < file < environment; flags are applied by the caller afterwards
// and take effect through Finalize.
func Load(configPath string) (*Settings, error) {
	v := newViper()
	if configPath == "" {
		configPath = v.GetString("config")
	}

	var fc FileConfig
	if configPath != "" {
		v.SetConfigFile(filepath.Clean(configPath))
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configPath, err)
		}
		if err := v.Unmarshal(&fc); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", configPath, err)
		}
	}

	s := &Settings{
		ServicePort:     v.GetInt("service_port"),
		DataDir:         v.GetString("data_dir"),
		LogLevel:        v.GetString("log_level"),
		StoreDSN:        v.GetString("store_dsn"),
		HistoryDSN:      v.GetString("history_dsn"),
		StoreRetention:  v.GetDuration("store_retention"),
		GracePeriod:     v.GetDuration("grace_period"),
		StalenessWindow: v.GetDuration("staleness_window"),
	}

	policy := process.RestartPolicy{
		MaxRestarts: v.GetInt("max_restarts"),
		Window:      v.GetDuration("restart_window"),
		BackoffCap:  v.GetDuration("backoff_cap"),
	}.Normalized()

	var topLog LogConfig
	if fc.Log != nil {
		topLog = *fc.Log
		if topLog.Level != "" {
			s.LogLevel = topLog.Level
		}
	}
	// topLog.Dir stays empty when the file does not set it; Finalize fills
	// it in from the final DataDir.
	s.LogDir = topLog.Dir

	if s.StoreDSN == "" && fc.Store != nil {
		s.StoreDSN = fc.Store.DSN
	}
	if s.HistoryDSN == "" && fc.History != nil {
		s.HistoryDSN = fc.History.DSN
	}

	s.GlobalEnv = append(s.GlobalEnv, fc.Env...)

	if len(fc.Processes) > 0 {
		for _, pc := range fc.Processes {
			sp, err := pc.toSpec(topLog, policy)
			if err != nil {
				return nil, err
			}
			s.Specs = append(s.Specs, sp)
		}
	} else {
		s.Specs = builtinSpecs(v, topLog, policy)
	}

	// Explicit env command overrides win over file-defined commands for
	// the built-in names.
	applyCommandOverride(s.Specs, WorkerName, os.Getenv("TANDEM_WORKER_COMMAND"))
	applyCommandOverride(s.Specs, AppName, os.Getenv("TANDEM_APP_COMMAND"))

	return s, nil
}

// builtinSpecs is the default two-runtime plan: the worker first, then the
// primary service. Both are required for composite health.
func builtinSpecs(v *viper.Viper, topLog LogConfig, policy process.RestartPolicy) []process.Spec {
	logCfg := topLog.toLogger()
	return []process.Spec{
		{
			Name:       WorkerName,
			Command:    v.GetString("worker_command"),
			Required:   true,
			StartOrder: 1,
			Restart:    policy,
			Log:        logCfg,
		},
		{
			Name:       AppName,
			Command:    v.GetString("app_command"),
			Required:   true,
			StartOrder: 2,
			Restart:    policy,
			Log:        logCfg,
		},
	}
}

func applyCommandOverride(specs []process.Spec, name, command string) {
	if command == "" {
		return
	}
	for i := range specs {
		if specs[i].Name == name {
			specs[i].Command = command
		}
	}
}

func (lc LogConfig) toLogger() logger.Config {
	return logger.Config{
		Dir:        lc.Dir,
		StdoutPath: lc.Stdout,
		StderrPath: lc.Stderr,
		MaxSizeMB:  lc.MaxSizeMB,
		MaxBackups: lc.MaxBackups,
		MaxAgeDays: lc.MaxAgeDays,
		Compress:   lc.Compress,
	}
}

func (pc ProcConfig) toSpec(topLog LogConfig, policy process.RestartPolicy) (process.Spec, error) {
	if pc.Name == "" {
		return process.Spec{}, fmt.Errorf("process requires a name")
	}
	if pc.Command == "" {
		return process.Spec{}, fmt.Errorf("process %q requires a command", pc.Name)
	}

	logCfg := topLog
	if pc.Log != nil {
		if pc.Log.Dir != "" {
			logCfg.Dir = pc.Log.Dir
		}
		if pc.Log.Stdout != "" {
			logCfg.Stdout = pc.Log.Stdout
		}
		if pc.Log.Stderr != "" {
			logCfg.Stderr = pc.Log.Stderr
		}
		if pc.Log.MaxSizeMB != 0 {
			logCfg.MaxSizeMB = pc.Log.MaxSizeMB
		}
		if pc.Log.MaxBackups != 0 {
			logCfg.MaxBackups = pc.Log.MaxBackups
		}
		if pc.Log.MaxAgeDays != 0 {
			logCfg.MaxAgeDays = pc.Log.MaxAgeDays
		}
		if pc.Log.Compress {
			logCfg.Compress = true
		}
	}

	if pc.Restart != nil {
		policy = process.RestartPolicy{
			Retries:     pc.Restart.Retries,
			Interval:    pc.Restart.Interval,
			BackoffCap:  pc.Restart.BackoffCap,
			MaxRestarts: pc.Restart.MaxRestarts,
			Window:      pc.Restart.Window,
		}.Normalized()
	}

	var prCfg probe.Config
	if pc.Probe != nil {
		prCfg = probe.Config{
			Type:    pc.Probe.Type,
			URL:     pc.Probe.URL,
			Addr:    pc.Probe.Addr,
			Command: pc.Probe.Command,
			Path:    pc.Probe.Path,
			Timeout: pc.Probe.Timeout,
		}
		if _, err := probe.New(prCfg); err != nil {
			return process.Spec{}, fmt.Errorf("process %q: %w", pc.Name, err)
		}
	}

	required := true
	if pc.Required != nil {
		required = *pc.Required
	}

	return process.Spec{
		Name:          pc.Name,
		Command:       pc.Command,
		WorkDir:       pc.WorkDir,
		Env:           pc.Env,
		PIDFile:       pc.PIDFile,
		Required:      required,
		StartOrder:    pc.StartOrder,
		WaitReady:     pc.WaitReady,
		StartTimeout:  pc.StartTimeout,
		StartDuration: pc.StartDuration,
		Restart:       policy,
		Probe:         prCfg,
		Log:           logCfg.toLogger(),
	}, nil
}

// Finalize derives the paths and env entries that depend on the final
// DataDir and ServicePort: the log dir, the default store DSN, the
// SERVICE_PORT/DATA_DIR entries every child inherits, and per-process log
// capture dirs. Runs once; Validate calls it, so callers only need to
// apply their overrides between Load and Validate.
func (s *Settings) Finalize() {
	if s.finalized {
		return
	}
	s.finalized = true
	if s.LogDir == "" {
		s.LogDir = filepath.Join(s.DataDir, "logs")
	}
	if s.StoreDSN == "" {
		s.StoreDSN = filepath.Join(s.DataDir, "tandem.db")
	}
	s.GlobalEnv = append([]string{
		"SERVICE_PORT=" + strconv.Itoa(s.ServicePort),
		"DATA_DIR=" + s.DataDir,
	}, s.GlobalEnv...)
	for i := range s.Specs {
		lg := &s.Specs[i].Log
		if lg.Dir == "" && lg.StdoutPath == "" && lg.StderrPath == "" {
			lg.Dir = s.LogDir
		}
	}
}

// Validate fails fast before any child is spawned: every command's
// executable must resolve, the port must be sane, and the data dir must
// exist and accept writes.
func (s *Settings) Validate() error {
	s.Finalize()
	if s.ServicePort < 1 || s.ServicePort > 65535 {
		return fmt.Errorf("invalid service port %d", s.ServicePort)
	}
	if len(s.Specs) == 0 {
		return fmt.Errorf("no processes configured")
	}
	for _, sp := range s.Specs {
		if err := validateCommand(sp); err != nil {
			return err
		}
	}
	return ensureWritableDir(s.DataDir)
}

func validateCommand(sp process.Spec) error {
	cmdStr := strings.TrimSpace(sp.Command)
	if cmdStr == "" {
		return fmt.Errorf("process %q has an empty command", sp.Name)
	}
	// Shell constructs are resolved by the shell at run time; only the
	// shell itself is checked here.
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		if _, err := os.Stat("/bin/sh"); err != nil {
			return fmt.Errorf("process %q needs /bin/sh: %w", sp.Name, err)
		}
		return nil
	}
	argv0 := strings.Fields(cmdStr)[0]
	if filepath.IsAbs(argv0) {
		if _, err := os.Stat(argv0); err != nil {
			return fmt.Errorf("process %q: executable %s: %w", sp.Name, argv0, err)
		}
		return nil
	}
	if _, err := exec.LookPath(argv0); err != nil {
		return fmt.Errorf("process %q: executable %q not found on PATH: %w", sp.Name, argv0, err)
	}
	return nil
}

// ensureWritableDir creates dir if missing and proves writability with a
// probe file. The directory's contents are never touched.
func ensureWritableDir(dir string) error {
	if dir == "" {
		return fmt.Errorf("data dir is empty")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("data dir %s: %w", dir, err)
	}
	probeFile := filepath.Join(dir, ".tandem-write-check")
	if err := os.WriteFile(probeFile, []byte("ok"), 0o600); err != nil {
		return fmt.Errorf("data dir %s is not writable: %w", dir, err)
	}
	_ = os.Remove(probeFile)
	return nil
}
