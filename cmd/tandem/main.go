package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/evreth/tandem/internal/config"
	"github.com/evreth/tandem/internal/history"
	hfactory "github.com/evreth/tandem/internal/history/factory"
	"github.com/evreth/tandem/internal/logger"
	"github.com/evreth/tandem/internal/metrics"
	"github.com/evreth/tandem/internal/server"
	sfactory "github.com/evreth/tandem/internal/store/factory"
	"github.com/evreth/tandem/internal/supervisor"
)

type rootFlags struct {
	ConfigPath string
	Port       int
	DataDir    string
	LogLevel   string
}

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRoot() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:   "tandem",
		Short: "Supervise the service and worker runtimes of one container",
		Long: "tandem starts the primary service and its worker process, restarts them\n" +
			"on crash within a bounded policy, and serves the container health endpoint.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(flags)
		},
	}
	root.Flags().StringVarP(&flags.ConfigPath, "config", "c", "", "path to TOML config (overrides TANDEM_CONFIG)")
	root.Flags().IntVarP(&flags.Port, "port", "p", 0, "health endpoint port (overrides SERVICE_PORT)")
	root.Flags().StringVar(&flags.DataDir, "data-dir", "", "persistent store directory (overrides DATA_DIR)")
	root.Flags().StringVar(&flags.LogLevel, "log-level", "", "log level: debug, info, warn, error")
	return root
}

func run(flags *rootFlags) error {
	settings, err := config.Load(flags.ConfigPath)
	if err != nil {
		return fmt.Errorf("configuration: %w", err)
	}
	if flags.Port != 0 {
		settings.ServicePort = flags.Port
	}
	if flags.DataDir != "" {
		settings.DataDir = flags.DataDir
	}
	if flags.LogLevel != "" {
		settings.LogLevel = flags.LogLevel
	}
	if err := settings.Validate(); err != nil {
		return fmt.Errorf("configuration: %w", err)
	}

	logger.Setup(settings.LogLevel, false)
	if err := metrics.RegisterDefault(); err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	st, err := sfactory.NewFromDSN(settings.StoreDSN)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}

	var sinks []history.Sink
	var histSQL *history.SQLSink
	if settings.HistoryDSN != "" {
		sink, err := hfactory.NewSinkFromDSN(settings.HistoryDSN)
		if err != nil {
			return fmt.Errorf("history sink: %w", err)
		}
		sinks = append(sinks, sink)
		if sq, ok := sink.(*history.SQLSink); ok {
			histSQL = sq
		}
	}

	sup := supervisor.New(supervisor.Config{
		GracePeriod:     settings.GracePeriod,
		StalenessWindow: settings.StalenessWindow,
		StoreRetention:  settings.StoreRetention,
		Store:           st,
		Sinks:           sinks,
	})
	sup.SetGlobalEnv(settings.GlobalEnv)
	if err := sup.Register(settings.Specs...); err != nil {
		return fmt.Errorf("configuration: %w", err)
	}

	ctx := context.Background()
	if err := sup.Start(ctx); err != nil {
		slog.Error("Startup failed", "error", err)
		shutdownCtx, cancel := context.WithTimeout(ctx, settings.GracePeriod+5*time.Second)
		defer cancel()
		_ = sup.Shutdown(shutdownCtx)
		return err
	}

	addr := ":" + strconv.Itoa(settings.ServicePort)
	srv := server.NewServer(addr, "", sup, histSQL)
	slog.Info("Health endpoint listening", "addr", addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	slog.Info("Signal received, shutting down", "signal", sig.String())

	httpCtx, cancelHTTP := context.WithTimeout(ctx, 5*time.Second)
	defer cancelHTTP()
	if err := srv.Shutdown(httpCtx); err != nil {
		_ = srv.Close()
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, settings.GracePeriod+5*time.Second)
	defer cancel()
	if err := sup.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
