// Command callpilot is the entry point for the live sales-call assistant.
//
// callpilot serve (the default) runs the capture, transcription and
// assistance pipeline behind a WebSocket endpoint. callpilot probe checks that
// the configured capture device can be opened.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/callpilot/internal/app"
	"github.com/MrWong99/callpilot/internal/config"
	"github.com/MrWong99/callpilot/internal/observe"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

const (
	shutdownTimeout = 15 * time.Second
	probeTimeout    = 10 * time.Second
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "callpilot: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the call assistant service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	probe := &cobra.Command{
		Use:   "probe",
		Short: "Check that the configured capture device can be opened",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runProbe(cmd.Context(), configPath)
		},
	}

	root := &cobra.Command{
		Use:           "callpilot",
		Short:         "Live transcription and assistance for sales calls",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE:          serve.RunE,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the YAML configuration file")
	root.AddCommand(serve, probe)
	return root
}

// loadConfig reads the config and installs the process logger. The returned
// level var lets reloads change verbosity.
func loadConfig(path string) (*config.Config, *slog.LevelVar, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			err = fmt.Errorf("config file %q not found: %w", path, err)
		}
		return nil, nil, err
	}
	level := new(slog.LevelVar)
	level.Set(app.ParseLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	return cfg, level, nil
}

func runServe(parent context.Context, configPath string) error {
	cfg, level, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	log := slog.Default()
	log.Info("callpilot starting",
		"version", version,
		"config", configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"device", cfg.Device.Device,
		"mode", string(cfg.Device.Mode),
	)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion:   version,
		DisableMetrics:   cfg.Telemetry.DisableMetrics,
		TraceSampleRatio: cfg.Telemetry.TraceSampleRatio,
	})
	if err != nil {
		log.Error("failed to initialise telemetry", "err", err)
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(ctx); err != nil {
			log.Warn("telemetry shutdown", "err", err)
		}
	}()

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)
	providers, err := buildProviders(cfg, reg)
	if err != nil {
		log.Error("failed to build providers", "err", err)
		return err
	}

	application, err := app.New(ctx, cfg, providers, app.WithLogger(log), app.WithLevelVar(level))
	if err != nil {
		log.Error("failed to initialise application", "err", err)
		return err
	}

	watcher, err := config.NewWatcher(configPath, func(_, updated *config.Config) {
		application.Reload(updated)
	}, config.WithWatcherLogger(log))
	if err != nil {
		log.Warn("config hot reload disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	log.Info("server ready, press Ctrl+C to shut down")
	runErr := application.Run(ctx)
	if runErr != nil {
		log.Error("run error", "err", runErr)
	}

	log.Info("stopping")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", "err", err)
		return errors.Join(runErr, err)
	}
	log.Info("goodbye")
	return runErr
}

func runProbe(parent context.Context, configPath string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)
	opener, err := reg.CreateAudio(cfg.Providers.Audio)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(parent, probeTimeout)
	defer cancel()
	if err := opener.Probe(ctx, cfg.Device); err != nil {
		return fmt.Errorf("device %q (%s): %w", cfg.Device.Device, cfg.Device.Driver, err)
	}
	fmt.Printf("device %q (%s) ok: %s\n", cfg.Device.Device, cfg.Device.Driver, cfg.Device.Format())
	return nil
}
