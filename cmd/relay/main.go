// Package main is the entry point for the relay binary: it serves pipeline
// listeners, scheduled tasks and the admin API, and validates or simulates
// pipeline documents offline.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/polisai/polis-relay/internal/governance"
	"github.com/polisai/polis-relay/pkg/admin"
	"github.com/polisai/polis-relay/pkg/config"
	"github.com/polisai/polis-relay/pkg/engine"
	"github.com/polisai/polis-relay/pkg/logging"
	"github.com/polisai/polis-relay/pkg/telemetry"
)

const telemetryShutdownTimeout = 5 * time.Second

func main() {
	// Load .env file if present
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "relay",
		Short: "Pipeline composition and event routing engine",
		Long: `relay runs layered pipelines of filters over TCP connections and scheduled
tasks. Pipelines are declared in a YAML document of modules; the document is
hot reloaded while running sessions keep the program they started with.

Example:
  relay run --config relay.yaml
  relay validate pipelines.yaml
  relay simulate --pipelines pipelines.yaml --request request.yaml`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to configuration file (YAML)")
	rootCmd.PersistentFlags().StringP("log-level", "l", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "Log format (json, text, console)")

	rootCmd.AddCommand(newRunCmd(), newValidateCmd(), newSimulateCmd())
	return rootCmd
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Serve listeners, tasks and the admin API",
		Args:  cobra.NoArgs,
		RunE:  runRelay,
	}
	cmd.Flags().String("admin-listen", "", "Admin API listen address")
	cmd.Flags().String("pipelines", "", "Path to the pipeline document")
	cmd.Flags().Bool("watch", false, "Reload the pipeline document when it changes")
	cmd.Flags().StringArray("listen", nil, "Listener as address=module/layout[@max], repeatable")
	return cmd
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [pipelines.yaml]",
		Short: "Validate the configuration and compile the pipeline document",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runValidate,
	}
}

func newSimulateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a scripted session against a pipeline document without network access",
		Args:  cobra.NoArgs,
		RunE:  runSimulate,
	}
	cmd.Flags().String("pipelines", "", "Path to the pipeline document")
	cmd.Flags().String("request", "", "Path to the simulation request (YAML or JSON), - for stdin")
	cmd.Flags().Duration("timeout", engine.DefaultSimulationTimeout, "How long to wait for the session to end")
	return cmd
}

// loadConfig loads the configuration file and applies flag overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, fmt.Errorf("failed to get config flag: %w", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.Logging.Level = v
	}
	if v, _ := cmd.Flags().GetString("log-format"); v != "" {
		cfg.Logging.Format = v
	}
	if f := cmd.Flags().Lookup("admin-listen"); f != nil && f.Changed {
		cfg.Server.AdminAddress = f.Value.String()
	}
	if f := cmd.Flags().Lookup("pipelines"); f != nil && f.Changed {
		cfg.Pipeline.File = f.Value.String()
	}
	if f := cmd.Flags().Lookup("watch"); f != nil && f.Changed {
		cfg.Pipeline.Watch = true
	}
	if f := cmd.Flags().Lookup("listen"); f != nil && f.Changed {
		specs, _ := cmd.Flags().GetStringArray("listen")
		cfg.Server.Listeners = cfg.Server.Listeners[:0]
		for _, spec := range specs {
			l, err := config.ParseListener(spec)
			if err != nil {
				return nil, err
			}
			cfg.Server.Listeners = append(cfg.Server.Listeners, l)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *config.Config, out io.Writer) *slog.Logger {
	logger := logging.NewLogger(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format, Output: out})
	slog.SetDefault(logger)
	return logger
}

// breakerConfig fills unset circuit breaker fields with the defaults.
func breakerConfig(cfg config.CircuitBreakerConfig) governance.CircuitBreakerConfig {
	out := governance.DefaultCircuitBreakerConfig()
	if cfg.MaxFailures > 0 {
		out.MaxFailures = cfg.MaxFailures
	}
	if cfg.OpenTimeout > 0 {
		out.OpenTimeout = cfg.OpenTimeout
	}
	if cfg.HalfOpenProbes > 0 {
		out.HalfOpenProbes = cfg.HalfOpenProbes
	}
	return out
}

// runRelay is the main entry point for the run command.
func runRelay(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cfg, os.Stdout)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.SetupProvider(ctx, telemetry.Config{
		ServiceName:  cfg.Telemetry.ServiceName,
		Endpoint:     cfg.Telemetry.OTLPEndpoint,
		Insecure:     cfg.Telemetry.Insecure,
		Environment:  os.Getenv("RELAY_ENVIRONMENT"),
		ResourceTags: map[string]string{"log.level": cfg.Logging.Level},
	})
	if err != nil {
		return fmt.Errorf("telemetry initialization failed: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Error("Telemetry shutdown error", "error", err)
		}
	}()

	metrics := engine.NewMetrics()
	eng := engine.New(engine.Options{
		Logger:    logger,
		Breaker:   breakerConfig(cfg.Governance.CircuitBreaker),
		Listeners: []engine.SessionListener{metrics},
	})
	defer eng.Close()
	metrics.Observe(eng)

	var provider *config.FileProvider
	if cfg.Pipeline.File != "" {
		provider, err = config.NewFileProvider(cfg.Pipeline.File, config.FileProviderOptions{
			Logger: logger,
			Watch:  cfg.Pipeline.Watch,
		})
		if err != nil {
			return err
		}
		defer func() {
			if err := provider.Close(); err != nil {
				logger.Error("Failed to close pipeline provider", "error", err)
			}
		}()
		if _, err := eng.Load(provider.Current().Document); err != nil {
			return fmt.Errorf("pipeline document %s: %w", cfg.Pipeline.File, err)
		}
	}

	tasks, err := eng.NewTasks(cfg.Tasks, 0)
	if err != nil {
		return err
	}

	listeners := make([]*engine.Listener, 0, len(cfg.Server.Listeners))
	for _, lc := range cfg.Server.Listeners {
		l := eng.NewListener(lc)
		if err := l.Listen(); err != nil {
			return err
		}
		listeners = append(listeners, l)
	}

	adminOpts := admin.Options{Engine: eng, Metrics: metrics, Tasks: tasks, Logger: logger}
	if provider != nil {
		adminOpts.Reloader = provider
	}
	adminLn, err := net.Listen("tcp", cfg.Server.AdminAddress)
	if err != nil {
		return fmt.Errorf("admin listen %s: %w", cfg.Server.AdminAddress, err)
	}
	adminSrv := &http.Server{
		Handler:           admin.NewHandler(adminOpts),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, l := range listeners {
		g.Go(func() error { return l.Serve(gctx) })
	}
	if provider != nil {
		updates := provider.Subscribe()
		g.Go(func() error {
			eng.Watch(gctx, updates)
			return nil
		})
		g.Go(func() error {
			reloadOnHangup(gctx, provider, logger)
			return nil
		})
	}
	g.Go(func() error {
		logger.Info("Admin server listening", "addr", adminLn.Addr().String())
		if err := adminSrv.Serve(adminLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("admin server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return adminSrv.Shutdown(shutdownCtx)
	})

	tasks.Start()
	logger.Info("Relay started",
		"listeners", len(listeners),
		"tasks", len(cfg.Tasks),
		"pipelines", cfg.Pipeline.File,
	)

	err = g.Wait()
	logger.Info("Shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	tasks.Stop(stopCtx)
	return err
}

// reloadOnHangup re-reads the pipeline document on SIGHUP.
func reloadOnHangup(ctx context.Context, provider *config.FileProvider, logger *slog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			logger.Info("Received SIGHUP, reloading pipeline document")
			if err := provider.Reload(); err != nil {
				logger.Error("Pipeline reload failed", "error", err)
			}
		}
	}
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	path := cfg.Pipeline.File
	if len(args) == 1 {
		path = args[0]
	}
	if path == "" {
		fmt.Fprintln(cmd.OutOrStdout(), "configuration ok")
		return nil
	}

	doc, err := config.LoadDocument(path)
	if err != nil {
		return err
	}
	sim, err := engine.NewSimulator(doc, engine.SimulatorOptions{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	if err != nil {
		return err
	}
	sim.Close()

	layouts := 0
	for _, m := range doc.Modules {
		layouts += len(m.Pipelines)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d modules, %d layouts, %d services)\n", path, len(doc.Modules), layouts, len(doc.Services))
	return nil
}

func runSimulate(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cfg, cmd.ErrOrStderr())

	requestPath, _ := cmd.Flags().GetString("request")
	if requestPath == "" {
		return errors.New("--request is required")
	}
	if cfg.Pipeline.File == "" {
		return errors.New("--pipelines is required")
	}
	timeout, _ := cmd.Flags().GetDuration("timeout")

	var data []byte
	if requestPath == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(requestPath) // #nosec G304 -- path is from command-line flag
	}
	if err != nil {
		return fmt.Errorf("failed to read simulation request: %w", err)
	}
	var req engine.SimulationRequest
	if err := yaml.Unmarshal(data, &req); err != nil {
		return fmt.Errorf("failed to parse simulation request: %w", err)
	}

	doc, err := config.LoadDocument(cfg.Pipeline.File)
	if err != nil {
		return err
	}
	sim, err := engine.NewSimulator(doc, engine.SimulatorOptions{Logger: logger, Timeout: timeout})
	if err != nil {
		return err
	}
	defer sim.Close()

	resp, simErr := sim.Simulate(cmd.Context(), req)
	if resp != nil {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(resp); err != nil {
			return err
		}
	}
	return simErr
}
