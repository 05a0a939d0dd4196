package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/kjarvik/tradegate/internal/admission"
	"github.com/kjarvik/tradegate/internal/application"
	"github.com/kjarvik/tradegate/internal/bus"
	"github.com/kjarvik/tradegate/internal/calibration"
	"github.com/kjarvik/tradegate/internal/config"
	httpiface "github.com/kjarvik/tradegate/internal/interfaces/http"
	"github.com/kjarvik/tradegate/internal/metrics"
	"github.com/kjarvik/tradegate/internal/modectl"
	"github.com/kjarvik/tradegate/internal/persistence"
	"github.com/kjarvik/tradegate/internal/telemetry"
)

const (
	appName = "tradegate"
	version = "v0.4.0"
)

func main() {
	setupLogging()

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Trading-signal admission control and confidence calibration engine",
		Version: version,
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the admission engine",
		Long:  "Starts the event bus, instrument state machines, mode controller and the operational HTTP surface.",
		RunE:  runEngine,
	}
	addRunFlags(runCmd.Flags())

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s %s\n", appName, version)
		},
	}

	rootCmd.AddCommand(runCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("command failed")
	}
}

func addRunFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "Path to YAML configuration (defaults used when empty)")
	fs.String("addr", "", "Override the HTTP listen address")
	fs.String("log-level", "info", "Log level (trace|debug|info|warn|error)")
}

// setupLogging uses the console writer on a TTY and JSON otherwise, matching
// operator runs against captured service logs.
func setupLogging() {
	zerolog.TimeFieldFormat = time.RFC3339
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
}

func runEngine(cmd *cobra.Command, args []string) error {
	if level, err := zerolog.ParseLevel(mustString(cmd, "log-level")); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	cfg := config.Default()
	if path := mustString(cmd, "config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if addr := mustString(cmd, "addr"); addr != "" {
		cfg.Server.Addr = addr
	}
	cfgStore := config.NewStore(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := persistence.Open(ctx, cfg.Persistence)
	if err != nil {
		return fmt.Errorf("open persistence: %w", err)
	}
	defer store.Close()

	eventBus := bus.New(cfg.BusQueueSize)
	defer eventBus.Close()

	cal := calibration.NewEngine(cfg.Calibration, store)
	cal.Restore(ctx)

	adm := admission.NewController(cfgStore)
	perf := modectl.NewPerformanceTracker()

	exec := application.NewBusExecutionGateway(eventBus)

	health := modectl.NewHealthChecker()
	health.Register("persistence", store.Ping)
	health.Register("execution", exec.Ping)
	health.Register("bus", eventBus.Ping)

	reg := metrics.NewRegistry()
	hub := telemetry.NewHub()

	engine := application.NewEngine(cfgStore, eventBus, cal, adm, perf, health, reg, hub)
	mode := modectl.NewController(cfgStore, adm, exec, engine, eventBus, perf, health)
	engine.SetModeController(mode)

	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	defer engine.Stop()

	server := httpiface.NewServer(cfg.Server.Addr, engine, cal, reg.Handler(), hub.Handler())
	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start() }()

	log.Info().
		Str("version", version).
		Str("addr", cfg.Server.Addr).
		Str("persistence", cfg.Persistence.Driver).
		Msg("tradegate running")

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			log.Error().Err(err).Msg("http server failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func mustString(cmd *cobra.Command, name string) string {
	v, err := cmd.Flags().GetString(name)
	if err != nil {
		log.Fatal().Err(err).Str("flag", name).Msg("flag lookup failed")
	}
	return v
}
