// sosd is the SOS daemon: the always-on loop set, the in-process worker,
// and the HTTP surface, all in one binary.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sos-labs/sos/internal/config"
	"github.com/sos-labs/sos/internal/services"
	"github.com/sos-labs/sos/internal/telemetry"
)

// Set via -ldflags at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", os.Getenv("SOS_CONFIG"), "path to config file (JSON)")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("sosd %s (commit %s, built %s)\n", version, commit, date)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sosd: %v\n", err)
		os.Exit(1)
	}

	log, err := buildLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sosd: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("daemon exited", zap.Error(err))
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("sosd starting",
		zap.String("version", version),
		zap.String("agent", cfg.AgentID),
		zap.String("home", cfg.Home),
		zap.String("listen", cfg.ListenAddr))

	shutdownTracing, err := telemetry.InitTraceProvider(ctx, cfg.OTLPEndpoint, version)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			log.Warn("tracing shutdown failed", zap.Error(err))
		}
	}()

	bundle, err := services.Build(ctx, cfg, version, log)
	if err != nil {
		return err
	}
	defer bundle.Close()

	errCh := make(chan error, 2)
	go func() { errCh <- bundle.Daemon.Run(ctx) }()
	go func() { errCh <- bundle.HTTP.ListenAndServe(ctx) }()

	// First failure (or signal-driven clean exit) wins; the shared context
	// brings the other half down.
	err = <-errCh
	stop()
	if second := <-errCh; err == nil {
		err = second
	}
	log.Info("sosd stopped")
	return err
}

// buildLogger maps the configured level onto a production zap config.
func buildLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", level, err)
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	zc.EncoderConfig.TimeKey = "ts"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return zc.Build()
}
