// Package main — cmd/tsi/main.go
//
// TSI broker entrypoint.
//
// This binary serves four roles depending on how it was invoked:
//
//  1. Normal startup: runs the Shepherd (C4) accept loop.
//  2. Re-exec'd as a worker child (-tsi-worker): completes the inherited
//     callback sockets and runs the dispatcher loop.
//  3. Re-exec'd as a forwarding child (-tsi-forward): assumes an
//     identity and forwards bytes between the inherited UX socket and a
//     dialed service target.
//  4. Re-exec'd as a UFTP helper (internal/uftp's own flag): runs the
//     uftp.d command in place, per internal/uftp.RunHelper.
//
// Startup sequence for role 1:
//  1. Load and validate config from the properties file.
//  2. Initialise structured logger (zap).
//  3. Start the Prometheus metrics server, if configured.
//  4. Open the TLS/ACL gate.
//  5. Build the Shepherd and run its accept loop.
//  6. Register SIGHUP to re-load and validate the config file (the running
//     shepherd keeps its startup config), SIGINT/SIGTERM for shutdown.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/unicore-eu/tsi/internal/config"
	"github.com/unicore-eu/tsi/internal/metrics"
	"github.com/unicore-eu/tsi/internal/shepherd"
	"github.com/unicore-eu/tsi/internal/tlsgate"
	"github.com/unicore-eu/tsi/internal/uftp"
)

func main() {
	if uftp.IsHelperInvocation(os.Args) {
		os.Exit(uftp.RunHelper())
	}
	if shepherd.IsWorkerInvocation(os.Args) {
		os.Exit(shepherd.RunWorkerChild())
	}
	if shepherd.IsForwardingInvocation(os.Args) {
		os.Exit(shepherd.RunForwardingChild())
	}

	configPath := "/etc/tsi/tsi.properties"
	if p := os.Getenv("TSI_CONFIG"); p != "" {
		configPath = p
	}
	if len(os.Args) > 1 && os.Args[1] == "-version" {
		fmt.Printf("tsi %s (commit=%s built=%s)\n", config.Version, config.GitCommit, config.BuildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(1)
	}
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config validation failed: %v\n", err)
		os.Exit(1)
	}

	log, err := buildLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("tsi starting",
		zap.String("version", config.Version),
		zap.String("config", configPath),
		zap.String("listen_addr", cfg.ListenAddr),
		zap.Int("listen_port", cfg.ListenPort),
		zap.String("batch_variant", cfg.BatchVariant),
	)

	metricsCtx, cancelMetrics := context.WithCancel(context.Background())
	defer cancelMetrics()
	if cfg.Observability.MetricsAddr != "" {
		m := metrics.New()
		go func() {
			if err := m.ServeMetrics(metricsCtx, cfg.Observability.MetricsAddr); err != nil {
				log.Error("metrics server error", zap.Error(err))
			}
		}()
		log.Info("metrics server started", zap.String("addr", cfg.Observability.MetricsAddr))
	}

	gate, err := tlsgate.New(tlsgate.Config{
		Keystore:                 cfg.Keystore,
		KeystorePassword:         cfg.KeystorePassword,
		Certificate:              cfg.Certificate,
		Truststore:               cfg.Truststore,
		AllowedDNs:               cfg.AllowedDNs,
		AllowedOrchestratorHosts: cfg.AllowedOrchestratorHosts,
		DisableIPv6:              cfg.DisableIPv6,
	}, log)
	if err != nil {
		log.Fatal("tls/acl gate init failed", zap.Error(err))
	}

	sh, err := shepherd.New(cfg, gate, log)
	if err != nil {
		log.Fatal("shepherd init failed", zap.Error(err))
	}

	runErrCh := make(chan error, 1)
	go func() { runErrCh <- sh.Run() }()

	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	go func() {
		for range sighup {
			log.Info("SIGHUP received — reloading config")
			reloaded, err := config.Load(configPath)
			if err == nil {
				err = config.Validate(reloaded)
			}
			if err != nil {
				log.Error("config reload failed — retaining old config", zap.Error(err))
				continue
			}
			log.Info("config reload validated; restart the broker to apply listener/TLS changes")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-runErrCh:
		if err != nil {
			log.Error("shepherd exited with error", zap.Error(err))
		}
	}

	log.Info("tsi shutdown complete")
}

// buildLogger constructs a zap.Logger with the given level and format.
func buildLogger(level, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	return cfg.Build()
}
