// Package main — cmd/tsi-oneshot/main.go
//
// One-shot Runner (C12): the same dispatcher and handlers as the
// shepherd/worker form, but speaking the protocol over stdin/stdout with
// base64-framed data on the same stream. Processes exactly one message
// then exits.
package main

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/unicore-eu/tsi/internal/config"
	"github.com/unicore-eu/tsi/internal/dispatch"
	"github.com/unicore-eu/tsi/internal/shepherd"
	"github.com/unicore-eu/tsi/internal/wire"
)

func main() {
	configPath := "/etc/tsi/tsi.properties"
	if p := os.Getenv("TSI_CONFIG"); p != "" {
		configPath = p
	}
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "tsi-oneshot: config load:", err)
		os.Exit(1)
	}

	log, err := buildLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, "tsi-oneshot: logger init:", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	deps, closeDeps, err := shepherd.BuildDispatchDeps(cfg, log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "tsi-oneshot: build dependencies:", err)
		os.Exit(1)
	}
	defer closeDeps()

	cmdChan := wire.NewCommandChannel(os.Stdin, os.Stdout)
	dataChan := wire.NewOneShotDataChannel(cmdChan)

	raw, err := cmdChan.ReadMessage()
	if err != nil {
		if err == wire.ErrEndOfStream {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, "tsi-oneshot: read message:", err)
		os.Exit(1)
	}

	if err := dispatch.Dispatch(raw, cmdChan, dataChan, deps); err != nil {
		fmt.Fprintln(os.Stderr, "tsi-oneshot: dispatch:", err)
		os.Exit(1)
	}
}

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
