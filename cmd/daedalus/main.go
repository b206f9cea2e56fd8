// Command daedalus runs a billing-mediation playbook against a set of input files.
//
// Usage:
//
//	daedalus <options.json>
//
// Environment:
//
//	DAEDALUS_ENV            "development" selects human-readable logs
//	DAEDALUS_LOG_LEVEL      debug, info, warn or error
//	DAEDALUS_OTLP_ENDPOINT  enables tracing to an OTLP/HTTP collector (host:port)
//	SENTRY_DSN              reports fatal run errors to Sentry
//
// Runtime tuning (DAEDALUS_WORKERS, DAEDALUS_MAX_DEPTH, ...) is read by
// concurrency.LoadConfig.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/internal/tracing"
	"github.com/wehubfusion/Daedalus/pkg/concurrency"
	"github.com/wehubfusion/Daedalus/pkg/emulator"
)

const serviceName = "daedalus"

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <options.json>\n", os.Args[0])
		os.Exit(2)
	}

	environment := os.Getenv("DAEDALUS_ENV")
	logger, err := newLogger(environment, os.Getenv("DAEDALUS_LOG_LEVEL"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}

	if err := run(os.Args[1], environment, logger); err != nil {
		logger.Error("Emulator failed", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
	logger.Sync()
}

func run(optionsPath, environment string, logger *zap.Logger) (err error) {
	start := time.Now()

	undo := concurrency.InitializeForKubernetes(logger)
	defer undo()

	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         dsn,
			Environment: environment,
			ServerName:  serviceName,
		}); err != nil {
			logger.Warn("Failed to initialize Sentry", zap.Error(err))
		} else {
			defer func() {
				if err != nil {
					sentry.CaptureException(err)
				}
				sentry.Flush(2 * time.Second)
			}()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if config, ok := tracing.ConfigFromEnv(serviceName, environment); ok {
		shutdown, err := tracing.SetupTracing(ctx, config, logger)
		if err != nil {
			logger.Warn("Tracing disabled", zap.Error(err))
		} else {
			defer tracing.ShutdownTracing(shutdown, logger)
		}
	}

	opts, err := emulator.LoadOptions(optionsPath)
	if err != nil {
		return err
	}

	rc := concurrency.LoadConfig()
	logger.Info("Runtime configuration", zap.Stringer("config", rc))

	report, err := emulator.New(opts, rc, logger).Run(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("Emulator finished successfully in %s (run %s, %d messages ingested)\n",
		time.Since(start).Round(time.Millisecond), report.RunID, report.Ingested)
	return nil
}

func newLogger(environment, level string) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	if environment == "development" {
		config = zap.NewDevelopmentConfig()
	}
	if level != "" {
		lvl, err := zap.ParseAtomicLevel(level)
		if err != nil {
			return nil, fmt.Errorf("invalid DAEDALUS_LOG_LEVEL: %w", err)
		}
		config.Level = lvl
	}
	return config.Build()
}
