package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/progresso/progresso/cmd/progresso/commands"
)

// Version information (set via ldflags during build)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	// Setup structured logging
	setupLogging()

	// Create context that cancels on interrupt signals
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// A first signal interrupts the run after the current service; a second exits.
	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info().Msg("Received interrupt signal, finishing current service...")
		cancel()
		<-sigChan
		log.Warn().Msg("Received second interrupt signal, exiting")
		os.Exit(commands.ExitUsage)
	}()

	// Execute root command
	err := commands.Execute(ctx, Version, Commit, BuildDate)
	code := commands.ExitCode(err)
	if err != nil {
		log.Error().Err(err).Int("exit_code", code).Msg("Command execution failed")
	}
	os.Exit(code)
}

// setupLogging configures the logger used before the configuration is loaded.
func setupLogging() {
	// Use console writer for human-readable output
	logger := log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	// Set log level from environment or default to Info
	switch os.Getenv("LOG_LEVEL") {
	case "debug":
		logger = logger.Level(zerolog.DebugLevel)
	case "warn":
		logger = logger.Level(zerolog.WarnLevel)
	case "error":
		logger = logger.Level(zerolog.ErrorLevel)
	default:
		logger = logger.Level(zerolog.InfoLevel)
	}
	log.Logger = logger
}
