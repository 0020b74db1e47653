package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/Dennicka/propbot-sub002/internal/bootstrap"
	"github.com/Dennicka/propbot-sub002/internal/config"
	"github.com/Dennicka/propbot-sub002/pkg/logging"
	"github.com/Dennicka/propbot-sub002/pkg/telemetry"
)

var (
	// Version information (set via build flags)
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/propbot.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("propbot version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Telemetry first so the logger's OTel bridge has a provider to attach to.
	tel, err := telemetry.Setup("propbot")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to set up telemetry: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	logging.SetGlobalLogger(logger)

	logger.Info("Starting propbot",
		"version", version,
		"profile", cfg.App.Profile,
		"venues", cfg.App.ActiveVenues,
	)

	app, err := bootstrap.New(cfg, logger)
	if err != nil {
		logger.Error("Bootstrap failed", "error", err)
		os.Exit(1)
	}

	runErr := app.Run()

	if err := app.Close(); err != nil {
		logger.Error("Resource cleanup failed", "error", err)
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := tel.Shutdown(shutdownCtx); err != nil {
		logger.Error("Telemetry shutdown failed", "error", err)
	}

	if runErr != nil {
		logger.Error("propbot exited with error", "error", runErr)
		os.Exit(1)
	}
}
