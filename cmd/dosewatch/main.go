package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/mpalomar/dosewatch/internal/app"
	"github.com/mpalomar/dosewatch/internal/config"
	"github.com/mpalomar/dosewatch/internal/store"
)

var (
	configPath = flag.String("config", "", "Path to config file")
	dataDir    = flag.String("data", "", "Path to data directory")
	headless   = flag.Bool("headless", false, "Run without the full-screen alarm surface")
	debug      = flag.Bool("debug", false, "Enable debug logging")
	version    = "dev"
)

func main() {
	flag.Parse()

	var logger *zap.Logger
	var err error
	if *debug {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := config.Load(*configPath, *dataDir)
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	st, err := store.New(cfg)
	if err != nil {
		logger.Fatal("Failed to open store", zap.Error(err))
	}

	daemon, err := app.New(cfg, st, logger)
	if err != nil {
		logger.Fatal("Failed to assemble application", zap.Error(err))
	}

	logger.Info("Starting dosewatch",
		zap.String("version", version),
		zap.String("patient", cfg.Patient.ID),
	)

	if err := daemon.Run(!*headless); err != nil {
		logger.Fatal("Application error", zap.Error(err))
	}
}
