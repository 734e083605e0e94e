package main

import (
	"fmt"
	"os"

	"astroseq/internal/cli"
	"astroseq/internal/config"
	"astroseq/internal/engine"
	"astroseq/internal/logging"
	"astroseq/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.Setup(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up logging: %v\n", err)
		os.Exit(1)
	}

	store, err := storage.New(cfg.Paths.DatabasePath)
	if err != nil {
		log.Error("failed to open database", "path", cfg.Paths.DatabasePath, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	eng := engine.New(log, engine.Config{
		ThreadCap:           cfg.Processing.ThreadCap,
		FallbackAvailableMB: cfg.Processing.FallbackAvailableMB,
		WriterQueueDepth:    cfg.Processing.WriterQueueDepth,
	})

	rootCmd := cli.NewRootCmd(cfg, log, store, eng)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
