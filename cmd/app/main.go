package main

import (
	"flag"
	"log"
	"os"

	"CandlePull/internal/di"
	"CandlePull/pkg/config"
)

func main() {
	// Parse flags
	configPath := flag.String("config", "config/config.yaml", "config file path")
	flag.Parse()

	// Load config
	cfg, err := config.LoadWithEnv(*configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	log.Printf("env=%s storage=%s watchlist=%d", cfg.Environment, cfg.Storage.Type, len(cfg.Watchlist))

	// Wire DI: Initialize all dependencies
	app, err := di.InitializeApp(cfg)
	if err != nil {
		log.Fatalf("app initialization failed: %v", err)
	}

	if cfg.Kafka.Enabled {
		log.Printf("kafka: brokers=%v ready=%s commands=%s",
			cfg.Kafka.Brokers, cfg.Kafka.Topics.CandlesReady, cfg.Kafka.Topics.WatchlistCommands)
	}

	// Run application (blocks until signal)
	if err := app.Run(); err != nil {
		log.Printf("app error: %v", err)
		os.Exit(1)
	}
}
