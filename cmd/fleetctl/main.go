package main

import (
	"log"
	"os"

	"github.com/joho/godotenv"
	"github.com/mcclellann/fleetledger/cmd/fleetctl/cmd"
	"github.com/mcclellann/fleetledger/internal/config"
	"github.com/mcclellann/fleetledger/internal/logger"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: Could not load .env file: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := logger.Setup(cfg.GetLoggerConfig()); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	log := logger.WithComponent("main")
	log.Debug().Msg("Starting fleetctl")

	if err := cmd.Execute(cfg); err != nil {
		os.Exit(1)
	}
}
