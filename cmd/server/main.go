// Fairbroker - peer-to-peer escrow broker with a pooled custodial ledger
package main

import (
	"context"
	"os"

	"github.com/fairbroker/fairbroker/internal/config"
	"github.com/fairbroker/fairbroker/internal/logging"
	"github.com/fairbroker/fairbroker/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Create logger
	logger := logging.New("info", "text")

	logger.Info("starting fairbroker",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"env", cfg.Env,
		"custody_account", cfg.CustodyAccount,
		"chain_id", cfg.ChainID,
		"asset_contract", cfg.AssetContract,
	)

	// Create and run server
	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
