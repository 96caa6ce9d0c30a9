// Carpool - reservation and escrow settlement engine
package main

import (
	"context"
	"os"

	"github.com/mbd888/carpool/internal/config"
	"github.com/mbd888/carpool/internal/logging"
	"github.com/mbd888/carpool/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Load configuration before the logger so LOG_LEVEL applies
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	logger.Info("starting carpool",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	logger.Info("configuration loaded",
		"env", cfg.Env,
		"fee_policy", cfg.FeePolicy.Version,
		"postgres", cfg.DatabaseURL != "",
		"wallet_gateway", cfg.WalletGatewayURL != "",
	)

	// Create and run server
	srv, err := server.New(cfg, server.WithLogger(logger), server.WithVersion(Version))
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
