// Settler - pooled-subaccount escrow settlement for Monero sales
package main

import (
	"context"
	"os"

	"github.com/mbd888/xmrescrow/internal/config"
	"github.com/mbd888/xmrescrow/internal/logging"
	"github.com/mbd888/xmrescrow/internal/server"
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

	logger.Info("starting settler",
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

	// Switch to the configured level and format
	logger = logging.New(cfg.LogLevel, cfg.LogFormat)

	logger.Info("configuration loaded",
		"env", cfg.Env,
		"net_type", cfg.NetType,
		"fee_percent", cfg.PlatformFeePercent.String(),
		"escrow_days", cfg.EscrowPeriodDays,
		"confirmations", cfg.MinimumConfirmations,
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
