// riskd scores transactions in real time over HTTP and Redis Streams, or
// offline from a file with the batch command.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mbd888/riskengine/internal/config"
	"github.com/mbd888/riskengine/internal/logging"
	"github.com/mbd888/riskengine/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "riskd:", err)
		stop()
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var scoringFile string

	root := &cobra.Command{
		Use:           "riskd",
		Short:         "Real-time transaction risk scoring engine",
		Version:       fmt.Sprintf("%s (commit %s, built %s)", Version, Commit, BuildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			if scoringFile != "" {
				_ = os.Setenv("SCORING_FILE", scoringFile)
			}
		},
		// Without a subcommand riskd serves.
		RunE: func(cmd *cobra.Command, _ []string) error { return serve(cmd.Context()) },
	}
	root.PersistentFlags().StringVar(&scoringFile, "scoring", "", "Scoring settings YAML (overrides SCORING_FILE)")

	root.AddCommand(serveCmd(), batchCmd())
	return root
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the scoring API and consume the transaction stream",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context())
		},
	}
}

func serve(ctx context.Context) error {
	logger := logging.New("info", "text")
	logger.Info("starting riskd",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		return err
	}

	logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	logConfig(logger, cfg)
	server.Version = Version

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("riskd stopped with error", "error", err)
		return err
	}
	logger.Info("riskd stopped")
	return nil
}

func logConfig(logger *slog.Logger, cfg *config.Config) {
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"store", cfg.StoreBackend,
		"ledger", cfg.LedgerBackend,
		"model", cfg.Model.Type,
		"workers", cfg.Workers,
		"stream", cfg.StreamEnabled,
	)
}
