package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"RiskGate/internal/config"
	"RiskGate/internal/observability"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "riskgate",
	Short: "Trading safety gate: audit chain, idempotent submission and circuit breaker",
	Long: `riskgate runs the trade gate daemon.

Every order passes the circuit breaker and an idempotency reservation before
it reaches the broker, and every decision is appended to a hash-chained audit
log. Trade outcomes arrive over NATS JetStream or the control API.

Configuration is read from .env, the YAML file named by --config or
RISKGATE_CONFIG, then RISKGATE_* environment variables.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		logger := observability.NewLoggerTo(os.Stdout, "riskgate", observability.ParseLogLevel(cfg.LogLevel))

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, cfg, logger, prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
		if err != nil {
			logger.Error().Err(err).Msg("startup failed")
			return err
		}
		defer a.Close()

		return a.Run(ctx)
	},
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "", "YAML config file (default $RISKGATE_CONFIG)")
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
