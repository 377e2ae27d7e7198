package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"RiskGate/internal/server"

	"github.com/spf13/cobra"
)

var (
	addr       string
	actor      string
	timeout    time.Duration
	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "riskctl",
	Short: "Operator CLI for the riskgate daemon",
	Long: `riskctl talks to a running riskgate over its gRPC control API.

It provides tools for:
  - Inspecting and changing the circuit breaker
  - Querying, verifying and archiving the audit chain
  - Resolving submissions whose broker outcome is unknown
  - Approving or rejecting proposed orders

The migrate subcommands work on the store directly and need --config
instead of a running daemon.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	defaultAddr := os.Getenv("RISKGATE_GRPC_ADDR")
	if defaultAddr == "" {
		defaultAddr = "localhost:9090"
	}
	rootCmd.PersistentFlags().StringVar(&addr, "addr", defaultAddr, "riskgate gRPC address ($RISKGATE_GRPC_ADDR)")
	rootCmd.PersistentFlags().StringVar(&actor, "actor", "operator", "actor recorded in the audit chain")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "per-call timeout")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file for migrate (default $RISKGATE_CONFIG)")
}

// withClient dials the daemon and runs fn under the call timeout.
func withClient(cmd *cobra.Command, fn func(ctx context.Context, c *server.Client) error) error {
	c, err := server.Dial(addr)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	return fn(ctx, c)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
