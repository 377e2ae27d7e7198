package cmd

import (
	"context"
	"fmt"
	"text/tabwriter"

	"RiskGate/internal/risk"
	"RiskGate/internal/server"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show circuit breaker state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *server.Client) error {
			st, err := c.Status(ctx)
			if err != nil {
				return err
			}
			if statusJSON {
				return printJSON(cmd, st)
			}
			printState(cmd, st)
			return nil
		})
	},
}

var haltCmd = &cobra.Command{
	Use:   "halt <reason>",
	Short: "Halt trading",
	Args:  cobra.ExactArgs(1),
	RunE:  runSetHalt(true),
}

var resumeCmd = &cobra.Command{
	Use:   "resume <reason>",
	Short: "Resume trading after a manual halt",
	Args:  cobra.ExactArgs(1),
	RunE:  runSetHalt(false),
}

var resetCmd = &cobra.Command{
	Use:   "reset <reason>",
	Short: "Reset the breaker after an automatic trip",
	Long: `Reset clears the halt and the consecutive loss counter.

Daily loss and drawdown are kept; a reset while either is still over its
limit trips again on the next losing outcome.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *server.Client) error {
			st, err := c.Reset(ctx, args[0], actor)
			if err != nil {
				return err
			}
			printState(cmd, st)
			return nil
		})
	},
}

var rollDayCmd = &cobra.Command{
	Use:   "roll-day",
	Short: "Start a new trading day for the daily loss limit",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *server.Client) error {
			st, err := c.RollDay(ctx)
			if err != nil {
				return err
			}
			printState(cmd, st)
			return nil
		})
	},
}

var outcomesCmd = &cobra.Command{
	Use:   "outcomes [symbol]",
	Short: "List recorded trade outcomes",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		symbol := ""
		if len(args) == 1 {
			symbol = args[0]
		}
		return withClient(cmd, func(ctx context.Context, c *server.Client) error {
			outcomes, err := c.ListOutcomes(ctx, symbol, outcomesLimit)
			if err != nil {
				return err
			}
			return printJSON(cmd, outcomes)
		})
	},
}

var (
	statusJSON    bool
	outcomesLimit int
)

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(haltCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(rollDayCmd)
	rootCmd.AddCommand(outcomesCmd)

	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print the raw state as JSON")
	outcomesCmd.Flags().IntVarP(&outcomesLimit, "limit", "n", 50, "maximum outcomes to list")
}

func runSetHalt(halt bool) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *server.Client) error {
			st, err := c.SetHalt(ctx, halt, args[0], actor)
			if err != nil {
				return err
			}
			printState(cmd, st)
			return nil
		})
	}
}

func printState(cmd *cobra.Command, st risk.State) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	defer w.Flush()

	trading := "ACTIVE"
	if st.TradingHalted {
		trading = "HALTED"
	}
	fmt.Fprintf(w, "trading:\t%s\n", trading)
	if st.TradingHalted {
		fmt.Fprintf(w, "halt trigger:\t%s\n", st.HaltTrigger)
		fmt.Fprintf(w, "halt reason:\t%s\n", st.HaltReason)
		if st.HaltedAt != nil {
			fmt.Fprintf(w, "halted at:\t%s\n", st.HaltedAt.Format("2006-01-02 15:04:05Z07:00"))
		}
	}
	t := st.Thresholds
	fmt.Fprintf(w, "consecutive losses:\t%d / %d\n", st.ConsecutiveLosses, t.MaxConsecutiveLosses)
	fmt.Fprintf(w, "daily loss:\t%s%% / %s%%\n", st.DailyLossPercent.StringFixed(2), t.DailyLossLimitPercent.StringFixed(2))
	fmt.Fprintf(w, "drawdown:\t%s%% / %s%%\n", st.DrawdownPercent.StringFixed(2), t.AccountDrawdownLimitPercent.StringFixed(2))
	fmt.Fprintf(w, "equity:\t%s (day start %s, peak %s)\n", st.CurrentEquity, st.DayStartEquity, st.PeakEquity)
	fmt.Fprintf(w, "version:\t%d\n", st.Version)
}
