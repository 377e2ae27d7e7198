package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"RiskGate/internal/idempotency"
	"RiskGate/internal/server"

	"github.com/spf13/cobra"
)

var idemCmd = &cobra.Command{
	Use:   "idem",
	Short: "Inspect idempotency records",
}

var idemGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Show the record for an idempotency key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *server.Client) error {
			rec, err := c.GetIdempotency(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, rec)
		})
	},
}

var idemReapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Delete expired records now",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *server.Client) error {
			n, err := c.Reap(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reaped %d records\n", n)
			return nil
		})
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Resolve submissions with an unknown broker outcome",
	Long: `A submission whose broker call timed out is stored as failed with
needs_reconciliation set, and a reservation whose caller died stays reserved.
Check the broker, then record what happened.

Examples:
  riskctl reconcile list
  riskctl reconcile resolve order-42 filled --response '{"fill_price":"64010"}'
  riskctl reconcile resolve order-43 failed`,
}

var reconcileListCmd = &cobra.Command{
	Use:   "list",
	Short: "List records awaiting reconciliation",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *server.Client) error {
			recs, err := c.Pending(ctx)
			if err != nil {
				return err
			}
			printRecords(cmd, recs)
			return nil
		})
	},
}

var reconcileResolveCmd = &cobra.Command{
	Use:   "resolve <key> <submitted|filled|failed>",
	Short: "Record the broker outcome of a pending submission",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var response json.RawMessage
		if resolveResponse != "" {
			if !json.Valid([]byte(resolveResponse)) {
				return fmt.Errorf("--response is not valid JSON")
			}
			response = json.RawMessage(resolveResponse)
		}
		return withClient(cmd, func(ctx context.Context, c *server.Client) error {
			rec, err := c.Resolve(ctx, args[0], idempotency.Status(args[1]), response, actor)
			if err != nil {
				return err
			}
			return printJSON(cmd, rec)
		})
	},
}

var resolveResponse string

func init() {
	rootCmd.AddCommand(idemCmd)
	idemCmd.AddCommand(idemGetCmd)
	idemCmd.AddCommand(idemReapCmd)

	rootCmd.AddCommand(reconcileCmd)
	reconcileCmd.AddCommand(reconcileListCmd)
	reconcileCmd.AddCommand(reconcileResolveCmd)

	reconcileResolveCmd.Flags().StringVar(&resolveResponse, "response", "", "broker response JSON to cache for replays")
}

func printRecords(cmd *cobra.Command, recs []idempotency.Record) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "KEY\tORDER\tSYMBOL\tACTION\tQTY\tSTATUS\tUPDATED")
	for _, r := range recs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.Key, r.OrderID, r.Symbol, r.Action, r.Quantity, r.Status, r.UpdatedAt.Format(time.RFC3339))
	}
}
