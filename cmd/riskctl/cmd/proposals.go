package cmd

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"RiskGate/internal/gate"
	"RiskGate/internal/server"

	"github.com/spf13/cobra"
)

var proposalsCmd = &cobra.Command{
	Use:     "proposals",
	Aliases: []string{"proposal"},
	Short:   "Review agent trade proposals",
}

var proposalsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List proposals",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *server.Client) error {
			ps, err := c.Proposals(ctx, gate.ProposalStatus(proposalStatus))
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			defer w.Flush()
			fmt.Fprintln(w, "ID\tSTATUS\tSYMBOL\tACTION\tQTY\tCREATED\tRATIONALE")
			for _, p := range ps {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					p.ID, p.Status, p.Order.Symbol, p.Order.Action, p.Order.Quantity,
					p.CreatedAt.Format(time.RFC3339), dash(p.Rationale))
			}
			return nil
		})
	},
}

var proposalsApproveCmd = &cobra.Command{
	Use:   "approve <proposal-id>",
	Short: "Approve a proposal and submit its order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *server.Client) error {
			res, err := c.Approve(ctx, args[0], actor)
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		})
	},
}

var proposalsRejectCmd = &cobra.Command{
	Use:   "reject <proposal-id> <reason>",
	Short: "Reject a proposal",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *server.Client) error {
			p, err := c.Reject(ctx, args[0], args[1], actor)
			if err != nil {
				return err
			}
			return printJSON(cmd, p)
		})
	},
}

var proposalStatus string

func init() {
	rootCmd.AddCommand(proposalsCmd)
	proposalsCmd.AddCommand(proposalsListCmd)
	proposalsCmd.AddCommand(proposalsApproveCmd)
	proposalsCmd.AddCommand(proposalsRejectCmd)

	proposalsListCmd.Flags().StringVar(&proposalStatus, "status", string(gate.ProposalPending), "pending, approved, rejected or empty for all")
}
