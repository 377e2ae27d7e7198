package cmd

import (
	"context"
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"RiskGate/internal/audit"
	"RiskGate/internal/server"

	"github.com/spf13/cobra"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query and verify the audit chain",
	Long: `Inspect the hash-chained audit log.

Subcommands:
  list     - List entries, newest first, with optional filters
  verify   - Recompute every hash and report the first broken link
  archive  - Move entries up to a sequence number into the archive

Examples:
  riskctl audit list --type trading_halted --type trading_resumed
  riskctl audit list --symbol BTC-USD --since 2026-03-02T00:00:00Z
  riskctl audit verify --archive
  riskctl audit archive 10000 "quarterly retention"`,
}

var auditListCmd = &cobra.Command{
	Use:   "list",
	Short: "List audit entries",
	Args:  cobra.NoArgs,
	RunE:  runAuditList,
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the audit chain",
	Args:  cobra.NoArgs,
	RunE:  runAuditVerify,
}

var auditArchiveCmd = &cobra.Command{
	Use:   "archive <through-sequence> <reason>",
	Short: "Archive entries through a sequence number",
	Args:  cobra.ExactArgs(2),
	RunE:  runAuditArchive,
}

var (
	auditTypes   []string
	auditSymbol  string
	auditSince   string
	auditUntil   string
	auditLimit   int
	auditJSON    bool
	auditArchive bool
)

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditListCmd)
	auditCmd.AddCommand(auditVerifyCmd)
	auditCmd.AddCommand(auditArchiveCmd)

	auditListCmd.Flags().StringSliceVarP(&auditTypes, "type", "t", nil, "event type filter, repeatable")
	auditListCmd.Flags().StringVarP(&auditSymbol, "symbol", "s", "", "symbol filter")
	auditListCmd.Flags().StringVar(&auditSince, "since", "", "RFC3339 lower bound on created_at")
	auditListCmd.Flags().StringVar(&auditUntil, "until", "", "RFC3339 upper bound on created_at")
	auditListCmd.Flags().IntVarP(&auditLimit, "limit", "n", 100, "maximum entries")
	auditListCmd.Flags().BoolVar(&auditJSON, "json", false, "print entries as JSON including details")

	auditVerifyCmd.Flags().BoolVar(&auditArchive, "archive", false, "also verify archived segments against their anchors")
}

func runAuditList(cmd *cobra.Command, args []string) error {
	req := server.QueryAuditRequest{EventTypes: auditTypes, Symbol: auditSymbol, Limit: auditLimit}
	var err error
	if req.Since, err = parseTime(auditSince); err != nil {
		return err
	}
	if req.Until, err = parseTime(auditUntil); err != nil {
		return err
	}

	return withClient(cmd, func(ctx context.Context, c *server.Client) error {
		entries, err := c.QueryAudit(ctx, req)
		if err != nil {
			return err
		}
		if auditJSON {
			return printJSON(cmd, entries)
		}
		printEntries(cmd, entries)
		return nil
	})
}

func runAuditVerify(cmd *cobra.Command, args []string) error {
	return withClient(cmd, func(ctx context.Context, c *server.Client) error {
		res, err := c.VerifyAudit(ctx, auditArchive)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if !res.Valid {
			fmt.Fprintf(out, "TAMPERED at sequence %d: %s\n", res.TamperedSequence, res.Reason)
			return fmt.Errorf("audit chain verification failed")
		}
		fmt.Fprintf(out, "chain valid through sequence %d (%s)\n", res.TailSequence, res.TailHash)
		return nil
	})
}

func runAuditArchive(cmd *cobra.Command, args []string) error {
	through, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid sequence %q: %w", args[0], err)
	}
	return withClient(cmd, func(ctx context.Context, c *server.Client) error {
		anchor, err := c.ArchiveAudit(ctx, through, args[1])
		if err != nil {
			return err
		}
		return printJSON(cmd, anchor)
	})
}

func printEntries(cmd *cobra.Command, entries []audit.Entry) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "SEQ\tTIME\tEVENT\tSYMBOL\tACTION\tACTOR\tORDER")
	for _, e := range entries {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Sequence, e.CreatedAt.Format(time.RFC3339), e.EventType,
			dash(e.Symbol), dash(e.Action), e.Actor, dash(e.OrderID))
	}
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q, want RFC3339: %w", s, err)
	}
	return t, nil
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
