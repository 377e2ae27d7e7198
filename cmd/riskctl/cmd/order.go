package cmd

import (
	"context"
	"fmt"

	"RiskGate/internal/gate"
	"RiskGate/internal/server"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

var orderCmd = &cobra.Command{
	Use:   "order",
	Short: "Submit, cancel or propose orders",
	Long: `Send orders through the gate.

Every submission needs an idempotency key; resubmitting the same key returns
the first result without reaching the broker again.

Examples:
  riskctl order submit manual-001 BTC-USD buy 0.25
  riskctl order submit manual-002 ETH-USD sell 3 --limit 3100
  riskctl order propose BTC-USD buy 0.1 --rationale "breakout above range"
  riskctl order cancel BTC-USD 01HRZ3... "stale quote"`,
}

var orderSubmitCmd = &cobra.Command{
	Use:   "submit <key> <symbol> <buy|sell> <quantity>",
	Short: "Submit an order",
	Args:  cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		order, err := buildOrder(args[1], args[2], args[3])
		if err != nil {
			return err
		}
		return withClient(cmd, func(ctx context.Context, c *server.Client) error {
			res, err := c.SubmitOrder(ctx, args[0], order)
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		})
	},
}

var orderProposeCmd = &cobra.Command{
	Use:   "propose <symbol> <buy|sell> <quantity>",
	Short: "Record a proposal for operator approval",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		order, err := buildOrder(args[0], args[1], args[2])
		if err != nil {
			return err
		}
		return withClient(cmd, func(ctx context.Context, c *server.Client) error {
			p, err := c.Propose(ctx, order, orderRationale)
			if err != nil {
				return err
			}
			return printJSON(cmd, p)
		})
	},
}

var orderCancelCmd = &cobra.Command{
	Use:   "cancel <symbol> <order-id> <reason>",
	Short: "Cancel an open order",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *server.Client) error {
			err := c.CancelOrder(ctx, server.CancelOrderRequest{
				Symbol:  args[0],
				OrderID: args[1],
				Reason:  args[2],
				Actor:   actor,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cancel sent for %s\n", args[1])
			return nil
		})
	},
}

var (
	orderLimit     string
	orderEffect    string
	orderRationale string
)

func init() {
	rootCmd.AddCommand(orderCmd)
	orderCmd.AddCommand(orderSubmitCmd)
	orderCmd.AddCommand(orderProposeCmd)
	orderCmd.AddCommand(orderCancelCmd)

	for _, c := range []*cobra.Command{orderSubmitCmd, orderProposeCmd} {
		c.Flags().StringVar(&orderLimit, "limit", "", "limit price; market order when empty")
		c.Flags().StringVar(&orderEffect, "effect", "", "position effect: open or close")
	}
	orderProposeCmd.Flags().StringVar(&orderRationale, "rationale", "", "why the order is proposed")
}

func buildOrder(symbol, action, qty string) (gate.Order, error) {
	quantity, err := decimal.NewFromString(qty)
	if err != nil {
		return gate.Order{}, fmt.Errorf("invalid quantity %q: %w", qty, err)
	}
	order := gate.Order{
		Symbol:         symbol,
		Action:         action,
		Quantity:       quantity,
		Type:           gate.Market,
		PositionEffect: gate.PositionEffect(orderEffect),
		Actor:          actor,
	}
	if orderLimit != "" {
		price, err := decimal.NewFromString(orderLimit)
		if err != nil {
			return gate.Order{}, fmt.Errorf("invalid limit price %q: %w", orderLimit, err)
		}
		order.Type = gate.Limit
		order.LimitPrice = price
	}
	return order, nil
}
