package cmd

import (
	"fmt"

	"github.com/mcclellann/fleetledger/pkg/ledger"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

func reversePreviewCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "reverse-preview",
		Short: "Show an obligation's paid amount, balance and status after a reversal",
		Long: `Reverse-preview computes what an invoice or contract would look like after
a payment amount is withdrawn from it. Nothing is read from or written to
the database.`,
		Example: `  fleetctl reverse-preview --total 1000 --paid 700 --reversed 300`,
		RunE:    runReversePreview,
	}
	c.Flags().String("total", "", "Total amount of the obligation")
	c.Flags().String("paid", "0", "Amount currently paid")
	c.Flags().String("reversed", "", "Amount being reversed")
	_ = c.MarkFlagRequired("total")
	_ = c.MarkFlagRequired("reversed")
	return c
}

func runReversePreview(cmd *cobra.Command, args []string) error {
	total, err := decimalFlag(cmd, "total")
	if err != nil {
		return err
	}
	paid, err := decimalFlag(cmd, "paid")
	if err != nil {
		return err
	}
	reversed, err := decimalFlag(cmd, "reversed")
	if err != nil {
		return err
	}
	if reversed.IsNegative() {
		return fmt.Errorf("--reversed: %w", ledger.ErrInvalidAmount)
	}
	return writeResult(cmd, ledger.ReverseApplication(total, paid, reversed))
}

func decimalFlag(cmd *cobra.Command, name string) (decimal.Decimal, error) {
	raw, _ := cmd.Flags().GetString(name)
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid --%s %q: %w", name, raw, err)
	}
	return d, nil
}
