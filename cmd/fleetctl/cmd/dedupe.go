package cmd

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/mcclellann/fleetledger/internal/logger"
	"github.com/spf13/cobra"
)

func (a *app) dedupeCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "dedupe",
		Short: "Remove duplicate installment rows from a contract's payment schedule",
		Long: `Dedupe keeps one schedule row per installment number of a contract: the
earliest paid row when there is one, otherwise the earliest created row.
The other rows are deleted in a single transaction.`,
		Example: `  fleetctl dedupe --company 7c1f... --contract 41d2...`,
		RunE:    a.runDedupe,
	}
	c.Flags().String("company", "", "Company that owns the contract")
	c.Flags().String("contract", "", "Contract whose schedule is cleaned")
	_ = c.MarkFlagRequired("company")
	_ = c.MarkFlagRequired("contract")
	return c
}

func (a *app) runDedupe(cmd *cobra.Command, args []string) error {
	log := logger.WithComponent("dedupe")

	companyID, err := uuidFlag(cmd, "company")
	if err != nil {
		return err
	}
	contractID, err := uuidFlag(cmd, "contract")
	if err != nil {
		return err
	}

	l, s, err := a.openLedger()
	if err != nil {
		return err
	}
	defer s.Close()

	res, err := l.DeduplicateSchedules(cmd.Context(), companyID, contractID)
	if err != nil {
		return fmt.Errorf("deduplication failed: %w", err)
	}
	log.Info().
		Str("contract_id", contractID.String()).
		Int("deleted", res.DeletedCount).
		Msg("Schedule deduplication complete")
	return writeResult(cmd, res)
}

func uuidFlag(cmd *cobra.Command, name string) (uuid.UUID, error) {
	raw, _ := cmd.Flags().GetString(name)
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid --%s %q: %w", name, raw, err)
	}
	return id, nil
}
