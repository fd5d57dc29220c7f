package cmd

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/mcclellann/fleetledger/internal/logger"
	"github.com/mcclellann/fleetledger/pkg/ledger"
	"github.com/spf13/cobra"
)

func (a *app) backfillCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "backfill",
		Short: "Create missing billing-period invoices and settle unlinked contract payments",
		Long: `Backfill finds payments that carry a contract but no invoice, creates the
missing billing-period invoices of those contracts and settles the payments
against them. Each contract commits on its own; running it twice creates
nothing new.

Exits non-zero when any contract group failed. Failed groups are retried on
the next run.`,
		Example: `  # Backfill every company in the database
  fleetctl backfill

  # Backfill two companies
  fleetctl backfill --company 7c1f...,c3a9...`,
		RunE: a.runBackfill,
	}
	c.Flags().StringSlice("company", nil, "Company IDs to process (default: SWEEP_COMPANIES, then all)")
	return c
}

func (a *app) runBackfill(cmd *cobra.Command, args []string) error {
	return a.forEachCompany(cmd, "backfill", func(l *ledger.Ledger, companyID uuid.UUID) (any, error) {
		res, err := l.BackfillInvoices(cmd.Context(), companyID)
		if err != nil {
			return nil, err
		}
		return res, res.Err()
	})
}

func (a *app) sweepCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "sweep",
		Short: "Refresh overdue amounts, days and late fees of active contracts",
		Long: `Sweep re-evaluates every active contract of a company, stores its days
overdue and accrued late fee, and moves lapsed schedule lines to overdue.

Exits non-zero when any contract failed.`,
		Example: `  # Nightly cron entry
  fleetctl sweep --db /var/lib/fleetledger/ledger.db`,
		RunE: a.runSweep,
	}
	c.Flags().StringSlice("company", nil, "Company IDs to process (default: SWEEP_COMPANIES, then all)")
	return c
}

func (a *app) runSweep(cmd *cobra.Command, args []string) error {
	return a.forEachCompany(cmd, "sweep", func(l *ledger.Ledger, companyID uuid.UUID) (any, error) {
		res, err := l.SweepOverdue(cmd.Context(), companyID)
		if err != nil {
			return nil, err
		}
		return res, res.Err()
	})
}

// forEachCompany opens the ledger, runs fn for every resolved company and
// prints each result. A failing company does not stop the others.
func (a *app) forEachCompany(cmd *cobra.Command, job string, fn func(l *ledger.Ledger, companyID uuid.UUID) (any, error)) error {
	log := logger.WithComponent(job)

	l, s, err := a.openLedger()
	if err != nil {
		return err
	}
	defer s.Close()

	companies, err := a.companies(cmd, s)
	if err != nil {
		return err
	}
	log.Info().Int("companies", len(companies)).Str("db", a.dbPath).Msg("Starting " + job)

	var errs []error
	for _, companyID := range companies {
		res, err := fn(l, companyID)
		if res != nil {
			if werr := writeResult(cmd, res); werr != nil {
				return fmt.Errorf("failed to write result: %w", werr)
			}
		}
		if err != nil {
			log.Warn().Err(err).Str("company_id", companyID.String()).Msg(job + " finished with errors")
			errs = append(errs, fmt.Errorf("company %s: %w", companyID, err))
		}
	}

	log.Info().Int("companies", len(companies)).Int("failed", len(errs)).Msg(job + " complete")
	return errors.Join(errs...)
}
