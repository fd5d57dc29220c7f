package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/mcclellann/fleetledger/internal/config"
	"github.com/mcclellann/fleetledger/internal/logger"
	"github.com/mcclellann/fleetledger/pkg/ledger"
	"github.com/mcclellann/fleetledger/pkg/store"
	"github.com/spf13/cobra"
)

var version = "1.0.0"

// app carries what every subcommand needs.
type app struct {
	cfg    *config.Config
	dbPath string

	// openStore is replaced in tests.
	openStore func(path string) (store.Storage, error)
}

// NewRootCmd builds the command tree around cfg.
func NewRootCmd(cfg *config.Config) *cobra.Command {
	a := &app{
		cfg: cfg,
		openStore: func(path string) (store.Storage, error) {
			return store.NewSQLiteStore(path)
		},
	}

	rootCmd := &cobra.Command{
		Use:   "fleetctl",
		Short: "fleetctl - operator tools for the fleet payment ledger",
		Long: `fleetctl runs the ledger's batch jobs against the configured database.

It is meant for operators and cron: backfill missing contract invoices,
refresh overdue state, remove duplicate schedule rows and preview how a
reversal would change an obligation.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&a.dbPath, "db", cfg.DBPath, "Path to the SQLite database (default from DB_PATH)")

	rootCmd.AddCommand(
		a.backfillCmd(),
		a.sweepCmd(),
		a.dedupeCmd(),
		reversePreviewCmd(),
	)
	return rootCmd
}

// Execute runs the CLI and reports a failing command on stderr.
func Execute(cfg *config.Config) error {
	log := logger.WithComponent("cmd")

	if err := NewRootCmd(cfg).Execute(); err != nil {
		log.Error().
			Err(err).
			Msg("Command execution failed")
		fmt.Fprintf(os.Stderr, "Error executing command: %v\n", err)
		return err
	}
	return nil
}

// openLedger opens the store and returns a ledger over it with the configured
// tuning. The caller closes the store.
func (a *app) openLedger() (*ledger.Ledger, store.Storage, error) {
	s, err := a.openStore(a.dbPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open store: %w", err)
	}
	return ledger.NewLedger(s, a.cfg.LedgerOptions()...), s, nil
}

// companies resolves the tenants a batch command runs for: the --company
// flag, then SWEEP_COMPANIES, then every company in the store.
func (a *app) companies(cmd *cobra.Command, s store.Storage) ([]uuid.UUID, error) {
	raw, _ := cmd.Flags().GetStringSlice("company")
	if len(raw) > 0 {
		ids := make([]uuid.UUID, 0, len(raw))
		for _, r := range raw {
			id, err := uuid.Parse(r)
			if err != nil {
				return nil, fmt.Errorf("invalid company id %q: %w", r, err)
			}
			ids = append(ids, id)
		}
		return ids, nil
	}
	if len(a.cfg.SweepCompanies) > 0 {
		return a.cfg.SweepCompanies, nil
	}
	ids, err := s.ListCompanyIDs(cmd.Context())
	if err != nil {
		return nil, fmt.Errorf("failed to list companies: %w", err)
	}
	return ids, nil
}

func writeResult(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
