/*
main.go - Command-line entry point

PURPOSE:
  Runs ledger operations against the configured database. Every subcommand
  opens the store, performs one operation and prints the result as JSON on
  stdout. Logs go to stderr.

STARTUP SEQUENCE:
  1. Load configuration (environment, then .env)
  2. Build the logger
  3. Open the SQL store (sqlite or postgres) and apply the schema
  4. Build the price catalogue
  5. Construct the engines and run the subcommand

EXIT CODES:
  0  success
  1  unclassified failure (nothing was applied, retry later)
  2  validation error
  3  not found
  4  conflict (wrong state, duplicate, insufficient stock, over cap)
  5  invariant violation

ENVIRONMENT:
  ENV, LOG_LEVEL, DB_DRIVER, DATABASE_URL, PRICING_FILE,
  BED_SPACE_PRICE, CONSULTATION_FEE, TREATMENT_SESSION_FEE

EXAMPLES:
  ledgerctl record-payment --payable admission:adm-1 --patient pat-1 --type DEPOSIT --amount 5000 --actor cashier-1
  ledgerctl mark-paid --payment pay-1 --method WALLET --actor cashier-1
  ledgerctl summary --admission adm-1

SEE ALSO:
  - config/config.go: Configuration loading
  - cmd/ledgerctl/commands.go: Subcommands
*/
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/warp/hospital-ledger/config"
	"github.com/warp/hospital-ledger/hmo"
	"github.com/warp/hospital-ledger/ledger"
	"github.com/warp/hospital-ledger/settlement"
	"github.com/warp/hospital-ledger/statement"
	"github.com/warp/hospital-ledger/store/sqlstore"
	"github.com/warp/hospital-ledger/treatment"
)

func main() {
	rootCmd := newRootCmd(os.Stdout)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCode(err))
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "ledgerctl",
		Short:         "Hospital patient ledger and reconciliation",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.SetOut(out)

	rootCmd.AddCommand(recordPaymentCmd())
	rootCmd.AddCommand(updateAmountCmd())
	rootCmd.AddCommand(markPaidCmd())
	rootCmd.AddCommand(markUnpaidCmd())
	rootCmd.AddCommand(dischargeCmd())
	rootCmd.AddCommand(summaryCmd())
	rootCmd.AddCommand(treatmentStatementCmd())
	rootCmd.AddCommand(treatmentCmd("complete-treatment", "Complete a treatment and reconcile its payments", (*treatment.Reconciler).Complete))
	rootCmd.AddCommand(treatmentCmd("reopen-treatment", "Reopen a completed treatment", (*treatment.Reconciler).Reopen))
	rootCmd.AddCommand(treatmentCmd("reconcile-treatment", "Re-price a completed treatment after its items changed", (*treatment.Reconciler).Reconcile))
	rootCmd.AddCommand(hmoBalanceCmd())
	rootCmd.AddCommand(hmoSettleCmd())
	rootCmd.AddCommand(hmoSettleEditCmd())
	rootCmd.AddCommand(walletCmd())

	return rootCmd
}

// =============================================================================
// APPLICATION
// =============================================================================

type app struct {
	store      *sqlstore.Store
	settlement *settlement.Engine
	statements *statement.Builder
	treatments *treatment.Reconciler
	hmos       *hmo.Reconciler
}

func openApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger := cfg.NewLogger(os.Stderr)

	store, err := sqlstore.Open(cfg.DBDriver, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.DBDriver, err)
	}
	prices, err := cfg.Catalogue()
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("load prices: %w", err)
	}

	logger.Debug().Str("driver", store.Driver()).Msg("store opened")
	return &app{
		store:      store,
		settlement: settlement.NewEngine(store, prices, logger),
		statements: statement.NewBuilder(store, prices, logger),
		treatments: treatment.NewReconciler(store, prices, logger),
		hmos:       hmo.NewReconciler(store, logger),
	}, nil
}

// withApp opens the application for one subcommand and closes it after.
func withApp(fn func(a *app) (any, error)) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.store.Close()

		result, err := fn(a)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), result)
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func exitCode(err error) int {
	switch {
	case errors.Is(err, ledger.ErrValidation):
		return 2
	case errors.Is(err, ledger.ErrNotFound):
		return 3
	case errors.Is(err, ledger.ErrConflict):
		return 4
	case errors.Is(err, ledger.ErrInvariantViolation):
		return 5
	default:
		return 1
	}
}
