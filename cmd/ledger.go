package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/x402-labs/agentpay/internal/ledger"
	"github.com/x402-labs/agentpay/internal/model"
	"github.com/x402-labs/agentpay/internal/store"
)

var (
	ledgerCategory string
	ledgerEvent    string
	ledgerOut      string
	ledgerLimit    int
)

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect the append-only ledger",
}

var ledgerExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export ledger entries as CSV",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := newEnv(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		entries, err := env.Ledger.Export(cmd.Context(), store.LedgerFilter{
			Category: model.LedgerCategory(ledgerCategory),
			Event:    ledgerEvent,
			Limit:    ledgerLimit,
		})
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if ledgerOut != "" {
			f, err := os.Create(ledgerOut)
			if err != nil {
				return err
			}
			defer f.Close()
			out = f
		}
		return ledger.WriteCSV(out, entries)
	},
}

func init() {
	ledgerExportCmd.Flags().StringVar(&ledgerCategory, "category", "", "filter by category (REQUEST, PAYMENT, BALANCE, SYSTEM, AUTONOMY)")
	ledgerExportCmd.Flags().StringVar(&ledgerEvent, "event", "", "filter by event tag")
	ledgerExportCmd.Flags().StringVar(&ledgerOut, "out", "", "output file (default stdout)")
	ledgerExportCmd.Flags().IntVar(&ledgerLimit, "limit", 0, "max rows (default 5000)")
	ledgerCmd.AddCommand(ledgerExportCmd)
	rootCmd.AddCommand(ledgerCmd)
}
