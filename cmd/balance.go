package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/x402-labs/agentpay/internal/model"
)

var balanceCmd = &cobra.Command{
	Use:   "balance",
	Short: "Poll the signer's wallet balance once and print it",
	RunE: func(cmd *cobra.Command, args []string) error {
		chainClient := buildChain(cfg)
		if chainClient == nil {
			return eris.New("no signer configured")
		}

		lamports, err := chainClient.Balance(cmd.Context())
		if err != nil {
			return err
		}

		units := float64(lamports) / model.LamportsPerUnit
		status := "OK"
		if units < cfg.Balance.Threshold {
			status = "LOW"
		}
		fmt.Printf("signer    %s\n", chainClient.SignerAddress())
		fmt.Printf("balance   %.9f (%d lamports)\n", units, lamports)
		fmt.Printf("threshold %.9f\n", cfg.Balance.Threshold)
		fmt.Printf("status    %s\n", status)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(balanceCmd)
}
