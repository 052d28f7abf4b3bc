package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/x402-labs/agentpay/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "agentpay",
	Short: "Autonomous x402 payment agent",
	Long:  "Mediates HTTP 402 payment flows: executes Solana devnet transfers, reconciles facilitator attestations, and autonomously re-buys premium data on a scored schedule.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
