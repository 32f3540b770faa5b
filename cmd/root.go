package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "wallets",
	Short: "Wallets microservice",
	Long:  "A wallet ledger service for gateway top-ups, subscriptions, payouts, mandates, and reconciliation jobs.",
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
