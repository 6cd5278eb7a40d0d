package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/amerfu/tokenshield/cmd/tokenshield/commands"
)

var cfgFile string

func main() {
	_ = godotenv.Load()

	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "tokenshield",
		Short: "TokenShield cost-control CLI",
		Long: `TokenShield intercepts LLM requests before they leave the process:
semantic caching, context trimming, spend circuit breakers, per-user
budgets, and an append-only cost ledger.`,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches ., ./config, /etc/tokenshield)")

	rootCmd.AddCommand(commands.NewServeCommand(&cfgFile))
	rootCmd.AddCommand(commands.NewDemoCommand(&cfgFile))

	return rootCmd
}
