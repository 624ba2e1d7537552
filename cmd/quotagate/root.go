package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/AlexKimmel/quotagate/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "quotagate",
	Short: "Quota-gated LLM proxy",
	Long: `Quotagate forwards chat messages to an OpenAI-compatible endpoint on behalf
of authenticated users and enforces a monthly call quota per user.

Free and pro users get separate limits. The count resets at the start of each
calendar month (UTC), and a slot is given back when the upstream call fails.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "config.yaml", "config file path")
}

func loadConfig() (*config.Root, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", cfgFile, err)
	}
	return cfg, nil
}
