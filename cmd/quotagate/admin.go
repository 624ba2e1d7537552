package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/AlexKimmel/quotagate/internal/auth"
	"github.com/AlexKimmel/quotagate/internal/backend"
)

var setProFlags struct {
	pro bool
}

var tokenFlags struct {
	ttl time.Duration
}

var usageCmd = &cobra.Command{
	Use:   "usage <user-id>",
	Short: "Print a user's usage for the current month",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := backend.Open(cmd.Context(), cfg.Store)
		if err != nil {
			return err
		}
		defer store.Close()

		svc := newService(cfg, store, nil, zerolog.Nop())
		u, err := svc.Preflight(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"userId": args[0],
			"isPro":  u.IsPro,
			"used":   u.Used,
			"limit":  u.Limit,
			"period": u.Period,
		})
	},
}

var setProCmd = &cobra.Command{
	Use:   "set-pro <user-id>",
	Short: "Set the pro tier flag kept in the usage store",
	Long: `Set the pro tier flag kept in the usage store.

The flag only takes effect when tiers.use_store is enabled. Users listed in
tiers.pro_users stay pro regardless of the flag.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := backend.Open(cmd.Context(), cfg.Store)
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.SetPro(cmd.Context(), args[0], setProFlags.pro); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: pro=%t\n", args[0], setProFlags.pro)
		return nil
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token <user-id>",
	Short: "Mint a bearer token for jwt auth mode",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Auth.Mode != "jwt" {
			return errors.New("token: auth.mode is not jwt")
		}

		token, err := auth.NewJWT(cfg.Auth.JWT.Secret.Value(), cfg.Auth.JWT.Issuer).Sign(args[0], tokenFlags.ttl)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(usageCmd, setProCmd, tokenCmd)

	setProCmd.Flags().BoolVar(&setProFlags.pro, "pro", true, "pro flag value")
	tokenCmd.Flags().DurationVar(&tokenFlags.ttl, "ttl", 24*time.Hour, "token lifetime")
}
