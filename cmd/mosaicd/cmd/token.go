package cmd

import (
	"errors"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/paw-chain/mosaic/api"
	"github.com/paw-chain/mosaic/app"
)

const (
	flagOperator = "operator"
	flagTTL      = "ttl"
)

// TokenCmd signs an operator bearer token with the configured API secret.
func TokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an operator token for the dispute endpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.JWTSecret == "" {
				return errors.New(app.KeyJWTSecret + " must be set to issue tokens")
			}
			operator, _ := cmd.Flags().GetString(flagOperator)
			ttl, _ := cmd.Flags().GetDuration(flagTTL)
			if ttl <= 0 {
				return errors.New("--ttl must be positive")
			}

			auth := api.NewAuthService([]byte(cfg.JWTSecret), func(addr string) bool {
				return slices.Contains(cfg.Operators, addr)
			})
			token, expiresAt, err := auth.GenerateToken(operator, ttl)
			if err != nil {
				return err
			}
			cmd.Println(token)
			cmd.PrintErrf("expires %s\n", expiresAt.UTC().Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().String(flagOperator, "", "operator address")
	cmd.Flags().Duration(flagTTL, 24*time.Hour, "token lifetime")
	cmd.Flags().String(app.KeyJWTSecret, "", "HMAC secret shared with the API")
	cmd.Flags().StringSlice(app.KeyOperators, nil, "operator addresses")
	_ = cmd.MarkFlagRequired(flagOperator)
	return cmd
}
