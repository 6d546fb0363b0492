package cmd

import (
	"encoding/json"

	"github.com/spf13/cobra"
)

const redacted = "<redacted>"

// ConfigCmd prints the configuration after flags, environment and the
// config file have been merged.
func ConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.JWTSecret != "" {
				cfg.JWTSecret = redacted
			}
			if cfg.ArchiveDSN != "" {
				cfg.ArchiveDSN = redacted
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(cfg)
		},
	}
}
