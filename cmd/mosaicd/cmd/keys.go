package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/paw-chain/mosaic/x/jobs/circuits"
)

// KeygenCmd runs the Groth16 setup for models and writes their keys.
func KeygenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keygen [model...]",
		Short: "Generate proving and verifying keys",
		Long: `Run the circuit setup for each model and write <model>.pk and <model>.vk to
the keys directory. Models default to the configured list. Existing keys for
other models in the directory are kept.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger, err := newLogger(cmd, cfg)
			if err != nil {
				return err
			}

			models := args
			if len(models) == 0 {
				models = cfg.Models
			}
			if len(models) == 0 {
				return fmt.Errorf("no models given")
			}

			registry := circuits.NewRegistry(logger)
			for _, model := range models {
				if err := registry.Setup(model); err != nil {
					return fmt.Errorf("setup %s: %w", model, err)
				}
			}
			if err := registry.Save(cfg.KeysDir); err != nil {
				return err
			}
			for _, model := range registry.Models() {
				cmd.Printf("%s: keys written to %s\n", model, cfg.KeysDir)
			}
			return nil
		},
	}
	return cmd
}
