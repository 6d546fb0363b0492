package cmd

import (
	"context"
	"errors"

	"cosmossdk.io/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/paw-chain/mosaic/app"
)

type viperKey struct{}

// NewRootCmd creates the mosaicd command tree. Every flag whose name is a
// config key (api.addr, prover.backend, ...) overrides the environment and
// <home>/mosaic.toml.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   app.AppName,
		Short: "Verifiable compute job daemon",
		Long: `mosaicd escrows payments for compute jobs, locks workers to them with
commit-reveal, and releases payment only against a verified proof or an
explicit degraded or optimistic settlement.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cmd.SetOut(cmd.OutOrStdout())
			cmd.SetErr(cmd.ErrOrStderr())

			v := app.NewViper()
			if err := app.BindFlags(v, cmd.Flags()); err != nil {
				return err
			}
			home := v.GetString(app.FlagHome)
			if home == "" {
				home = app.DefaultNodeHome
				v.Set(app.FlagHome, home)
			}
			if err := app.ReadConfigFile(v, home); err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			cmd.SetContext(context.WithValue(ctx, viperKey{}, v))
			return nil
		},
	}

	rootCmd.PersistentFlags().String(app.FlagHome, app.DefaultNodeHome, "directory for config, keys and data")
	rootCmd.PersistentFlags().String(app.KeyLogLevel, "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String(app.KeyLogFormat, "plain", "log format (plain, json)")

	rootCmd.AddCommand(
		StartCmd(),
		RunCmd(),
		KeygenCmd(),
		CommitmentCmd(),
		ConfigCmd(),
		TokenCmd(),
		VersionCmd(),
	)
	return rootCmd
}

// viperFrom returns the viper instance PersistentPreRunE prepared.
func viperFrom(cmd *cobra.Command) (*viper.Viper, error) {
	v, ok := cmd.Context().Value(viperKey{}).(*viper.Viper)
	if !ok {
		return nil, errors.New("configuration not loaded")
	}
	return v, nil
}

func loadConfig(cmd *cobra.Command) (app.Config, error) {
	v, err := viperFrom(cmd)
	if err != nil {
		return app.Config{}, err
	}
	return app.LoadConfig(v)
}

func newLogger(cmd *cobra.Command, cfg app.Config) (log.Logger, error) {
	logger, err := app.NewLogger(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, err
	}
	return logger.With("app", app.AppName), nil
}

// VersionCmd prints the build version.
func VersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmd.Println(app.Version)
			return nil
		},
	}
}
