package cmd

import (
	"github.com/spf13/cobra"

	"github.com/paw-chain/mosaic/app"
)

// StartCmd runs the daemon until interrupted.
func StartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Run the job daemon",
		Long: `Start the HTTP API, the health and metrics servers and the sweeper that
expires overdue jobs, releases refunds, finalizes optimistic submissions and
prunes settled jobs into the archive.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger, err := newLogger(cmd, cfg)
			if err != nil {
				return err
			}

			node, err := app.New(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer func() {
				if err := node.Close(cmd.Context()); err != nil {
					logger.Error("shutdown", "error", err)
				}
			}()

			logger.Info("node starting",
				"version", app.Version,
				"home", cfg.Home,
				"prover", cfg.ProverBackend,
				"archive", cfg.ArchiveBackend,
				"worker", cfg.Worker,
				"models", cfg.Models,
			)
			return node.Start(cmd.Context())
		},
	}

	f := cmd.Flags()
	f.String(app.KeyAPIAddr, ":8080", "API listen address")
	f.String(app.KeyHealthAddr, ":36661", "health listen address (empty to disable)")
	f.String(app.KeyMetricsAddr, ":36660", "metrics listen address (empty to disable)")
	f.String(app.KeyWorker, "", "worker address this node commits as")
	f.String(app.KeyExecutorCommand, "", "command that computes task outputs from stdin")
	f.String(app.KeyProverBackend, app.ProverGroth16, "proof provider (groth16, process)")
	f.String(app.KeyArchiveBackend, app.ArchiveLevelDB, "archive backend (none, memory, leveldb, postgres)")
	f.StringSlice(app.KeyOperators, nil, "operator addresses allowed to dispute jobs")
	return cmd
}
