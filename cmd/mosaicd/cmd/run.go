package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"cosmossdk.io/math"
	"github.com/spf13/cobra"

	"github.com/paw-chain/mosaic/app"
	"github.com/paw-chain/mosaic/x/jobs/settlement"
)

const (
	flagPayer   = "payer"
	flagModel   = "model"
	flagPayment = "payment"
	flagStake   = "stake"
)

// RunCmd runs a single order against an in-process ledger and prints the
// outcome. It is the quickest way to check a worker's executor and prover
// setup end to end.
func RunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [input]",
		Short: "Run one order end to end and print the outcome",
		Long: `Create, commit, execute, prove and settle a single job. The input is read
from the argument or, when omitted, from stdin. The worker is staked from its
bank allocation first when --stake is set.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.Worker == "" || cfg.ExecutorCommand == "" {
				return fmt.Errorf("%s and %s are required", app.KeyWorker, app.KeyExecutorCommand)
			}

			input, err := readInput(cmd, args)
			if err != nil {
				return err
			}
			payer, _ := cmd.Flags().GetString(flagPayer)
			model, _ := cmd.Flags().GetString(flagModel)
			if model == "" && len(cfg.Models) > 0 {
				model = cfg.Models[0]
			}
			payment, err := amountFlag(cmd, flagPayment)
			if err != nil {
				return err
			}
			stake, err := amountFlag(cmd, flagStake)
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
			defer func() { _ = node.Close(cmd.Context()) }()

			if stake.IsPositive() {
				if _, err := node.Keeper.DepositStake(cmd.Context(), cfg.Worker, stake); err != nil {
					return fmt.Errorf("stake worker: %w", err)
				}
			}

			out, runErr := node.RunOrder(cmd.Context(), settlement.Order{
				Payer:   payer,
				Input:   input,
				ModelID: model,
				Payment: payment,
			})
			if out != nil {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(out); err != nil {
					return err
				}
			}
			return runErr
		},
	}

	f := cmd.Flags()
	f.String(flagPayer, "payer", "payer account; needs a bank allocation")
	f.String(flagModel, "", "model id (defaults to the first configured model)")
	f.String(flagPayment, "100", "payment in the stake denom")
	f.String(flagStake, "0", "stake to deposit for the worker before running")
	f.String(app.KeyWorker, "", "worker address this node commits as")
	f.String(app.KeyExecutorCommand, "", "command that computes task outputs from stdin")
	f.StringSlice(app.KeyExecutorArgs, nil, "executor arguments")
	f.StringSlice(app.KeyAllocations, nil, "bank allocations as account=amount")
	return cmd
}

func readInput(cmd *cobra.Command, args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	bz, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return "", err
	}
	input := strings.TrimRight(string(bz), "\n")
	if input == "" {
		return "", errors.New("no input given")
	}
	return input, nil
}

func amountFlag(cmd *cobra.Command, name string) (math.Int, error) {
	raw, _ := cmd.Flags().GetString(name)
	n, ok := math.NewIntFromString(raw)
	if !ok || n.IsNegative() {
		return math.Int{}, fmt.Errorf("--%s must be a non-negative integer", name)
	}
	return n, nil
}
