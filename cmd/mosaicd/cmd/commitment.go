package cmd

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/paw-chain/mosaic/x/jobs/commitment"
)

const (
	flagInput      = "input"
	flagInputHash  = "input-hash"
	flagWorker     = "worker"
	flagNonce      = "nonce"
	flagCommitment = "commitment"
)

// CommitmentCmd builds and checks worker commitments offline.
func CommitmentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "commitment",
		Short: "Build or verify a commit-reveal commitment",
	}
	cmd.AddCommand(commitmentBuildCmd(), commitmentVerifyCmd())
	return cmd
}

// commitmentFields are the flags both subcommands share.
func commitmentFields(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String(flagModel, "", "model id")
	f.String(flagInput, "", "raw task input, hashed locally")
	f.String(flagInputHash, "", "hex sha256 of the task input")
	f.String(flagWorker, "", "worker address")
	f.String(flagNonce, "", "hex reveal nonce")
	_ = cmd.MarkFlagRequired(flagModel)
	_ = cmd.MarkFlagRequired(flagWorker)
	cmd.MarkFlagsMutuallyExclusive(flagInput, flagInputHash)
	cmd.MarkFlagsOneRequired(flagInput, flagInputHash)
}

func readCommitmentFields(cmd *cobra.Command) (model, inputHash, worker string, err error) {
	f := cmd.Flags()
	model, _ = f.GetString(flagModel)
	worker, _ = f.GetString(flagWorker)
	inputHash, _ = f.GetString(flagInputHash)
	if input, _ := f.GetString(flagInput); input != "" {
		inputHash = commitment.HashInput(input)
	}
	if _, err := commitment.DecodeDigest(inputHash); err != nil {
		return "", "", "", fmt.Errorf("--%s: %w", flagInputHash, err)
	}
	return model, inputHash, worker, nil
}

func decodeNonce(raw string) ([]byte, error) {
	nonce, err := hex.DecodeString(commitment.NormalizeHex(raw))
	if err != nil {
		return nil, fmt.Errorf("--%s: %w", flagNonce, err)
	}
	return nonce, nil
}

func commitmentBuildCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Print a commitment hash and the nonce to reveal later",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			model, inputHash, worker, err := readCommitmentFields(cmd)
			if err != nil {
				return err
			}
			raw, _ := cmd.Flags().GetString(flagNonce)
			var nonce []byte
			if raw == "" {
				nonce, err = commitment.NewNonce()
			} else {
				nonce, err = decodeNonce(raw)
			}
			if err != nil {
				return err
			}
			hash, err := commitment.Build(model, inputHash, nonce, worker)
			if err != nil {
				return err
			}
			cmd.Printf("commitment: %s\n", hash)
			cmd.Printf("nonce:      %s\n", hex.EncodeToString(nonce))
			cmd.Printf("input_hash: %s\n", commitment.NormalizeHex(inputHash))
			return nil
		},
	}
	commitmentFields(cmd)
	return cmd
}

func commitmentVerifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check a revealed nonce against a commitment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			model, inputHash, worker, err := readCommitmentFields(cmd)
			if err != nil {
				return err
			}
			raw, _ := cmd.Flags().GetString(flagNonce)
			nonce, err := decodeNonce(raw)
			if err != nil {
				return err
			}
			hash, _ := cmd.Flags().GetString(flagCommitment)
			if !commitment.VerifyReveal(hash, model, inputHash, nonce, worker) {
				return errors.New("reveal does not match commitment")
			}
			cmd.Println("ok")
			return nil
		},
	}
	commitmentFields(cmd)
	cmd.Flags().String(flagCommitment, "", "commitment hash")
	_ = cmd.MarkFlagRequired(flagCommitment)
	_ = cmd.MarkFlagRequired(flagNonce)
	return cmd
}
