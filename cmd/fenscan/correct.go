package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/thyrook/fenscan/internal/board"
	"github.com/thyrook/fenscan/internal/classify"
	"github.com/thyrook/fenscan/internal/correction"
	"github.com/thyrook/fenscan/internal/iface"
)

func correctCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "correct <fen>",
		Short: "Edit a position interactively and print the corrected FEN",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			state, err := board.ParseFEN(args[0])
			if err != nil {
				return err
			}

			cli := iface.NewCLI(cmd.InOrStdin(), cmd.OutOrStdout(), a.quiet)
			session := correction.NewSession(state, classify.Report{}, a.logger())

			fen, err := cli.RunCorrection(session)
			if errors.Is(err, iface.ErrCorrectionCancelled) {
				return fmt.Errorf("no position produced: %w", err)
			}
			if err != nil {
				return err
			}

			cli.PrintFEN(fen)
			return nil
		},
	}
}
