package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/thyrook/fenscan/internal/board"
)

func validateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <fen>",
		Short: "Check a FEN or piece placement and report implausible positions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fen := strings.TrimSpace(args[0])

			state, err := board.ParseFEN(fen)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "valid")
			for _, w := range state.Check() {
				fmt.Fprintf(out, "warning: %s\n", w)
			}
			return nil
		},
	}
}
