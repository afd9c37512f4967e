package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sondeworks/sonde/internal/coreerr"
	"github.com/sondeworks/sonde/internal/orch"
)

func newTickCmd() *cobra.Command {
	var ef engineFlags
	cmd := &cobra.Command{
		Use:   "tick",
		Short: "Perform one bounded unit of progress",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			eng, err := ef.buildEngine(st)
			if err != nil {
				return err
			}
			res, err := eng.Tick(cmd.Context(), reasonOr("cli tick"))
			if err != nil {
				return err
			}
			emit(res, func() { printTick(res) })
			if res.ErrorCode != "" {
				return silentExit{code: coreerr.ExitCode(coreerr.New(res.ErrorCode, "tick did not advance"))}
			}
			return nil
		},
	}
	ef.register(cmd)
	return cmd
}

func printTick(res orch.TickResult) {
	fmt.Printf("tick %d (%s): %s", res.Seq, res.Driver, res.Outcome)
	switch {
	case res.StageTo != "":
		fmt.Printf("  %s -> %s\n", res.StageFrom, res.StageTo)
	default:
		fmt.Printf("  stage %s\n", res.StageFrom)
	}
	if res.HaltPath != "" {
		fmt.Printf("  halt: %s (%s)\n", res.HaltPath, res.ErrorCode)
	}
}
