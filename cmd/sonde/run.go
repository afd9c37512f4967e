package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sondeworks/sonde/internal/coreerr"
	"github.com/sondeworks/sonde/internal/orch"
)

func newRunCmd() *cobra.Command {
	var (
		ef       engineFlags
		maxTicks int
		until    string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Tick until the run halts, blocks, or reaches a stage",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			eng, err := ef.buildEngine(st)
			if err != nil {
				return err
			}
			results, err := eng.Run(cmd.Context(), orch.RunOptions{
				MaxTicks: maxTicks,
				Until:    until,
				Reason:   reasonOr("cli run"),
			})
			out := map[string]any{"ticks": results}
			if err != nil {
				return err
			}
			emit(out, func() {
				for _, res := range results {
					printTick(res)
				}
				fmt.Printf("%d ticks\n", len(results))
			})
			if n := len(results); n > 0 && results[n-1].ErrorCode != "" {
				return silentExit{code: coreerr.ExitCode(
					coreerr.New(results[n-1].ErrorCode, "run stopped"))}
			}
			return nil
		},
	}
	ef.register(cmd)
	cmd.Flags().IntVar(&maxTicks, "max-ticks", 0, "cap on ticks this invocation")
	cmd.Flags().StringVar(&until, "until", "", "stop after reaching this stage")
	return cmd
}
