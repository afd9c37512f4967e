package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sondeworks/sonde/internal/coreerr"
	"github.com/sondeworks/sonde/internal/runfs"
)

func newInspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect [artifact-path]",
		Short: "Print a run artifact, or the full snapshot when no path is given",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			if len(args) == 0 {
				snap, err := st.LoadSnapshot()
				if err != nil {
					return err
				}
				emit(snap, func() {
					printStatus(snap)
					for _, ev := range snap.Audit {
						fmt.Printf("  audit: %v %v\n", ev["event"], ev["reason"])
					}
				})
				return nil
			}

			rel := args[0]
			abs, err := runfs.ResolveContained(st.RunRoot, rel)
			if err != nil {
				return err
			}
			raw, err := os.ReadFile(abs)
			if err != nil {
				return coreerr.New(coreerr.CodeNotFound, "no artifact at %q", rel)
			}
			if flagJSON {
				// The artifact may not be JSON; wrap it so the single
				// object contract holds either way.
				emit(map[string]any{"path": rel, "content": string(raw)}, nil)
				return nil
			}
			_, _ = os.Stdout.Write(raw)
			return nil
		},
	}
	return cmd
}
