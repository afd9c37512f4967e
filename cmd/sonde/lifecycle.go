package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sondeworks/sonde/internal/orch"
	"github.com/sondeworks/sonde/internal/runlock"
	"github.com/sondeworks/sonde/internal/runstore"
)

func newPauseCmd() *cobra.Command {
	return lifecycleCmd("pause", "Pause the run; ticks become no-ops", orch.Pause)
}

func newResumeCmd() *cobra.Command {
	return lifecycleCmd("resume", "Resume a paused run", orch.Resume)
}

func newCancelCmd() *cobra.Command {
	return lifecycleCmd("cancel", "Cancel the run permanently", orch.Cancel)
}

func lifecycleCmd(name, short string, fn func(*runstore.Store, runlock.Options, string) error) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			if err := fn(st, runlock.Options{}, reasonOr("cli "+name)); err != nil {
				return err
			}
			m, err := st.Manifest()
			if err != nil {
				return err
			}
			out := map[string]any{"run_id": m.RunID, "status": m.Status}
			emit(out, func() {
				fmt.Printf("run %s is now %s\n", m.RunID, m.Status)
			})
			return nil
		},
	}
}
