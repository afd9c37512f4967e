package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newTriageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "triage",
		Short: "Explain what the run is waiting on and how to unblock it",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			m, err := st.Manifest()
			if err != nil {
				return err
			}
			halt, err := st.LatestHalt()
			if err != nil {
				return err
			}
			out := map[string]any{
				"run_id": m.RunID,
				"status": m.Status,
				"stage":  m.Stage.Current,
				"halt":   halt,
			}
			emit(out, func() {
				fmt.Printf("run %s  status=%s  stage=%s\n", m.RunID, m.Status, m.Stage.Current)
				if halt == nil {
					fmt.Println("no halt on record; the run is not waiting on anything")
					return
				}
				if e, ok := halt["error"].(map[string]any); ok {
					fmt.Printf("halted: %v (%v)\n", e["message"], e["code"])
				}
				if b, ok := halt["blockers"].(map[string]any); ok {
					printList := func(label string, key string) {
						items, _ := b[key].([]any)
						if len(items) == 0 {
							return
						}
						fmt.Printf("%s:\n", label)
						for _, it := range items {
							fmt.Printf("  - %v\n", it)
						}
					}
					printList("missing artifacts", "missing_artifacts")
					printList("blocked gates", "blocked_gates")
					printList("failed checks", "failed_checks")
				}
				if cmds, ok := halt["next_commands"].([]any); ok && len(cmds) > 0 {
					fmt.Println("next commands:")
					for _, c := range cmds {
						fmt.Printf("  %v\n", c)
					}
				}
				if notes, ok := halt["notes"].(string); ok && notes != "" {
					fmt.Printf("notes: %s\n", notes)
				}
			})
			return nil
		},
	}
	return cmd
}
