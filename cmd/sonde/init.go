package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sondeworks/sonde/internal/coreerr"
	"github.com/sondeworks/sonde/internal/runcfg"
	"github.com/sondeworks/sonde/internal/runstore"
)

func newInitCmd() *cobra.Command {
	var (
		query          string
		mode           string
		sensitivity    string
		runID          string
		runsRoot       string
		configPath     string
		noPerspectives bool
		force          bool
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a run directory with its manifest, gates, and config",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := runstore.InitRequest{
				Query:          query,
				Mode:           mode,
				Sensitivity:    sensitivity,
				RunID:          runID,
				RunsRoot:       runsRoot,
				NoPerspectives: noPerspectives,
				Force:          force,
				Logger:         newLogger(),
			}
			if configPath != "" {
				overrides, err := runcfg.LoadOverridesFile(configPath)
				if err != nil {
					return coreerr.Wrap(coreerr.CodeInvalidArgs, err, "load --config")
				}
				req.Overrides = overrides
			}
			res, err := runstore.Init(req)
			if err != nil {
				return err
			}
			emit(res, func() {
				fmt.Printf("run %s created\n", res.RunID)
				fmt.Printf("  manifest: %s\n", res.ManifestPath)
				fmt.Printf("  gates:    %s\n", res.GatesPath)
			})
			return nil
		},
	}
	cmd.Flags().StringVar(&query, "query", "", "research query (required)")
	cmd.Flags().StringVar(&mode, "mode", "", "quick, standard, or deep")
	cmd.Flags().StringVar(&sensitivity, "sensitivity", "", "normal, restricted, or no_web")
	cmd.Flags().StringVar(&runID, "run-id", "", "override the generated run id")
	cmd.Flags().StringVar(&runsRoot, "runs-root", "", "parent directory for runs (default ./runs)")
	cmd.Flags().StringVar(&configPath, "config", "", "overrides file (.json, .yaml, .yml)")
	cmd.Flags().BoolVar(&noPerspectives, "no-perspectives", false, "skip seeding the default perspective set")
	cmd.Flags().BoolVar(&force, "force", false, "re-initialize an existing run directory")
	_ = cmd.MarkFlagRequired("query")
	return cmd
}
