package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sondeworks/sonde/internal/coreerr"
	"github.com/sondeworks/sonde/internal/fixturecap"
)

func newCaptureFixturesCmd() *cobra.Command {
	var (
		dest     string
		patterns []string
	)
	cmd := &cobra.Command{
		Use:   "capture-fixtures",
		Short: "Capture the run's deterministic artifacts into a fixture bundle",
		RunE: func(cmd *cobra.Command, args []string) error {
			if dest == "" {
				return coreerr.New(coreerr.CodeInvalidArgs, "--dest is required")
			}
			st, err := openStore()
			if err != nil {
				return err
			}
			bundle, err := fixturecap.Capture(st, dest, patterns, reasonOr("fixture capture"))
			if err != nil {
				return err
			}
			emit(bundle, func() {
				fmt.Printf("captured %d files into %s (bundle %s)\n",
					len(bundle.Files), dest, bundle.BundleID)
			})
			return nil
		},
	}
	cmd.Flags().StringVar(&dest, "dest", "", "destination directory for the bundle")
	cmd.Flags().StringArrayVar(&patterns, "pattern", nil, "glob to capture (repeatable; default set covers run state)")
	return cmd
}
