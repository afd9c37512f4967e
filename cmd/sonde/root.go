package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sondeworks/sonde/internal/coreerr"
	"github.com/sondeworks/sonde/internal/runstore"
)

// Global flags shared by every subcommand.
var (
	flagManifest string
	flagJSON     bool
	flagReason   string
	flagQuiet    bool
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "sonde",
		Short:         "Deterministic deep-research orchestrator",
		Long:          "sonde runs multi-wave research pipelines with filesystem state,\nquality gates, and resumable, externalized agent work.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&flagManifest, "manifest", "", "path to the run's manifest.json")
	pf.BoolVar(&flagJSON, "json", false, "emit exactly one JSON object on stdout")
	pf.StringVar(&flagReason, "reason", "", "reason recorded in the audit log")
	pf.BoolVar(&flagQuiet, "quiet", false, "suppress log output")

	root.AddCommand(
		newInitCmd(),
		newTickCmd(),
		newRunCmd(),
		newAgentResultCmd(),
		newStatusCmd(),
		newInspectCmd(),
		newTriageCmd(),
		newPauseCmd(),
		newResumeCmd(),
		newCancelCmd(),
		newCaptureFixturesCmd(),
		newServeCmd(),
	)
	return root
}

func run(args []string) int {
	root := newRootCmd()
	root.SetArgs(args)
	err := root.Execute()
	if err == nil {
		return 0
	}
	if se, ok := err.(silentExit); ok {
		return se.code
	}
	printError(err)
	return coreerr.ExitCode(err)
}

// newLogger builds the stderr logger. Everything structured goes to
// stderr; stdout is reserved for command output.
func newLogger() *zap.Logger {
	if flagQuiet {
		return zap.NewNop()
	}
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// openStore opens the run named by --manifest.
func openStore() (*runstore.Store, error) {
	if flagManifest == "" {
		return nil, coreerr.New(coreerr.CodeInvalidArgs, "--manifest is required")
	}
	st, err := runstore.Open(flagManifest)
	if err != nil {
		return nil, err
	}
	st.Logger = newLogger()
	return st, nil
}

func reasonOr(def string) string {
	if flagReason != "" {
		return flagReason
	}
	return def
}
