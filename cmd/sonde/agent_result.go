package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sondeworks/sonde/internal/coreerr"
	"github.com/sondeworks/sonde/internal/orch"
)

func newAgentResultCmd() *cobra.Command {
	var (
		ef          engineFlags
		stage       string
		perspective string
		gap         string
		input       string
		agentRunID  string
		model       string
		startedAt   string
		finishedAt  string
	)
	cmd := &cobra.Command{
		Use:   "agent-result",
		Short: "Ingest an externalized agent result into the run",
		RunE: func(cmd *cobra.Command, args []string) error {
			if perspective != "" && gap != "" {
				return coreerr.New(coreerr.CodeInvalidArgs,
					"--perspective and --gap are mutually exclusive")
			}
			subject := perspective
			if gap != "" {
				subject = gap
			}
			st, err := openStore()
			if err != nil {
				return err
			}
			eng, err := ef.buildEngine(st)
			if err != nil {
				return err
			}
			res, err := eng.IngestAgentResult(orch.IngestRequest{
				Stage:      stage,
				Subject:    subject,
				InputPath:  input,
				AgentRunID: agentRunID,
				Model:      model,
				StartedAt:  startedAt,
				FinishedAt: finishedAt,
				Reason:     reasonOr("agent result"),
			})
			if err != nil {
				return err
			}
			emit(res, func() {
				if res.Cached {
					fmt.Printf("cached: %s already has a fresh result\n", res.Subject)
					return
				}
				fmt.Printf("ingested %s result -> %s\n", res.Stage, res.WrittenPath)
			})
			return nil
		},
	}
	ef.register(cmd)
	cmd.Flags().StringVar(&stage, "stage", "", "stage the result belongs to (required)")
	cmd.Flags().StringVar(&perspective, "perspective", "", "perspective id for wave/summary results")
	cmd.Flags().StringVar(&gap, "gap", "", "gap id for wave-2 results")
	cmd.Flags().StringVar(&input, "input", "", "absolute path to the result file (required)")
	cmd.Flags().StringVar(&agentRunID, "agent-run-id", "", "external agent run identifier")
	cmd.Flags().StringVar(&model, "model", "", "model that produced the result")
	cmd.Flags().StringVar(&startedAt, "started-at", "", "agent start timestamp")
	cmd.Flags().StringVar(&finishedAt, "finished-at", "", "agent finish timestamp")
	_ = cmd.MarkFlagRequired("stage")
	_ = cmd.MarkFlagRequired("input")
	return cmd
}
