package orch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/sondeworks/sonde/internal/coreerr"
	"github.com/sondeworks/sonde/internal/gates"
	"github.com/sondeworks/sonde/internal/pivot"
	"github.com/sondeworks/sonde/internal/runcfg"
	"github.com/sondeworks/sonde/internal/runfs"
	"github.com/sondeworks/sonde/internal/runstore"
	"github.com/sondeworks/sonde/internal/stage"
	"github.com/sondeworks/sonde/internal/watchdog"
	"github.com/sondeworks/sonde/internal/wave"
)

// tickWave1 runs the wave-1 stage: ensure the plan, check Gate A, bring
// every perspective's output up to date through the driver, review, gate,
// and advance to pivot.
func (e *Engine) tickWave1(ctx context.Context, m runstore.Manifest, reason string) (step, error) {
	st := e.Store

	plan, err := wave.ReadPlan(st, 1)
	if coreerr.HasCode(err, coreerr.CodeNotFound) {
		plan, err = wave.BuildWave1Plan(st)
		if err != nil {
			return step{}, err
		}
		if err := wave.WritePlan(st, plan); err != nil {
			return step{}, err
		}
	} else if err != nil {
		return step{}, err
	}

	evalA, err := gates.EvaluateA(st)
	if err != nil {
		return step{}, err
	}
	if _, err := gates.Apply(st, evalA, "gate A: "+reason); err != nil {
		return step{}, err
	}
	if evalA.Status != runstore.GatePass {
		return step{
			outcome: OutcomeBlocked,
			halt: &Halt{
				BlockedTransition: BlockedTransition{From: runstore.StageWave1, To: runstore.StagePivot},
				Error:             HaltError{Code: coreerr.CodeGateBlocked, Message: "gate A failed: " + evalA.Notes},
				Blockers:          Blockers{BlockedGates: []string{runstore.GateA}},
				Notes:             "fix the planning artifacts and re-run tick",
			},
		}, nil
	}

	if s, done, err := e.materializeOutputs(ctx, m, plan, runstore.StageWave1); err != nil || !done {
		return s, err
	}

	review, err := wave.BuildReview(st, plan, m.Limits.MaxWaveFailures)
	if err != nil {
		return step{}, err
	}
	if err := wave.WriteReview(st, review); err != nil {
		return step{}, err
	}
	evalB, err := gates.EvaluateB(st)
	if err != nil {
		return step{}, err
	}
	if _, err := gates.Apply(st, evalB, "gate B: "+reason); err != nil {
		return step{}, err
	}
	if evalB.Status != runstore.GatePass {
		return e.waveContractHalt(review, reason)
	}

	return e.advance(stage.Advance(st, "", reason))
}

// tickWave2 is the gap-driven variant: the plan derives from the pivot's
// selected gaps, outputs validate against the wave-2 contract, and the
// stage advances once every gap is covered.
func (e *Engine) tickWave2(ctx context.Context, m runstore.Manifest, reason string) (step, error) {
	st := e.Store

	plan, err := wave.ReadPlan(st, 2)
	if coreerr.HasCode(err, coreerr.CodeNotFound) {
		pdoc, perr := pivot.Read(st)
		if perr != nil {
			return step{}, perr
		}
		plan, err = wave.BuildWave2Plan(st, selectedGaps(pdoc))
		if err != nil {
			return step{}, err
		}
		if err := wave.WritePlan(st, plan); err != nil {
			return step{}, err
		}
	} else if err != nil {
		return step{}, err
	}

	if s, done, err := e.materializeOutputs(ctx, m, plan, runstore.StageWave2); err != nil || !done {
		return s, err
	}

	// Gap outputs honor the same contract validator; a violation blocks
	// the transition rather than failing a gate.
	var failed []string
	for _, entry := range plan.Entries {
		abs, err := st.Abs(runstore.WaveOutputFile(2, entry.ID))
		if err != nil {
			return step{}, err
		}
		res, err := wave.ValidateOutput(entry.ID, abs, entry)
		if err != nil {
			return step{}, err
		}
		if !res.Pass {
			failed = append(failed, fmt.Sprintf("%s: %s", entry.ID, res.Failures[0].Code))
		}
	}
	if len(failed) > 0 {
		return step{
			outcome: OutcomeBlocked,
			halt: &Halt{
				BlockedTransition: BlockedTransition{From: runstore.StageWave2, To: runstore.StageCitations},
				Error: HaltError{
					Code:    coreerr.CodeWave1ContractNotMet,
					Message: "wave-2 outputs violate the contract",
				},
				Blockers: Blockers{FailedChecks: failed},
				Notes:    "re-run the failing gap agents with corrected output",
			},
		}, nil
	}

	return e.advance(stage.Advance(st, "", reason))
}

// selectedGaps resolves the pivot's wave-2 gap ids to plan inputs.
func selectedGaps(doc pivot.Doc) []wave.Gap {
	byID := map[string]pivot.Gap{}
	for _, g := range doc.Gaps {
		byID[g.ID] = g
	}
	var out []wave.Gap
	for _, id := range doc.Decision.Wave2GapIDs {
		if g, ok := byID[id]; ok {
			out = append(out, wave.Gap{ID: g.ID, Priority: g.Priority, Text: g.Text})
		}
	}
	return out
}

// materializeOutputs brings every stale plan entry's output up to date via
// the driver. done=false means the tick must stop (prompts written, halt
// emitted) and the returned step carries the halt.
func (e *Engine) materializeOutputs(ctx context.Context, m runstore.Manifest, plan wave.Plan, stageName string) (step, bool, error) {
	st := e.Store

	var stale []wave.PlanEntry
	for _, entry := range plan.Entries {
		fresh, err := wave.OutputFresh(st, plan.Wave, entry)
		if err != nil {
			return step{}, false, err
		}
		if !fresh {
			stale = append(stale, entry)
		}
	}
	if len(stale) == 0 {
		return step{}, true, nil
	}

	switch e.Driver {
	case runcfg.DriverFixture:
		dir := e.Fixtures.Wave1Dir
		if plan.Wave == 2 {
			dir = e.Fixtures.Wave2Dir
		}
		if dir == "" {
			return step{}, false, coreerr.New(coreerr.CodeInvalidArgs,
				"fixture driver needs a wave-%d fixture directory", plan.Wave)
		}
		for _, entry := range stale {
			if err := waitCtx(ctx); err != nil {
				return step{}, false, err
			}
			src := filepath.Join(dir, entry.ID+".md")
			raw, err := os.ReadFile(src)
			if err != nil {
				s := step{
					outcome: OutcomeBlocked,
					halt: &Halt{
						BlockedTransition: blockedFor(stageName),
						Error: HaltError{
							Code:    coreerr.CodeMissingArtifact,
							Message: "no fixture output for " + entry.ID,
						},
						Blockers: Blockers{MissingArtifacts: []string{src}},
						Notes:    "supply the fixture file and re-run tick",
					},
				}
				return s, false, nil
			}
			if err := e.ingestOutput(plan, entry, string(raw), AgentOutput{AgentRunID: "fixture"}, src); err != nil {
				return step{}, false, err
			}
		}
		return step{}, true, nil

	case runcfg.DriverTask:
		return e.promptOutHalt(plan, stale, stageName)

	case runcfg.DriverLive:
		if e.Runner == nil {
			return step{}, false, coreerr.New(coreerr.CodeInvalidArgs,
				"live driver needs an injected AgentRunner")
		}
		if err := e.runAgentsParallel(ctx, m, plan, stale, stageName); err != nil {
			return step{}, false, err
		}
		return step{}, true, nil
	}
	return step{}, false, coreerr.New(coreerr.CodeInvalidArgs, "unknown driver %q", e.Driver)
}

func blockedFor(stageName string) BlockedTransition {
	if stageName == runstore.StageWave2 {
		return BlockedTransition{From: runstore.StageWave2, To: runstore.StageCitations}
	}
	return BlockedTransition{From: runstore.StageWave1, To: runstore.StagePivot}
}

// promptOutHalt externalizes the stale entries: prompts land under
// operator/prompts/<stage>/ and the halt names the agent-result calls
// that feed the outputs back in.
func (e *Engine) promptOutHalt(plan wave.Plan, stale []wave.PlanEntry, stageName string) (step, bool, error) {
	st := e.Store
	subjectFlag := "--perspective"
	if stageName == runstore.StageWave2 {
		subjectFlag = "--gap"
	}

	related := map[string]string{}
	var commands []string
	var missing []string
	for _, entry := range stale {
		rel := runstore.PromptFile(stageName, entry.ID)
		abs, err := st.Abs(rel)
		if err != nil {
			return step{}, false, err
		}
		if err := runfs.AtomicWriteText(abs, entry.PromptMD); err != nil {
			return step{}, false, err
		}
		related["prompt_"+entry.ID] = rel
		missing = append(missing, runstore.WaveOutputFile(plan.Wave, entry.ID))
		commands = append(commands, fmt.Sprintf(
			"sonde agent-result --manifest %s --stage %s %s %s --input <abs_md> --agent-run-id <id> --reason %q",
			st.ManifestPath, stageName, subjectFlag, entry.ID, "ingest "+stageName+" output"))
	}
	sort.Strings(missing)

	if err := st.AppendAudit("prompts_written", "externalized agent work", map[string]any{
		"stage":    stageName,
		"subjects": len(stale),
	}); err != nil {
		return step{}, false, err
	}

	s := step{
		outcome: OutcomeHalted,
		halt: &Halt{
			BlockedTransition: blockedFor(stageName),
			Error: HaltError{
				Code:    coreerr.CodeRunAgentRequired,
				Message: fmt.Sprintf("%d %s outputs need agent runs", len(stale), stageName),
			},
			Blockers:     Blockers{MissingArtifacts: missing},
			RelatedPaths: related,
			NextCommands: commands,
			Notes:        "run each prompt through an agent and ingest the results",
		},
	}
	return s, false, nil
}

// runAgentsParallel fans the stale entries out over the AgentRunner with
// bounded concurrency. The first failure cancels the remaining work.
func (e *Engine) runAgentsParallel(ctx context.Context, m runstore.Manifest, plan wave.Plan, stale []wave.PlanEntry, stageName string) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.fanOutLimit(m.Limits))

	var mu sync.Mutex
	for _, entry := range stale {
		entry := entry
		g.Go(func() error {
			if err := waitCtx(ctx); err != nil {
				return err
			}
			out, err := e.Runner.RunAgent(ctx, AgentRequest{
				Stage:    stageName,
				Subject:  entry.ID,
				PromptMD: entry.PromptMD,
			})
			if err != nil {
				return coreerr.Wrap(coreerr.CodeWave1NotValidated, err,
					"agent run for %s failed", entry.ID)
			}
			// Ingest serially: every ingest writes the audit log.
			mu.Lock()
			defer mu.Unlock()
			return e.ingestOutput(plan, entry, out.Markdown, out, "")
		})
	}
	return g.Wait()
}

// ingestOutput writes one wave output plus its digest sidecar.
func (e *Engine) ingestOutput(plan wave.Plan, entry wave.PlanEntry, markdown string, out AgentOutput, sourcePath string) error {
	st := e.Store
	if out.AgentRunID == "" {
		out.AgentRunID = uuid.NewString()
	}
	abs, err := st.Abs(runstore.WaveOutputFile(plan.Wave, entry.ID))
	if err != nil {
		return err
	}
	if err := runfs.AtomicWriteText(abs, markdown); err != nil {
		return err
	}
	meta := wave.Meta{
		ID:              entry.ID,
		Wave:            plan.Wave,
		PromptDigest:    entry.PromptDigest,
		AgentRunID:      out.AgentRunID,
		StartedAt:       out.StartedAt,
		FinishedAt:      out.FinishedAt,
		Model:           out.Model,
		IngestedAt:      runstore.ISOTime(st.Now()),
		SourceInputPath: sourcePath,
	}
	if err := wave.WriteMeta(st, meta); err != nil {
		return err
	}
	st.AppendTelemetry("agent_result_ingested", map[string]any{
		"wave":    plan.Wave,
		"subject": entry.ID,
	})
	return nil
}

// waveContractHalt handles a Gate B failure: consume a retry when the
// budget allows (clearing the failing sidecars so the next tick re-runs
// those agents), or report exhaustion.
func (e *Engine) waveContractHalt(review wave.Review, reason string) (step, error) {
	st := e.Store

	var failing []string
	for _, res := range review.Results {
		if !res.Pass {
			failing = append(failing, res.ID)
		}
	}
	note := "re-run failing wave-1 agents: " + strings.Join(failing, ", ")

	retryErr := watchdog.RetryRecord(st, runstore.GateB, note, reason)
	if retryErr != nil {
		if !coreerr.HasCode(retryErr, coreerr.CodeRetryExhausted) {
			return step{}, retryErr
		}
		return step{
			outcome: OutcomeBlocked,
			halt: &Halt{
				BlockedTransition: BlockedTransition{From: runstore.StageWave1, To: runstore.StagePivot},
				Error:             HaltError{Code: coreerr.CodeRetryExhausted, Message: retryErr.Error()},
				Blockers:          Blockers{BlockedGates: []string{runstore.GateB}, FailedChecks: failing},
				Notes:             "gate B retry budget is spent; the run needs operator intervention",
			},
		}, nil
	}

	// Invalidate the failing outputs so the next tick re-runs them.
	for _, id := range failing {
		abs, err := st.Abs(runstore.WaveMetaFile(review.Wave, id))
		if err != nil {
			return step{}, err
		}
		if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
			return step{}, coreerr.Wrap(coreerr.CodeWriteFailed, err, "remove sidecar for %s", id)
		}
	}
	return step{
		outcome: OutcomeHalted,
		halt: &Halt{
			BlockedTransition: BlockedTransition{From: runstore.StageWave1, To: runstore.StagePivot},
			Error: HaltError{
				Code:    coreerr.CodeWave1ContractNotMet,
				Message: "wave-1 outputs violate the contract; a retry was recorded",
			},
			Blockers:     Blockers{FailedChecks: failing},
			RelatedPaths: map[string]string{"retry_directives": runstore.RetryDirectivesFile},
			Notes:        note,
		},
	}, nil
}
