package orch

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sondeworks/sonde/internal/citations"
	"github.com/sondeworks/sonde/internal/coreerr"
	"github.com/sondeworks/sonde/internal/gates"
	"github.com/sondeworks/sonde/internal/pivot"
	"github.com/sondeworks/sonde/internal/review"
	"github.com/sondeworks/sonde/internal/runcfg"
	"github.com/sondeworks/sonde/internal/runfs"
	"github.com/sondeworks/sonde/internal/runstore"
	"github.com/sondeworks/sonde/internal/stage"
	"github.com/sondeworks/sonde/internal/summaries"
	"github.com/sondeworks/sonde/internal/watchdog"
)

// Inbox paths where the task driver expects operator-supplied content.
const (
	inboxSummariesDir   = "operator/inbox/summaries"
	inboxSynthesisDraft = "operator/inbox/synthesis/draft.md"

	// synthMetaFile records which review iteration the current synthesis
	// draft was ingested for, so a revise loop demands a fresh draft.
	synthMetaFile = "synthesis/.synthesis-meta.json"
)

// tickPivot seals the gap decision (deterministic rules over the wave-1
// outputs) and advances to wave2 or citations per the decision.
func (e *Engine) tickPivot(m runstore.Manifest, reason string) (step, error) {
	st := e.Store
	if _, err := pivot.Read(st); coreerr.HasCode(err, coreerr.CodeNotFound) {
		if _, err := pivot.Decide(st, nil, reason); err != nil {
			return step{}, err
		}
	} else if err != nil {
		return step{}, err
	}
	return e.advance(stage.Advance(st, "", reason))
}

// tickCitations runs the citation pipeline end to end: extract, validate
// per the resolved mode, render the human-facing views, gate, advance.
func (e *Engine) tickCitations(ctx context.Context, m runstore.Manifest, reason string) (step, error) {
	st := e.Store
	if err := waitCtx(ctx); err != nil {
		return step{}, err
	}
	cfg, err := st.Config()
	if err != nil {
		return step{}, err
	}

	mode := citations.ResolveMode(m.Query.Sensitivity, cfg.Citations.Mode, "")
	ex, err := citations.ExtractURLs(st)
	if err != nil {
		return step{}, err
	}
	fixtures := e.Fixtures.CitationFixturesPath
	if fixtures == "" {
		fixtures = cfg.Citations.FixturesPath
	}
	out, err := citations.Validate(ctx, st, ex, citations.Options{
		Mode:         mode,
		FixturesPath: fixtures,
		Fetcher:      e.Fetcher,
	})
	if err != nil {
		return step{}, err
	}
	if err := citations.WriteBlockedQueue(st, out.Records); err != nil {
		return step{}, err
	}
	if err := citations.RenderValidated(st, out.Records); err != nil {
		return step{}, err
	}

	evalC, err := gates.EvaluateC(st)
	if err != nil {
		return step{}, err
	}
	if _, err := gates.Apply(st, evalC, "gate C: "+reason); err != nil {
		return step{}, err
	}
	if evalC.Status != runstore.GatePass {
		return e.gateFailStep(runstore.GateC, runstore.StageCitations, runstore.StageSummaries,
			evalC.Notes, reason)
	}
	return e.advance(stage.Advance(st, "", reason))
}

// tickSummaries assembles the bounded per-perspective summary pack from
// the driver's source directory and gates it.
func (e *Engine) tickSummaries(ctx context.Context, m runstore.Manifest, reason string) (step, error) {
	st := e.Store
	if err := waitCtx(ctx); err != nil {
		return step{}, err
	}
	g, err := st.Gates()
	if err != nil {
		return step{}, err
	}
	packAbs, err := st.Abs(runstore.SummaryPackFile)
	if err != nil {
		return step{}, err
	}
	if runfs.FileExists(packAbs) && g.Gates[runstore.GateD].Status == runstore.GatePass {
		return e.advance(stage.Advance(st, "", reason))
	}

	validated, err := e.validatedPool()
	if err != nil {
		return step{}, err
	}
	pd, err := st.Perspectives()
	if err != nil {
		return step{}, err
	}

	var srcDir string
	switch e.Driver {
	case runcfg.DriverFixture:
		if e.Fixtures.SummariesDir == "" {
			return step{}, coreerr.New(coreerr.CodeInvalidArgs,
				"fixture driver needs a summaries fixture directory")
		}
		srcDir = e.Fixtures.SummariesDir

	case runcfg.DriverTask:
		srcDir, err = st.Abs(inboxSummariesDir)
		if err != nil {
			return step{}, err
		}
		missing, werr := e.missingSummaries(srcDir, pd.Perspectives)
		if werr != nil {
			return step{}, werr
		}
		if len(missing) > 0 {
			return e.summaryPromptHalt(m, missing)
		}

	case runcfg.DriverLive:
		if e.Runner == nil {
			return step{}, coreerr.New(coreerr.CodeInvalidArgs,
				"live driver needs an injected AgentRunner")
		}
		srcDir, err = st.Abs(inboxSummariesDir)
		if err != nil {
			return step{}, err
		}
		if err := runfs.EnsureDir(srcDir); err != nil {
			return step{}, err
		}
		missing, werr := e.missingSummaries(srcDir, pd.Perspectives)
		if werr != nil {
			return step{}, werr
		}
		for _, p := range missing {
			out, rerr := e.Runner.RunAgent(ctx, AgentRequest{
				Stage:    runstore.StageSummaries,
				Subject:  p.ID,
				PromptMD: summaryPrompt(m, p),
			})
			if rerr != nil {
				return step{}, coreerr.Wrap(coreerr.CodeWriteFailed, rerr,
					"summary agent for %s failed", p.ID)
			}
			if err := runfs.AtomicWriteText(filepath.Join(srcDir, p.ID+".md"), out.Markdown); err != nil {
				return step{}, err
			}
		}

	default:
		return step{}, coreerr.New(coreerr.CodeInvalidArgs, "unknown driver %q", e.Driver)
	}

	if _, err := summaries.BuildPack(st, srcDir, validated, reason); err != nil {
		if contentViolation(err) {
			return e.contentHalt(runstore.StageSummaries, runstore.StageSynthesis, err,
				"fix the offending summary and re-run tick"), nil
		}
		return step{}, err
	}

	evalD, err := gates.EvaluateD(st)
	if err != nil {
		return step{}, err
	}
	if _, err := gates.Apply(st, evalD, "gate D: "+reason); err != nil {
		return step{}, err
	}
	if evalD.Status != runstore.GatePass {
		return e.gateFailStep(runstore.GateD, runstore.StageSummaries, runstore.StageSynthesis,
			evalD.Notes, reason)
	}
	return e.advance(stage.Advance(st, "", reason))
}

// tickSynthesis ingests a synthesis draft for the current review iteration,
// analyzes it, writes the gate E reports, and gates.
func (e *Engine) tickSynthesis(ctx context.Context, m runstore.Manifest, reason string) (step, error) {
	st := e.Store
	if err := waitCtx(ctx); err != nil {
		return step{}, err
	}
	g, err := st.Gates()
	if err != nil {
		return step{}, err
	}
	synthAbs, err := st.Abs(runstore.SynthesisFile)
	if err != nil {
		return step{}, err
	}
	meta, haveMeta, err := readSynthMeta(st)
	if err != nil {
		return step{}, err
	}
	current := haveMeta && meta.Iteration == m.Metrics.ReviewIterations
	if runfs.FileExists(synthAbs) && current && g.Gates[runstore.GateE].Status == runstore.GatePass {
		return e.advance(stage.Advance(st, "", reason))
	}

	validated, err := e.validatedPool()
	if err != nil {
		return step{}, err
	}

	var draft string
	var consumed string // inbox file to remove after a successful ingest
	switch e.Driver {
	case runcfg.DriverFixture:
		if e.Fixtures.SynthesisPath == "" {
			return step{}, coreerr.New(coreerr.CodeInvalidArgs,
				"fixture driver needs a synthesis fixture path")
		}
		raw, rerr := os.ReadFile(e.Fixtures.SynthesisPath)
		if rerr != nil {
			return step{}, coreerr.Wrap(coreerr.CodeMissingArtifact, rerr,
				"read synthesis fixture %s", e.Fixtures.SynthesisPath)
		}
		draft = string(raw)
		if haveMeta && runfs.DigestText(draft) == meta.Digest {
			return step{
				outcome: OutcomeBlocked,
				halt: &Halt{
					BlockedTransition: BlockedTransition{From: runstore.StageSynthesis, To: runstore.StageReview},
					Error: HaltError{
						Code:    coreerr.CodeMissingArtifact,
						Message: "the synthesis fixture was already ingested; a revised draft is required",
					},
					Blockers:     Blockers{MissingArtifacts: []string{e.Fixtures.SynthesisPath}},
					RelatedPaths: map[string]string{"revision_directives": runstore.RevisionDirectivesFile},
					Notes:        "replace the fixture with a revised synthesis and re-run tick",
				},
			}, nil
		}

	case runcfg.DriverTask:
		inboxAbs, aerr := st.Abs(inboxSynthesisDraft)
		if aerr != nil {
			return step{}, aerr
		}
		raw, rerr := os.ReadFile(inboxAbs)
		if os.IsNotExist(rerr) {
			return e.synthesisPromptHalt(m)
		}
		if rerr != nil {
			return step{}, coreerr.Wrap(coreerr.CodeWriteFailed, rerr, "read %s", inboxAbs)
		}
		draft = string(raw)
		consumed = inboxAbs

	case runcfg.DriverLive:
		if e.Runner == nil {
			return step{}, coreerr.New(coreerr.CodeInvalidArgs,
				"live driver needs an injected AgentRunner")
		}
		pack, perr := summaries.ReadPack(st)
		if perr != nil {
			return step{}, perr
		}
		out, rerr := e.Runner.RunAgent(ctx, AgentRequest{
			Stage:    runstore.StageSynthesis,
			Subject:  "draft",
			PromptMD: synthesisPrompt(m, len(pack.Summaries)),
		})
		if rerr != nil {
			return step{}, coreerr.Wrap(coreerr.CodeWriteFailed, rerr, "synthesis agent failed")
		}
		draft = out.Markdown

	default:
		return step{}, coreerr.New(coreerr.CodeInvalidArgs, "unknown driver %q", e.Driver)
	}

	if err := summaries.WriteSynthesis(st, draft, validated, reason); err != nil {
		if contentViolation(err) {
			return e.contentHalt(runstore.StageSynthesis, runstore.StageReview, err,
				"fix the draft and re-run tick"), nil
		}
		return step{}, err
	}
	if consumed != "" {
		if err := os.Remove(consumed); err != nil && !os.IsNotExist(err) {
			return step{}, coreerr.Wrap(coreerr.CodeWriteFailed, err, "consume inbox draft")
		}
	}

	analysis, err := summaries.AnalyzeSynthesis(st)
	if err != nil {
		return step{}, err
	}
	if err := summaries.GateEReports(st, analysis, validated); err != nil {
		return step{}, err
	}
	if err := writeSynthMeta(st, synthMeta{
		Iteration:  m.Metrics.ReviewIterations,
		Digest:     analysis.Digest,
		IngestedAt: runstore.ISOTime(st.Now()),
	}); err != nil {
		return step{}, err
	}

	evalE, err := gates.EvaluateE(st)
	if err != nil {
		return step{}, err
	}
	if _, err := gates.Apply(st, evalE, "gate E: "+reason); err != nil {
		return step{}, err
	}
	if evalE.Status != runstore.GatePass {
		return e.gateFailStep(runstore.GateE, runstore.StageSynthesis, runstore.StageReview,
			evalE.Notes, reason)
	}
	return e.advance(stage.Advance(st, "", reason))
}

// tickReview ingests the reviewer bundle for the current iteration, applies
// the revision-control policy, and advances, revises, or escalates.
func (e *Engine) tickReview(ctx context.Context, m runstore.Manifest, reason string) (step, error) {
	st := e.Store
	if err := waitCtx(ctx); err != nil {
		return step{}, err
	}

	wantIteration := m.Metrics.ReviewIterations + 1
	bundle, err := review.ReadBundle(st)
	fresh := err == nil && bundle.Iteration == wantIteration
	if err != nil && !coreerr.HasCode(err, coreerr.CodeNotFound) {
		return step{}, err
	}
	if !fresh {
		switch {
		case e.Fixtures.ReviewBundlePath != "":
			raw, rerr := os.ReadFile(e.Fixtures.ReviewBundlePath)
			if rerr != nil {
				return step{}, coreerr.Wrap(coreerr.CodeMissingArtifact, rerr,
					"read review bundle fixture %s", e.Fixtures.ReviewBundlePath)
			}
			var b review.Bundle
			if jerr := json.Unmarshal(raw, &b); jerr != nil {
				return step{}, coreerr.Wrap(coreerr.CodeBundleInvalid, jerr,
					"decode review bundle fixture")
			}
			b.Iteration = 0 // ingest assigns the current iteration
			if ierr := review.Ingest(st, b, reason); ierr != nil {
				return step{}, ierr
			}
		default:
			return e.reviewPromptHalt(m, wantIteration)
		}
	}

	outcome, err := review.Control(st, reason)
	if err != nil {
		return step{}, err
	}
	switch outcome {
	case review.OutcomeAdvance:
		evalF, ferr := gates.EvaluateF(st)
		if ferr != nil {
			return step{}, ferr
		}
		if _, ferr := gates.Apply(st, evalF, "gate F: "+reason); ferr != nil {
			return step{}, ferr
		}
		return e.advance(stage.Advance(st, runstore.StageFinalize, reason))
	case review.OutcomeRevise:
		return e.advance(stage.Advance(st, runstore.StageSynthesis, reason))
	case review.OutcomeEscalate:
		// Escalation surfaces the exhaustion without failing the run: the
		// operator decides whether to cancel or intervene.
		if _, ferr := st.RecordFailure(runstore.Failure{
			Kind:      "review_escalation",
			Stage:     runstore.StageReview,
			Message:   fmt.Sprintf("review iteration budget (%d) spent without a pass", m.Limits.MaxReviewIterations),
			Retryable: false,
		}, "", "review escalation"); ferr != nil {
			return step{}, ferr
		}
		return step{
			outcome: OutcomeBlocked,
			halt: &Halt{
				BlockedTransition: BlockedTransition{From: runstore.StageReview, To: runstore.StageFinalize},
				Error: HaltError{
					Code:    coreerr.CodeRetryExhausted,
					Message: "review iterations exhausted; the run was escalated",
				},
				Blockers:     Blockers{FailedChecks: []string{"review_iterations_within_cap"}},
				RelatedPaths: map[string]string{"review_bundle": runstore.ReviewBundleFile},
				Notes:        "inspect the reviewer findings, then cancel or intervene",
			},
		}, nil
	}
	return step{}, coreerr.New(coreerr.CodeInvalidState, "unknown review outcome %q", outcome)
}

// validatedPool loads the validated citation id set, empty when the
// citations stage produced no records.
func (e *Engine) validatedPool() (map[string]bool, error) {
	recs, err := citations.ReadRecords(e.Store)
	if err != nil {
		if coreerr.HasCode(err, coreerr.CodeNotFound) {
			return map[string]bool{}, nil
		}
		return nil, err
	}
	return citations.ValidatedCIDs(recs), nil
}

// missingSummaries lists perspectives with no file in the source directory.
func (e *Engine) missingSummaries(dir string, perspectives []runstore.Perspective) ([]runstore.Perspective, error) {
	var missing []runstore.Perspective
	for _, p := range perspectives {
		if !runfs.FileExists(filepath.Join(dir, p.ID+".md")) {
			missing = append(missing, p)
		}
	}
	return missing, nil
}

// summaryPromptHalt externalizes the missing summaries for the task driver.
func (e *Engine) summaryPromptHalt(m runstore.Manifest, missing []runstore.Perspective) (step, error) {
	st := e.Store
	related := map[string]string{}
	var commands []string
	var artifacts []string
	for _, p := range missing {
		rel := runstore.PromptFile(runstore.StageSummaries, p.ID)
		abs, err := st.Abs(rel)
		if err != nil {
			return step{}, err
		}
		if err := runfs.AtomicWriteText(abs, summaryPrompt(m, p)); err != nil {
			return step{}, err
		}
		related["prompt_"+p.ID] = rel
		artifacts = append(artifacts, inboxSummariesDir+"/"+p.ID+".md")
		commands = append(commands, fmt.Sprintf(
			"sonde agent-result --manifest %s --stage summaries --perspective %s --input <abs_md> --reason %q",
			st.ManifestPath, p.ID, "ingest summary"))
	}
	return step{
		outcome: OutcomeHalted,
		halt: &Halt{
			BlockedTransition: BlockedTransition{From: runstore.StageSummaries, To: runstore.StageSynthesis},
			Error: HaltError{
				Code:    coreerr.CodeRunAgentRequired,
				Message: fmt.Sprintf("%d perspective summaries need agent runs", len(missing)),
			},
			Blockers:     Blockers{MissingArtifacts: artifacts},
			RelatedPaths: related,
			NextCommands: commands,
			Notes:        "summarize each perspective's output citing only validated [@cid] ids",
		},
	}, nil
}

// synthesisPromptHalt externalizes the synthesis draft for the task driver.
func (e *Engine) synthesisPromptHalt(m runstore.Manifest) (step, error) {
	st := e.Store
	rel := runstore.PromptFile(runstore.StageSynthesis, "draft")
	abs, err := st.Abs(rel)
	if err != nil {
		return step{}, err
	}
	if err := runfs.AtomicWriteText(abs, synthesisPrompt(m, 0)); err != nil {
		return step{}, err
	}
	return step{
		outcome: OutcomeHalted,
		halt: &Halt{
			BlockedTransition: BlockedTransition{From: runstore.StageSynthesis, To: runstore.StageReview},
			Error: HaltError{
				Code:    coreerr.CodeRunAgentRequired,
				Message: "a synthesis draft is required",
			},
			Blockers: Blockers{MissingArtifacts: []string{inboxSynthesisDraft}},
			RelatedPaths: map[string]string{
				"prompt":              rel,
				"summary_pack":        runstore.SummaryPackFile,
				"revision_directives": runstore.RevisionDirectivesFile,
			},
			NextCommands: []string{fmt.Sprintf(
				"sonde agent-result --manifest %s --stage synthesis --input <abs_md> --reason %q",
				st.ManifestPath, "ingest synthesis draft")},
			Notes: "write the draft from the summary pack, citing only validated [@cid] ids",
		},
	}, nil
}

// reviewPromptHalt externalizes the reviewer bundle for the task driver.
func (e *Engine) reviewPromptHalt(m runstore.Manifest, iteration int) (step, error) {
	st := e.Store
	rel := runstore.PromptFile(runstore.StageReview, "bundle")
	abs, err := st.Abs(rel)
	if err != nil {
		return step{}, err
	}
	if err := runfs.AtomicWriteText(abs, reviewPrompt(m, iteration)); err != nil {
		return step{}, err
	}
	return step{
		outcome: OutcomeHalted,
		halt: &Halt{
			BlockedTransition: BlockedTransition{From: runstore.StageReview, To: runstore.StageFinalize},
			Error: HaltError{
				Code:    coreerr.CodeRunAgentRequired,
				Message: fmt.Sprintf("a reviewer bundle for iteration %d is required", iteration),
			},
			Blockers: Blockers{MissingArtifacts: []string{runstore.ReviewBundleFile}},
			RelatedPaths: map[string]string{
				"prompt":    rel,
				"synthesis": runstore.SynthesisFile,
			},
			NextCommands: []string{fmt.Sprintf(
				"sonde agent-result --manifest %s --stage review --input <abs_json> --reason %q",
				st.ManifestPath, "ingest review bundle")},
			Notes: "review the synthesis and produce a PASS or CHANGES_REQUIRED bundle",
		},
	}, nil
}

// gateFailStep records a retry for the failed gate when the budget allows
// and halts; a spent budget blocks with RETRY_EXHAUSTED.
func (e *Engine) gateFailStep(gateID, from, to, notes, reason string) (step, error) {
	st := e.Store
	note := "gate " + gateID + " failed: " + notes
	retryErr := watchdog.RetryRecord(st, gateID, note, reason)
	if retryErr != nil {
		if !coreerr.HasCode(retryErr, coreerr.CodeRetryExhausted) {
			return step{}, retryErr
		}
		return step{
			outcome: OutcomeBlocked,
			halt: &Halt{
				BlockedTransition: BlockedTransition{From: from, To: to},
				Error:             HaltError{Code: coreerr.CodeRetryExhausted, Message: retryErr.Error()},
				Blockers:          Blockers{BlockedGates: []string{gateID}},
				Notes:             "gate " + gateID + " retry budget is spent; the run needs operator intervention",
			},
		}, nil
	}
	return step{
		outcome: OutcomeHalted,
		halt: &Halt{
			BlockedTransition: BlockedTransition{From: from, To: to},
			Error:             HaltError{Code: coreerr.CodeGateBlocked, Message: note},
			Blockers:          Blockers{BlockedGates: []string{gateID}},
			Notes:             "a retry was recorded; fix the inputs and re-run tick",
		},
	}, nil
}

// contentHalt converts a content violation from an ingest into a blocked
// halt carrying the coded reason.
func (e *Engine) contentHalt(from, to string, err error, notes string) step {
	return step{
		outcome: OutcomeBlocked,
		halt: &Halt{
			BlockedTransition: BlockedTransition{From: from, To: to},
			Error:             HaltError{Code: coreerr.CodeOf(err), Message: err.Error()},
			Blockers:          Blockers{FailedChecks: []string{err.Error()}},
			Notes:             notes,
		},
	}
}

// contentViolation reports whether err is an agent-output defect rather
// than an infrastructure failure.
func contentViolation(err error) bool {
	for _, code := range []string{
		coreerr.CodeRawURLNotAllowed,
		coreerr.CodeUnknownCID,
		coreerr.CodeSizeCapExceeded,
		coreerr.CodeMissingRequiredSection,
	} {
		if coreerr.HasCode(err, code) {
			return true
		}
	}
	return false
}

// synthMeta is the sidecar keying the synthesis draft to its review
// iteration.
type synthMeta struct {
	Iteration  int    `json:"iteration"`
	Digest     string `json:"digest"`
	IngestedAt string `json:"ingested_at"`
}

func readSynthMeta(st *runstore.Store) (synthMeta, bool, error) {
	abs, err := st.Abs(synthMetaFile)
	if err != nil {
		return synthMeta{}, false, err
	}
	if !runfs.FileExists(abs) {
		return synthMeta{}, false, nil
	}
	var meta synthMeta
	if err := runfs.ReadJSON(abs, &meta); err != nil {
		return synthMeta{}, false, err
	}
	return meta, true, nil
}

func writeSynthMeta(st *runstore.Store, meta synthMeta) error {
	abs, err := st.Abs(synthMetaFile)
	if err != nil {
		return err
	}
	return runfs.AtomicWriteJSON(abs, meta)
}

// summaryPrompt is the externalized instruction for one perspective summary.
func summaryPrompt(m runstore.Manifest, p runstore.Perspective) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Summary: %s\n\n", p.Title)
	fmt.Fprintf(&b, "Research query: %s\n\n", m.Query.Text)
	fmt.Fprintf(&b, "Condense the %s output in wave-1/%s.md (and wave-2 gap outputs, if any)\n", p.Title, p.ID)
	fmt.Fprintf(&b, "into at most %d KB of markdown.\n\n", m.Limits.MaxSummaryKB)
	b.WriteString("Rules:\n")
	b.WriteString("- Cite sources only as [@cid_...] ids from citations/validated-citations.md.\n")
	b.WriteString("- No raw URLs.\n")
	b.WriteString("- Keep every numeric claim next to its citation.\n")
	return b.String()
}

// synthesisPrompt is the externalized instruction for the synthesis draft.
func synthesisPrompt(m runstore.Manifest, summaryCount int) string {
	var b strings.Builder
	b.WriteString("# Final Synthesis\n\n")
	fmt.Fprintf(&b, "Research query: %s\n\n", m.Query.Text)
	if summaryCount > 0 {
		fmt.Fprintf(&b, "Synthesize the %d summaries under summaries/ into one report.\n\n", summaryCount)
	} else {
		b.WriteString("Synthesize the summaries under summaries/ into one report.\n\n")
	}
	b.WriteString("Required headings: " + strings.Join(summaries.RequiredHeadings, ", ") + ".\n")
	b.WriteString("Cite only validated [@cid_...] ids; every numeric claim needs a citation.\n")
	b.WriteString("If revision directives exist under review/, address each one.\n")
	return b.String()
}

// reviewPrompt is the externalized instruction for the reviewer bundle.
func reviewPrompt(m runstore.Manifest, iteration int) string {
	var b strings.Builder
	b.WriteString("# Review\n\n")
	fmt.Fprintf(&b, "Research query: %s\n\n", m.Query.Text)
	fmt.Fprintf(&b, "Review synthesis/final-synthesis.md (iteration %d of at most %d).\n\n",
		iteration, m.Limits.MaxReviewIterations)
	b.WriteString("Produce a review-bundle.v1 JSON document with decision PASS or\n")
	b.WriteString("CHANGES_REQUIRED, findings, and revision directives.\n")
	return b.String()
}
