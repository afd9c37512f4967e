package orch

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/sondeworks/sonde/internal/coreerr"
	"github.com/sondeworks/sonde/internal/review"
	"github.com/sondeworks/sonde/internal/runfs"
	"github.com/sondeworks/sonde/internal/runlock"
	"github.com/sondeworks/sonde/internal/runstore"
	"github.com/sondeworks/sonde/internal/wave"
)

// IngestRequest carries one externalized agent result back into the run.
// InputPath is an absolute path outside the run root; the content is copied
// in, never referenced.
type IngestRequest struct {
	Stage      string
	Subject    string // perspective id, gap id; empty for synthesis/review
	InputPath  string
	AgentRunID string
	Model      string
	StartedAt  string
	FinishedAt string
	Reason     string
}

// IngestResult reports where the result landed.
type IngestResult struct {
	Stage       string `json:"stage"`
	Subject     string `json:"subject,omitempty"`
	WrittenPath string `json:"written_path"`
	Cached      bool   `json:"cached"`
}

// IngestAgentResult validates and stores an agent result for the current
// stage. The stage must match the manifest, wave subjects must exist in the
// sealed plan, and wave outputs must meet their contract before anything is
// written. A result whose subject is already fresh is a no-op.
func (e *Engine) IngestAgentResult(req IngestRequest) (IngestResult, error) {
	e.applyDefaults()
	st := e.Store

	lock, err := runlock.Acquire(st.RunRoot, st.RunID, e.LockOpts)
	if err != nil {
		return IngestResult{}, err
	}
	defer func() { _ = lock.Release() }()

	m, err := st.Manifest()
	if err != nil {
		return IngestResult{}, err
	}
	if runstore.TerminalStatus(m.Status) {
		return IngestResult{}, coreerr.New(coreerr.CodeInvalidState,
			"run is %s; no results can be ingested", m.Status)
	}
	if req.Stage != m.Stage.Current {
		return IngestResult{}, coreerr.New(coreerr.CodeStageMismatch,
			"result targets stage %q but the run is in %q", req.Stage, m.Stage.Current)
	}

	raw, err := os.ReadFile(req.InputPath)
	if err != nil {
		return IngestResult{}, coreerr.Wrap(coreerr.CodeMissingArtifact, err,
			"read agent result %s", req.InputPath)
	}

	switch req.Stage {
	case runstore.StageWave1, runstore.StageWave2:
		return e.ingestWaveResult(req, m, string(raw))
	case runstore.StageSummaries:
		return e.ingestSummaryResult(req, string(raw))
	case runstore.StageSynthesis:
		return e.ingestSynthesisResult(req, string(raw))
	case runstore.StageReview:
		return e.ingestReviewResult(req, raw)
	}
	return IngestResult{}, coreerr.New(coreerr.CodeInvalidArgs,
		"stage %q takes no agent results", req.Stage)
}

func (e *Engine) ingestWaveResult(req IngestRequest, m runstore.Manifest, markdown string) (IngestResult, error) {
	st := e.Store
	waveNum := 1
	if req.Stage == runstore.StageWave2 {
		waveNum = 2
	}
	plan, err := wave.ReadPlan(st, waveNum)
	if err != nil {
		if coreerr.HasCode(err, coreerr.CodeNotFound) {
			return IngestResult{}, coreerr.New(coreerr.CodeInvalidState,
				"wave-%d has no sealed plan yet; run tick first", waveNum)
		}
		return IngestResult{}, err
	}
	entry, ok := plan.Entry(req.Subject)
	if !ok {
		return IngestResult{}, coreerr.New(coreerr.CodeMismatchedPerspective,
			"subject %q is not in the wave-%d plan", req.Subject, waveNum)
	}

	// A result for an already-fresh subject is cached work; skip the write
	// so the sidecar keeps its original provenance.
	fresh, err := wave.OutputFresh(st, waveNum, entry)
	if err != nil {
		return IngestResult{}, err
	}
	rel := runstore.WaveOutputFile(waveNum, entry.ID)
	if fresh {
		if err := st.AppendAudit("agent_result_cached", req.Reason, map[string]any{
			"stage": req.Stage, "subject": entry.ID,
		}); err != nil {
			return IngestResult{}, err
		}
		return IngestResult{Stage: req.Stage, Subject: entry.ID, WrittenPath: rel, Cached: true}, nil
	}

	res := wave.ValidateMarkdown(entry.ID, req.InputPath, markdown, entry)
	if !res.Pass {
		return IngestResult{}, coreerr.New(coreerr.CodeWave1ContractNotMet,
			"result for %s violates the contract: %s", entry.ID, failureSummary(res.Failures)).
			WithDetail("failures", res.Failures)
	}

	out := AgentOutput{
		AgentRunID: req.AgentRunID,
		Model:      req.Model,
		StartedAt:  req.StartedAt,
		FinishedAt: req.FinishedAt,
	}
	if err := e.ingestOutput(plan, entry, markdown, out, req.InputPath); err != nil {
		return IngestResult{}, err
	}
	if err := st.AppendAudit("agent_result_ingested", req.Reason, map[string]any{
		"stage": req.Stage, "subject": entry.ID, "agent_run_id": req.AgentRunID,
	}); err != nil {
		return IngestResult{}, err
	}
	return IngestResult{Stage: req.Stage, Subject: entry.ID, WrittenPath: rel}, nil
}

func (e *Engine) ingestSummaryResult(req IngestRequest, markdown string) (IngestResult, error) {
	st := e.Store
	pd, err := st.Perspectives()
	if err != nil {
		return IngestResult{}, err
	}
	known := false
	for _, p := range pd.Perspectives {
		if p.ID == req.Subject {
			known = true
			break
		}
	}
	if !known {
		return IngestResult{}, coreerr.New(coreerr.CodeMismatchedPerspective,
			"subject %q is not a run perspective", req.Subject)
	}

	rel := inboxSummariesDir + "/" + req.Subject + ".md"
	abs, err := st.Abs(rel)
	if err != nil {
		return IngestResult{}, err
	}
	if err := runfs.AtomicWriteText(abs, markdown); err != nil {
		return IngestResult{}, err
	}
	if err := st.AppendAudit("agent_result_ingested", req.Reason, map[string]any{
		"stage": req.Stage, "subject": req.Subject,
	}); err != nil {
		return IngestResult{}, err
	}
	return IngestResult{Stage: req.Stage, Subject: req.Subject, WrittenPath: rel}, nil
}

func (e *Engine) ingestSynthesisResult(req IngestRequest, markdown string) (IngestResult, error) {
	st := e.Store
	abs, err := st.Abs(inboxSynthesisDraft)
	if err != nil {
		return IngestResult{}, err
	}
	if err := runfs.AtomicWriteText(abs, markdown); err != nil {
		return IngestResult{}, err
	}
	if err := st.AppendAudit("agent_result_ingested", req.Reason, map[string]any{
		"stage": req.Stage,
	}); err != nil {
		return IngestResult{}, err
	}
	return IngestResult{Stage: req.Stage, WrittenPath: inboxSynthesisDraft}, nil
}

func (e *Engine) ingestReviewResult(req IngestRequest, raw []byte) (IngestResult, error) {
	st := e.Store
	var bundle review.Bundle
	if err := json.Unmarshal(raw, &bundle); err != nil {
		return IngestResult{}, coreerr.Wrap(coreerr.CodeBundleInvalid, err,
			"decode review bundle %s", req.InputPath)
	}
	bundle.Iteration = 0 // ingest assigns the current iteration
	if err := review.Ingest(st, bundle, req.Reason); err != nil {
		return IngestResult{}, err
	}
	return IngestResult{Stage: req.Stage, WrittenPath: runstore.ReviewBundleFile}, nil
}

func failureSummary(failures []wave.Failure) string {
	if len(failures) == 0 {
		return "no details"
	}
	s := failures[0].Code
	if n := len(failures); n > 1 {
		s = fmt.Sprintf("%s (+%d more)", s, n-1)
	}
	return s
}
