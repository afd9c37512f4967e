package orch

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sondeworks/sonde/internal/citations"
	"github.com/sondeworks/sonde/internal/coreerr"
	"github.com/sondeworks/sonde/internal/review"
	"github.com/sondeworks/sonde/internal/runcfg"
	"github.com/sondeworks/sonde/internal/runfs"
	"github.com/sondeworks/sonde/internal/runstore"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newStore(t *testing.T, sensitivity string) *runstore.Store {
	t.Helper()
	res, err := runstore.Init(runstore.InitRequest{
		Query:       "test query",
		Mode:        runcfg.ModeQuick,
		Sensitivity: sensitivity,
		RunsRoot:    t.TempDir(),
		Now:         func() time.Time { return t0 },
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	st, err := runstore.Open(res.ManifestPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	st.Now = func() time.Time { return t0 }
	return st
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// goodWave is a contract-clean output with no actionable gaps.
func goodWave(url string) string {
	return "## Findings\n\nThe field is maturing steadily.\n\n" +
		"## Sources\n\n- " + url + "\n\n" +
		"## Gaps\n\nNo material gaps surfaced.\n"
}

// gapWave carries one explicit gap bullet.
func gapWave(url, gapLine string) string {
	return "## Findings\n\nThe field is maturing steadily.\n\n" +
		"## Sources\n\n- " + url + "\n\n" +
		"## Gaps\n\n" + gapLine + "\n"
}

const (
	urlA = "https://example.com/a"
	urlB = "https://example.com/b"
	urlC = "https://example.com/c"
)

func writeCitationFixtures(t *testing.T, urls ...string) string {
	t.Helper()
	doc := citations.FixturesDoc{
		SchemaVersion: "citation-fixtures.v1",
		Fixtures:      map[string]citations.Fixture{},
	}
	for _, u := range urls {
		doc.Fixtures[u] = citations.Fixture{Status: citations.StatusValid, HTTPStatus: 200}
	}
	path := filepath.Join(t.TempDir(), "fixtures.json")
	if err := runfs.AtomicWriteJSON(path, doc); err != nil {
		t.Fatalf("write fixtures: %v", err)
	}
	return path
}

func writeReviewBundle(t *testing.T, decision string) string {
	t.Helper()
	raw, err := json.Marshal(review.Bundle{
		Decision: decision,
		Findings: []review.Finding{},
		Directives: []review.Directive{
			{ID: "d1", Text: "none"},
		},
	})
	if err != nil {
		t.Fatalf("marshal bundle: %v", err)
	}
	path := filepath.Join(t.TempDir(), "bundle.json")
	writeFile(t, path, string(raw))
	return path
}

func synthesisDraft(note string) string {
	cidA := citations.CID(urlA)
	cidB := citations.CID(urlB)
	return "# Report\n\n" +
		"## Summary\n\nDeployment is expanding [@" + cidA + "]. " + note + "\n\n" +
		"## Key Findings\n\nPilots report steady results [@" + cidB + "].\n\n" +
		"## Evidence\n\nOperators describe stable behavior [@" + cidA + "].\n\n" +
		"## Caveats\n\nCoverage is limited to public reporting.\n"
}

// fixtureEngine assembles a fixture-driver engine whose preloaded data can
// carry a quick-mode run end to end.
func fixtureEngine(t *testing.T, wave1 map[string]string) *Engine {
	t.Helper()
	st := newStore(t, runcfg.SensitivityNoWeb)

	wave1Dir := t.TempDir()
	for id, content := range wave1 {
		writeFile(t, filepath.Join(wave1Dir, id+".md"), content)
	}
	summariesDir := t.TempDir()
	cidA := citations.CID(urlA)
	cidB := citations.CID(urlB)
	writeFile(t, filepath.Join(summariesDir, "landscape.md"),
		"Pilot lines are live [@"+cidA+"].\n")
	writeFile(t, filepath.Join(summariesDir, "evidence.md"),
		"Measured results hold up [@"+cidB+"].\n")

	synthPath := filepath.Join(t.TempDir(), "synthesis.md")
	writeFile(t, synthPath, synthesisDraft(""))

	return &Engine{
		Store:  st,
		Driver: runcfg.DriverFixture,
		Fixtures: Fixtures{
			Wave1Dir:             wave1Dir,
			SummariesDir:         summariesDir,
			SynthesisPath:        synthPath,
			ReviewBundlePath:     writeReviewBundle(t, review.DecisionPass),
			CitationFixturesPath: writeCitationFixtures(t, urlA, urlB, urlC),
		},
	}
}

func TestRunFixtureDriverToFinalize(t *testing.T) {
	e := fixtureEngine(t, map[string]string{
		"landscape": goodWave(urlA),
		"evidence":  goodWave(urlB),
	})

	results, err := e.Run(context.Background(), RunOptions{Reason: "test run"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	wantStages := []string{
		runstore.StageWave1, runstore.StagePivot, runstore.StageCitations,
		runstore.StageSummaries, runstore.StageSynthesis, runstore.StageReview,
		runstore.StageFinalize,
	}
	if len(results) != len(wantStages) {
		t.Fatalf("ticks = %d, want %d: %+v", len(results), len(wantStages), results)
	}
	for i, res := range results {
		if res.Outcome != OutcomeAdvanced {
			t.Fatalf("tick %d outcome = %q: %+v", i+1, res.Outcome, res)
		}
		if res.StageTo != wantStages[i] {
			t.Fatalf("tick %d advanced to %q, want %q", i+1, res.StageTo, wantStages[i])
		}
		if res.Seq != i+1 {
			t.Fatalf("tick %d seq = %d", i+1, res.Seq)
		}
	}

	m, err := e.Store.Manifest()
	if err != nil {
		t.Fatalf("Manifest: %v", err)
	}
	if m.Status != runstore.StatusCompleted {
		t.Fatalf("status = %q, want completed", m.Status)
	}
	if m.Stage.Current != runstore.StageFinalize {
		t.Fatalf("stage = %q", m.Stage.Current)
	}

	g, err := e.Store.Gates()
	if err != nil {
		t.Fatalf("Gates: %v", err)
	}
	for _, id := range []string{runstore.GateA, runstore.GateB, runstore.GateC,
		runstore.GateD, runstore.GateE} {
		if g.Gates[id].Status != runstore.GatePass {
			t.Fatalf("gate %s = %q, want pass", id, g.Gates[id].Status)
		}
	}
	if g.Gates[runstore.GateF].Status != runstore.GateNotRun {
		t.Fatalf("gate F = %q, want not_run", g.Gates[runstore.GateF].Status)
	}

	// A terminal run ticks as a no-op.
	res, err := e.Tick(context.Background(), "after completion")
	if err != nil {
		t.Fatalf("Tick after completion: %v", err)
	}
	if res.Outcome != OutcomeNoop {
		t.Fatalf("terminal tick outcome = %q", res.Outcome)
	}
}

func TestRunFansOutToWave2OnP0Gap(t *testing.T) {
	e := fixtureEngine(t, map[string]string{
		"landscape": goodWave(urlA),
		"evidence":  gapWave(urlB, "- (P0) pricing data is missing entirely [#cost]"),
	})
	e.Fixtures.Wave2Dir = t.TempDir()
	writeFile(t, filepath.Join(e.Fixtures.Wave2Dir, "g1.md"),
		"## Findings\n\nPricing closed the gap.\n\n## Sources\n\n- "+urlC+"\n")

	results, err := e.Run(context.Background(), RunOptions{
		Until:  runstore.StageCitations,
		Reason: "wave2 path",
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	wantStages := []string{
		runstore.StageWave1, runstore.StagePivot, runstore.StageWave2,
		runstore.StageCitations,
	}
	if len(results) != len(wantStages) {
		t.Fatalf("ticks = %d: %+v", len(results), results)
	}
	for i, res := range results {
		if res.Outcome != OutcomeAdvanced || res.StageTo != wantStages[i] {
			t.Fatalf("tick %d = %+v, want advance to %q", i+1, res, wantStages[i])
		}
	}

	abs, _ := e.Store.Abs(runstore.WaveOutputFile(2, "g1"))
	if _, err := os.Stat(abs); err != nil {
		t.Fatalf("wave-2 output not ingested: %v", err)
	}
}

func TestTaskDriverPromptOutAndIngest(t *testing.T) {
	st := newStore(t, runcfg.SensitivityNormal)
	e := &Engine{Store: st, Driver: runcfg.DriverTask}
	ctx := context.Background()

	if res, err := e.Tick(ctx, "start"); err != nil || res.StageTo != runstore.StageWave1 {
		t.Fatalf("first tick = %+v, err %v", res, err)
	}

	res, err := e.Tick(ctx, "wave1 work")
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if res.Outcome != OutcomeHalted || res.ErrorCode != coreerr.CodeRunAgentRequired {
		t.Fatalf("tick = %+v, want a RUN_AGENT_REQUIRED halt", res)
	}
	for _, id := range []string{"landscape", "evidence"} {
		abs, aerr := st.Abs(runstore.PromptFile(runstore.StageWave1, id))
		if aerr != nil {
			t.Fatalf("Abs: %v", aerr)
		}
		if _, serr := os.Stat(abs); serr != nil {
			t.Fatalf("prompt for %s not written: %v", id, serr)
		}
	}

	// The halt's tick_index matches the last ticks.jsonl record.
	halt, err := st.LatestHalt()
	if err != nil {
		t.Fatalf("LatestHalt: %v", err)
	}
	tickIndex, err := halt["tick_index"].(json.Number).Int64()
	if err != nil {
		t.Fatalf("tick_index: %v", err)
	}
	if int(tickIndex) != res.Seq {
		t.Fatalf("halt tick_index = %v, tick seq = %d", halt["tick_index"], res.Seq)
	}

	inputs := t.TempDir()
	good := filepath.Join(inputs, "out.md")
	writeFile(t, good, goodWave(urlA))

	// Wrong stage.
	_, err = e.IngestAgentResult(IngestRequest{
		Stage: runstore.StageSummaries, Subject: "landscape",
		InputPath: good, Reason: "wrong stage",
	})
	if coreerr.CodeOf(err) != coreerr.CodeStageMismatch {
		t.Fatalf("code = %q, want STAGE_MISMATCH", coreerr.CodeOf(err))
	}

	// Unknown subject.
	_, err = e.IngestAgentResult(IngestRequest{
		Stage: runstore.StageWave1, Subject: "nonesuch",
		InputPath: good, Reason: "bad subject",
	})
	if coreerr.CodeOf(err) != coreerr.CodeMismatchedPerspective {
		t.Fatalf("code = %q, want MISMATCHED_PERSPECTIVE_ID", coreerr.CodeOf(err))
	}

	// A contract violation rejects before anything lands in the run.
	bad := filepath.Join(inputs, "bad.md")
	writeFile(t, bad, "## Findings\n\nno sources or gaps\n")
	_, err = e.IngestAgentResult(IngestRequest{
		Stage: runstore.StageWave1, Subject: "landscape",
		InputPath: bad, Reason: "bad content",
	})
	if coreerr.CodeOf(err) != coreerr.CodeWave1ContractNotMet {
		t.Fatalf("code = %q, want WAVE1_CONTRACT_NOT_MET", coreerr.CodeOf(err))
	}
	abs, _ := st.Abs(runstore.WaveOutputFile(1, "landscape"))
	if _, serr := os.Stat(abs); serr == nil {
		t.Fatalf("rejected result was written anyway")
	}

	for _, id := range []string{"landscape", "evidence"} {
		got, ierr := e.IngestAgentResult(IngestRequest{
			Stage: runstore.StageWave1, Subject: id,
			InputPath: good, AgentRunID: "run-" + id, Reason: "ingest",
		})
		if ierr != nil {
			t.Fatalf("ingest %s: %v", id, ierr)
		}
		if got.Cached {
			t.Fatalf("fresh ingest for %s reported cached", id)
		}
	}

	// A result for an already-fresh subject is cached work.
	got, err := e.IngestAgentResult(IngestRequest{
		Stage: runstore.StageWave1, Subject: "landscape",
		InputPath: good, Reason: "duplicate",
	})
	if err != nil {
		t.Fatalf("duplicate ingest: %v", err)
	}
	if !got.Cached {
		t.Fatalf("duplicate ingest not cached: %+v", got)
	}

	res, err = e.Tick(ctx, "resume")
	if err != nil {
		t.Fatalf("Tick after ingest: %v", err)
	}
	if res.Outcome != OutcomeAdvanced || res.StageTo != runstore.StagePivot {
		t.Fatalf("tick = %+v, want advance to pivot", res)
	}
}

func TestGateBRetryBudget(t *testing.T) {
	e := fixtureEngine(t, map[string]string{
		"landscape": "## Findings\n\nmissing the other sections\n",
		"evidence":  goodWave(urlB),
	})
	ctx := context.Background()

	if _, err := e.Tick(ctx, "start"); err != nil {
		t.Fatalf("first tick: %v", err)
	}

	// Gate B allows two retries; each failing tick consumes one.
	for i := 1; i <= 2; i++ {
		res, err := e.Tick(ctx, "wave1")
		if err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
		if res.Outcome != OutcomeHalted || res.ErrorCode != coreerr.CodeWave1ContractNotMet {
			t.Fatalf("tick %d = %+v, want a contract halt", i, res)
		}
	}
	res, err := e.Tick(ctx, "wave1")
	if err != nil {
		t.Fatalf("exhausting tick: %v", err)
	}
	if res.Outcome != OutcomeBlocked || res.ErrorCode != coreerr.CodeRetryExhausted {
		t.Fatalf("tick = %+v, want RETRY_EXHAUSTED", res)
	}

	m, err := e.Store.Manifest()
	if err != nil {
		t.Fatalf("Manifest: %v", err)
	}
	if m.Metrics.RetryCounts[runstore.GateB] != 2 {
		t.Fatalf("retry count = %d, want 2", m.Metrics.RetryCounts[runstore.GateB])
	}
}

func TestReviewReviseThenEscalate(t *testing.T) {
	e := fixtureEngine(t, map[string]string{
		"landscape": goodWave(urlA),
		"evidence":  goodWave(urlB),
	})
	e.Fixtures.ReviewBundlePath = writeReviewBundle(t, review.DecisionChangesRequired)
	ctx := context.Background()

	results, err := e.Run(context.Background(), RunOptions{Reason: "revise loop"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// The reviewer demands changes, the run loops back to synthesis, and the
	// stale fixture draft blocks until a revision shows up.
	last := results[len(results)-1]
	if last.Outcome != OutcomeBlocked || last.StageFrom != runstore.StageSynthesis {
		t.Fatalf("last tick = %+v, want a synthesis block", last)
	}
	m, err := e.Store.Manifest()
	if err != nil {
		t.Fatalf("Manifest: %v", err)
	}
	if m.Metrics.ReviewIterations != 1 {
		t.Fatalf("review iterations = %d, want 1", m.Metrics.ReviewIterations)
	}

	// A revised draft unblocks synthesis.
	writeFile(t, e.Fixtures.SynthesisPath, synthesisDraft("Revised per the directives."))
	res, err := e.Tick(ctx, "revised draft")
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if res.Outcome != OutcomeAdvanced || res.StageTo != runstore.StageReview {
		t.Fatalf("tick = %+v, want advance to review", res)
	}

	// Quick mode allows one review iteration; a second CHANGES_REQUIRED
	// escalates. The run stays alive for the operator to cancel.
	res, err = e.Tick(ctx, "second review")
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if res.Outcome != OutcomeBlocked || res.ErrorCode != coreerr.CodeRetryExhausted {
		t.Fatalf("tick = %+v, want an escalation block", res)
	}
	m, err = e.Store.Manifest()
	if err != nil {
		t.Fatalf("Manifest: %v", err)
	}
	if m.Status != runstore.StatusRunning {
		t.Fatalf("status = %q, want running after escalation", m.Status)
	}
	if m.Stage.Current != runstore.StageReview {
		t.Fatalf("stage = %q, want review", m.Stage.Current)
	}
	failure := m.Failures[len(m.Failures)-1]
	if failure.Kind != "review_escalation" || failure.Retryable {
		t.Fatalf("failure = %+v", failure)
	}
}

// countingRunner is an AgentRunner stub that counts calls per subject and
// can return contract-violating output on demand.
type countingRunner struct {
	calls map[string]int
	bad   map[string]bool
}

func (r *countingRunner) RunAgent(_ context.Context, req AgentRequest) (AgentOutput, error) {
	if r.calls == nil {
		r.calls = map[string]int{}
	}
	r.calls[req.Subject]++
	if r.bad[req.Subject] {
		return AgentOutput{Markdown: "## Findings\n\nno sources or gaps\n"}, nil
	}
	return AgentOutput{Markdown: goodWave(urlA), AgentRunID: "stub-" + req.Subject}, nil
}

func TestLiveDriverRerunsOnlyStaleOutputs(t *testing.T) {
	st := newStore(t, runcfg.SensitivityNormal)
	runner := &countingRunner{bad: map[string]bool{"evidence": true}}
	e := &Engine{Store: st, Driver: runcfg.DriverLive, Runner: runner}
	ctx := context.Background()

	if _, err := e.Tick(ctx, "start"); err != nil {
		t.Fatalf("first tick: %v", err)
	}

	// Both agents run; the bad evidence output fails the contract review and
	// consumes a retry, which invalidates only that output.
	res, err := e.Tick(ctx, "wave1")
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if res.Outcome != OutcomeHalted || res.ErrorCode != coreerr.CodeWave1ContractNotMet {
		t.Fatalf("tick = %+v, want a contract halt", res)
	}
	if runner.calls["landscape"] != 1 || runner.calls["evidence"] != 1 {
		t.Fatalf("calls = %v", runner.calls)
	}

	// Only the invalidated subject re-runs; the fresh one is cached.
	runner.bad["evidence"] = false
	res, err = e.Tick(ctx, "wave1 retry")
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if res.Outcome != OutcomeAdvanced || res.StageTo != runstore.StagePivot {
		t.Fatalf("tick = %+v, want advance to pivot", res)
	}
	if runner.calls["landscape"] != 1 || runner.calls["evidence"] != 2 {
		t.Fatalf("calls after retry = %v", runner.calls)
	}
}

func TestTaskDriverWave2GapFlow(t *testing.T) {
	st := newStore(t, runcfg.SensitivityNormal)
	e := &Engine{Store: st, Driver: runcfg.DriverTask}
	ctx := context.Background()
	inputs := t.TempDir()

	if _, err := e.Tick(ctx, "start"); err != nil {
		t.Fatalf("first tick: %v", err)
	}
	if res, err := e.Tick(ctx, "wave1"); err != nil || res.Outcome != OutcomeHalted {
		t.Fatalf("wave1 tick = %+v, err %v", res, err)
	}

	wave1 := map[string]string{
		"landscape": goodWave(urlA),
		"evidence":  gapWave(urlB, "- (P0) pricing data is missing entirely [#cost]"),
	}
	for id, content := range wave1 {
		path := filepath.Join(inputs, id+".md")
		writeFile(t, path, content)
		if _, err := e.IngestAgentResult(IngestRequest{
			Stage: runstore.StageWave1, Subject: id,
			InputPath: path, Reason: "ingest wave1",
		}); err != nil {
			t.Fatalf("ingest %s: %v", id, err)
		}
	}
	if res, err := e.Tick(ctx, "to pivot"); err != nil || res.StageTo != runstore.StagePivot {
		t.Fatalf("tick = %+v, err %v", res, err)
	}
	if res, err := e.Tick(ctx, "pivot"); err != nil || res.StageTo != runstore.StageWave2 {
		t.Fatalf("pivot tick = %+v, err %v (P0 gap must require wave2)", res, err)
	}

	// The gap work externalizes like wave-1: prompt out, halt, ingest back.
	res, err := e.Tick(ctx, "wave2")
	if err != nil {
		t.Fatalf("wave2 tick: %v", err)
	}
	if res.Outcome != OutcomeHalted || res.ErrorCode != coreerr.CodeRunAgentRequired {
		t.Fatalf("wave2 tick = %+v", res)
	}
	promptAbs, _ := st.Abs(runstore.PromptFile(runstore.StageWave2, "g1"))
	if _, serr := os.Stat(promptAbs); serr != nil {
		t.Fatalf("gap prompt not written: %v", serr)
	}

	gapOut := filepath.Join(inputs, "g1.md")
	writeFile(t, gapOut, "## Findings\n\nPricing closed the gap.\n\n## Sources\n\n- "+urlC+"\n")
	if _, err := e.IngestAgentResult(IngestRequest{
		Stage: runstore.StageWave2, Subject: "g1",
		InputPath: gapOut, AgentRunID: "run-g1", Reason: "ingest gap",
	}); err != nil {
		t.Fatalf("ingest gap: %v", err)
	}

	res, err = e.Tick(ctx, "resume wave2")
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if res.Outcome != OutcomeAdvanced || res.StageTo != runstore.StageCitations {
		t.Fatalf("tick = %+v, want advance to citations", res)
	}
	for _, rel := range []string{
		runstore.WaveOutputFile(2, "g1"),
		runstore.WaveMetaFile(2, "g1"),
	} {
		abs, _ := st.Abs(rel)
		if _, serr := os.Stat(abs); serr != nil {
			t.Fatalf("%s missing after ingest: %v", rel, serr)
		}
	}
}

func TestLifecycleGatesTicks(t *testing.T) {
	e := fixtureEngine(t, map[string]string{
		"landscape": goodWave(urlA),
		"evidence":  goodWave(urlB),
	})
	st := e.Store
	ctx := context.Background()

	if err := Pause(st, e.LockOpts, "hold"); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	res, err := e.Tick(ctx, "while paused")
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if res.Outcome != OutcomeNoop {
		t.Fatalf("paused tick outcome = %q", res.Outcome)
	}

	if err := Resume(st, e.LockOpts, "resume"); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	res, err = e.Tick(ctx, "after resume")
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if res.Outcome != OutcomeAdvanced {
		t.Fatalf("resumed tick outcome = %q", res.Outcome)
	}

	if err := Cancel(st, e.LockOpts, "stop"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	res, err = e.Tick(ctx, "after cancel")
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if res.Outcome != OutcomeNoop {
		t.Fatalf("cancelled tick outcome = %q", res.Outcome)
	}
	if err := Pause(st, e.LockOpts, "too late"); coreerr.CodeOf(err) != coreerr.CodeLifecycleRuleViolation {
		t.Fatalf("code = %q, want LIFECYCLE_RULE_VIOLATION", coreerr.CodeOf(err))
	}
}
