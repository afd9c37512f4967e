package watchdog

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sondeworks/sonde/internal/coreerr"
	"github.com/sondeworks/sonde/internal/runcfg"
	"github.com/sondeworks/sonde/internal/runfs"
	"github.com/sondeworks/sonde/internal/runstore"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newRun(t *testing.T) *runstore.Store {
	t.Helper()
	res, err := runstore.Init(runstore.InitRequest{
		Query:    "test query",
		Mode:     runcfg.ModeQuick,
		RunsRoot: t.TempDir(),
		Now:      func() time.Time { return t0 },
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

func TestCheckWithinBudget(t *testing.T) {
	st := newRun(t)
	res, err := Check(st, "", t0.Add(30*time.Second))
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if res.TimedOut {
		t.Fatalf("timed out inside the budget: %+v", res)
	}
	if res.Stage != runstore.StageInit {
		t.Fatalf("stage = %q", res.Stage)
	}
	if res.TimeoutS != 120 {
		t.Fatalf("init timeout = %ds, want 120", res.TimeoutS)
	}
}

func TestCheckStageMismatch(t *testing.T) {
	st := newRun(t)
	_, err := Check(st, runstore.StageReview, t0)
	if coreerr.CodeOf(err) != coreerr.CodeStageMismatch {
		t.Fatalf("code = %q, want STAGE_MISMATCH", coreerr.CodeOf(err))
	}
}

func TestCheckTimeoutFailsRun(t *testing.T) {
	st := newRun(t)
	res, err := Check(st, runstore.StageInit, t0.Add(10*time.Minute))
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !res.TimedOut {
		t.Fatalf("not timed out: %+v", res)
	}

	m, err := st.Manifest()
	if err != nil {
		t.Fatalf("Manifest: %v", err)
	}
	if m.Status != runstore.StatusFailed {
		t.Fatalf("status = %q, want failed", m.Status)
	}
	if len(m.Failures) != 1 || m.Failures[0].Kind != "timeout" || m.Failures[0].Retryable {
		t.Fatalf("failures = %+v", m.Failures)
	}

	abs, _ := st.Abs(runstore.TimeoutCheckpoint)
	if _, err := os.Stat(abs); err != nil {
		t.Fatalf("checkpoint not written: %v", err)
	}

	// A failed run is terminal; further checks are inert.
	res, err = Check(st, "", t0.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("second Check: %v", err)
	}
	if res.TimedOut {
		t.Fatalf("terminal run timed out again")
	}
}

func writeHalt(t *testing.T, st *runstore.Store, tickIndex int) {
	t.Helper()
	abs, err := st.Abs(runstore.HaltLatest)
	if err != nil {
		t.Fatalf("Abs: %v", err)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := runfs.AtomicWriteJSON(abs, map[string]any{"tick_index": tickIndex}); err != nil {
		t.Fatalf("write halt: %v", err)
	}
}

func appendTick(t *testing.T, st *runstore.Store, seq int) {
	t.Helper()
	abs, err := st.Abs(runstore.TicksLog)
	if err != nil {
		t.Fatalf("Abs: %v", err)
	}
	if err := runfs.AppendJSONL(abs, map[string]any{"seq": seq}); err != nil {
		t.Fatalf("append tick: %v", err)
	}
}

func TestCheckHaltedRunNeverTimesOut(t *testing.T) {
	st := newRun(t)
	writeHalt(t, st, 3)
	appendTick(t, st, 3)

	res, err := Check(st, "", t0.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !res.Halted {
		t.Fatalf("halted = false")
	}
	if res.TimedOut {
		t.Fatalf("halted run timed out")
	}

	// A tick after the halt ends the exemption.
	appendTick(t, st, 4)
	res, err = Check(st, "", t0.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if res.Halted {
		t.Fatalf("stale halt still exempts")
	}
	if !res.TimedOut {
		t.Fatalf("expected timeout once the halt went stale")
	}
}

func TestRetryRecordConsumesBudget(t *testing.T) {
	st := newRun(t)

	// Gate B allows two retries.
	for i := 1; i <= 2; i++ {
		if err := RetryRecord(st, runstore.GateB, "tighten the output", "wave retry"); err != nil {
			t.Fatalf("retry %d: %v", i, err)
		}
	}
	if err := RetryRecord(st, runstore.GateB, "again", "wave retry"); coreerr.CodeOf(err) != coreerr.CodeRetryExhausted {
		t.Fatalf("code = %q, want RETRY_EXHAUSTED", coreerr.CodeOf(err))
	}

	m, err := st.Manifest()
	if err != nil {
		t.Fatalf("Manifest: %v", err)
	}
	if m.Metrics.RetryCounts[runstore.GateB] != 2 {
		t.Fatalf("retry count = %d, want 2", m.Metrics.RetryCounts[runstore.GateB])
	}
	if len(m.Metrics.RetryHistory) != 2 {
		t.Fatalf("retry history = %d entries", len(m.Metrics.RetryHistory))
	}
	if m.Metrics.RetryHistory[0].GateID != runstore.GateB || m.Metrics.RetryHistory[0].ChangeNote == "" {
		t.Fatalf("history entry = %+v", m.Metrics.RetryHistory[0])
	}
}

func TestRetryRecordZeroBudgetGates(t *testing.T) {
	st := newRun(t)
	for _, id := range []string{runstore.GateA, runstore.GateF} {
		if err := RetryRecord(st, id, "x", "y"); coreerr.CodeOf(err) != coreerr.CodeRetryExhausted {
			t.Fatalf("gate %s: code = %q, want RETRY_EXHAUSTED", id, coreerr.CodeOf(err))
		}
	}
	if err := RetryRecord(st, "Z", "x", "y"); coreerr.CodeOf(err) != coreerr.CodeInvalidArgs {
		t.Fatalf("unknown gate: code = %q", coreerr.CodeOf(err))
	}
}

func TestRetryCaps(t *testing.T) {
	want := map[string]int{
		runstore.GateA: 0, runstore.GateB: 2, runstore.GateC: 1,
		runstore.GateD: 1, runstore.GateE: 3, runstore.GateF: 0,
	}
	for id, budget := range want {
		if got := RetryCap(id); got != budget {
			t.Fatalf("RetryCap(%s) = %d, want %d", id, got, budget)
		}
	}
}
