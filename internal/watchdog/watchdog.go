// Package watchdog enforces stage timeouts and per-gate retry caps. A run
// that sits in a stage past its budget fails fatally; a run waiting on a
// halt artifact is exempt, since externalized agent work has no deadline
// the core can enforce.
package watchdog

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sondeworks/sonde/internal/coreerr"
	"github.com/sondeworks/sonde/internal/runfs"
	"github.com/sondeworks/sonde/internal/runstore"
)

// retryCaps bounds how often each gate's work may be retried.
var retryCaps = map[string]int{
	runstore.GateA: 0,
	runstore.GateB: 2,
	runstore.GateC: 1,
	runstore.GateD: 1,
	runstore.GateE: 3,
	runstore.GateF: 0,
}

// RetryCap returns the retry budget for a gate.
func RetryCap(gateID string) int { return retryCaps[gateID] }

// Result reports one watchdog check.
type Result struct {
	Stage    string `json:"stage"`
	TimedOut bool   `json:"timed_out"`
	Halted   bool   `json:"halted"`
	ElapsedS int    `json:"elapsed_s"`
	TimeoutS int    `json:"timeout_s"`
}

// Check compares the current stage's age against its timeout. The stage
// argument, when non-empty, must equal manifest.stage.current; a mismatch
// is refused with STAGE_MISMATCH and nothing is checked. A run whose most
// recent tick ended in a halt is waiting on external work and never times
// out. On timeout the run fails: logs/timeout-checkpoint.md is written, a
// non-retryable failure is appended, and status flips to failed.
func Check(st *runstore.Store, stage string, now time.Time) (Result, error) {
	m, err := st.Manifest()
	if err != nil {
		return Result{}, err
	}
	if stage != "" && stage != m.Stage.Current {
		return Result{}, coreerr.New(coreerr.CodeStageMismatch,
			"watchdog stage %q does not match current stage %q", stage, m.Stage.Current)
	}
	res := Result{Stage: m.Stage.Current}

	if runstore.TerminalStatus(m.Status) {
		return res, nil
	}

	cfg, err := st.Config()
	if err != nil {
		return Result{}, err
	}
	timeout := cfg.StageTimeout(m.Stage.Current)
	res.TimeoutS = int(timeout / time.Second)

	startedAt, err := time.Parse(time.RFC3339Nano, m.Stage.StartedAt)
	if err != nil {
		return Result{}, coreerr.Wrap(coreerr.CodeInvalidState, err,
			"manifest stage.started_at is unparseable: %q", m.Stage.StartedAt)
	}
	elapsed := now.Sub(startedAt)
	res.ElapsedS = int(elapsed / time.Second)

	halted, err := waitingOnHalt(st)
	if err != nil {
		return Result{}, err
	}
	res.Halted = halted
	if elapsed <= timeout || halted {
		st.AppendTelemetry("watchdog_checked", map[string]any{
			"stage": m.Stage.Current, "timed_out": false, "halted": halted,
		})
		return res, nil
	}

	res.TimedOut = true
	if err := writeCheckpoint(st, m, res, now); err != nil {
		return Result{}, err
	}
	msg := fmt.Sprintf("stage %s exceeded its %ds timeout after %ds",
		m.Stage.Current, res.TimeoutS, res.ElapsedS)
	if _, err := st.RecordFailure(runstore.Failure{
		Kind:      "timeout",
		Stage:     m.Stage.Current,
		Message:   msg,
		Retryable: false,
	}, runstore.StatusFailed, "watchdog timeout"); err != nil {
		return Result{}, err
	}
	st.AppendTelemetry("watchdog_checked", map[string]any{
		"stage": m.Stage.Current, "timed_out": true,
	})
	return res, nil
}

// waitingOnHalt reports whether the most recent halt artifact is current:
// its tick_index equals the last ticks.jsonl seq, meaning no tick has run
// since the halt was written.
func waitingOnHalt(st *runstore.Store) (bool, error) {
	halt, err := st.LatestHalt()
	if err != nil || halt == nil {
		return false, err
	}
	tick, err := st.LastTickRecord()
	if err != nil {
		return false, err
	}
	if tick == nil {
		return true, nil // halted before any tick record; still waiting
	}
	return jsonInt(halt["tick_index"]) == jsonInt(tick["seq"]), nil
}

func jsonInt(v any) int {
	switch x := v.(type) {
	case int:
		return x
	case float64:
		return int(x)
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return int(i)
		}
	}
	return -1
}

func writeCheckpoint(st *runstore.Store, m runstore.Manifest, res Result, now time.Time) error {
	abs, err := st.Abs(runstore.TimeoutCheckpoint)
	if err != nil {
		return err
	}
	var b strings.Builder
	b.WriteString("# Timeout Checkpoint\n\n")
	fmt.Fprintf(&b, "- Run: %s\n", m.RunID)
	fmt.Fprintf(&b, "- Stage: %s\n", m.Stage.Current)
	fmt.Fprintf(&b, "- Stage started: %s\n", m.Stage.StartedAt)
	fmt.Fprintf(&b, "- Checked: %s\n", runstore.ISOTime(now))
	fmt.Fprintf(&b, "- Elapsed: %ds (budget %ds)\n", res.ElapsedS, res.TimeoutS)
	b.WriteString("\nThe run was failed by the watchdog. Inspect the stage's ")
	b.WriteString("artifacts and start a new run to continue this research.\n")
	return runfs.AtomicWriteText(abs, b.String())
}

// RetryRecord consumes one retry for a gate, bumping the manifest's retry
// counter and appending to the retry history. When the gate's cap is spent
// it returns RETRY_EXHAUSTED without writing.
func RetryRecord(st *runstore.Store, gateID, changeNote, reason string) error {
	budget, ok := retryCaps[gateID]
	if !ok {
		return coreerr.New(coreerr.CodeInvalidArgs, "unknown gate %q", gateID)
	}
	m, err := st.Manifest()
	if err != nil {
		return err
	}
	used := m.Metrics.RetryCounts[gateID]
	if used >= budget {
		return coreerr.New(coreerr.CodeRetryExhausted,
			"gate %s retries exhausted (%d of %d used)", gateID, used, budget)
	}

	metrics := m.Metrics
	counts := make(map[string]int, len(metrics.RetryCounts)+1)
	for k, v := range metrics.RetryCounts {
		counts[k] = v
	}
	counts[gateID] = used + 1
	metrics.RetryCounts = counts
	metrics.RetryHistory = append(append([]runstore.RetryEvent{}, metrics.RetryHistory...),
		runstore.RetryEvent{
			GateID:     gateID,
			ChangeNote: changeNote,
			Reason:     reason,
			TS:         runstore.ISOTime(st.Now()),
		})

	if _, err := st.ManifestWrite(map[string]any{"metrics": metrics}, m.Revision, reason); err != nil {
		return err
	}
	return st.AppendAudit("retry_recorded", reason, map[string]any{
		"gate_id":     gateID,
		"change_note": changeNote,
		"used":        used + 1,
		"cap":         budget,
	})
}
