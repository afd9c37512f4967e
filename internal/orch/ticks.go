package orch

import (
	"encoding/json"

	"github.com/sondeworks/sonde/internal/runfs"
	"github.com/sondeworks/sonde/internal/runstore"
)

// Tick outcomes recorded in logs/ticks.jsonl.
const (
	OutcomeAdvanced = "advanced"
	OutcomeHalted   = "halted"
	OutcomeBlocked  = "blocked"
	OutcomeNoop     = "noop"
	OutcomeFailed   = "failed"
)

// TickRecord is one logs/ticks.jsonl line. Seq is strictly increasing and
// equals the tick_index of any halt the tick wrote.
type TickRecord struct {
	TickID     string `json:"tick_id"`
	Seq        int    `json:"seq"`
	Driver     string `json:"driver"`
	StageFrom  string `json:"stage_from"`
	StageTo    string `json:"stage_to,omitempty"`
	Outcome    string `json:"outcome"`
	HaltPath   string `json:"halt_path,omitempty"`
	ErrorCode  string `json:"error_code,omitempty"`
	StartedAt  string `json:"started_at"`
	FinishedAt string `json:"finished_at"`
}

// nextSeq derives the next tick sequence number from the ticks log.
func nextSeq(st *runstore.Store) (int, error) {
	last, err := st.LastTickRecord()
	if err != nil {
		return 0, err
	}
	if last == nil {
		return 1, nil
	}
	switch v := last["seq"].(type) {
	case float64:
		return int(v) + 1, nil
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return int(i) + 1, nil
		}
	}
	return 1, nil
}

func appendTickRecord(st *runstore.Store, rec TickRecord) error {
	path, err := st.Abs(runstore.TicksLog)
	if err != nil {
		return err
	}
	return runfs.AppendJSONL(path, rec)
}
