package orch

import (
	"github.com/sondeworks/sonde/internal/runfs"
	"github.com/sondeworks/sonde/internal/runstore"
	"github.com/sondeworks/sonde/internal/schema"
)

// BlockedTransition names the transition a halt stopped short of.
type BlockedTransition struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// HaltError is the typed reason inside a halt artifact.
type HaltError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Blockers enumerates what stands between the run and its next transition.
type Blockers struct {
	MissingArtifacts []string `json:"missing_artifacts"`
	BlockedGates     []string `json:"blocked_gates"`
	FailedChecks     []string `json:"failed_checks"`
}

// Halt is the halt.v1 artifact a tick writes when it cannot advance: the
// precise reason it stopped and the commands that unblock it.
type Halt struct {
	SchemaVersion     string            `json:"schema_version"`
	CreatedAt         string            `json:"created_at"`
	RunID             string            `json:"run_id"`
	TickIndex         int               `json:"tick_index"`
	StageCurrent      string            `json:"stage_current"`
	BlockedTransition BlockedTransition `json:"blocked_transition"`
	Error             HaltError         `json:"error"`
	Blockers          Blockers          `json:"blockers"`
	RelatedPaths      map[string]string `json:"related_paths"`
	NextCommands      []string          `json:"next_commands"`
	Notes             string            `json:"notes"`
}

// writeHalt persists the halt under operator/halt/tick-####.json and
// repoints latest.json, then audits.
func writeHalt(st *runstore.Store, h Halt) (string, error) {
	h.SchemaVersion = "halt.v1"
	h.CreatedAt = runstore.ISOTime(st.Now())
	h.RunID = st.RunID
	if h.RelatedPaths == nil {
		h.RelatedPaths = map[string]string{}
	}
	if h.NextCommands == nil {
		h.NextCommands = []string{}
	}
	if h.Blockers.MissingArtifacts == nil {
		h.Blockers.MissingArtifacts = []string{}
	}
	if h.Blockers.BlockedGates == nil {
		h.Blockers.BlockedGates = []string{}
	}
	if h.Blockers.FailedChecks == nil {
		h.Blockers.FailedChecks = []string{}
	}
	if err := schema.ValidateValue(schema.Halt, h); err != nil {
		return "", err
	}

	rel := runstore.HaltTickFile(h.TickIndex)
	abs, err := st.Abs(rel)
	if err != nil {
		return "", err
	}
	if err := runfs.AtomicWriteJSON(abs, h); err != nil {
		return "", err
	}
	latestAbs, err := st.Abs(runstore.HaltLatest)
	if err != nil {
		return "", err
	}
	if err := runfs.AtomicWriteJSON(latestAbs, h); err != nil {
		return "", err
	}
	if err := st.AppendAudit("halt_written", h.Error.Message, map[string]any{
		"halt_path":  rel,
		"code":       h.Error.Code,
		"tick_index": h.TickIndex,
	}); err != nil {
		return "", err
	}
	st.AppendTelemetry("halt_written", map[string]any{
		"stage": h.StageCurrent,
		"code":  h.Error.Code,
	})
	return rel, nil
}
