// Package gates implements the quality-gate evaluators. Evaluators read
// run artifacts and produce a status, metrics, and an inputs digest; they
// never mutate state. The caller applies the result through GatesWrite.
package gates

import (
	"sort"

	"github.com/sondeworks/sonde/internal/runfs"
	"github.com/sondeworks/sonde/internal/runstore"
)

// Evaluation is one evaluator's verdict.
type Evaluation struct {
	GateID       string         `json:"gate_id"`
	Status       string         `json:"status"`
	Metrics      map[string]any `json:"metrics"`
	Artifacts    []string       `json:"artifacts"`
	Warnings     []string       `json:"warnings"`
	Notes        string         `json:"notes"`
	InputsDigest string         `json:"inputs_digest"`
}

// Patch converts the evaluation into the restricted GatesWrite update.
func (e Evaluation) Patch(checkedAt string) map[string]runstore.GatePatch {
	status := e.Status
	notes := e.Notes
	return map[string]runstore.GatePatch{
		e.GateID: {
			Status:    &status,
			CheckedAt: &checkedAt,
			Metrics:   e.Metrics,
			Artifacts: emptyIfNil(e.Artifacts),
			Warnings:  emptyIfNil(e.Warnings),
			Notes:     &notes,
		},
	}
}

// Apply writes the evaluation through the store and records telemetry.
func Apply(st *runstore.Store, e Evaluation, reason string) (runstore.GatesDoc, error) {
	doc, err := st.GatesWrite(e.Patch(runstore.ISOTime(st.Now())), e.InputsDigest, 0, reason)
	if err != nil {
		return runstore.GatesDoc{}, err
	}
	st.AppendTelemetry("gate_evaluated", map[string]any{
		"gate":   e.GateID,
		"status": e.Status,
	})
	return doc, nil
}

// seal finishes an evaluation by digesting the declared inputs.
func seal(e Evaluation, inputs any) (Evaluation, error) {
	digest, err := runfs.DigestJSON(inputs)
	if err != nil {
		return Evaluation{}, err
	}
	e.InputsDigest = digest
	if e.Metrics == nil {
		e.Metrics = map[string]any{}
	}
	e.Artifacts = emptyIfNil(e.Artifacts)
	e.Warnings = emptyIfNil(e.Warnings)
	return e, nil
}

func sortStrings(s []string) {
	sort.Strings(s)
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
