package gates

import (
	"fmt"
	"strings"

	"github.com/sondeworks/sonde/internal/citations"
	"github.com/sondeworks/sonde/internal/runfs"
	"github.com/sondeworks/sonde/internal/runstore"
	"github.com/sondeworks/sonde/internal/summaries"
)

// Gate E soft-warning thresholds.
const (
	minCitationUtilization = 0.6
	maxDuplicateRate       = 0.2
)

// Gate E warning codes.
const (
	WarnLowUtilization = "LOW_CITATION_UTILIZATION"
	WarnHighDuplicates = "HIGH_DUPLICATE_CITATION_RATE"
)

// EvaluateE checks synthesis quality. Hard requirements: zero uncited
// numeric claims and all required report sections present. Utilization and
// duplicate-rate findings surface as warnings only.
func EvaluateE(st *runstore.Store) (Evaluation, error) {
	e := Evaluation{GateID: runstore.GateE, Metrics: map[string]any{}}

	analysis, err := summaries.AnalyzeSynthesis(st)
	if err != nil {
		e.Status = runstore.GateFail
		e.Notes = "synthesis unavailable: " + err.Error()
		return seal(e, map[string]any{"gate": runstore.GateE, "error": err.Error()})
	}
	records, err := citations.ReadRecords(st)
	if err != nil {
		records = nil
	}
	pool := citations.ValidatedCIDs(records)

	sectionsPresent := runfs.RoundRate(analysis.SectionsPresentRatio())
	uncited := len(analysis.UncitedNumericClaims)

	usedCids := map[string]bool{}
	for _, cid := range analysis.CIDMentions {
		usedCids[cid] = true
	}
	totalMentions := len(analysis.CIDMentions)

	var problems []string
	if uncited > 0 {
		problems = append(problems, fmt.Sprintf("%d uncited numeric claims", uncited))
	}
	if sectionsPresent < 1.0 {
		problems = append(problems, fmt.Sprintf(
			"missing sections: %s", strings.Join(analysis.MissingSections, ", ")))
	}

	utilization := 1.0
	if len(pool) > 0 {
		utilization = runfs.RoundRate(float64(len(usedCids)) / float64(len(pool)))
		if utilization < minCitationUtilization {
			e.Warnings = append(e.Warnings, WarnLowUtilization)
		}
	}
	duplicateRate := 0.0
	if totalMentions > 0 {
		duplicateRate = runfs.RoundRate(1.0 - float64(len(usedCids))/float64(totalMentions))
		if duplicateRate > maxDuplicateRate {
			e.Warnings = append(e.Warnings, WarnHighDuplicates)
		}
	}

	e.Metrics["uncited_numeric_claims"] = uncited
	e.Metrics["report_sections_present"] = sectionsPresent
	e.Metrics["citation_utilization"] = utilization
	e.Metrics["duplicate_citation_rate"] = duplicateRate
	e.Metrics["used_cids"] = len(usedCids)
	e.Metrics["validated_cids"] = len(pool)
	e.Artifacts = []string{runstore.SynthesisFile}

	if len(problems) == 0 {
		e.Status = runstore.GatePass
	} else {
		e.Status = runstore.GateFail
		e.Notes = strings.Join(problems, "; ")
	}
	return seal(e, map[string]any{
		"gate":             runstore.GateE,
		"synthesis_digest": analysis.Digest,
		"validated_cids":   len(pool),
		"problems":         problems,
	})
}

// EvaluateF is the rollout-safety placeholder: external tooling owns it,
// so the status stays not_run.
func EvaluateF(st *runstore.Store) (Evaluation, error) {
	e := Evaluation{
		GateID: runstore.GateF,
		Status: runstore.GateNotRun,
		Notes:  "rollout checks are external to this repo",
	}
	return seal(e, map[string]any{"gate": runstore.GateF})
}
