package gates

import (
	"fmt"
	"strings"

	"github.com/sondeworks/sonde/internal/runfs"
	"github.com/sondeworks/sonde/internal/runstore"
	"github.com/sondeworks/sonde/internal/summaries"
)

// minSummaryCountRatio is the fraction of expected perspective summaries
// that must be present.
const minSummaryCountRatio = 0.9

// EvaluateD checks summary pack boundedness: per-summary and total KB caps
// and coverage against the perspective set.
func EvaluateD(st *runstore.Store) (Evaluation, error) {
	e := Evaluation{GateID: runstore.GateD, Metrics: map[string]any{}}

	m, err := st.Manifest()
	if err != nil {
		return Evaluation{}, err
	}
	pd, err := st.Perspectives()
	if err != nil {
		return Evaluation{}, err
	}
	pack, err := summaries.ReadPack(st)
	if err != nil {
		e.Status = runstore.GateFail
		e.Notes = "summary pack unavailable: " + err.Error()
		return seal(e, map[string]any{"gate": runstore.GateD, "error": err.Error()})
	}

	expected := len(pd.Perspectives)
	have := map[string]bool{}
	var maxKB float64
	var problems []string
	for _, s := range pack.Summaries {
		have[s.PerspectiveID] = true
		if s.KB > maxKB {
			maxKB = s.KB
		}
		if s.KB > float64(m.Limits.MaxSummaryKB) {
			problems = append(problems, fmt.Sprintf(
				"summary %s is %.1f KB, cap %d KB", s.PerspectiveID, s.KB, m.Limits.MaxSummaryKB))
		}
	}
	var missing []string
	for _, p := range pd.Perspectives {
		if !have[p.ID] {
			missing = append(missing, p.ID)
		}
	}

	ratio := 1.0
	if expected > 0 {
		ratio = runfs.RoundRate(float64(len(have)) / float64(expected))
	}
	if ratio < minSummaryCountRatio {
		problems = append(problems, fmt.Sprintf("summary_count_ratio %.6f < %.1f", ratio, minSummaryCountRatio))
	}
	if len(missing) > 0 {
		problems = append(problems, "missing summaries: "+strings.Join(missing, ", "))
	}
	if pack.TotalKB > float64(m.Limits.MaxTotalSummaryKB) {
		problems = append(problems, fmt.Sprintf(
			"total_summary_pack_kb %.1f exceeds cap %d", pack.TotalKB, m.Limits.MaxTotalSummaryKB))
	}

	e.Metrics["summary_count_ratio"] = ratio
	e.Metrics["max_summary_kb"] = maxKB
	e.Metrics["total_summary_pack_kb"] = pack.TotalKB
	e.Artifacts = []string{runstore.SummaryPackFile}

	if len(problems) == 0 {
		e.Status = runstore.GatePass
	} else {
		e.Status = runstore.GateFail
		e.Notes = strings.Join(problems, "; ")
	}
	return seal(e, map[string]any{
		"gate":        runstore.GateD,
		"pack_digest": pack.InputsDigest,
		"expected":    expected,
	})
}
