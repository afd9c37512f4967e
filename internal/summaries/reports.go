package summaries

import (
	"github.com/sondeworks/sonde/internal/runfs"
	"github.com/sondeworks/sonde/internal/runstore"
)

// GateEReports writes the four reports/gate-e-*.json documents: numeric
// claim findings, sections-present, citation utilization, and the overall
// status. All four are canonically serialized and atomically written.
func GateEReports(st *runstore.Store, analysis Analysis, validated map[string]bool) error {
	usedCids := map[string]bool{}
	for _, cid := range analysis.CIDMentions {
		usedCids[cid] = true
	}
	utilization := 1.0
	if len(validated) > 0 {
		utilization = runfs.RoundRate(float64(len(usedCids)) / float64(len(validated)))
	}
	duplicateRate := 0.0
	if n := len(analysis.CIDMentions); n > 0 {
		duplicateRate = runfs.RoundRate(1.0 - float64(len(usedCids))/float64(n))
	}

	claims := analysis.UncitedNumericClaims
	if claims == nil {
		claims = []NumericClaim{}
	}
	missing := analysis.MissingSections
	if missing == nil {
		missing = []string{}
	}

	reports := map[string]any{
		"numeric-claims": map[string]any{
			"uncited_numeric_claims": len(claims),
			"findings":               claims,
		},
		"sections": map[string]any{
			"required":                RequiredHeadings,
			"missing":                 missing,
			"report_sections_present": runfs.RoundRate(analysis.SectionsPresentRatio()),
		},
		"citation-utilization": map[string]any{
			"used_cids":               len(usedCids),
			"validated_cids":          len(validated),
			"total_mentions":          len(analysis.CIDMentions),
			"citation_utilization":    utilization,
			"duplicate_citation_rate": duplicateRate,
		},
		"status": map[string]any{
			"synthesis_digest": analysis.Digest,
			"pass":             len(claims) == 0 && len(missing) == 0,
		},
	}

	for name, body := range reports {
		canon, err := runfs.CanonicalJSON(body)
		if err != nil {
			return err
		}
		abs, err := st.Abs(runstore.GateEReportFile(name))
		if err != nil {
			return err
		}
		if err := runfs.AtomicWriteText(abs, string(canon)+"\n"); err != nil {
			return err
		}
	}
	return st.AppendAudit("gate_e_reports", "synthesis quality reports", map[string]any{
		"synthesis_digest": analysis.Digest,
	})
}
