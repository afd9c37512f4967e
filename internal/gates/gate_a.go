package gates

import (
	"fmt"
	"strings"

	"github.com/sondeworks/sonde/internal/runstore"
	"github.com/sondeworks/sonde/internal/wave"
)

// EvaluateA checks planning completeness: a valid scope, a valid
// perspective set within the agent cap, and a wave-1 plan whose entries
// match the perspectives 1:1 in id order with the scope contract embedded
// in every prompt.
func EvaluateA(st *runstore.Store) (Evaluation, error) {
	e := Evaluation{GateID: runstore.GateA, Metrics: map[string]any{}}
	var problems []string

	m, err := st.Manifest()
	if err != nil {
		return Evaluation{}, err
	}

	if _, scopeErr := st.Scope(); scopeErr != nil {
		problems = append(problems, "scope: "+scopeErr.Error())
	}

	pd, perspErr := st.Perspectives()
	if perspErr != nil {
		problems = append(problems, "perspectives: "+perspErr.Error())
	} else {
		e.Metrics["perspectives_count"] = len(pd.Perspectives)
		if len(pd.Perspectives) > m.Limits.MaxWave1Agents {
			problems = append(problems, fmt.Sprintf(
				"perspectives count %d exceeds max_wave1_agents %d",
				len(pd.Perspectives), m.Limits.MaxWave1Agents))
		}
	}

	plan, planErr := wave.ReadPlan(st, 1)
	if planErr != nil {
		problems = append(problems, "wave1-plan: "+planErr.Error())
	} else if perspErr == nil {
		ids := make([]string, 0, len(pd.Perspectives))
		for _, p := range pd.Perspectives {
			ids = append(ids, p.ID)
		}
		sortStrings(ids)
		if len(plan.Entries) != len(ids) {
			problems = append(problems, fmt.Sprintf(
				"plan has %d entries for %d perspectives", len(plan.Entries), len(ids)))
		} else {
			for i, entry := range plan.Entries {
				if entry.ID != ids[i] {
					problems = append(problems, fmt.Sprintf(
						"plan entry %d is %q, want %q (id order)", i, entry.ID, ids[i]))
					break
				}
			}
		}
		for _, entry := range plan.Entries {
			if !strings.Contains(entry.PromptMD, "## Scope Contract") {
				problems = append(problems, fmt.Sprintf(
					"prompt for %s lacks the Scope Contract heading", entry.ID))
			}
		}
		e.Metrics["plan_entries"] = len(plan.Entries)
	}

	e.Artifacts = []string{runstore.ScopeFile, runstore.PerspectivesFile, runstore.WavePlanFile(1)}
	if len(problems) == 0 {
		e.Status = runstore.GatePass
	} else {
		e.Status = runstore.GateFail
		e.Notes = strings.Join(problems, "; ")
	}

	return seal(e, map[string]any{
		"gate":         runstore.GateA,
		"plan_digest":  planDigest(plan, planErr),
		"perspectives": perspectivesDigestInput(pd, perspErr),
		"problems":     problems,
	})
}

func planDigest(plan wave.Plan, err error) string {
	if err != nil {
		return ""
	}
	return plan.InputsDigest
}

func perspectivesDigestInput(pd runstore.PerspectivesDoc, err error) any {
	if err != nil {
		return nil
	}
	return pd.Perspectives
}
