package stage

import (
	"fmt"

	"github.com/sondeworks/sonde/internal/runfs"
	"github.com/sondeworks/sonde/internal/runstore"
)

// evaluate runs the Table-1 preconditions for a transition and returns the
// evaluated checks plus the missing artifacts and blocked gates they found.
func evaluate(st *runstore.Store, m runstore.Manifest, g runstore.GatesDoc, from, to string) (checks []Check, missing, blockedGates []string, err error) {
	add := func(c Check) { checks = append(checks, c) }

	requireFile := func(rel, name string) error {
		abs, err := st.Abs(rel)
		if err != nil {
			return err
		}
		ok := runfs.FileExists(abs)
		add(Check{Name: name, OK: ok, Detail: rel})
		if !ok {
			missing = append(missing, rel)
		}
		return nil
	}
	requireDir := func(rel, name string) error {
		abs, err := st.Abs(rel)
		if err != nil {
			return err
		}
		ok := waveDirHasOutputs(abs)
		add(Check{Name: name, OK: ok, Detail: rel})
		if !ok {
			missing = append(missing, rel)
		}
		return nil
	}
	requireGate := func(id string) {
		status := g.Gates[id].Status
		ok := status == runstore.GatePass
		add(Check{Name: "gate_" + id + "_pass", OK: ok, Detail: "status=" + status})
		if !ok {
			blockedGates = append(blockedGates, id)
		}
	}

	switch key := from + ">" + to; key {
	case "init>wave1":
		abs, aerr := st.Abs(runstore.PerspectivesFile)
		if aerr != nil {
			return nil, nil, nil, aerr
		}
		if !runfs.FileExists(abs) {
			add(Check{Name: "perspectives_present", OK: false, Detail: runstore.PerspectivesFile})
			missing = append(missing, runstore.PerspectivesFile)
			break
		}
		_, perr := st.Perspectives()
		add(Check{Name: "perspectives_valid", OK: perr == nil, Detail: errDetail(perr)})
		if perr != nil {
			missing = append(missing, runstore.PerspectivesFile)
		}
	case "wave1>pivot":
		if err := requireDir(runstore.WaveDir(1), "wave1_outputs_present"); err != nil {
			return nil, nil, nil, err
		}
		if err := requireFile(runstore.WaveReviewFile, "wave_review_present"); err != nil {
			return nil, nil, nil, err
		}
		requireGate(runstore.GateB)
	case "pivot>wave2", "pivot>citations":
		if err := requireFile(runstore.PivotFile, "pivot_decision_present"); err != nil {
			return nil, nil, nil, err
		}
	case "wave2>citations":
		if err := requireDir(runstore.WaveDir(2), "wave2_outputs_present"); err != nil {
			return nil, nil, nil, err
		}
	case "citations>summaries":
		requireGate(runstore.GateC)
	case "summaries>synthesis":
		requireGate(runstore.GateD)
		if err := requireFile(runstore.SummaryPackFile, "summary_pack_present"); err != nil {
			return nil, nil, nil, err
		}
	case "synthesis>review":
		if err := requireFile(runstore.SynthesisFile, "final_synthesis_present"); err != nil {
			return nil, nil, nil, err
		}
	case "review>finalize":
		requireGate(runstore.GateE)
	case "review>synthesis":
		within := m.Metrics.ReviewIterations < m.Limits.MaxReviewIterations
		add(Check{
			Name: "review_iterations_within_cap",
			OK:   within,
			Detail: fmt.Sprintf("iteration=%d cap=%d",
				m.Metrics.ReviewIterations, m.Limits.MaxReviewIterations),
		})
		if !within {
			blockedGates = append(blockedGates, runstore.GateE)
		}
	}
	return checks, missing, blockedGates, nil
}

// waveDirHasOutputs ignores plan files and sidecars: the precondition wants
// at least one ingested markdown output.
func waveDirHasOutputs(dir string) bool {
	entries, err := readDirNames(dir)
	if err != nil {
		return false
	}
	for _, name := range entries {
		if len(name) > 3 && name[len(name)-3:] == ".md" {
			return true
		}
	}
	return false
}

func errDetail(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
