// Package review ingests reviewer bundles and drives the revision-control
// policy: advance to finalize, revise back into synthesis, or escalate
// when the iteration budget is spent.
package review

import (
	"github.com/sondeworks/sonde/internal/coreerr"
	"github.com/sondeworks/sonde/internal/runfs"
	"github.com/sondeworks/sonde/internal/runstore"
	"github.com/sondeworks/sonde/internal/schema"
)

// Review decisions.
const (
	DecisionPass            = "PASS"
	DecisionChangesRequired = "CHANGES_REQUIRED"
)

// maxFindings bounds findings and directives per bundle.
const maxFindings = 100

// Finding is one reviewer observation.
type Finding struct {
	ID       string `json:"id"`
	Severity string `json:"severity"`
	Text     string `json:"text"`
}

// Directive is one revision instruction.
type Directive struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// Bundle is the review-bundle.v1 document.
type Bundle struct {
	SchemaVersion string      `json:"schema_version"`
	RunID         string      `json:"run_id"`
	CreatedAt     string      `json:"created_at"`
	Iteration     int         `json:"iteration"`
	Decision      string      `json:"decision"`
	Findings      []Finding   `json:"findings"`
	Directives    []Directive `json:"directives"`
}

// Ingest validates a reviewer bundle and writes review/review-bundle.json
// plus review/revision-directives.json. Findings and directives beyond the
// cap are rejected, not truncated: a reviewer emitting more than 100 is
// broken upstream.
func Ingest(st *runstore.Store, bundle Bundle, reason string) error {
	m, err := st.Manifest()
	if err != nil {
		return err
	}
	bundle.SchemaVersion = "review-bundle.v1"
	if bundle.RunID == "" {
		bundle.RunID = m.RunID
	}
	if bundle.CreatedAt == "" {
		bundle.CreatedAt = runstore.ISOTime(st.Now())
	}
	if bundle.Iteration == 0 {
		bundle.Iteration = m.Metrics.ReviewIterations + 1
	}
	if len(bundle.Findings) > maxFindings || len(bundle.Directives) > maxFindings {
		return coreerr.New(coreerr.CodeBundleInvalid,
			"bundle carries %d findings and %d directives; cap is %d",
			len(bundle.Findings), len(bundle.Directives), maxFindings)
	}
	if bundle.Findings == nil {
		bundle.Findings = []Finding{}
	}
	if bundle.Directives == nil {
		bundle.Directives = []Directive{}
	}

	if err := st.WriteArtifact(runstore.ReviewBundleFile, schema.ReviewBundle, bundle, reason); err != nil {
		return err
	}
	directives := map[string]any{
		"iteration":  bundle.Iteration,
		"directives": bundle.Directives,
	}
	abs, err := st.Abs(runstore.RevisionDirectivesFile)
	if err != nil {
		return err
	}
	return runfs.AtomicWriteJSON(abs, directives)
}

// ReadBundle loads and validates review/review-bundle.json.
func ReadBundle(st *runstore.Store) (Bundle, error) {
	path, err := st.Abs(runstore.ReviewBundleFile)
	if err != nil {
		return Bundle{}, err
	}
	doc, err := runfs.ReadJSONMap(path)
	if err != nil {
		return Bundle{}, err
	}
	if err := schema.Validate(schema.ReviewBundle, doc); err != nil {
		return Bundle{}, err
	}
	var bundle Bundle
	if err := runfs.ReadJSON(path, &bundle); err != nil {
		return Bundle{}, err
	}
	return bundle, nil
}

// Outcomes of the revision-control policy.
const (
	OutcomeAdvance  = "advance"
	OutcomeRevise   = "revise"
	OutcomeEscalate = "escalate"
)

// Control applies the revision-control policy: advance when the reviewer
// passed and Gate E passed; escalate when the iteration budget is spent;
// otherwise revise back into synthesis. The decision is audited.
func Control(st *runstore.Store, reason string) (string, error) {
	m, err := st.Manifest()
	if err != nil {
		return "", err
	}
	g, err := st.Gates()
	if err != nil {
		return "", err
	}
	bundle, err := ReadBundle(st)
	if err != nil {
		return "", err
	}

	outcome := OutcomeRevise
	switch {
	case bundle.Decision == DecisionPass && g.Gates[runstore.GateE].Status == runstore.GatePass:
		outcome = OutcomeAdvance
	case m.Metrics.ReviewIterations >= m.Limits.MaxReviewIterations:
		outcome = OutcomeEscalate
	}

	if err := st.AppendAudit("revision_control", reason, map[string]any{
		"outcome":           outcome,
		"review_decision":   bundle.Decision,
		"gate_e":            g.Gates[runstore.GateE].Status,
		"review_iterations": m.Metrics.ReviewIterations,
	}); err != nil {
		return "", err
	}
	return outcome, nil
}
