package wave

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sondeworks/sonde/internal/runfs"
	"github.com/sondeworks/sonde/internal/runstore"
	"github.com/sondeworks/sonde/internal/schema"
)

// PlanEntry is one subject of a wave: a perspective in wave 1, a gap in
// wave 2. The prompt is fully materialized so its digest pins staleness.
type PlanEntry struct {
	ID                  string   `json:"id"`
	Title               string   `json:"title"`
	PromptMD            string   `json:"prompt_md"`
	PromptDigest        string   `json:"prompt_digest"`
	MaxWords            int      `json:"max_words"`
	MaxSources          int      `json:"max_sources"`
	MustIncludeSections []string `json:"must_include_sections"`
}

// Plan is the wave-plan.v1 document.
type Plan struct {
	SchemaVersion string      `json:"schema_version"`
	RunID         string      `json:"run_id"`
	Wave          int         `json:"wave"`
	CreatedAt     string      `json:"created_at"`
	InputsDigest  string      `json:"inputs_digest"`
	Entries       []PlanEntry `json:"entries"`
}

// Entry returns the plan entry with the given id.
func (p Plan) Entry(id string) (PlanEntry, bool) {
	for _, e := range p.Entries {
		if e.ID == id {
			return e, true
		}
	}
	return PlanEntry{}, false
}

// BuildWave1Plan deterministically derives the wave-1 plan: perspectives
// sorted by id, each prompt embedding the scope contract and the
// perspective's caps. The inputs digest covers everything the prompts
// depend on, so a scope or contract change forces agent re-runs.
func BuildWave1Plan(st *runstore.Store) (Plan, error) {
	m, err := st.Manifest()
	if err != nil {
		return Plan{}, err
	}
	pd, err := st.Perspectives()
	if err != nil {
		return Plan{}, err
	}
	scope, err := st.Scope()
	if err != nil {
		return Plan{}, err
	}

	perspectives := append([]runstore.Perspective(nil), pd.Perspectives...)
	sort.Slice(perspectives, func(i, j int) bool { return perspectives[i].ID < perspectives[j].ID })

	scopeText := scopeContract(scope)
	digest, err := runfs.DigestJSON(map[string]any{
		"run_id":       m.RunID,
		"query":        m.Query,
		"limits":       m.Limits,
		"perspectives": perspectives,
		"scope":        scopeText,
	})
	if err != nil {
		return Plan{}, err
	}

	plan := Plan{
		SchemaVersion: "wave-plan.v1",
		RunID:         m.RunID,
		Wave:          1,
		CreatedAt:     runstore.ISOTime(st.Now()),
		InputsDigest:  digest,
	}
	for _, p := range perspectives {
		prompt := buildPrompt(m.Query.Text, p.Title, p.Track, scopeText, p.PromptContract)
		plan.Entries = append(plan.Entries, PlanEntry{
			ID:                  p.ID,
			Title:               p.Title,
			PromptMD:            prompt,
			PromptDigest:        runfs.DigestText(prompt),
			MaxWords:            p.PromptContract.MaxWords,
			MaxSources:          p.PromptContract.MaxSources,
			MustIncludeSections: p.PromptContract.MustIncludeSections,
		})
	}
	return plan, nil
}

// Wave2Sections is the contract for gap-filling outputs: Gaps is optional
// in wave 2, so only Findings and Sources are required.
var Wave2Sections = []string{"Findings", "Sources"}

// Gap is the subset of a pivot gap a wave-2 plan needs.
type Gap struct {
	ID       string
	Priority string
	Text     string
}

// BuildWave2Plan derives the gap-driven wave-2 plan from the pivot's
// selected gaps, in gap id order.
func BuildWave2Plan(st *runstore.Store, gaps []Gap) (Plan, error) {
	m, err := st.Manifest()
	if err != nil {
		return Plan{}, err
	}
	scope, err := st.Scope()
	if err != nil {
		return Plan{}, err
	}
	sorted := append([]Gap(nil), gaps...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	scopeText := scopeContract(scope)
	digest, err := runfs.DigestJSON(map[string]any{
		"run_id": m.RunID,
		"query":  m.Query,
		"limits": m.Limits,
		"gaps":   sorted,
		"scope":  scopeText,
	})
	if err != nil {
		return Plan{}, err
	}

	contract := runstore.PromptContract{
		MaxWords:            m.Limits.MaxWords,
		MaxSources:          m.Limits.MaxSources,
		MustIncludeSections: Wave2Sections,
	}
	plan := Plan{
		SchemaVersion: "wave-plan.v1",
		RunID:         m.RunID,
		Wave:          2,
		CreatedAt:     runstore.ISOTime(st.Now()),
		InputsDigest:  digest,
	}
	for _, gap := range sorted {
		title := fmt.Sprintf("Gap %s (%s): %s", gap.ID, gap.Priority, gap.Text)
		prompt := buildPrompt(m.Query.Text, title, "gap_fill", scopeText, contract)
		plan.Entries = append(plan.Entries, PlanEntry{
			ID:                  gap.ID,
			Title:               title,
			PromptMD:            prompt,
			PromptDigest:        runfs.DigestText(prompt),
			MaxWords:            contract.MaxWords,
			MaxSources:          contract.MaxSources,
			MustIncludeSections: contract.MustIncludeSections,
		})
	}
	return plan, nil
}

// WritePlan validates and atomically writes a wave plan, auditing the write.
func WritePlan(st *runstore.Store, plan Plan) error {
	if err := st.WriteArtifact(runstore.WavePlanFile(plan.Wave), schema.WavePlan, plan,
		fmt.Sprintf("wave-%d plan", plan.Wave)); err != nil {
		return err
	}
	return nil
}

// ReadPlan loads and validates a wave plan.
func ReadPlan(st *runstore.Store, waveNum int) (Plan, error) {
	path, err := st.Abs(runstore.WavePlanFile(waveNum))
	if err != nil {
		return Plan{}, err
	}
	doc, err := runfs.ReadJSONMap(path)
	if err != nil {
		return Plan{}, err
	}
	if err := schema.Validate(schema.WavePlan, doc); err != nil {
		return Plan{}, err
	}
	var plan Plan
	if err := runfs.ReadJSON(path, &plan); err != nil {
		return Plan{}, err
	}
	return plan, nil
}

func scopeContract(scope runstore.ScopeDoc) string {
	var b strings.Builder
	b.WriteString("## Scope Contract\n\n")
	b.WriteString("Questions:\n")
	for _, q := range scope.Questions {
		fmt.Fprintf(&b, "- %s\n", q)
	}
	if len(scope.NonGoals) > 0 {
		b.WriteString("\nNon-goals:\n")
		for _, ng := range scope.NonGoals {
			fmt.Fprintf(&b, "- %s\n", ng)
		}
	}
	fmt.Fprintf(&b, "\nDeliverable: %s\n", scope.Deliverable)
	fmt.Fprintf(&b, "Depth: %s\n", scope.Depth)
	fmt.Fprintf(&b, "Time budget: %d minutes\n", scope.TimeBudgetMinutes)
	fmt.Fprintf(&b, "Citation posture: %s\n", scope.CitationPosture)
	return b.String()
}

func buildPrompt(query, title, track, scopeText string, c runstore.PromptContract) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Research Task: %s\n\n", title)
	fmt.Fprintf(&b, "Query: %s\n\nTrack: %s\n\n", query, track)
	b.WriteString(scopeText)
	b.WriteString("\n## Output Contract\n\n")
	fmt.Fprintf(&b, "- At most %d words.\n", c.MaxWords)
	fmt.Fprintf(&b, "- At most %d sources, each a bullet with a full URL under `## Sources`.\n", c.MaxSources)
	fmt.Fprintf(&b, "- Required sections: %s.\n", strings.Join(sectionHeadings(c.MustIncludeSections), ", "))
	if c.ToolBudget > 0 {
		fmt.Fprintf(&b, "- Tool budget: %d invocations.\n", c.ToolBudget)
	}
	b.WriteString("- Record open gaps under `## Gaps` as `- (P0..P3) <text> [#tag]` bullets.\n")
	return b.String()
}

func sectionHeadings(sections []string) []string {
	out := make([]string, len(sections))
	for i, s := range sections {
		out[i] = "`## " + s + "`"
	}
	return out
}
