// Package pivot decides whether a run needs a second, gap-filling wave. It
// parses gaps from wave-1 outputs, normalizes them, applies the priority
// rules in order, and writes pivot.json with a deterministic digest.
package pivot

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/sondeworks/sonde/internal/runfs"
	"github.com/sondeworks/sonde/internal/runstore"
	"github.com/sondeworks/sonde/internal/schema"
	"github.com/sondeworks/sonde/internal/wave"
)

// Rule hits, checked in priority order.
const (
	RuleP0     = "Wave2Required.P0"
	RuleP1     = "Wave2Required.P1"
	RuleVolume = "Wave2Required.Volume"
	RuleNoGaps = "Wave2Skip.NoGaps"
)

// Gap is one normalized deficiency.
type Gap struct {
	ID       string   `json:"id"`
	Priority string   `json:"priority"`
	Text     string   `json:"text"`
	Tags     []string `json:"tags"`
	Source   string   `json:"source"`
}

// Decision is the wave-2 verdict.
type Decision struct {
	Wave2Required bool     `json:"wave2_required"`
	Wave2GapIDs   []string `json:"wave2_gap_ids"`
}

// Doc is the pivot.v1 document.
type Doc struct {
	SchemaVersion string           `json:"schema_version"`
	RunID         string           `json:"run_id"`
	CreatedAt     string           `json:"created_at"`
	InputsDigest  string           `json:"inputs_digest"`
	Wave1Outputs  []string         `json:"wave1_outputs"`
	Validators    []map[string]any `json:"validator_reports,omitempty"`
	Gaps          []Gap            `json:"gaps"`
	RuleHit       string           `json:"rule_hit"`
	Decision      Decision         `json:"decision"`
}

// gapBulletRe matches `- (P0) text [#tag] [#tag2]` bullets.
var gapBulletRe = regexp.MustCompile(`^\s*[-*+]\s+\((P[0-3])\)\s+(.+?)\s*$`)

var tagRe = regexp.MustCompile(`\[#([^\]\s]+)\]`)

// ParseGapLine parses one Gaps bullet; ok is false for non-gap lines.
func ParseGapLine(line string) (priority, text string, tags []string, ok bool) {
	m := gapBulletRe.FindStringSubmatch(line)
	if m == nil {
		return "", "", nil, false
	}
	priority = m[1]
	rest := m[2]
	for _, tm := range tagRe.FindAllStringSubmatch(rest, -1) {
		tags = append(tags, tm[1])
	}
	text = strings.TrimSpace(tagRe.ReplaceAllString(rest, ""))
	if text == "" {
		return "", "", nil, false
	}
	sort.Strings(tags)
	tags = dedupe(tags)
	return priority, text, tags, true
}

// rawGap is a parsed gap before id assignment.
type rawGap struct {
	priority string
	text     string
	tags     []string
	source   string
}

// Decide parses gaps from every wave-1 output (sorted by perspective id so
// ids are deterministic), or consumes explicit normalized gaps when
// supplied, and applies the wave-2 rules.
func Decide(st *runstore.Store, explicit []Gap, reason string) (Doc, error) {
	m, err := st.Manifest()
	if err != nil {
		return Doc{}, err
	}

	var raws []rawGap
	var outputs []string
	if len(explicit) > 0 {
		for _, g := range explicit {
			tags := append([]string(nil), g.Tags...)
			sort.Strings(tags)
			raws = append(raws, rawGap{priority: g.Priority, text: g.Text, tags: dedupe(tags), source: "explicit"})
		}
	} else {
		plan, err := wave.ReadPlan(st, 1)
		if err != nil {
			return Doc{}, err
		}
		ids := make([]string, 0, len(plan.Entries))
		for _, e := range plan.Entries {
			ids = append(ids, e.ID)
		}
		sort.Strings(ids)
		for _, id := range ids {
			rel := runstore.WaveOutputFile(1, id)
			abs, err := st.Abs(rel)
			if err != nil {
				return Doc{}, err
			}
			raw, err := os.ReadFile(abs)
			if err != nil {
				continue // unreviewed or retried-away output
			}
			outputs = append(outputs, rel)
			sections := wave.SplitSections(string(raw))
			sec, ok := wave.FindSection(sections, "Gaps")
			if !ok {
				continue
			}
			for _, line := range sec.Lines {
				if priority, text, tags, ok := ParseGapLine(line); ok {
					raws = append(raws, rawGap{priority: priority, text: text, tags: tags, source: "parsed_wave1"})
				}
			}
		}
	}

	gaps := make([]Gap, len(raws))
	for i, r := range raws {
		gaps[i] = Gap{
			ID:       fmt.Sprintf("g%d", i+1),
			Priority: r.priority,
			Text:     r.text,
			Tags:     emptyIfNil(r.tags),
			Source:   r.source,
		}
	}

	ruleHit, required := applyRules(gaps)
	doc := Doc{
		SchemaVersion: "pivot.v1",
		RunID:         m.RunID,
		CreatedAt:     runstore.ISOTime(st.Now()),
		Wave1Outputs:  emptyIfNil(outputs),
		Gaps:          gaps,
		RuleHit:       ruleHit,
		Decision: Decision{
			Wave2Required: required,
			Wave2GapIDs:   selectGapIDs(gaps, required),
		},
	}

	digest, err := runfs.DigestJSON(map[string]any{
		"run_id":   m.RunID,
		"gaps":     gaps,
		"rule_hit": ruleHit,
		"decision": doc.Decision,
	})
	if err != nil {
		return Doc{}, err
	}
	doc.InputsDigest = digest

	if err := st.WriteArtifact(runstore.PivotFile, schema.Pivot, doc, reason); err != nil {
		return Doc{}, err
	}
	st.AppendTelemetry("pivot_decided", map[string]any{
		"rule_hit":       ruleHit,
		"wave2_required": required,
		"gaps":           len(gaps),
	})
	return doc, nil
}

// Read loads and validates pivot.json.
func Read(st *runstore.Store) (Doc, error) {
	path, err := st.Abs(runstore.PivotFile)
	if err != nil {
		return Doc{}, err
	}
	raw, err := runfs.ReadJSONMap(path)
	if err != nil {
		return Doc{}, err
	}
	if err := schema.Validate(schema.Pivot, raw); err != nil {
		return Doc{}, err
	}
	var doc Doc
	if err := runfs.ReadJSON(path, &doc); err != nil {
		return Doc{}, err
	}
	return doc, nil
}

func applyRules(gaps []Gap) (string, bool) {
	counts := map[string]int{}
	for _, g := range gaps {
		counts[g.Priority]++
	}
	switch {
	case counts["P0"] > 0:
		return RuleP0, true
	case counts["P1"] >= 2:
		return RuleP1, true
	case len(gaps) >= 4 && counts["P1"]+counts["P2"] >= 3:
		return RuleVolume, true
	default:
		return RuleNoGaps, false
	}
}

// selectGapIDs picks the wave-2 work set: the P0 and P1 gaps, or the first
// three gaps when the rule fired without any qualifying.
func selectGapIDs(gaps []Gap, required bool) []string {
	if !required {
		return []string{}
	}
	var ids []string
	for _, g := range gaps {
		if g.Priority == "P0" || g.Priority == "P1" {
			ids = append(ids, g.ID)
		}
	}
	if len(ids) == 0 {
		for i, g := range gaps {
			if i == 3 {
				break
			}
			ids = append(ids, g.ID)
		}
	}
	return ids
}

func dedupe(sorted []string) []string {
	var out []string
	for i, s := range sorted {
		if i == 0 || s != sorted[i-1] {
			out = append(out, s)
		}
	}
	return out
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
