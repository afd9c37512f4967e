package wave

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/sondeworks/sonde/internal/runcfg"
	"github.com/sondeworks/sonde/internal/runstore"
)

const goodOutput = `# Current landscape

## Findings

Solid-state pilot lines are shipping first cells to grid integrators.

## Sources

- https://example.com/report-2026
- Grid Storage Review, https://example.org/grid-storage

## Gaps

- (P1) Cost per kWh at pilot scale is unreported [#cost]
`

func newRun(t *testing.T) *runstore.Store {
	t.Helper()
	res, err := runstore.Init(runstore.InitRequest{
		Query:    "solid-state batteries for grid storage",
		Mode:     runcfg.ModeQuick,
		RunsRoot: t.TempDir(),
		Now:      func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	st, err := runstore.Open(res.ManifestPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	st.Now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return st
}

func writeOutput(t *testing.T, st *runstore.Store, waveNum int, id, content string) {
	t.Helper()
	abs, err := st.Abs(runstore.WaveOutputFile(waveNum, id))
	if err != nil {
		t.Fatalf("Abs: %v", err)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestBuildWave1PlanDeterministic(t *testing.T) {
	st := newRun(t)
	a, err := BuildWave1Plan(st)
	if err != nil {
		t.Fatalf("BuildWave1Plan: %v", err)
	}
	b, err := BuildWave1Plan(st)
	if err != nil {
		t.Fatalf("BuildWave1Plan: %v", err)
	}
	if diff := cmp.Diff(a, b); diff != "" {
		t.Fatalf("plan not deterministic (-first +second):\n%s", diff)
	}
	if len(a.Entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(a.Entries))
	}
	// Entries are sorted by perspective id.
	if a.Entries[0].ID != "evidence" || a.Entries[1].ID != "landscape" {
		t.Fatalf("entry order = %s, %s", a.Entries[0].ID, a.Entries[1].ID)
	}
	for _, e := range a.Entries {
		if e.PromptDigest == "" || e.PromptMD == "" {
			t.Fatalf("entry %s missing prompt material", e.ID)
		}
		if e.MaxWords != 800 || e.MaxSources != 10 {
			t.Fatalf("entry %s caps = %d words, %d sources", e.ID, e.MaxWords, e.MaxSources)
		}
	}
}

func TestPlanRoundTrip(t *testing.T) {
	st := newRun(t)
	plan, err := BuildWave1Plan(st)
	if err != nil {
		t.Fatalf("BuildWave1Plan: %v", err)
	}
	if err := WritePlan(st, plan); err != nil {
		t.Fatalf("WritePlan: %v", err)
	}
	got, err := ReadPlan(st, 1)
	if err != nil {
		t.Fatalf("ReadPlan: %v", err)
	}
	if diff := cmp.Diff(plan, got); diff != "" {
		t.Fatalf("round trip mismatch (-wrote +read):\n%s", diff)
	}
}

func TestBuildWave2PlanSortsGaps(t *testing.T) {
	st := newRun(t)
	plan, err := BuildWave2Plan(st, []Gap{
		{ID: "g_02", Priority: "P1", Text: "later gap"},
		{ID: "g_01", Priority: "P0", Text: "earlier gap"},
	})
	if err != nil {
		t.Fatalf("BuildWave2Plan: %v", err)
	}
	if plan.Wave != 2 {
		t.Fatalf("wave = %d", plan.Wave)
	}
	if plan.Entries[0].ID != "g_01" || plan.Entries[1].ID != "g_02" {
		t.Fatalf("entry order = %s, %s", plan.Entries[0].ID, plan.Entries[1].ID)
	}
	for _, e := range plan.Entries {
		if diff := cmp.Diff(Wave2Sections, e.MustIncludeSections); diff != "" {
			t.Fatalf("entry %s sections:\n%s", e.ID, diff)
		}
	}
}

func TestValidateMarkdownContract(t *testing.T) {
	entry := PlanEntry{
		ID:                  "landscape",
		MaxWords:            800,
		MaxSources:          10,
		MustIncludeSections: []string{"Findings", "Sources", "Gaps"},
	}

	res := ValidateMarkdown("landscape", "wave-1/landscape.md", goodOutput, entry)
	if !res.Pass {
		t.Fatalf("good output failed: %+v", res.Failures)
	}
	if res.Sources != 2 {
		t.Fatalf("sources = %d, want 2", res.Sources)
	}

	tests := []struct {
		name string
		md   string
		mod  func(*PlanEntry)
		code string
	}{
		{
			name: "missing section",
			md:   "## Findings\n\ntext\n\n## Sources\n\n- https://example.com/a\n",
			code: "MISSING_REQUIRED_SECTION",
		},
		{
			name: "word cap",
			md:   goodOutput,
			mod:  func(e *PlanEntry) { e.MaxWords = 5 },
			code: "TOO_MANY_WORDS",
		},
		{
			name: "malformed sources",
			md:   "## Findings\n\ntext\n\n## Sources\n\n- no url here\n\n## Gaps\n\n- (P2) g [#t]\n",
			code: "MALFORMED_SOURCES",
		},
		{
			name: "source cap",
			md:   goodOutput,
			mod:  func(e *PlanEntry) { e.MaxSources = 1 },
			code: "TOO_MANY_SOURCES",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e := entry
			if tc.mod != nil {
				tc.mod(&e)
			}
			res := ValidateMarkdown("landscape", "x.md", tc.md, e)
			if res.Pass {
				t.Fatalf("want failure")
			}
			found := false
			for _, f := range res.Failures {
				if f.Code == tc.code {
					found = true
				}
			}
			if !found {
				t.Fatalf("failures = %+v, want code %s", res.Failures, tc.code)
			}
		})
	}
}

func TestCountWordsSkipsMarkersAndFences(t *testing.T) {
	md := "## Heading Text\n\n- one two\n\n```\nignored fence words\n```\n\nthree\n"
	if got := CountWords(md); got != 5 {
		t.Fatalf("words = %d, want 5", got)
	}
}

func TestSplitSectionsIgnoresFencedHeadings(t *testing.T) {
	md := "## Real\n\n```\n## Fake\n```\n\n## Another\n"
	secs := SplitSections(md)
	if len(secs) != 2 {
		t.Fatalf("sections = %d, want 2", len(secs))
	}
	if secs[0].Heading != "Real" || secs[1].Heading != "Another" {
		t.Fatalf("headings = %s, %s", secs[0].Heading, secs[1].Heading)
	}
}

func TestTrimURLPunct(t *testing.T) {
	if got := TrimURLPunct("https://example.com/a)."); got != "https://example.com/a" {
		t.Fatalf("got %q", got)
	}
}

func TestOutputFreshness(t *testing.T) {
	st := newRun(t)
	plan, err := BuildWave1Plan(st)
	if err != nil {
		t.Fatalf("BuildWave1Plan: %v", err)
	}
	entry := plan.Entries[1] // landscape

	fresh, err := OutputFresh(st, 1, entry)
	if err != nil || fresh {
		t.Fatalf("no output: fresh=%v err=%v", fresh, err)
	}

	writeOutput(t, st, 1, entry.ID, goodOutput)
	fresh, err = OutputFresh(st, 1, entry)
	if err != nil || fresh {
		t.Fatalf("no sidecar: fresh=%v err=%v", fresh, err)
	}

	if err := WriteMeta(st, Meta{
		ID:           entry.ID,
		Wave:         1,
		PromptDigest: entry.PromptDigest,
		IngestedAt:   runstore.ISOTime(st.Now()),
	}); err != nil {
		t.Fatalf("WriteMeta: %v", err)
	}
	fresh, err = OutputFresh(st, 1, entry)
	if err != nil || !fresh {
		t.Fatalf("matching sidecar: fresh=%v err=%v", fresh, err)
	}

	// A prompt change invalidates the cache.
	entry.PromptDigest = "sha256:other"
	fresh, err = OutputFresh(st, 1, entry)
	if err != nil || fresh {
		t.Fatalf("stale sidecar: fresh=%v err=%v", fresh, err)
	}
}

func TestBuildReviewCollectsFailures(t *testing.T) {
	st := newRun(t)
	plan, err := BuildWave1Plan(st)
	if err != nil {
		t.Fatalf("BuildWave1Plan: %v", err)
	}
	writeOutput(t, st, 1, "evidence", goodOutput)
	// landscape output never produced

	review, err := BuildReview(st, plan, 25)
	if err != nil {
		t.Fatalf("BuildReview: %v", err)
	}
	if review.AllPass() {
		t.Fatalf("AllPass = true with a missing output")
	}
	if len(review.Results) != 2 {
		t.Fatalf("results = %d", len(review.Results))
	}
	byID := map[string]ReviewResult{}
	for _, r := range review.Results {
		byID[r.ID] = r
	}
	if !byID["evidence"].Pass {
		t.Fatalf("evidence failed: %+v", byID["evidence"].Failures)
	}
	if byID["landscape"].Pass {
		t.Fatalf("landscape passed without an output")
	}
	if len(review.RetryDirectives) != 1 {
		t.Fatalf("retry directives = %d, want 1", len(review.RetryDirectives))
	}
	d := review.RetryDirectives[0]
	if d.PerspectiveID != "landscape" || d.BlockingErrorCode != "NOT_FOUND" {
		t.Fatalf("directive = %+v", d)
	}

	if err := WriteReview(st, review); err != nil {
		t.Fatalf("WriteReview: %v", err)
	}
	got, err := ReadReview(st)
	if err != nil {
		t.Fatalf("ReadReview: %v", err)
	}
	if diff := cmp.Diff(review, got); diff != "" {
		t.Fatalf("review round trip (-wrote +read):\n%s", diff)
	}
}
