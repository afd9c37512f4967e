package citations

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/sondeworks/sonde/internal/coreerr"
	"github.com/sondeworks/sonde/internal/runcfg"
	"github.com/sondeworks/sonde/internal/runfs"
	"github.com/sondeworks/sonde/internal/runstore"
)

func newRun(t *testing.T) *runstore.Store {
	t.Helper()
	res, err := runstore.Init(runstore.InitRequest{
		Query:    "test query",
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

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"HTTPS://Example.COM/Path/", "https://example.com/Path"},
		{"https://example.com:443/a", "https://example.com/a"},
		{"http://example.com:80/", "http://example.com/"},
		{"http://example.com:8080/a", "http://example.com:8080/a"},
		{"https://example.com/a?utm_source=x&b=2&a=1", "https://example.com/a?a=1&b=2"},
		{"https://example.com/a?gclid=z&fbclid=y", "https://example.com/a"},
		{"https://example.com/a#frag", "https://example.com/a"},
		{"https://example.com", "https://example.com/"},
	}
	for _, tc := range tests {
		got, err := Normalize(tc.in)
		if err != nil {
			t.Fatalf("Normalize(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("Normalize(%q) = %q, want %q", tc.in, got, tc.want)
		}
		// Idempotence.
		again, err := Normalize(got)
		if err != nil || again != got {
			t.Fatalf("Normalize not idempotent on %q: %q, %v", got, again, err)
		}
	}

	if _, err := Normalize("ftp://example.com/a"); coreerr.CodeOf(err) != coreerr.CodeInvalidArgs {
		t.Fatalf("ftp scheme accepted")
	}
}

func TestCIDIsStable(t *testing.T) {
	a := CID("https://example.com/a")
	b := CID("https://example.com/a")
	if a != b {
		t.Fatalf("CID not stable: %s vs %s", a, b)
	}
	if len(a) != len("cid_")+64 {
		t.Fatalf("cid shape: %s", a)
	}
	if a == CID("https://example.com/b") {
		t.Fatalf("distinct urls share a cid")
	}
}

func TestRedact(t *testing.T) {
	got := Redact("https://user:pw@example.com/a?token=s3cret&q=ok")
	if got != "https://example.com/a?q=ok&token=%5BREDACTED%5D" {
		t.Fatalf("Redact = %q", got)
	}
	if !HasUserinfo("https://user:pw@example.com/") {
		t.Fatalf("HasUserinfo missed credentials")
	}
	if HasUserinfo("https://example.com/") {
		t.Fatalf("HasUserinfo false positive")
	}
}

func TestResolveModePrecedence(t *testing.T) {
	if got := ResolveMode(runcfg.SensitivityNoWeb, runcfg.CitationsOnline, runcfg.CitationsOnline); got != runcfg.CitationsOffline {
		t.Fatalf("no_web: %s", got)
	}
	if got := ResolveMode(runcfg.SensitivityNormal, runcfg.CitationsOffline, ""); got != runcfg.CitationsOffline {
		t.Fatalf("config mode: %s", got)
	}
	if got := ResolveMode(runcfg.SensitivityNormal, "", runcfg.CitationsOnline); got != runcfg.CitationsOnline {
		t.Fatalf("explicit: %s", got)
	}
	if got := ResolveMode(runcfg.SensitivityNormal, "", ""); got != runcfg.CitationsOnlineDryRun {
		t.Fatalf("default: %s", got)
	}
}

func writeWaveOutput(t *testing.T, st *runstore.Store, waveNum int, id, content string) {
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

func TestExtractURLs(t *testing.T) {
	st := newRun(t)
	writeWaveOutput(t, st, 1, "landscape",
		"## Findings\n\ntext\n\n## Sources\n\n- https://example.com/a\n- https://example.com/b\n")
	writeWaveOutput(t, st, 1, "evidence",
		"## Findings\n\ntext\n\n## Sources\n\n- https://example.com/a\n")
	writeWaveOutput(t, st, 2, "g1",
		"## Findings\n\ntext\n\n## Sources\n\n- https://example.com/c\n")

	ex, err := ExtractURLs(st)
	if err != nil {
		t.Fatalf("ExtractURLs: %v", err)
	}
	want := []string{"https://example.com/a", "https://example.com/b", "https://example.com/c"}
	if diff := cmp.Diff(want, ex.URLs); diff != "" {
		t.Fatalf("urls:\n%s", diff)
	}
	if got := len(ex.Mentions["https://example.com/a"]); got != 2 {
		t.Fatalf("mentions for /a = %d, want 2", got)
	}

	txtAbs, _ := st.Abs(runstore.ExtractedURLsFile)
	raw, err := os.ReadFile(txtAbs)
	if err != nil {
		t.Fatalf("read extracted-urls.txt: %v", err)
	}
	if string(raw) != "https://example.com/a\nhttps://example.com/b\nhttps://example.com/c\n" {
		t.Fatalf("extracted-urls.txt = %q", raw)
	}
}

func writeFixtures(t *testing.T, st *runstore.Store, fixtures map[string]Fixture) string {
	t.Helper()
	doc := FixturesDoc{SchemaVersion: "citation-fixtures.v1", Fixtures: fixtures}
	abs, err := st.Abs("citations/test-fixtures.json")
	if err != nil {
		t.Fatalf("Abs: %v", err)
	}
	if err := runfs.AtomicWriteJSON(abs, doc); err != nil {
		t.Fatalf("write fixtures: %v", err)
	}
	return "citations/test-fixtures.json"
}

func TestValidateOfflineWithFixtures(t *testing.T) {
	st := newRun(t)
	writeWaveOutput(t, st, 1, "landscape",
		"## Sources\n\n- https://example.com/a\n- https://example.com/missing\n")
	ex, err := ExtractURLs(st)
	if err != nil {
		t.Fatalf("ExtractURLs: %v", err)
	}
	path := writeFixtures(t, st, map[string]Fixture{
		"https://example.com/a": {Status: StatusValid, HTTPStatus: 200, Title: "A page"},
	})

	out, err := Validate(context.Background(), st, ex, Options{
		Mode:         runcfg.CitationsOffline,
		FixturesPath: path,
	})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if out.Extracted != 2 || len(out.Records) != 2 {
		t.Fatalf("extracted=%d records=%d", out.Extracted, len(out.Records))
	}
	if out.Counts[StatusValid] != 1 || out.Counts[StatusInvalid] != 1 {
		t.Fatalf("counts = %v", out.Counts)
	}

	byURL := map[string]Record{}
	for _, rec := range out.Records {
		byURL[rec.NormalizedURL] = rec
	}
	a := byURL["https://example.com/a"]
	if a.Status != StatusValid || a.Title != "A page" || a.CID != CID("https://example.com/a") {
		t.Fatalf("record a = %+v", a)
	}
	missing := byURL["https://example.com/missing"]
	if missing.Status != StatusInvalid || missing.Notes != "offline fixture not found" {
		t.Fatalf("record missing = %+v", missing)
	}

	// Re-running over identical inputs yields byte-identical citations.jsonl.
	jsonlAbs, _ := st.Abs(runstore.CitationsFile)
	first, err := os.ReadFile(jsonlAbs)
	if err != nil {
		t.Fatalf("read citations.jsonl: %v", err)
	}
	if _, err := Validate(context.Background(), st, ex, Options{
		Mode:         runcfg.CitationsOffline,
		FixturesPath: path,
	}); err != nil {
		t.Fatalf("second Validate: %v", err)
	}
	second, err := os.ReadFile(jsonlAbs)
	if err != nil {
		t.Fatalf("read citations.jsonl: %v", err)
	}
	if string(first) != string(second) {
		t.Fatalf("citations.jsonl not deterministic")
	}

	records, err := ReadRecords(st)
	if err != nil {
		t.Fatalf("ReadRecords: %v", err)
	}
	pool := ValidatedCIDs(records)
	if !pool[a.CID] || len(pool) != 1 {
		t.Fatalf("validated pool = %v", pool)
	}
}

func TestValidateOfflineRequiresFixtures(t *testing.T) {
	st := newRun(t)
	_, err := Validate(context.Background(), st, Extraction{}, Options{Mode: runcfg.CitationsOffline})
	if coreerr.CodeOf(err) != coreerr.CodeInvalidArgs {
		t.Fatalf("code = %q, want INVALID_ARGS", coreerr.CodeOf(err))
	}
}

func TestValidateDryRunClassification(t *testing.T) {
	st := newRun(t)
	ex := Extraction{
		URLs: []string{"https://example.com/a", "http://127.0.0.1/admin", "http://localhost/x"},
		Mentions: map[string][]Mention{
			"https://example.com/a":  {},
			"http://127.0.0.1/admin": {},
			"http://localhost/x":     {},
		},
	}
	out, err := Validate(context.Background(), st, ex, Options{Mode: runcfg.CitationsOnlineDryRun})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if out.Counts[StatusBlocked] != 1 || out.Counts[StatusInvalid] != 2 {
		t.Fatalf("counts = %v", out.Counts)
	}
}

func TestValidateRedactsCredentials(t *testing.T) {
	st := newRun(t)
	ex := Extraction{
		URLs:     []string{"https://user:pw@example.com/a"},
		Mentions: map[string][]Mention{"https://user:pw@example.com/a": {}},
	}
	out, err := Validate(context.Background(), st, ex, Options{Mode: runcfg.CitationsOnlineDryRun})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	rec := out.Records[0]
	if rec.Status != StatusInvalid {
		t.Fatalf("userinfo url status = %s", rec.Status)
	}
	for _, s := range []string{rec.NormalizedURL, rec.URLOriginal} {
		if s != Redact(s) {
			t.Fatalf("unredacted url persisted: %q", s)
		}
	}
}

func TestValidateOnlineCaptureAndReplay(t *testing.T) {
	st := newRun(t)
	ex := Extraction{
		URLs:     []string{"https://example.com/a"},
		Mentions: map[string][]Mention{"https://example.com/a": {}},
	}
	fetcher := &scriptedFetcher{results: map[string]FetchResult{
		"https://example.com/a": {Status: StatusValid, HTTPStatus: 200, Title: "A"},
	}}
	out, err := Validate(context.Background(), st, ex, Options{Mode: runcfg.CitationsOnline, Fetcher: fetcher})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if out.Records[0].Status != StatusValid {
		t.Fatalf("status = %s", out.Records[0].Status)
	}
	if fetcher.calls != 1 {
		t.Fatalf("fetch calls = %d, want 1", fetcher.calls)
	}

	// The capture is replayed; the fetcher is never consulted again.
	out2, err := Validate(context.Background(), st, ex, Options{Mode: runcfg.CitationsOnline, Fetcher: fetcher})
	if err != nil {
		t.Fatalf("replay Validate: %v", err)
	}
	if fetcher.calls != 1 {
		t.Fatalf("replay hit the network: calls = %d", fetcher.calls)
	}
	if diff := cmp.Diff(out.Records, out2.Records); diff != "" {
		t.Fatalf("replay diverged:\n%s", diff)
	}
}

type scriptedFetcher struct {
	results map[string]FetchResult
	calls   int
}

func (f *scriptedFetcher) Fetch(_ context.Context, normalized, _ string) (FetchResult, error) {
	f.calls++
	return f.results[normalized], nil
}

func TestWriteBlockedQueue(t *testing.T) {
	st := newRun(t)
	records := []Record{
		{CID: CID("https://example.com/a"), NormalizedURL: "https://example.com/a", URLOriginal: "https://example.com/a", Status: StatusBlocked, CheckedAt: "2026-03-01T12:00:00.000000Z", Notes: "robots disallow", FoundBy: []Mention{}},
		{CID: CID("https://example.com/b"), NormalizedURL: "https://example.com/b", URLOriginal: "https://example.com/b", Status: StatusValid, CheckedAt: "2026-03-01T12:00:00.000000Z", FoundBy: []Mention{}},
	}
	if err := WriteBlockedQueue(st, records); err != nil {
		t.Fatalf("WriteBlockedQueue: %v", err)
	}
	abs, _ := st.Abs(runstore.BlockedURLsQueueFile)
	raw, err := os.ReadFile(abs)
	if err != nil {
		t.Fatalf("read queue: %v", err)
	}
	md := string(raw)
	if !strings.Contains(md, "https://example.com/a") || !strings.Contains(md, "robots disallow") {
		t.Fatalf("queue markdown missing blocked entry:\n%s", md)
	}
	if strings.Contains(md, "https://example.com/b") {
		t.Fatalf("valid url leaked into the blocked queue")
	}
}
