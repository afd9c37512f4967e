package fixturecap

import (
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/sondeworks/sonde/internal/coreerr"
	"github.com/sondeworks/sonde/internal/runcfg"
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

func writeRun(t *testing.T, st *runstore.Store, rel, content string) {
	t.Helper()
	abs := filepath.Join(st.RunRoot, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", rel, err)
	}
}

func TestCaptureDefaultPatterns(t *testing.T) {
	st := newRun(t)
	writeRun(t, st, "wave-1/landscape.md", "## Findings\n\ntext\n")
	dest := t.TempDir()

	bundle, err := Capture(st, dest, nil, "checkpoint before retry")
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if bundle.SchemaVersion != "fixture-bundle.v1" || bundle.RunID != st.RunID {
		t.Fatalf("bundle header = %+v", bundle)
	}
	if bundle.Reason != "checkpoint before retry" {
		t.Fatalf("reason = %q", bundle.Reason)
	}

	paths := make([]string, len(bundle.Files))
	for i, f := range bundle.Files {
		paths[i] = f.Path
	}
	if !sort.StringsAreSorted(paths) {
		t.Fatalf("files not in path order: %v", paths)
	}
	want := map[string]bool{
		"manifest.json":       false,
		"gates.json":          false,
		"run-config.json":     false,
		"perspectives.json":   false,
		"wave-1/landscape.md": false,
	}
	for _, p := range paths {
		if _, ok := want[p]; ok {
			want[p] = true
		}
		if p == ".lock" || filepath.Dir(p) == "logs" {
			t.Fatalf("volatile file captured: %s", p)
		}
	}
	for p, hit := range want {
		if !hit {
			t.Fatalf("%s not captured (got %v)", p, paths)
		}
	}

	for _, f := range bundle.Files {
		if len(f.ContentHash) != 64 {
			t.Fatalf("content hash shape: %q", f.ContentHash)
		}
		blob := filepath.Join(dest, "files", f.ContentHash)
		raw, err := os.ReadFile(blob)
		if err != nil {
			t.Fatalf("blob for %s: %v", f.Path, err)
		}
		if len(raw) != f.Bytes {
			t.Fatalf("blob size %d, bundle says %d", len(raw), f.Bytes)
		}
	}
}

func TestCaptureDeduplicatesContent(t *testing.T) {
	st := newRun(t)
	writeRun(t, st, "wave-1/a.md", "identical content\n")
	writeRun(t, st, "wave-1/b.md", "identical content\n")
	dest := t.TempDir()

	bundle, err := Capture(st, dest, []string{"wave-1/**"}, "dedupe test")
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if len(bundle.Files) != 2 {
		t.Fatalf("files = %d, want 2", len(bundle.Files))
	}
	if bundle.Files[0].ContentHash != bundle.Files[1].ContentHash {
		t.Fatalf("identical content hashed differently")
	}
	entries, err := os.ReadDir(filepath.Join(dest, "files"))
	if err != nil {
		t.Fatalf("read files dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("blobs = %d, want 1 after dedupe", len(entries))
	}
}

func TestCaptureRequiresReason(t *testing.T) {
	st := newRun(t)
	if _, err := Capture(st, t.TempDir(), nil, ""); coreerr.CodeOf(err) != coreerr.CodeInvalidArgs {
		t.Fatalf("code = %q, want INVALID_ARGS", coreerr.CodeOf(err))
	}
}

func TestCaptureRejectsBadPattern(t *testing.T) {
	st := newRun(t)
	if _, err := Capture(st, t.TempDir(), []string{"[unclosed"}, "x"); coreerr.CodeOf(err) != coreerr.CodeInvalidArgs {
		t.Fatalf("code = %q, want INVALID_ARGS", coreerr.CodeOf(err))
	}
}

func TestCaptureNoMatches(t *testing.T) {
	st := newRun(t)
	if _, err := Capture(st, t.TempDir(), []string{"nonexistent/**"}, "x"); coreerr.CodeOf(err) != coreerr.CodeNotFound {
		t.Fatalf("code = %q, want NOT_FOUND", coreerr.CodeOf(err))
	}
}

func TestRestoreRoundTrip(t *testing.T) {
	st := newRun(t)
	writeRun(t, st, "wave-1/landscape.md", "## Findings\n\noriginal\n")
	dest := t.TempDir()
	captured, err := Capture(st, dest, nil, "round trip")
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}

	restoreRoot := t.TempDir()
	restored, err := Restore(dest, restoreRoot)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if restored.BundleID != captured.BundleID {
		t.Fatalf("bundle id mismatch")
	}
	for _, f := range captured.Files {
		orig, err := os.ReadFile(filepath.Join(st.RunRoot, filepath.FromSlash(f.Path)))
		if err != nil {
			t.Fatalf("read original %s: %v", f.Path, err)
		}
		got, err := os.ReadFile(filepath.Join(restoreRoot, filepath.FromSlash(f.Path)))
		if err != nil {
			t.Fatalf("read restored %s: %v", f.Path, err)
		}
		if string(orig) != string(got) {
			t.Fatalf("restored %s differs", f.Path)
		}
	}
}

func TestRestoreDetectsCorruptBlob(t *testing.T) {
	st := newRun(t)
	writeRun(t, st, "wave-1/landscape.md", "content\n")
	dest := t.TempDir()
	bundle, err := Capture(st, dest, []string{"wave-1/**"}, "corrupt test")
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	blob := filepath.Join(dest, "files", bundle.Files[0].ContentHash)
	if err := os.WriteFile(blob, []byte("tampered\n"), 0o644); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	if _, err := Restore(dest, t.TempDir()); coreerr.CodeOf(err) != coreerr.CodeInvalidState {
		t.Fatalf("code = %q, want INVALID_STATE", coreerr.CodeOf(err))
	}
}

func TestVerifyReportsDrift(t *testing.T) {
	st := newRun(t)
	writeRun(t, st, "wave-1/landscape.md", "version one\n")
	dest := t.TempDir()
	if _, err := Capture(st, dest, []string{"wave-1/**"}, "drift test"); err != nil {
		t.Fatalf("Capture: %v", err)
	}

	drifted, err := Verify(st, dest)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if len(drifted) != 0 {
		t.Fatalf("fresh capture drifted: %v", drifted)
	}

	writeRun(t, st, "wave-1/landscape.md", "version two\n")
	drifted, err = Verify(st, dest)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if len(drifted) != 1 || drifted[0] != "wave-1/landscape.md" {
		t.Fatalf("drifted = %v", drifted)
	}
}
