// Package fixturecap captures a run's deterministic artifacts into a
// content-addressed fixture bundle, so a later run (or a test) can replay
// the exact state. Files dedupe by blake3 content hash.
package fixturecap

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/zeebo/blake3"

	"github.com/sondeworks/sonde/internal/coreerr"
	"github.com/sondeworks/sonde/internal/runfs"
	"github.com/sondeworks/sonde/internal/runstore"
	"github.com/sondeworks/sonde/internal/schema"
)

// DefaultPatterns are the doublestar globs captured when the caller names
// none: everything that determines replay, nothing volatile. Logs and the
// lock are excluded; they are per-execution, not per-run-state.
var DefaultPatterns = []string{
	"manifest.json",
	"gates.json",
	"run-config.json",
	"perspectives.json",
	"pivot.json",
	"wave-review.json",
	"operator/**",
	"wave-1/**",
	"wave-2/**",
	"citations/**",
	"summaries/**",
	"synthesis/**",
	"review/**",
	"reports/**",
	"retry/**",
}

// FileEntry is one captured file in the bundle document.
type FileEntry struct {
	Path        string `json:"path"`
	Bytes       int    `json:"bytes"`
	ContentHash string `json:"content_hash"`
}

// Bundle is the fixture-bundle.v1 document.
type Bundle struct {
	SchemaVersion string      `json:"schema_version"`
	BundleID      string      `json:"bundle_id"`
	RunID         string      `json:"run_id"`
	CreatedAt     string      `json:"created_at"`
	Reason        string      `json:"reason"`
	Files         []FileEntry `json:"files"`
}

// Capture walks the run root with the given patterns and writes a bundle
// under destDir: bundle.json plus a files/ directory keyed by content hash.
// Identical content is stored once. The bundle lists files in path order.
func Capture(st *runstore.Store, destDir string, patterns []string, reason string) (Bundle, error) {
	if reason == "" {
		return Bundle{}, coreerr.New(coreerr.CodeInvalidArgs, "capture requires a reason")
	}
	if len(patterns) == 0 {
		patterns = DefaultPatterns
	}
	for _, p := range patterns {
		if !doublestar.ValidatePattern(p) {
			return Bundle{}, coreerr.New(coreerr.CodeInvalidArgs, "bad glob pattern %q", p)
		}
	}

	paths, err := matchRun(st.RunRoot, patterns)
	if err != nil {
		return Bundle{}, err
	}

	filesDir := filepath.Join(destDir, "files")
	if err := runfs.EnsureDir(filesDir); err != nil {
		return Bundle{}, err
	}

	bundle := Bundle{
		SchemaVersion: "fixture-bundle.v1",
		BundleID:      runstore.NewBundleID(),
		RunID:         st.RunID,
		CreatedAt:     runstore.ISOTime(st.Now()),
		Reason:        reason,
		Files:         []FileEntry{},
	}
	seen := map[string]bool{}
	for _, rel := range paths {
		raw, err := os.ReadFile(filepath.Join(st.RunRoot, filepath.FromSlash(rel)))
		if err != nil {
			return Bundle{}, coreerr.Wrap(coreerr.CodeWriteFailed, err, "read %s", rel)
		}
		sum := blake3.Sum256(raw)
		hash := hex.EncodeToString(sum[:])
		if !seen[hash] {
			seen[hash] = true
			blob := filepath.Join(filesDir, hash)
			if !runfs.FileExists(blob) {
				if err := os.WriteFile(blob, raw, 0o644); err != nil {
					return Bundle{}, coreerr.Wrap(coreerr.CodeWriteFailed, err, "store blob %s", hash)
				}
			}
		}
		bundle.Files = append(bundle.Files, FileEntry{
			Path:        rel,
			Bytes:       len(raw),
			ContentHash: hash,
		})
	}

	if err := schema.ValidateValue(schema.FixtureBundle, bundle); err != nil {
		return Bundle{}, err
	}
	if err := runfs.AtomicWriteJSON(filepath.Join(destDir, "bundle.json"), bundle); err != nil {
		return Bundle{}, err
	}
	if err := st.AppendAudit("fixtures_captured", reason, map[string]any{
		"bundle_id": bundle.BundleID,
		"files":     len(bundle.Files),
		"dest":      destDir,
	}); err != nil {
		return Bundle{}, err
	}
	return bundle, nil
}

// Restore materializes a captured bundle into destRoot, reproducing the
// original relative layout. Existing files are overwritten.
func Restore(bundleDir, destRoot string) (Bundle, error) {
	var bundle Bundle
	bundlePath := filepath.Join(bundleDir, "bundle.json")
	if err := runfs.ReadJSON(bundlePath, &bundle); err != nil {
		return Bundle{}, err
	}
	if err := schema.ValidateValue(schema.FixtureBundle, bundle); err != nil {
		return Bundle{}, err
	}

	for _, f := range bundle.Files {
		raw, err := os.ReadFile(filepath.Join(bundleDir, "files", f.ContentHash))
		if err != nil {
			return Bundle{}, coreerr.Wrap(coreerr.CodeMissingArtifact, err,
				"bundle blob %s for %s", f.ContentHash, f.Path)
		}
		sum := blake3.Sum256(raw)
		if got := hex.EncodeToString(sum[:]); got != f.ContentHash {
			return Bundle{}, coreerr.New(coreerr.CodeInvalidState,
				"blob for %s is corrupt: hash %s, want %s", f.Path, got, f.ContentHash)
		}
		dest := filepath.Join(destRoot, filepath.FromSlash(f.Path))
		if err := runfs.EnsureDir(filepath.Dir(dest)); err != nil {
			return Bundle{}, err
		}
		if err := os.WriteFile(dest, raw, 0o644); err != nil {
			return Bundle{}, coreerr.Wrap(coreerr.CodeWriteFailed, err, "restore %s", f.Path)
		}
	}
	return bundle, nil
}

// Verify re-hashes every captured path under the run root and reports
// drift: paths whose content no longer matches the bundle.
func Verify(st *runstore.Store, bundleDir string) ([]string, error) {
	var bundle Bundle
	if err := runfs.ReadJSON(filepath.Join(bundleDir, "bundle.json"), &bundle); err != nil {
		return nil, err
	}
	var drifted []string
	for _, f := range bundle.Files {
		raw, err := os.ReadFile(filepath.Join(st.RunRoot, filepath.FromSlash(f.Path)))
		if err != nil {
			drifted = append(drifted, f.Path)
			continue
		}
		sum := blake3.Sum256(raw)
		if hex.EncodeToString(sum[:]) != f.ContentHash {
			drifted = append(drifted, f.Path)
		}
	}
	return drifted, nil
}

// matchRun lists the regular files under root matching any pattern, as
// sorted POSIX-style relative paths.
func matchRun(root string, patterns []string) ([]string, error) {
	seen := map[string]bool{}
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == runstore.LockFile || strings.HasPrefix(rel, "logs/") {
			return nil
		}
		for _, p := range patterns {
			ok, merr := doublestar.Match(p, rel)
			if merr != nil {
				return merr
			}
			if ok {
				seen[rel] = true
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, coreerr.Wrap(coreerr.CodeWriteFailed, err, "walk run root")
	}
	if len(seen) == 0 {
		return nil, coreerr.New(coreerr.CodeNotFound, "no files matched the capture patterns")
	}
	paths := make([]string, 0, len(seen))
	for p := range seen {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths, nil
}
