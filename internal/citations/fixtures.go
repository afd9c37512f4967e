package citations

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/sondeworks/sonde/internal/coreerr"
	"github.com/sondeworks/sonde/internal/runfs"
	"github.com/sondeworks/sonde/internal/runstore"
	"github.com/sondeworks/sonde/internal/schema"
)

// readFixtures loads a citation-fixtures.v1 document. Run-relative paths
// resolve through containment; absolute paths are accepted for operator-
// supplied fixture files outside the run.
func readFixtures(st *runstore.Store, path string) (FixturesDoc, error) {
	abs := path
	if !filepath.IsAbs(path) {
		var err error
		abs, err = st.Abs(path)
		if err != nil {
			return FixturesDoc{}, err
		}
	}
	raw, err := runfs.ReadJSONMap(abs)
	if err != nil {
		return FixturesDoc{}, err
	}
	if err := schema.Validate(schema.CitationFixtures, raw); err != nil {
		return FixturesDoc{}, err
	}
	var doc FixturesDoc
	if err := runfs.ReadJSON(abs, &doc); err != nil {
		return FixturesDoc{}, err
	}
	return doc, nil
}

// latestPointer is citations/online-fixtures.latest.json.
type latestPointer struct {
	Path       string `json:"path"`
	CapturedAt string `json:"captured_at"`
}

// latestFixturesPath returns the capture the latest pointer references.
func latestFixturesPath(st *runstore.Store) (string, bool, error) {
	abs, err := st.Abs(runstore.OnlineFixturesLatest)
	if err != nil {
		return "", false, err
	}
	if !runfs.FileExists(abs) {
		return "", false, nil
	}
	var ptr latestPointer
	if err := runfs.ReadJSON(abs, &ptr); err != nil {
		return "", false, err
	}
	if ptr.Path == "" {
		return "", false, coreerr.New(coreerr.CodeInvalidJSON,
			"online-fixtures.latest.json has no path").At(abs)
	}
	return ptr.Path, true, nil
}

// writeCapturedFixtures persists an online capture under a timestamped
// file and repoints online-fixtures.latest.json at it.
func writeCapturedFixtures(st *runstore.Store, captured map[string]Fixture, capturedAt string) error {
	doc := FixturesDoc{
		SchemaVersion: "citation-fixtures.v1",
		CapturedAt:    capturedAt,
		Fixtures:      captured,
	}
	if err := schema.ValidateValue(schema.CitationFixtures, doc); err != nil {
		return err
	}
	ts := strings.NewReplacer(":", "", "-", "", ".", "").Replace(capturedAt)
	rel := fmt.Sprintf("citations/online-fixtures.%s.json", ts)
	abs, err := st.Abs(rel)
	if err != nil {
		return err
	}
	if err := runfs.AtomicWriteJSON(abs, doc); err != nil {
		return err
	}
	ptrAbs, err := st.Abs(runstore.OnlineFixturesLatest)
	if err != nil {
		return err
	}
	if err := runfs.AtomicWriteJSON(ptrAbs, latestPointer{Path: rel, CapturedAt: capturedAt}); err != nil {
		return err
	}
	return st.AppendAudit("citation_fixtures_captured", "online capture", map[string]any{
		"path":     rel,
		"fixtures": len(captured),
	})
}
