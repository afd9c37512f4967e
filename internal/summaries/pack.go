// Package summaries builds the bounded per-perspective summary pack,
// writes the synthesis draft, and produces the Gate E report set.
package summaries

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/sondeworks/sonde/internal/coreerr"
	"github.com/sondeworks/sonde/internal/runfs"
	"github.com/sondeworks/sonde/internal/runstore"
	"github.com/sondeworks/sonde/internal/schema"
)

// cidMentionRe matches [@cid_<sha256>] citations in markdown.
var cidMentionRe = regexp.MustCompile(`\[@(cid_[0-9a-f]{64})\]`)

// rawURLRe flags bare URLs, which summaries must not carry (citations go
// through cids only).
var rawURLRe = regexp.MustCompile(`https?://`)

// PackEntry is one summary's row in summary-pack.json.
type PackEntry struct {
	PerspectiveID string   `json:"perspective_id"`
	Path          string   `json:"path"`
	KB            float64  `json:"kb"`
	CIDs          []string `json:"cids"`
	Claims        []string `json:"claims"`
}

// Pack is the summary-pack.v1 document.
type Pack struct {
	SchemaVersion string      `json:"schema_version"`
	RunID         string      `json:"run_id"`
	CreatedAt     string      `json:"created_at"`
	InputsDigest  string      `json:"inputs_digest"`
	TotalKB       float64     `json:"total_kb"`
	Summaries     []PackEntry `json:"summaries"`
}

// BuildPack copies per-perspective summaries from fixtureDir into the run,
// asserting no raw URLs, every cited cid in the validated pool, and the
// per-summary and total KB caps. Perspectives without a fixture file are
// skipped; Gate D judges coverage.
func BuildPack(st *runstore.Store, fixtureDir string, validated map[string]bool, reason string) (Pack, error) {
	m, err := st.Manifest()
	if err != nil {
		return Pack{}, err
	}
	pd, err := st.Perspectives()
	if err != nil {
		return Pack{}, err
	}

	ids := make([]string, 0, len(pd.Perspectives))
	for _, p := range pd.Perspectives {
		ids = append(ids, p.ID)
	}
	sort.Strings(ids)

	pack := Pack{
		SchemaVersion: "summary-pack.v1",
		RunID:         m.RunID,
		CreatedAt:     runstore.ISOTime(st.Now()),
		Summaries:     []PackEntry{},
	}

	var digestInputs []map[string]any
	for _, id := range ids {
		src := filepath.Join(fixtureDir, id+".md")
		raw, err := os.ReadFile(src)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return Pack{}, coreerr.Wrap(coreerr.CodeWriteFailed, err, "read summary fixture %s", src)
		}
		content := string(raw)

		if rawURLRe.MatchString(content) {
			return Pack{}, coreerr.New(coreerr.CodeRawURLNotAllowed,
				"summary %s contains a raw URL; cite via [@cid]", id)
		}
		cids := uniqueCIDs(content)
		for _, cid := range cids {
			if !validated[cid] {
				return Pack{}, coreerr.New(coreerr.CodeUnknownCID,
					"summary %s cites %s which is not in the validated pool", id, cid)
			}
		}

		kb := kbOf(len(raw))
		if kb > float64(m.Limits.MaxSummaryKB) {
			return Pack{}, coreerr.New(coreerr.CodeSizeCapExceeded,
				"summary %s is %.1f KB, cap %d KB", id, kb, m.Limits.MaxSummaryKB)
		}

		rel := runstore.SummaryFile(id)
		abs, err := st.Abs(rel)
		if err != nil {
			return Pack{}, err
		}
		if err := runfs.AtomicWriteText(abs, content); err != nil {
			return Pack{}, err
		}

		pack.Summaries = append(pack.Summaries, PackEntry{
			PerspectiveID: id,
			Path:          rel,
			KB:            kb,
			CIDs:          cids,
			Claims:        []string{}, // claim extraction is agent work; the pack reserves the slot
		})
		pack.TotalKB += kb
		digestInputs = append(digestInputs, map[string]any{
			"id":     id,
			"digest": runfs.DigestText(content),
		})
	}

	if pack.TotalKB > float64(m.Limits.MaxTotalSummaryKB) {
		return Pack{}, coreerr.New(coreerr.CodeSizeCapExceeded,
			"summary pack is %.1f KB, cap %d KB", pack.TotalKB, m.Limits.MaxTotalSummaryKB)
	}

	digest, err := runfs.DigestJSON(map[string]any{
		"run_id":    m.RunID,
		"summaries": digestInputs,
	})
	if err != nil {
		return Pack{}, err
	}
	pack.InputsDigest = digest

	if err := st.WriteArtifact(runstore.SummaryPackFile, schema.SummaryPack, pack, reason); err != nil {
		return Pack{}, err
	}
	return pack, nil
}

// ReadPack loads and validates summary-pack.json.
func ReadPack(st *runstore.Store) (Pack, error) {
	path, err := st.Abs(runstore.SummaryPackFile)
	if err != nil {
		return Pack{}, err
	}
	doc, err := runfs.ReadJSONMap(path)
	if err != nil {
		return Pack{}, err
	}
	if err := schema.Validate(schema.SummaryPack, doc); err != nil {
		return Pack{}, err
	}
	var pack Pack
	if err := runfs.ReadJSON(path, &pack); err != nil {
		return Pack{}, err
	}
	return pack, nil
}

func uniqueCIDs(content string) []string {
	seen := map[string]bool{}
	var cids []string
	for _, m := range cidMentionRe.FindAllStringSubmatch(content, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			cids = append(cids, m[1])
		}
	}
	sort.Strings(cids)
	if cids == nil {
		cids = []string{}
	}
	return cids
}

func kbOf(bytes int) float64 {
	return float64(bytes) / 1024.0
}
