// Package citations implements the deterministic citation pipeline: URL
// extraction from wave outputs, normalization to content-addressed cids,
// validation (offline fixtures, online capture, or dry-run), the blocked
// queue, and the human-review rendering.
package citations

import (
	"os"
	"sort"
	"strings"

	"github.com/sondeworks/sonde/internal/runfs"
	"github.com/sondeworks/sonde/internal/runstore"
	"github.com/sondeworks/sonde/internal/schema"
	"github.com/sondeworks/sonde/internal/wave"
)

// maxMentionsPerURL bounds found-by.json fan-in per URL.
const maxMentionsPerURL = 20

// Mention records one sighting of a URL in a wave output.
type Mention struct {
	URLOriginal   string `json:"url_original"`
	Wave          int    `json:"wave"`
	PerspectiveID string `json:"perspective_id"`
	SourceLine    int    `json:"source_line"`
	Ordinal       int    `json:"ordinal"`
}

// Extraction is the result of ExtractURLs.
type Extraction struct {
	// URLs is the sorted unique set of extracted original URLs.
	URLs []string
	// Mentions maps each original URL to its bounded sighting list.
	Mentions map[string][]Mention
}

// ExtractURLs scans the Sources sections of every wave-1 (and wave-2, if
// present) output, writes citations/extracted-urls.txt and
// citations/found-by.json, and returns the extraction.
func ExtractURLs(st *runstore.Store) (Extraction, error) {
	ex := Extraction{Mentions: map[string][]Mention{}}

	for _, waveNum := range []int{1, 2} {
		ids, err := waveOutputIDs(st, waveNum)
		if err != nil {
			return Extraction{}, err
		}
		for _, id := range ids {
			abs, err := st.Abs(runstore.WaveOutputFile(waveNum, id))
			if err != nil {
				return Extraction{}, err
			}
			raw, err := os.ReadFile(abs)
			if err != nil {
				continue
			}
			sections := wave.SplitSections(string(raw))
			sec, ok := wave.FindSection(sections, "Sources")
			if !ok {
				continue
			}
			entries, _ := wave.ParseSources(sec)
			for ordinal, entry := range entries {
				url := entry.URL
				if len(ex.Mentions[url]) < maxMentionsPerURL {
					ex.Mentions[url] = append(ex.Mentions[url], Mention{
						URLOriginal:   url,
						Wave:          waveNum,
						PerspectiveID: id,
						SourceLine:    entry.Line,
						Ordinal:       ordinal + 1,
					})
				}
			}
		}
	}

	for url := range ex.Mentions {
		ex.URLs = append(ex.URLs, url)
	}
	sort.Strings(ex.URLs)

	txtAbs, err := st.Abs(runstore.ExtractedURLsFile)
	if err != nil {
		return Extraction{}, err
	}
	body := strings.Join(ex.URLs, "\n")
	if body != "" {
		body += "\n"
	}
	if err := runfs.AtomicWriteText(txtAbs, body); err != nil {
		return Extraction{}, err
	}

	foundBy := map[string]any{
		"schema_version": "found-by.v1",
		"mentions":       ex.Mentions,
	}
	if err := st.WriteArtifact(runstore.FoundByFile, schema.FoundBy, foundBy, "citation extraction"); err != nil {
		return Extraction{}, err
	}
	st.AppendTelemetry("citations_extracted", map[string]any{"urls": len(ex.URLs)})
	return ex, nil
}

// waveOutputIDs lists the subjects with outputs in a wave dir, sorted.
func waveOutputIDs(st *runstore.Store, waveNum int) ([]string, error) {
	dirAbs, err := st.Abs(runstore.WaveDir(waveNum))
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dirAbs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".md") || strings.HasSuffix(name, ".meta.md") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".md"))
	}
	sort.Strings(ids)
	return ids, nil
}
