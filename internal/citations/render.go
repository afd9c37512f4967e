package citations

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sondeworks/sonde/internal/runfs"
	"github.com/sondeworks/sonde/internal/runstore"
	"github.com/sondeworks/sonde/internal/schema"
)

// BlockedEntry is one row of the blocked queue.
type BlockedEntry struct {
	NormalizedURL string `json:"normalized_url"`
	CID           string `json:"cid"`
	Reason        string `json:"reason"`
	Action        string `json:"action"`
}

// WriteBlockedQueue writes citations/blocked-urls.json plus the markdown
// queue a reviewer works through. Both renderings are deterministic.
func WriteBlockedQueue(st *runstore.Store, records []Record) error {
	var blocked []BlockedEntry
	for _, rec := range records {
		if rec.Status != StatusBlocked {
			continue
		}
		reason := rec.Notes
		if reason == "" {
			reason = "fetch blocked"
		}
		blocked = append(blocked, BlockedEntry{
			NormalizedURL: rec.NormalizedURL,
			CID:           rec.CID,
			Reason:        reason,
			Action:        "verify manually and record an offline fixture",
		})
	}
	if blocked == nil {
		blocked = []BlockedEntry{}
	}

	doc := map[string]any{"schema_version": "blocked-urls.v1", "urls": blocked}
	if err := st.WriteArtifact(runstore.BlockedURLsFile, schema.BlockedURLs, doc, "blocked citation queue"); err != nil {
		return err
	}

	var md strings.Builder
	md.WriteString("# Blocked URL Queue\n\n")
	if len(blocked) == 0 {
		md.WriteString("No blocked URLs.\n")
	} else {
		md.WriteString("| URL | Reason | Action |\n|---|---|---|\n")
		for _, b := range blocked {
			fmt.Fprintf(&md, "| %s | %s | %s |\n", b.NormalizedURL, b.Reason, b.Action)
		}
	}
	abs, err := st.Abs(runstore.BlockedURLsQueueFile)
	if err != nil {
		return err
	}
	return runfs.AtomicWriteText(abs, md.String())
}

// RenderValidated writes citations/validated-citations.md for human review:
// one section per status, records in file order.
func RenderValidated(st *runstore.Store, records []Record) error {
	byStatus := map[string][]Record{}
	for _, rec := range records {
		byStatus[rec.Status] = append(byStatus[rec.Status], rec)
	}

	var md strings.Builder
	md.WriteString("# Validated Citations\n")
	for _, status := range []string{StatusValid, StatusPaywalled, StatusBlocked, StatusMismatch, StatusInvalid} {
		recs := byStatus[status]
		if len(recs) == 0 {
			continue
		}
		fmt.Fprintf(&md, "\n## %s (%d)\n\n", status, len(recs))
		for _, rec := range recs {
			fmt.Fprintf(&md, "- `%s` %s", rec.CID, rec.NormalizedURL)
			if rec.Title != "" {
				fmt.Fprintf(&md, " (%s)", rec.Title)
			}
			md.WriteString("\n")
		}
	}
	abs, err := st.Abs(runstore.ValidatedCitationsFile)
	if err != nil {
		return err
	}
	return runfs.AtomicWriteText(abs, md.String())
}

// ReadRecords loads citations/citations.jsonl.
func ReadRecords(st *runstore.Store) ([]Record, error) {
	abs, err := st.Abs(runstore.CitationsFile)
	if err != nil {
		return nil, err
	}
	var records []Record
	err = runfs.ScanJSONL(abs, func(line int, raw []byte) error {
		if err := schema.ValidateBytes(schema.CitationRecord, raw); err != nil {
			return err
		}
		var rec Record
		if err := decodeRecord(raw, &rec); err != nil {
			return err
		}
		records = append(records, rec)
		return nil
	})
	return records, err
}

func decodeRecord(raw []byte, rec *Record) error {
	return json.Unmarshal(raw, rec)
}

// ValidatedCIDs returns the cid set usable in summaries and synthesis.
func ValidatedCIDs(records []Record) map[string]bool {
	pool := map[string]bool{}
	for _, rec := range records {
		if rec.Status == StatusValid || rec.Status == StatusPaywalled {
			pool[rec.CID] = true
		}
	}
	return pool
}
