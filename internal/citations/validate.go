package citations

import (
	"context"
	"net"
	"net/url"
	"sort"
	"strings"

	"github.com/sondeworks/sonde/internal/coreerr"
	"github.com/sondeworks/sonde/internal/runcfg"
	"github.com/sondeworks/sonde/internal/runfs"
	"github.com/sondeworks/sonde/internal/runstore"
	"github.com/sondeworks/sonde/internal/schema"
)

// Citation statuses.
const (
	StatusValid     = "valid"
	StatusPaywalled = "paywalled"
	StatusBlocked   = "blocked"
	StatusMismatch  = "mismatch"
	StatusInvalid   = "invalid"
)

// Record is one citations.jsonl line: the verdict for one normalized URL.
type Record struct {
	CID             string    `json:"cid"`
	NormalizedURL   string    `json:"normalized_url"`
	URLOriginal     string    `json:"url_original"`
	Status          string    `json:"status"`
	CheckedAt       string    `json:"checked_at"`
	HTTPStatus      int       `json:"http_status,omitempty"`
	Title           string    `json:"title,omitempty"`
	Publisher       string    `json:"publisher,omitempty"`
	EvidenceSnippet string    `json:"evidence_snippet,omitempty"`
	FoundBy         []Mention `json:"found_by"`
	Notes           string    `json:"notes"`
}

// Fixture is one captured verdict keyed by normalized URL.
type Fixture struct {
	Status          string `json:"status"`
	URL             string `json:"url,omitempty"`
	HTTPStatus      int    `json:"http_status,omitempty"`
	Title           string `json:"title,omitempty"`
	Publisher       string `json:"publisher,omitempty"`
	EvidenceSnippet string `json:"evidence_snippet,omitempty"`
	Notes           string `json:"notes,omitempty"`
}

// FixturesDoc is the citation-fixtures.v1 document.
type FixturesDoc struct {
	SchemaVersion string             `json:"schema_version"`
	CapturedAt    string             `json:"captured_at,omitempty"`
	Fixtures      map[string]Fixture `json:"fixtures"`
}

// FetchResult is what one ladder rung observed.
type FetchResult struct {
	Status          string
	HTTPStatus      int
	Title           string
	Publisher       string
	EvidenceSnippet string
	Notes           string
}

// Ladder rungs, cheapest first.
var LadderRungs = []string{"direct", "scrape", "browser"}

// Fetcher performs one online validation attempt. The core ships no HTTP
// client; callers inject one. A non-nil error moves to the next rung.
type Fetcher interface {
	Fetch(ctx context.Context, normalizedURL, rung string) (FetchResult, error)
}

// Options configures Validate.
type Options struct {
	// Mode is the resolved citation mode (offline, online, online_dry_run).
	Mode string
	// FixturesPath backs offline mode and online replay.
	FixturesPath string
	// Fetcher backs online mode.
	Fetcher Fetcher
}

// ResolveMode applies the precedence sensitivity -> run-config -> explicit.
func ResolveMode(sensitivity, configMode, explicit string) string {
	if sensitivity == runcfg.SensitivityNoWeb {
		return runcfg.CitationsOffline
	}
	if configMode != "" {
		return configMode
	}
	if explicit != "" {
		return explicit
	}
	return runcfg.CitationsOnlineDryRun
}

// Outcome summarizes a validation pass.
type Outcome struct {
	Records   []Record       `json:"records"`
	Extracted int            `json:"extracted"`
	Counts    map[string]int `json:"counts"`
}

// Validate classifies every extracted URL, writes citations/url-map.json
// and citations/citations.jsonl (sorted by normalized_url, url_original),
// and returns the outcome. Online mode captures fixtures so the run can be
// replayed offline; a pre-existing latest pointer forces replay.
func Validate(ctx context.Context, st *runstore.Store, ex Extraction, opts Options) (Outcome, error) {
	checkedAt := runstore.ISOTime(st.Now())

	var fixtures *FixturesDoc
	switch opts.Mode {
	case runcfg.CitationsOffline:
		if opts.FixturesPath == "" {
			return Outcome{}, coreerr.New(coreerr.CodeInvalidArgs,
				"offline citation validation requires a fixtures document")
		}
		doc, err := readFixtures(st, opts.FixturesPath)
		if err != nil {
			return Outcome{}, err
		}
		fixtures = &doc
	case runcfg.CitationsOnline:
		// Deterministic replay: once a capture exists, re-runs consume it.
		if replayPath, ok, err := latestFixturesPath(st); err != nil {
			return Outcome{}, err
		} else if ok {
			doc, err := readFixtures(st, replayPath)
			if err != nil {
				return Outcome{}, err
			}
			fixtures = &doc
		} else if opts.Fetcher == nil {
			return Outcome{}, coreerr.New(coreerr.CodeDisabled,
				"online citation validation requires an injected fetcher")
		}
	case runcfg.CitationsOnlineDryRun:
	default:
		return Outcome{}, coreerr.New(coreerr.CodeInvalidArgs,
			"unknown citation mode %q", opts.Mode)
	}
	if fixtures != nil && fixtures.CapturedAt != "" {
		checkedAt = fixtures.CapturedAt
	}

	groups, mapEntries := groupByNormalized(ex)

	var captured map[string]Fixture
	if opts.Mode == runcfg.CitationsOnline && fixtures == nil {
		captured = map[string]Fixture{}
	}

	var records []Record
	for _, g := range groups {
		rec := Record{
			CID:           g.cid,
			NormalizedURL: Redact(g.normalized),
			URLOriginal:   Redact(g.original),
			CheckedAt:     checkedAt,
			FoundBy:       g.mentions,
		}
		switch {
		case g.invalidReason != "":
			rec.Status = StatusInvalid
			rec.Notes = g.invalidReason
		case fixtures != nil:
			applyFixture(&rec, fixtures.Fixtures, g.normalized)
		case opts.Mode == runcfg.CitationsOnlineDryRun:
			classifyDryRun(&rec, g.normalized)
		default: // online capture
			fx := fetchLadder(ctx, opts.Fetcher, g.normalized)
			captured[g.normalized] = fx
			applyFixture(&rec, map[string]Fixture{g.normalized: fx}, g.normalized)
		}
		records = append(records, rec)
	}

	sort.Slice(records, func(i, j int) bool {
		if records[i].NormalizedURL != records[j].NormalizedURL {
			return records[i].NormalizedURL < records[j].NormalizedURL
		}
		return records[i].URLOriginal < records[j].URLOriginal
	})

	if captured != nil {
		if err := writeCapturedFixtures(st, captured, checkedAt); err != nil {
			return Outcome{}, err
		}
	}

	urlMap := map[string]any{"schema_version": "url-map.v1", "entries": mapEntries}
	if err := st.WriteArtifact(runstore.URLMapFile, schema.URLMap, urlMap, "citation url map"); err != nil {
		return Outcome{}, err
	}

	jsonlAbs, err := st.Abs(runstore.CitationsFile)
	if err != nil {
		return Outcome{}, err
	}
	var body strings.Builder
	for _, rec := range records {
		line, err := runfs.CanonicalJSON(rec)
		if err != nil {
			return Outcome{}, err
		}
		if err := schema.ValidateBytes(schema.CitationRecord, line); err != nil {
			return Outcome{}, err
		}
		body.Write(line)
		body.WriteByte('\n')
	}
	if err := runfs.AtomicWriteText(jsonlAbs, body.String()); err != nil {
		return Outcome{}, err
	}

	out := Outcome{Records: records, Extracted: len(ex.URLs), Counts: map[string]int{}}
	for _, rec := range records {
		out.Counts[rec.Status]++
	}
	if err := st.AppendAudit("citations_validated", "citation validation", map[string]any{
		"mode":      opts.Mode,
		"extracted": out.Extracted,
		"counts":    out.Counts,
	}); err != nil {
		return Outcome{}, err
	}
	st.AppendTelemetry("citations_validated", map[string]any{
		"mode": opts.Mode, "records": len(records),
	})
	return out, nil
}

// group is the per-normalized-URL working set.
type group struct {
	normalized    string
	cid           string
	original      string
	mentions      []Mention
	invalidReason string
}

// groupByNormalized folds originals into normalized groups and builds the
// url-map entries (sorted by url_original). Originals that fail to
// normalize become their own invalid group.
func groupByNormalized(ex Extraction) ([]group, []map[string]string) {
	byNorm := map[string]*group{}
	var mapEntries []map[string]string
	order := append([]string(nil), ex.URLs...)
	sort.Strings(order)

	for _, original := range order {
		normalized, err := Normalize(original)
		reason := ""
		if err != nil {
			normalized = original
			reason = "url failed normalization: " + err.Error()
		} else if HasUserinfo(original) {
			reason = "userinfo stripped; URL rejected by policy"
		}
		cid := CID(normalized)
		mapEntries = append(mapEntries, map[string]string{
			"url_original":   Redact(original),
			"normalized_url": Redact(normalized),
			"cid":            cid,
		})
		g, ok := byNorm[normalized]
		if !ok {
			g = &group{normalized: normalized, cid: cid, original: original, invalidReason: reason}
			byNorm[normalized] = g
		}
		if original < g.original {
			g.original = original
		}
		for _, m := range ex.Mentions[original] {
			if len(g.mentions) < maxMentionsPerURL {
				m.URLOriginal = Redact(m.URLOriginal)
				g.mentions = append(g.mentions, m)
			}
		}
	}

	groups := make([]group, 0, len(byNorm))
	for _, g := range byNorm {
		if g.mentions == nil {
			g.mentions = []Mention{}
		}
		groups = append(groups, *g)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].normalized < groups[j].normalized })
	return groups, mapEntries
}

func applyFixture(rec *Record, fixtures map[string]Fixture, normalized string) {
	fx, ok := fixtures[normalized]
	if !ok {
		rec.Status = StatusInvalid
		rec.Notes = "offline fixture not found"
		return
	}
	rec.Status = fx.Status
	rec.HTTPStatus = fx.HTTPStatus
	rec.Title = fx.Title
	rec.Publisher = fx.Publisher
	rec.EvidenceSnippet = fx.EvidenceSnippet
	rec.Notes = fx.Notes
}

// classifyDryRun applies the deterministic SSRF-safe classification used
// when the run wants online posture without network access.
func classifyDryRun(rec *Record, normalized string) {
	u, err := url.Parse(normalized)
	if err != nil {
		rec.Status = StatusInvalid
		rec.Notes = "unparseable after normalization"
		return
	}
	if privateHost(u.Hostname()) {
		rec.Status = StatusInvalid
		rec.Notes = "private or loopback host rejected by SSRF policy"
		return
	}
	rec.Status = StatusBlocked
	rec.Notes = "dry-run: ladder not executed (direct -> scrape -> browser)"
}

func privateHost(host string) bool {
	if host == "localhost" || strings.HasSuffix(host, ".localhost") || strings.HasSuffix(host, ".local") {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified()
}

// fetchLadder climbs the validation ladder until a rung classifies the URL.
func fetchLadder(ctx context.Context, f Fetcher, normalized string) Fixture {
	var lastNote string
	for _, rung := range LadderRungs {
		res, err := f.Fetch(ctx, normalized, rung)
		if err != nil {
			lastNote = rung + ": " + err.Error()
			continue
		}
		return Fixture{
			Status:          res.Status,
			URL:             normalized,
			HTTPStatus:      res.HTTPStatus,
			Title:           res.Title,
			Publisher:       res.Publisher,
			EvidenceSnippet: res.EvidenceSnippet,
			Notes:           res.Notes,
		}
	}
	return Fixture{Status: StatusBlocked, URL: normalized, Notes: "ladder exhausted: " + lastNote}
}
