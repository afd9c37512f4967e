package summaries

import (
	"os"
	"regexp"
	"strings"

	"github.com/sondeworks/sonde/internal/coreerr"
	"github.com/sondeworks/sonde/internal/runfs"
	"github.com/sondeworks/sonde/internal/runstore"
	"github.com/sondeworks/sonde/internal/wave"
)

// RequiredHeadings are the report sections a synthesis must carry.
var RequiredHeadings = []string{"Summary", "Key Findings", "Evidence", "Caveats"}

// numericTokenRe matches the numeric tokens the uncited-claim scan counts.
var numericTokenRe = regexp.MustCompile(`-?\d+(?:\.\d+)?%?`)

// orderedListRe matches ordered-list markers whose numbers are not claims.
var orderedListRe = regexp.MustCompile(`^\s*\d+[.)]\s`)

// WriteSynthesis validates a draft (required headings present, every cited
// cid in the validated pool) and writes synthesis/final-synthesis.md.
func WriteSynthesis(st *runstore.Store, draft string, validated map[string]bool, reason string) error {
	sections := wave.SplitSections(draft)
	for _, h := range RequiredHeadings {
		if _, ok := wave.FindSection(sections, h); !ok {
			return coreerr.New(coreerr.CodeMissingRequiredSection,
				"synthesis lacks required heading ## %s", h)
		}
	}
	for _, m := range cidMentionRe.FindAllStringSubmatch(draft, -1) {
		if !validated[m[1]] {
			return coreerr.New(coreerr.CodeUnknownCID,
				"synthesis cites %s which is not in the validated pool", m[1])
		}
	}
	abs, err := st.Abs(runstore.SynthesisFile)
	if err != nil {
		return err
	}
	if err := runfs.AtomicWriteText(abs, draft); err != nil {
		return err
	}
	return st.AppendAudit("synthesis_write", reason, map[string]any{
		"digest": runfs.DigestText(draft),
	})
}

// NumericClaim is one non-heading paragraph that carries a numeric token
// but no citation.
type NumericClaim struct {
	Paragraph string   `json:"paragraph"`
	Tokens    []string `json:"tokens"`
}

// Analysis is the deterministic read of a synthesis document.
type Analysis struct {
	Digest               string
	MissingSections      []string
	UncitedNumericClaims []NumericClaim
	CIDMentions          []string
}

// SectionsPresentRatio is the fraction of required headings present.
func (a Analysis) SectionsPresentRatio() float64 {
	present := len(RequiredHeadings) - len(a.MissingSections)
	return float64(present) / float64(len(RequiredHeadings))
}

// AnalyzeSynthesis reads synthesis/final-synthesis.md and computes the
// Gate E inputs.
func AnalyzeSynthesis(st *runstore.Store) (Analysis, error) {
	abs, err := st.Abs(runstore.SynthesisFile)
	if err != nil {
		return Analysis{}, err
	}
	raw, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return Analysis{}, coreerr.New(coreerr.CodeNotFound,
				"no synthesis at %s", runstore.SynthesisFile).At(abs)
		}
		return Analysis{}, coreerr.Wrap(coreerr.CodeWriteFailed, err, "read %s", abs)
	}
	return AnalyzeMarkdown(string(raw)), nil
}

// AnalyzeMarkdown is AnalyzeSynthesis over in-memory content.
func AnalyzeMarkdown(md string) Analysis {
	a := Analysis{Digest: runfs.DigestText(md)}

	sections := wave.SplitSections(md)
	for _, h := range RequiredHeadings {
		if _, ok := wave.FindSection(sections, h); !ok {
			a.MissingSections = append(a.MissingSections, h)
		}
	}
	for _, m := range cidMentionRe.FindAllStringSubmatch(md, -1) {
		a.CIDMentions = append(a.CIDMentions, m[1])
	}
	a.UncitedNumericClaims = ScanUncitedNumericClaims(md)
	return a
}

// ScanUncitedNumericClaims returns every non-heading paragraph that holds
// a numeric token and no [@cid] citation. Fenced code blocks and
// ordered-list markers are excluded from token matching.
func ScanUncitedNumericClaims(md string) []NumericClaim {
	var claims []NumericClaim
	for _, para := range splitParagraphs(md) {
		if para.heading {
			continue
		}
		if cidMentionRe.MatchString(para.text) {
			continue
		}
		tokens := numericTokens(para.text)
		if len(tokens) > 0 {
			claims = append(claims, NumericClaim{Paragraph: para.text, Tokens: tokens})
		}
	}
	return claims
}

type paragraph struct {
	text    string
	heading bool
}

// splitParagraphs splits on blank lines, treating fenced code blocks as
// absent and heading-only blocks as headings.
func splitParagraphs(md string) []paragraph {
	var paras []paragraph
	var cur []string
	inFence := false
	flush := func() {
		if len(cur) == 0 {
			return
		}
		text := strings.Join(cur, "\n")
		heading := true
		for _, l := range cur {
			if !strings.HasPrefix(strings.TrimSpace(l), "#") {
				heading = false
				break
			}
		}
		paras = append(paras, paragraph{text: text, heading: heading})
		cur = nil
	}
	for _, line := range strings.Split(md, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") || strings.HasPrefix(trimmed, "~~~") {
			inFence = !inFence
			continue
		}
		if inFence {
			continue
		}
		if trimmed == "" {
			flush()
			continue
		}
		cur = append(cur, line)
	}
	flush()
	return paras
}

func numericTokens(text string) []string {
	var tokens []string
	for _, line := range strings.Split(text, "\n") {
		scan := orderedListRe.ReplaceAllString(line, "")
		tokens = append(tokens, numericTokenRe.FindAllString(scan, -1)...)
	}
	return tokens
}
