// Package wave builds deterministic wave plans, validates agent output
// against the prompt contract, and reviews a wave's outputs into
// wave-review.json with bounded retry directives.
package wave

import (
	"regexp"
	"strings"
)

var (
	headingRe     = regexp.MustCompile(`^(#{1,6})\s+(.*?)\s*$`)
	fenceRe       = regexp.MustCompile("^(```|~~~)")
	bulletRe      = regexp.MustCompile(`^\s*(?:[-*+]|\d+[.)])\s+(.*)$`)
	urlTokenRe    = regexp.MustCompile(`https?://\S+`)
	orderedMarkRe = regexp.MustCompile(`^\d+[.)]$`)
)

// Section is one `## Heading` block of a markdown document.
type Section struct {
	Heading string
	Lines   []string
	// Start is the 1-based line number of the heading.
	Start int
}

// SplitSections returns the level-2 sections of a document in order.
// Fenced code blocks never open or close a section.
func SplitSections(md string) []Section {
	var sections []Section
	inFence := false
	cur := -1
	for i, line := range strings.Split(md, "\n") {
		if fenceRe.MatchString(strings.TrimSpace(line)) {
			inFence = !inFence
		}
		if !inFence {
			if m := headingRe.FindStringSubmatch(line); m != nil && len(m[1]) == 2 {
				sections = append(sections, Section{Heading: m[2], Start: i + 1})
				cur = len(sections) - 1
				continue
			}
		}
		if cur >= 0 {
			sections[cur].Lines = append(sections[cur].Lines, line)
		}
	}
	return sections
}

// FindSection returns the first section with the given heading
// (case-sensitive match on the heading text).
func FindSection(sections []Section, heading string) (Section, bool) {
	for _, s := range sections {
		if s.Heading == heading {
			return s, true
		}
	}
	return Section{}, false
}

// CountWords counts whitespace-delimited tokens outside fenced code blocks.
// Heading markers (#, ##) and list markers do not count; heading text does.
func CountWords(md string) int {
	words := 0
	inFence := false
	for _, line := range strings.Split(md, "\n") {
		trimmed := strings.TrimSpace(line)
		if fenceRe.MatchString(trimmed) {
			inFence = !inFence
			continue
		}
		if inFence {
			continue
		}
		for _, tok := range strings.Fields(trimmed) {
			if strings.Trim(tok, "#") == "" {
				continue
			}
			if tok == "-" || tok == "*" || tok == "+" || orderedMarkRe.MatchString(tok) {
				continue
			}
			words++
		}
	}
	return words
}

// SourceEntry is one well-formed bullet in a Sources section.
type SourceEntry struct {
	URL  string
	Line int // 1-based within the whole document
	Raw  string
}

// ParseSources extracts the bullet URL entries of a Sources section. A
// non-empty line that is neither a bullet nor carries a URL is malformed
// and returned in bad.
func ParseSources(sec Section) (entries []SourceEntry, bad []string) {
	for i, line := range sec.Lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		m := bulletRe.FindStringSubmatch(line)
		if m == nil {
			bad = append(bad, trimmed)
			continue
		}
		url := urlTokenRe.FindString(m[1])
		if url == "" {
			bad = append(bad, trimmed)
			continue
		}
		entries = append(entries, SourceEntry{
			URL:  TrimURLPunct(url),
			Line: sec.Start + 1 + i,
			Raw:  trimmed,
		})
	}
	return entries, bad
}

// TrimURLPunct drops trailing punctuation that markdown prose attaches to a
// bare URL token.
func TrimURLPunct(url string) string {
	return strings.TrimRight(url, "),.;:!?")
}
