package wave

import (
	"fmt"
	"os"

	"github.com/sondeworks/sonde/internal/coreerr"
)

// Failure is one typed contract violation in an output.
type Failure struct {
	Code   string `json:"code"`
	Detail string `json:"detail"`
}

// ValidationResult reports one output's standing against its contract.
type ValidationResult struct {
	ID              string    `json:"perspective_id"`
	MarkdownPath    string    `json:"markdown_path"`
	Pass            bool      `json:"pass"`
	Words           int       `json:"words"`
	Sources         int       `json:"sources"`
	MissingSections []string  `json:"missing_sections"`
	Failures        []Failure `json:"failures"`
}

// ValidateOutput checks an output file against a plan entry's contract:
// required sections present, word cap, well-formed Sources bullets, source
// cap. All violations are collected, not just the first.
func ValidateOutput(id, path string, entry PlanEntry) (ValidationResult, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ValidationResult{}, coreerr.New(coreerr.CodeNotFound, "no output at %s", path).At(path)
		}
		return ValidationResult{}, coreerr.Wrap(coreerr.CodeWriteFailed, err, "read %s", path).At(path)
	}
	return ValidateMarkdown(id, path, string(raw), entry), nil
}

// ValidateMarkdown is ValidateOutput over in-memory content.
func ValidateMarkdown(id, path, md string, entry PlanEntry) ValidationResult {
	res := ValidationResult{ID: id, MarkdownPath: path}
	sections := SplitSections(md)

	for _, required := range entry.MustIncludeSections {
		if _, ok := FindSection(sections, required); !ok {
			res.MissingSections = append(res.MissingSections, required)
			res.Failures = append(res.Failures, Failure{
				Code:   coreerr.CodeMissingRequiredSection,
				Detail: "## " + required,
			})
		}
	}

	res.Words = CountWords(md)
	if entry.MaxWords > 0 && res.Words > entry.MaxWords {
		res.Failures = append(res.Failures, Failure{
			Code:   coreerr.CodeTooManyWords,
			Detail: fmt.Sprintf("%d words, cap %d", res.Words, entry.MaxWords),
		})
	}

	if sec, ok := FindSection(sections, "Sources"); ok {
		entries, bad := ParseSources(sec)
		res.Sources = len(entries)
		for _, line := range bad {
			res.Failures = append(res.Failures, Failure{
				Code:   coreerr.CodeMalformedSources,
				Detail: line,
			})
		}
		if entry.MaxSources > 0 && len(entries) > entry.MaxSources {
			res.Failures = append(res.Failures, Failure{
				Code:   coreerr.CodeTooManySources,
				Detail: fmt.Sprintf("%d sources, cap %d", len(entries), entry.MaxSources),
			})
		}
	}

	res.Pass = len(res.Failures) == 0
	return res
}
