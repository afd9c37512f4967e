package wave

import (
	"fmt"
	"path/filepath"

	"github.com/sondeworks/sonde/internal/runfs"
	"github.com/sondeworks/sonde/internal/runstore"
	"github.com/sondeworks/sonde/internal/schema"
)

// ReviewResult is one perspective's row in wave-review.json.
type ReviewResult struct {
	ID       string    `json:"id"`
	Pass     bool      `json:"pass"`
	Words    int       `json:"words"`
	Sources  int       `json:"sources"`
	Failures []Failure `json:"failures"`
}

// RetryDirective tells the operator what to change before re-running one
// subject's agent.
type RetryDirective struct {
	PerspectiveID     string `json:"perspective_id"`
	Action            string `json:"action"`
	ChangeNote        string `json:"change_note"`
	BlockingErrorCode string `json:"blocking_error_code"`
	ConsumedAt        string `json:"consumed_at,omitempty"`
}

// Review is the wave-review.v1 document.
type Review struct {
	SchemaVersion   string           `json:"schema_version"`
	RunID           string           `json:"run_id"`
	Wave            int              `json:"wave"`
	CheckedAt       string           `json:"checked_at"`
	InputsDigest    string           `json:"inputs_digest"`
	Results         []ReviewResult   `json:"results"`
	RetryDirectives []RetryDirective `json:"retry_directives"`
}

// AllPass reports whether every reviewed output met its contract.
func (r Review) AllPass() bool {
	if len(r.Results) == 0 {
		return false
	}
	for _, res := range r.Results {
		if !res.Pass {
			return false
		}
	}
	return true
}

// changeNotes maps failure codes to actionable retry notes.
var changeNotes = map[string]string{
	"MISSING_REQUIRED_SECTION": "add the missing required section heading and its content",
	"TOO_MANY_WORDS":           "cut the output to the word cap without dropping required sections",
	"MALFORMED_SOURCES":        "rewrite Sources as `- <url>` bullets, one URL per line",
	"TOO_MANY_SOURCES":         "keep only the strongest sources within the cap",
	"NOT_FOUND":                "produce the output file for this subject",
}

// BuildReview validates every plan entry's output and assembles the review
// document. Retry directives are bounded by maxFailures; the remainder is
// dropped with a note in the final directive.
func BuildReview(st *runstore.Store, plan Plan, maxFailures int) (Review, error) {
	if maxFailures <= 0 {
		maxFailures = 25
	}
	review := Review{
		SchemaVersion: "wave-review.v1",
		RunID:         plan.RunID,
		Wave:          plan.Wave,
		CheckedAt:     runstore.ISOTime(st.Now()),
	}

	for _, entry := range plan.Entries {
		outAbs, err := st.Abs(runstore.WaveOutputFile(plan.Wave, entry.ID))
		if err != nil {
			return Review{}, err
		}
		var res ValidationResult
		if !runfs.FileExists(outAbs) {
			res = ValidationResult{
				ID:           entry.ID,
				MarkdownPath: outAbs,
				Failures:     []Failure{{Code: "NOT_FOUND", Detail: filepath.Base(outAbs)}},
			}
		} else {
			res, err = ValidateOutput(entry.ID, outAbs, entry)
			if err != nil {
				return Review{}, err
			}
		}
		review.Results = append(review.Results, ReviewResult{
			ID:       res.ID,
			Pass:     res.Pass,
			Words:    res.Words,
			Sources:  res.Sources,
			Failures: emptyIfNil(res.Failures),
		})
		if !res.Pass && len(review.RetryDirectives) < maxFailures {
			first := res.Failures[0]
			note, ok := changeNotes[first.Code]
			if !ok {
				note = "fix the reported contract violation"
			}
			review.RetryDirectives = append(review.RetryDirectives, RetryDirective{
				PerspectiveID:     entry.ID,
				Action:            "retry",
				ChangeNote:        fmt.Sprintf("%s (%s)", note, first.Detail),
				BlockingErrorCode: first.Code,
			})
		}
	}
	if review.RetryDirectives == nil {
		review.RetryDirectives = []RetryDirective{}
	}
	if review.Results == nil {
		review.Results = []ReviewResult{}
	}

	digest, err := runfs.DigestJSON(map[string]any{
		"plan_digest": plan.InputsDigest,
		"results":     review.Results,
	})
	if err != nil {
		return Review{}, err
	}
	review.InputsDigest = digest
	return review, nil
}

// WriteReview persists wave-review.json and mirrors the retry directives to
// retry/retry-directives.json for the operator surface.
func WriteReview(st *runstore.Store, review Review) error {
	if err := st.WriteArtifact(runstore.WaveReviewFile, schema.WaveReview, review,
		fmt.Sprintf("wave-%d review", review.Wave)); err != nil {
		return err
	}
	directives := map[string]any{
		"schema_version": "retry-directives.v1",
		"run_id":         review.RunID,
		"directives":     review.RetryDirectives,
	}
	return st.WriteArtifact(runstore.RetryDirectivesFile, schema.RetryDirectives, directives,
		fmt.Sprintf("wave-%d retry directives", review.Wave))
}

// ReadReview loads and validates wave-review.json.
func ReadReview(st *runstore.Store) (Review, error) {
	path, err := st.Abs(runstore.WaveReviewFile)
	if err != nil {
		return Review{}, err
	}
	doc, err := runfs.ReadJSONMap(path)
	if err != nil {
		return Review{}, err
	}
	if err := schema.Validate(schema.WaveReview, doc); err != nil {
		return Review{}, err
	}
	var review Review
	if err := runfs.ReadJSON(path, &review); err != nil {
		return Review{}, err
	}
	return review, nil
}

func emptyIfNil(f []Failure) []Failure {
	if f == nil {
		return []Failure{}
	}
	return f
}
