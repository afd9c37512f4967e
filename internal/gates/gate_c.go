package gates

import (
	"fmt"
	"os"
	"strings"

	"github.com/sondeworks/sonde/internal/citations"
	"github.com/sondeworks/sonde/internal/runfs"
	"github.com/sondeworks/sonde/internal/runstore"
)

// Gate C thresholds over the full extracted set.
const (
	minValidatedRate = 0.9
	maxInvalidRate   = 0.1
)

// WarnNoURLs is raised when nothing was extracted: the gate passes (an
// URL-free run is legal) but the reviewer should know.
const WarnNoURLs = "NO_URLS_EXTRACTED"

// EvaluateC checks citation validation integrity against the extracted
// URL set: validated rate, invalid rate, and zero uncategorized URLs.
func EvaluateC(st *runstore.Store) (Evaluation, error) {
	e := Evaluation{GateID: runstore.GateC, Metrics: map[string]any{}}

	extracted, err := readExtractedURLs(st)
	if err != nil {
		return Evaluation{}, err
	}
	records, err := citations.ReadRecords(st)
	if err != nil {
		e.Status = runstore.GateFail
		e.Notes = "citations.jsonl unavailable: " + err.Error()
		return seal(e, map[string]any{"gate": runstore.GateC, "error": err.Error()})
	}

	normalizedOf := map[string]string{}
	for _, url := range extracted {
		if n, err := citations.Normalize(url); err == nil {
			normalizedOf[url] = citations.Redact(n)
		} else {
			normalizedOf[url] = citations.Redact(url)
		}
	}
	categorized := map[string]string{}
	for _, rec := range records {
		categorized[rec.NormalizedURL] = rec.Status
	}

	var validated, invalid, uncategorized int
	for _, url := range extracted {
		status, ok := categorized[normalizedOf[url]]
		switch {
		case !ok:
			uncategorized++
		case status == citations.StatusValid || status == citations.StatusPaywalled:
			validated++
		case status == citations.StatusInvalid:
			invalid++
		}
	}

	total := len(extracted)
	var validatedRate, invalidRate, uncategorizedRate float64
	if total > 0 {
		validatedRate = runfs.RoundRate(float64(validated) / float64(total))
		invalidRate = runfs.RoundRate(float64(invalid) / float64(total))
		uncategorizedRate = runfs.RoundRate(float64(uncategorized) / float64(total))
	}
	e.Metrics["extracted"] = total
	e.Metrics["validated_url_rate"] = validatedRate
	e.Metrics["invalid_url_rate"] = invalidRate
	e.Metrics["uncategorized_url_rate"] = uncategorizedRate
	e.Artifacts = []string{runstore.ExtractedURLsFile, runstore.CitationsFile}

	var problems []string
	if total == 0 {
		e.Warnings = append(e.Warnings, WarnNoURLs)
	} else {
		if validatedRate < minValidatedRate {
			problems = append(problems, fmt.Sprintf("validated_url_rate %.6f < %.1f", validatedRate, minValidatedRate))
		}
		if invalidRate > maxInvalidRate {
			problems = append(problems, fmt.Sprintf("invalid_url_rate %.6f > %.1f", invalidRate, maxInvalidRate))
		}
		if uncategorized > 0 {
			problems = append(problems, fmt.Sprintf("%d extracted URLs uncategorized", uncategorized))
		}
	}

	if len(problems) == 0 {
		e.Status = runstore.GatePass
	} else {
		e.Status = runstore.GateFail
		e.Notes = strings.Join(problems, "; ")
	}
	return seal(e, map[string]any{
		"gate":      runstore.GateC,
		"extracted": extracted,
		"counts":    map[string]int{"validated": validated, "invalid": invalid, "uncategorized": uncategorized},
	})
}

func readExtractedURLs(st *runstore.Store) ([]string, error) {
	abs, err := st.Abs(runstore.ExtractedURLsFile)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var urls []string
	for _, line := range strings.Split(string(raw), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			urls = append(urls, line)
		}
	}
	return urls, nil
}
