package runstore

import "fmt"

// Relative artifact paths inside a run root. Paths recorded in JSON are
// POSIX-style and relative; processes resolve them through containment.
const (
	ManifestFile  = "manifest.json"
	GatesFile     = "gates.json"
	RunConfigFile = "run-config.json"

	ScopeFile        = "operator/scope.json"
	PerspectivesFile = "perspectives.json"
	PromptsDir       = "operator/prompts"
	HaltDir          = "operator/halt"
	HaltLatest       = "operator/halt/latest.json"

	WaveReviewFile      = "wave-review.json"
	PivotFile           = "pivot.json"
	RetryDirectivesFile = "retry/retry-directives.json"

	CitationsDir           = "citations"
	ExtractedURLsFile      = "citations/extracted-urls.txt"
	FoundByFile            = "citations/found-by.json"
	URLMapFile             = "citations/url-map.json"
	CitationsFile          = "citations/citations.jsonl"
	OnlineFixturesLatest   = "citations/online-fixtures.latest.json"
	BlockedURLsFile        = "citations/blocked-urls.json"
	BlockedURLsQueueFile   = "citations/blocked-urls.queue.md"
	ValidatedCitationsFile = "citations/validated-citations.md"

	SummariesDir    = "summaries"
	SummaryPackFile = "summaries/summary-pack.json"
	SynthesisFile   = "synthesis/final-synthesis.md"

	ReviewBundleFile       = "review/review-bundle.json"
	RevisionDirectivesFile = "review/revision-directives.json"
	ReportsDir             = "reports"

	AuditLog          = "logs/audit.jsonl"
	TelemetryLog      = "logs/telemetry.jsonl"
	TicksLog          = "logs/ticks.jsonl"
	TimeoutCheckpoint = "logs/timeout-checkpoint.md"

	LockFile = ".lock"

	// LedgerFile lives under runs_root, shared by all runs.
	LedgerFile = "runs-ledger.jsonl"
)

// WaveDir returns "wave-1" or "wave-2".
func WaveDir(wave int) string { return fmt.Sprintf("wave-%d", wave) }

// WavePlanFile returns the plan path for a wave.
func WavePlanFile(wave int) string {
	return fmt.Sprintf("wave-%d/wave%d-plan.json", wave, wave)
}

// WaveOutputFile returns the markdown output path for one subject
// (perspective or gap) of a wave.
func WaveOutputFile(wave int, id string) string {
	return fmt.Sprintf("wave-%d/%s.md", wave, id)
}

// WaveMetaFile returns the ingest sidecar path next to an output.
func WaveMetaFile(wave int, id string) string {
	return fmt.Sprintf("wave-%d/%s.meta.json", wave, id)
}

// PromptFile returns the externalized prompt path for a stage and subject.
func PromptFile(stage, id string) string {
	return fmt.Sprintf("operator/prompts/%s/%s.md", stage, id)
}

// HaltTickFile returns the per-tick halt artifact path.
func HaltTickFile(tickIndex int) string {
	return fmt.Sprintf("operator/halt/tick-%04d.json", tickIndex)
}

// GateEReportFile returns a reports/gate-e-<name>.json path.
func GateEReportFile(name string) string {
	return fmt.Sprintf("reports/gate-e-%s.json", name)
}

// SummaryFile returns the per-perspective summary path.
func SummaryFile(pid string) string { return fmt.Sprintf("summaries/%s.md", pid) }

// runDirs are the subdirectories created at init.
var runDirs = []string{
	"operator/prompts",
	"operator/halt",
	"wave-1",
	"wave-2",
	"citations",
	"summaries",
	"synthesis",
	"review",
	"reports",
	"retry",
	"logs",
}
