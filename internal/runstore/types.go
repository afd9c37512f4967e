// Package runstore owns the run directory: creation, the revisioned
// manifest and gates documents, the append-only audit log, and the shared
// runs ledger. Every mutation validates before and after, writes
// atomically, and appends an audit event before returning success.
package runstore

import (
	"github.com/sondeworks/sonde/internal/coreerr"
	"github.com/sondeworks/sonde/internal/runcfg"
)

// Run statuses.
const (
	StatusCreated   = "created"
	StatusRunning   = "running"
	StatusPaused    = "paused"
	StatusFailed    = "failed"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
)

// Pipeline stages in execution order.
const (
	StageInit      = "init"
	StageWave1     = "wave1"
	StagePivot     = "pivot"
	StageWave2     = "wave2"
	StageCitations = "citations"
	StageSummaries = "summaries"
	StageSynthesis = "synthesis"
	StageReview    = "review"
	StageFinalize  = "finalize"
)

// Stages returns the stage set in pipeline order.
func Stages() []string {
	return []string{StageInit, StageWave1, StagePivot, StageWave2, StageCitations,
		StageSummaries, StageSynthesis, StageReview, StageFinalize}
}

// KnownStage reports whether s names a pipeline stage.
func KnownStage(s string) bool {
	for _, st := range Stages() {
		if st == s {
			return true
		}
	}
	return false
}

// TerminalStatus reports whether a run status admits no further ticks.
func TerminalStatus(status string) bool {
	return status == StatusFailed || status == StatusCompleted || status == StatusCancelled
}

// Query is the immutable research request recorded at init.
type Query struct {
	Text        string `json:"text"`
	Mode        string `json:"mode"`
	Sensitivity string `json:"sensitivity"`
}

// StageTransition is one sealed history entry.
type StageTransition struct {
	From          string `json:"from"`
	To            string `json:"to"`
	TS            string `json:"ts"`
	Reason        string `json:"reason"`
	InputsDigest  string `json:"inputs_digest"`
	GatesRevision int    `json:"gates_revision"`
}

// StageInfo is the machine's sole state variable plus its append-only trail.
type StageInfo struct {
	Current        string            `json:"current"`
	StartedAt      string            `json:"started_at"`
	LastProgressAt string            `json:"last_progress_at,omitempty"`
	History        []StageTransition `json:"history"`
}

// RetryEvent records one consumed retry.
type RetryEvent struct {
	GateID     string `json:"gate_id"`
	ChangeNote string `json:"change_note"`
	Reason     string `json:"reason"`
	TS         string `json:"ts"`
}

// Metrics aggregates run counters.
type Metrics struct {
	RetryCounts      map[string]int     `json:"retry_counts"`
	RetryHistory     []RetryEvent       `json:"retry_history"`
	ReviewIterations int                `json:"review_iterations"`
	Measurements     map[string]float64 `json:"measurements"`
}

// Failure is one recorded run failure.
type Failure struct {
	Kind      string `json:"kind"`
	Stage     string `json:"stage,omitempty"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	TS        string `json:"ts"`
}

// Manifest is the mutable control record of a run.
type Manifest struct {
	SchemaVersion string            `json:"schema_version"`
	RunID         string            `json:"run_id"`
	CreatedAt     string            `json:"created_at"`
	UpdatedAt     string            `json:"updated_at"`
	Revision      int               `json:"revision"`
	Status        string            `json:"status"`
	Query         Query             `json:"query"`
	Stage         StageInfo         `json:"stage"`
	Limits        runcfg.Limits     `json:"limits"`
	Artifacts     map[string]string `json:"artifacts"`
	Metrics       Metrics           `json:"metrics"`
	Failures      []Failure         `json:"failures"`
}

// ValidateSemantics enforces the invariants the schema cannot express:
// the history chain links, and the current stage equals the last entry's
// target when history is non-empty.
func (m Manifest) ValidateSemantics() error {
	for i := 0; i+1 < len(m.Stage.History); i++ {
		if m.Stage.History[i].To != m.Stage.History[i+1].From {
			return coreerr.New(coreerr.CodeInvalidState,
				"stage history broken at %d: %s -> %s then from %s",
				i, m.Stage.History[i].From, m.Stage.History[i].To, m.Stage.History[i+1].From)
		}
	}
	if n := len(m.Stage.History); n > 0 {
		if last := m.Stage.History[n-1].To; last != m.Stage.Current {
			return coreerr.New(coreerr.CodeInvalidState,
				"stage.current %q disagrees with last history target %q", m.Stage.Current, last)
		}
	}
	return nil
}

// Gate ids, in evaluation order.
const (
	GateA = "A"
	GateB = "B"
	GateC = "C"
	GateD = "D"
	GateE = "E"
	GateF = "F"
)

// GateIDs returns the gate set in order.
func GateIDs() []string { return []string{GateA, GateB, GateC, GateD, GateE, GateF} }

// Gate statuses and classes.
const (
	GateNotRun = "not_run"
	GatePass   = "pass"
	GateFail   = "fail"
	GateWarn   = "warn"

	GateClassHard = "hard"
	GateClassSoft = "soft"
)

// Gate is one gate's lifecycle record.
type Gate struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Class     string         `json:"class"`
	Status    string         `json:"status"`
	CheckedAt string         `json:"checked_at"`
	Metrics   map[string]any `json:"metrics"`
	Artifacts []string       `json:"artifacts"`
	Warnings  []string       `json:"warnings"`
	Notes     string         `json:"notes"`
}

// GatesDoc is the revisioned gates.json document.
type GatesDoc struct {
	SchemaVersion string          `json:"schema_version"`
	RunID         string          `json:"run_id"`
	Revision      int             `json:"revision"`
	UpdatedAt     string          `json:"updated_at"`
	InputsDigest  string          `json:"inputs_digest"`
	Gates         map[string]Gate `json:"gates"`
}

// gateNames maps ids to their stable display names.
var gateNames = map[string]string{
	GateA: "planning_completeness",
	GateB: "wave_output_contract",
	GateC: "citation_validation_integrity",
	GateD: "summary_pack_boundedness",
	GateE: "synthesis_quality",
	GateF: "rollout_safety",
}

// gateClasses: every blocking gate is hard; F is advisory.
var gateClasses = map[string]string{
	GateA: GateClassHard,
	GateB: GateClassHard,
	GateC: GateClassHard,
	GateD: GateClassHard,
	GateE: GateClassHard,
	GateF: GateClassSoft,
}

// Perspective and scope documents.

type PromptContract struct {
	MaxWords            int      `json:"max_words"`
	MaxSources          int      `json:"max_sources"`
	ToolBudget          int      `json:"tool_budget"`
	MustIncludeSections []string `json:"must_include_sections"`
}

type Perspective struct {
	ID             string         `json:"id"`
	Title          string         `json:"title"`
	Track          string         `json:"track"`
	AgentType      string         `json:"agent_type"`
	PromptContract PromptContract `json:"prompt_contract"`
}

type PerspectivesDoc struct {
	SchemaVersion string        `json:"schema_version"`
	RunID         string        `json:"run_id"`
	Perspectives  []Perspective `json:"perspectives"`
}

type ScopeDoc struct {
	SchemaVersion     string   `json:"schema_version"`
	RunID             string   `json:"run_id"`
	CreatedAt         string   `json:"created_at"`
	Questions         []string `json:"questions"`
	NonGoals          []string `json:"non_goals"`
	Deliverable       string   `json:"deliverable"`
	Depth             string   `json:"depth"`
	TimeBudgetMinutes int      `json:"time_budget_minutes"`
	CitationPosture   string   `json:"citation_posture"`
}
