// Package orch drives the run: each Tick is one bounded unit of progress
// that either advances the stage machine or writes a typed halt describing
// the external work the run is waiting on. Drivers decide how agent output
// is produced: fixture (preloaded), task (prompt-out / result-in), or live
// (injected AgentRunner).
package orch

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/sondeworks/sonde/internal/citations"
	"github.com/sondeworks/sonde/internal/coreerr"
	"github.com/sondeworks/sonde/internal/runcfg"
	"github.com/sondeworks/sonde/internal/runlock"
	"github.com/sondeworks/sonde/internal/runstore"
	"github.com/sondeworks/sonde/internal/stage"
)

// AgentRequest is one unit of externalized agent work.
type AgentRequest struct {
	Stage    string // wave1, wave2, summaries, synthesis, review
	Subject  string // perspective id, gap id, or "draft"/"bundle"
	PromptMD string
}

// AgentOutput is what an agent produced for one request.
type AgentOutput struct {
	Markdown   string
	AgentRunID string
	Model      string
	StartedAt  string
	FinishedAt string
}

// AgentRunner executes agent work in-process for the live driver. The core
// ships no LLM client; callers inject one.
type AgentRunner interface {
	RunAgent(ctx context.Context, req AgentRequest) (AgentOutput, error)
}

// Fixtures points the fixture driver (and offline citation validation) at
// preloaded deterministic data. All paths are absolute.
type Fixtures struct {
	Wave1Dir             string
	Wave2Dir             string
	SummariesDir         string
	SynthesisPath        string
	ReviewBundlePath     string
	CitationFixturesPath string
}

// Engine ties a run store to a driver and its collaborators.
type Engine struct {
	Store  *runstore.Store
	Driver string // runcfg.DriverFixture, DriverTask, DriverLive

	// Runner backs the live driver. Fetcher backs online citation
	// validation. Both are optional depending on driver and config.
	Runner  AgentRunner
	Fetcher citations.Fetcher

	Fixtures Fixtures

	// MaxParallel bounds live-driver fan-out; 0 means the config default.
	MaxParallel int

	LockOpts runlock.Options
	Logger   *zap.Logger
}

func (e *Engine) applyDefaults() {
	if e.Logger == nil {
		e.Logger = zap.NewNop()
	}
	if e.Driver == "" {
		e.Driver = runcfg.DriverFixture
	}
}

// TickResult reports what one tick did.
type TickResult struct {
	TickID    string `json:"tick_id"`
	Seq       int    `json:"seq"`
	Driver    string `json:"driver"`
	StageFrom string `json:"stage_from"`
	StageTo   string `json:"stage_to,omitempty"`
	Outcome   string `json:"outcome"`
	HaltPath  string `json:"halt_path,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
}

// step is a stage handler's verdict: either the machine advanced, or a
// halt describes why it could not.
type step struct {
	outcome string
	to      string
	halt    *Halt
	errCode string
	notes   string
}

func advancedStep(to string) step { return step{outcome: OutcomeAdvanced, to: to} }
func noopStep(notes string) step  { return step{outcome: OutcomeNoop, notes: notes} }

// Tick acquires the run lock and performs one bounded unit of progress for
// the current stage. A tick never sleeps except inside lock backoff, and
// always appends one logs/ticks.jsonl record before returning.
func (e *Engine) Tick(ctx context.Context, reason string) (TickResult, error) {
	e.applyDefaults()
	st := e.Store

	lock, err := runlock.Acquire(st.RunRoot, st.RunID, e.LockOpts)
	if err != nil {
		return TickResult{}, err
	}
	defer func() { _ = lock.Release() }()

	seq, err := nextSeq(st)
	if err != nil {
		return TickResult{}, err
	}
	startedAt := runstore.ISOTime(st.Now())
	res := TickResult{
		TickID: runstore.NewTickID(),
		Seq:    seq,
		Driver: e.Driver,
	}

	m, err := st.Manifest()
	if err != nil {
		return TickResult{}, err
	}
	res.StageFrom = m.Stage.Current

	finish := func(s step, werr error) (TickResult, error) {
		res.Outcome = s.outcome
		res.StageTo = s.to
		res.ErrorCode = s.errCode
		if s.halt != nil {
			s.halt.TickIndex = seq
			s.halt.StageCurrent = res.StageFrom
			path, herr := writeHalt(st, *s.halt)
			if herr != nil {
				return TickResult{}, herr
			}
			res.HaltPath = path
			res.ErrorCode = s.halt.Error.Code
		}
		rec := TickRecord{
			TickID:     res.TickID,
			Seq:        seq,
			Driver:     e.Driver,
			StageFrom:  res.StageFrom,
			StageTo:    res.StageTo,
			Outcome:    res.Outcome,
			HaltPath:   res.HaltPath,
			ErrorCode:  res.ErrorCode,
			StartedAt:  startedAt,
			FinishedAt: runstore.ISOTime(st.Now()),
		}
		if terr := appendTickRecord(st, rec); terr != nil {
			return TickResult{}, terr
		}
		if werr == nil && res.Outcome == OutcomeAdvanced {
			werr = e.touchProgress()
		}
		return res, werr
	}

	switch m.Status {
	case runstore.StatusPaused, runstore.StatusCancelled:
		return finish(noopStep("run is "+m.Status), nil)
	case runstore.StatusFailed, runstore.StatusCompleted:
		return finish(noopStep("run is terminal ("+m.Status+")"), nil)
	}
	if !lock.Held() {
		return TickResult{}, coreerr.New(coreerr.CodeLockHeld, "run lock lost before stage work")
	}

	s, serr := e.stageWork(ctx, m, reason)
	if serr != nil {
		s = step{outcome: OutcomeFailed, errCode: coreerr.CodeOf(serr)}
	}
	return finish(s, serr)
}

// stageWork dispatches to the handler for the current stage.
func (e *Engine) stageWork(ctx context.Context, m runstore.Manifest, reason string) (step, error) {
	switch m.Stage.Current {
	case runstore.StageInit:
		return e.advance(stage.Advance(e.Store, "", reason))
	case runstore.StageWave1:
		return e.tickWave1(ctx, m, reason)
	case runstore.StagePivot:
		return e.tickPivot(m, reason)
	case runstore.StageWave2:
		return e.tickWave2(ctx, m, reason)
	case runstore.StageCitations:
		return e.tickCitations(ctx, m, reason)
	case runstore.StageSummaries:
		return e.tickSummaries(ctx, m, reason)
	case runstore.StageSynthesis:
		return e.tickSynthesis(ctx, m, reason)
	case runstore.StageReview:
		return e.tickReview(ctx, m, reason)
	case runstore.StageFinalize:
		return noopStep("run already finalized"), nil
	default:
		return step{}, coreerr.New(coreerr.CodeInvalidState,
			"unknown stage %q", m.Stage.Current)
	}
}

// advance converts a stage.Advance outcome into a step, turning a typed
// block into a halt artifact.
func (e *Engine) advance(res stage.Result, block *stage.Block, err error) (step, error) {
	if err != nil {
		return step{}, err
	}
	if block != nil {
		return step{
			outcome: OutcomeBlocked,
			halt:    haltFromBlock(block),
		}, nil
	}
	if res.NoOp {
		return noopStep("transition already sealed"), nil
	}
	return advancedStep(res.To), nil
}

func haltFromBlock(b *stage.Block) *Halt {
	var failed []string
	for _, c := range b.Evaluated {
		if !c.OK {
			failed = append(failed, fmt.Sprintf("%s: %s", c.Name, c.Detail))
		}
	}
	return &Halt{
		BlockedTransition: BlockedTransition{From: b.From, To: b.To},
		Error:             HaltError{Code: b.Code, Message: b.Message},
		Blockers: Blockers{
			MissingArtifacts: b.Missing,
			BlockedGates:     b.Gates,
			FailedChecks:     failed,
		},
		Notes: "resolve the blockers and re-run tick",
	}
}

// touchProgress stamps manifest.stage.last_progress_at.
func (e *Engine) touchProgress() error {
	st := e.Store
	m, err := st.Manifest()
	if err != nil {
		return err
	}
	_, err = st.ManifestWrite(map[string]any{
		"stage": map[string]any{"last_progress_at": runstore.ISOTime(st.Now())},
	}, m.Revision, "tick progress")
	return err
}

// fanOutLimit is the bounded parallelism for live-driver agent runs.
func (e *Engine) fanOutLimit(limits runcfg.Limits) int {
	n := e.MaxParallel
	if n <= 0 {
		if cfg, err := e.Store.Config(); err == nil {
			n = cfg.Drivers.MaxParallelAgents
		}
	}
	if n <= 0 {
		n = 1
	}
	if limits.MaxWave1Agents > 0 && n > limits.MaxWave1Agents {
		n = limits.MaxWave1Agents
	}
	return n
}

// waitCtx surfaces a context cancellation as a coded error.
func waitCtx(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return coreerr.Wrap(coreerr.CodeInvalidState, err, "tick cancelled")
	}
	return nil
}
