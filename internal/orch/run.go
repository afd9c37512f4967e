package orch

import (
	"context"

	"go.uber.org/zap"

	"github.com/sondeworks/sonde/internal/coreerr"
	"github.com/sondeworks/sonde/internal/runstore"
	"github.com/sondeworks/sonde/internal/watchdog"
)

// RunOptions bound a multi-tick run.
type RunOptions struct {
	// MaxTicks caps the loop; 0 means a conservative default.
	MaxTicks int
	// Until stops once the run reaches this stage; empty means finalize.
	Until string
	// Reason is recorded on every mutation the loop makes.
	Reason string
}

// defaultMaxTicks bounds a run that never stops advancing. The longest
// legal path (revise loops included) stays well under this.
const defaultMaxTicks = 64

// Run ticks until the run halts, blocks, fails, goes terminal, or reaches
// the target stage. The watchdog runs before every tick, so a stage that
// overstays its budget fails even mid-loop. The returned slice holds every
// tick performed, including the one that stopped the loop.
func (e *Engine) Run(ctx context.Context, opts RunOptions) ([]TickResult, error) {
	e.applyDefaults()
	st := e.Store

	maxTicks := opts.MaxTicks
	if maxTicks <= 0 {
		maxTicks = defaultMaxTicks
	}
	until := opts.Until
	if until == "" {
		until = runstore.StageFinalize
	}
	if !runstore.KnownStage(until) {
		return nil, coreerr.New(coreerr.CodeInvalidArgs, "unknown stage %q", until)
	}

	var results []TickResult
	for i := 0; i < maxTicks; i++ {
		if err := waitCtx(ctx); err != nil {
			return results, err
		}

		wd, err := watchdog.Check(st, "", st.Now())
		if err != nil {
			return results, err
		}
		if wd.TimedOut {
			e.Logger.Warn("watchdog failed the run",
				zap.String("stage", wd.Stage),
				zap.Int("elapsed_s", wd.ElapsedS))
			return results, coreerr.New(coreerr.CodeInvalidState,
				"stage %s timed out; the run was failed", wd.Stage)
		}

		res, err := e.Tick(ctx, opts.Reason)
		if err != nil {
			return results, err
		}
		results = append(results, res)

		if res.Outcome != OutcomeAdvanced {
			return results, nil
		}
		if res.StageTo == until {
			return results, nil
		}
	}
	e.Logger.Warn("run loop hit its tick cap", zap.Int("max_ticks", maxTicks))
	return results, nil
}
