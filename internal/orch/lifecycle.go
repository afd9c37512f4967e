package orch

import (
	"github.com/sondeworks/sonde/internal/coreerr"
	"github.com/sondeworks/sonde/internal/runlock"
	"github.com/sondeworks/sonde/internal/runstore"
)

// Lifecycle transitions. Pause and Resume flip between running and paused;
// Cancel is terminal. Stage state is untouched, so a resumed run continues
// exactly where it stopped.

func Pause(st *runstore.Store, opts runlock.Options, reason string) error {
	return setStatus(st, opts, runstore.StatusPaused, reason,
		runstore.StatusCreated, runstore.StatusRunning)
}

func Resume(st *runstore.Store, opts runlock.Options, reason string) error {
	return setStatus(st, opts, runstore.StatusRunning, reason,
		runstore.StatusPaused)
}

func Cancel(st *runstore.Store, opts runlock.Options, reason string) error {
	return setStatus(st, opts, runstore.StatusCancelled, reason,
		runstore.StatusCreated, runstore.StatusRunning, runstore.StatusPaused)
}

func setStatus(st *runstore.Store, opts runlock.Options, to, reason string, from ...string) error {
	lock, err := runlock.Acquire(st.RunRoot, st.RunID, opts)
	if err != nil {
		return err
	}
	defer func() { _ = lock.Release() }()

	m, err := st.Manifest()
	if err != nil {
		return err
	}
	if m.Status == to {
		return nil
	}
	allowed := false
	for _, f := range from {
		if m.Status == f {
			allowed = true
			break
		}
	}
	if !allowed {
		return coreerr.New(coreerr.CodeLifecycleRuleViolation,
			"cannot move run from %q to %q", m.Status, to)
	}
	if _, err := st.ManifestWrite(map[string]any{"status": to}, m.Revision, reason); err != nil {
		return err
	}
	return st.AppendAudit("status_changed", reason, map[string]any{
		"from": m.Status,
		"to":   to,
	})
}
