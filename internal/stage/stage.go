// Package stage implements the deterministic stage machine: the allowed
// transition graph, the per-transition preconditions, and Advance, which
// seals each transition into the manifest's history with an inputs digest.
package stage

import (
	"fmt"

	"github.com/sondeworks/sonde/internal/coreerr"
	"github.com/sondeworks/sonde/internal/runstore"
)

// allowedNext is the transition graph. pivot and review fan out; their
// target is resolved from the governing artifact.
var allowedNext = map[string][]string{
	runstore.StageInit:      {runstore.StageWave1},
	runstore.StageWave1:     {runstore.StagePivot},
	runstore.StagePivot:     {runstore.StageWave2, runstore.StageCitations},
	runstore.StageWave2:     {runstore.StageCitations},
	runstore.StageCitations: {runstore.StageSummaries},
	runstore.StageSummaries: {runstore.StageSynthesis},
	runstore.StageSynthesis: {runstore.StageReview},
	runstore.StageReview:    {runstore.StageSynthesis, runstore.StageFinalize},
	runstore.StageFinalize:  {},
}

// AllowedNext returns the legal successors of a stage.
func AllowedNext(from string) []string {
	return append([]string(nil), allowedNext[from]...)
}

// Terminal reports whether a stage admits no successor.
func Terminal(s string) bool { return len(allowedNext[s]) == 0 }

// Check is one evaluated precondition.
type Check struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

// Result reports what Advance did.
type Result struct {
	From         string  `json:"from"`
	To           string  `json:"to"`
	Advanced     bool    `json:"advanced"`
	NoOp         bool    `json:"noop,omitempty"`
	InputsDigest string  `json:"inputs_digest"`
	Evaluated    []Check `json:"evaluated"`
}

// Block is the typed refusal Advance returns when a precondition fails. It
// satisfies error and carries the structured evaluation for halt artifacts.
type Block struct {
	Code      string   `json:"code"`
	Message   string   `json:"message"`
	From      string   `json:"from"`
	To        string   `json:"to"`
	Missing   []string `json:"missing_artifacts"`
	Gates     []string `json:"blocked_gates"`
	Evaluated []Check  `json:"evaluated"`
}

func (b *Block) Error() string {
	return fmt.Sprintf("%s: %s (%s -> %s)", b.Code, b.Message, b.From, b.To)
}

// Err converts the block into the coded error surface.
func (b *Block) Err() error {
	return coreerr.New(b.Code, "%s", b.Message).
		WithDetail("from", b.From).
		WithDetail("to", b.To).
		WithDetail("missing_artifacts", b.Missing).
		WithDetail("blocked_gates", b.Gates)
}

// Advance computes the target stage, evaluates the Table-1 preconditions,
// and either seals a new history entry or returns a *Block. requestedNext
// may be empty; fan-out stages resolve their target from pivot.json or the
// review decision.
func Advance(st *runstore.Store, requestedNext, reason string) (Result, *Block, error) {
	m, err := st.Manifest()
	if err != nil {
		return Result{}, nil, err
	}
	g, err := st.Gates()
	if err != nil {
		return Result{}, nil, err
	}
	from := m.Stage.Current

	if Terminal(from) {
		return Result{}, nil, coreerr.New(coreerr.CodeInvalidState,
			"stage %s is terminal", from)
	}

	to, err := resolveTarget(st, m, g, from, requestedNext)
	if err != nil {
		return Result{}, nil, err
	}

	checks, missing, blockedGates, err := evaluate(st, m, g, from, to)
	if err != nil {
		return Result{}, nil, err
	}

	digest, err := decisionDigest(m, g, from, to, requestedNext, checks)
	if err != nil {
		return Result{}, nil, err
	}

	if len(missing) > 0 || len(blockedGates) > 0 {
		code := coreerr.CodeMissingArtifact
		msg := fmt.Sprintf("missing artifacts for %s -> %s", from, to)
		if len(blockedGates) > 0 {
			code = coreerr.CodeGateBlocked
			msg = fmt.Sprintf("gates not passing for %s -> %s", from, to)
		}
		return Result{From: from, To: to, InputsDigest: digest, Evaluated: checks},
			&Block{Code: code, Message: msg, From: from, To: to,
				Missing: missing, Gates: blockedGates, Evaluated: checks}, nil
	}

	// Re-sealing the identical decision is a no-op.
	if n := len(m.Stage.History); n > 0 {
		last := m.Stage.History[n-1]
		if last.From == from && last.To == to && last.InputsDigest == digest {
			return Result{From: from, To: to, NoOp: true, InputsDigest: digest, Evaluated: checks}, nil, nil
		}
	}

	now := runstore.ISOTime(st.Now())
	entry := runstore.StageTransition{
		From:          from,
		To:            to,
		TS:            now,
		Reason:        reason,
		InputsDigest:  digest,
		GatesRevision: g.Revision,
	}
	history := append(append([]runstore.StageTransition{}, m.Stage.History...), entry)

	patch := map[string]any{
		"stage": map[string]any{
			"current":    to,
			"started_at": now,
			"history":    history,
		},
	}
	switch {
	case to == runstore.StageFinalize:
		patch["status"] = runstore.StatusCompleted
	case m.Status == runstore.StatusCreated:
		patch["status"] = runstore.StatusRunning
	}
	if to == runstore.StageSynthesis && from == runstore.StageReview {
		metrics := m.Metrics
		metrics.ReviewIterations++
		patch["metrics"] = metrics
	}

	if _, err := st.ManifestWrite(patch, m.Revision, reason); err != nil {
		return Result{}, nil, err
	}
	if err := st.AppendAudit("stage_advance", reason, map[string]any{
		"from":           from,
		"to":             to,
		"inputs_digest":  digest,
		"gates_revision": g.Revision,
	}); err != nil {
		return Result{}, nil, err
	}
	st.AppendTelemetry("stage_advanced", map[string]any{"stage": to, "from": from})

	return Result{From: from, To: to, Advanced: true, InputsDigest: digest, Evaluated: checks}, nil, nil
}

func resolveTarget(st *runstore.Store, m runstore.Manifest, g runstore.GatesDoc, from, requested string) (string, error) {
	next := allowedNext[from]
	if requested != "" {
		for _, n := range next {
			if n == requested {
				return requested, nil
			}
		}
		return "", coreerr.New(coreerr.CodeRequestedNextNotAllowed,
			"transition %s -> %s is not allowed", from, requested).
			WithDetail("allowed", next)
	}
	if len(next) == 1 {
		return next[0], nil
	}

	switch from {
	case runstore.StagePivot:
		dec, err := readPivotDecision(st)
		if err != nil {
			return "", err
		}
		if dec {
			return runstore.StageWave2, nil
		}
		return runstore.StageCitations, nil
	case runstore.StageReview:
		pass, err := readReviewPass(st)
		if err != nil {
			return "", err
		}
		if pass && g.Gates[runstore.GateE].Status == runstore.GatePass {
			return runstore.StageFinalize, nil
		}
		return runstore.StageSynthesis, nil
	}
	return "", coreerr.New(coreerr.CodeInvalidState, "stage %s has no resolvable successor", from)
}

func readPivotDecision(st *runstore.Store) (bool, error) {
	path, err := st.Abs(runstore.PivotFile)
	if err != nil {
		return false, err
	}
	var doc struct {
		Decision struct {
			Wave2Required bool `json:"wave2_required"`
		} `json:"decision"`
	}
	if err := readJSONInto(path, &doc); err != nil {
		if coreerr.HasCode(err, coreerr.CodeNotFound) {
			return false, coreerr.New(coreerr.CodeMissingArtifact,
				"pivot decision not available: %s", runstore.PivotFile)
		}
		return false, err
	}
	return doc.Decision.Wave2Required, nil
}

func readReviewPass(st *runstore.Store) (bool, error) {
	path, err := st.Abs(runstore.ReviewBundleFile)
	if err != nil {
		return false, err
	}
	var doc struct {
		Decision string `json:"decision"`
	}
	if err := readJSONInto(path, &doc); err != nil {
		if coreerr.HasCode(err, coreerr.CodeNotFound) {
			return false, coreerr.New(coreerr.CodeMissingArtifact,
				"review decision not available: %s", runstore.ReviewBundleFile)
		}
		return false, err
	}
	return doc.Decision == "PASS", nil
}

// decisionDigest seals everything the transition decision depended on.
func decisionDigest(m runstore.Manifest, g runstore.GatesDoc, from, to, requested string, checks []Check) (string, error) {
	statuses := map[string]string{}
	for id, gate := range g.Gates {
		statuses[id] = gate.Status
	}
	return digestJSON(map[string]any{
		"from":              from,
		"to":                to,
		"requested_next":    requested,
		"manifest_revision": m.Revision,
		"gates_revision":    g.Revision,
		"gate_statuses":     statuses,
		"evaluated":         checks,
	})
}
