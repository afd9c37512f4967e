package gates

import (
	"fmt"

	"github.com/sondeworks/sonde/internal/runstore"
	"github.com/sondeworks/sonde/internal/wave"
)

// EvaluateB checks wave output contract compliance: every reviewed
// perspective must pass. Hard gate.
func EvaluateB(st *runstore.Store) (Evaluation, error) {
	e := Evaluation{GateID: runstore.GateB, Metrics: map[string]any{}}

	review, err := wave.ReadReview(st)
	if err != nil {
		e.Status = runstore.GateFail
		e.Notes = "wave review unavailable: " + err.Error()
		return seal(e, map[string]any{"gate": runstore.GateB, "error": err.Error()})
	}

	failed := 0
	for _, res := range review.Results {
		if !res.Pass {
			failed++
		}
	}
	e.Metrics["reviewed"] = len(review.Results)
	e.Metrics["failed"] = failed
	e.Artifacts = []string{runstore.WaveReviewFile}

	if review.AllPass() {
		e.Status = runstore.GatePass
	} else {
		e.Status = runstore.GateFail
		e.Notes = fmt.Sprintf("%d of %d outputs violate the contract", failed, len(review.Results))
	}
	return seal(e, map[string]any{
		"gate":          runstore.GateB,
		"review_digest": review.InputsDigest,
	})
}
