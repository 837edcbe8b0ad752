// Package decision combines validation findings, the aggregate score and an
// optional learned advisory signal into a terminal disposition, and governs
// pipeline state transitions. The rule-based engine is authoritative; the
// learned signal can only downgrade, never override.
package decision

import (
	"fmt"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/gridbill/invoice-pipeline/internal/config"
	"github.com/gridbill/invoice-pipeline/internal/learning"
	"github.com/gridbill/invoice-pipeline/internal/model"
)

// ErrInvalidTransition reports a state-machine edge that does not exist.
var ErrInvalidTransition = eris.New("decision: invalid state transition")

var transitions = map[model.RunStatus][]model.RunStatus{
	model.StatusReceived:   {model.StatusExtracting},
	model.StatusExtracting: {model.StatusExtracted, model.StatusExtractionFailed},
	model.StatusExtracted:  {model.StatusValidating},
	model.StatusValidating: {model.StatusValidated, model.StatusValidationFailed},
	model.StatusValidated:  {model.StatusApproved, model.StatusReviewRequired, model.StatusRejected},
	// Human override resolves a review; approval/rejection then closes.
	model.StatusReviewRequired: {model.StatusApproved, model.StatusRejected, model.StatusClosed},
	model.StatusApproved:       {model.StatusClosed},
	model.StatusRejected:       {model.StatusClosed},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to model.RunStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition validates and applies a state change on the run.
func Transition(run *model.PipelineRun, to model.RunStatus) error {
	if !CanTransition(run.Status, to) {
		return eris.Wrapf(ErrInvalidTransition, "%s -> %s", run.Status, to)
	}
	run.Status = to
	return nil
}

// Outcome is the policy's disposition with its rationale.
type Outcome struct {
	Disposition model.Disposition `json:"disposition"`
	Reasons     []string          `json:"reasons"`
	Downgraded  bool              `json:"downgraded"`
}

// Policy holds the decision thresholds.
type Policy struct {
	Validation config.ValidationConfig
	Pipeline   config.PipelineConfig
}

// Decide maps (findings, score, record confidence, advisory prediction) to a
// disposition:
//   - any critical finding rejects, regardless of score
//   - any error finding, a score below the review threshold, or a record
//     confidence below threshold requires review
//   - otherwise approve; a strongly disagreeing advisory prediction
//     downgrades approval to review, one level only
func (p Policy) Decide(results []model.ValidationResult, score, confidence float64, pred *learning.ValidationPrediction) Outcome {
	out := Outcome{}

	if model.HasSeverity(results, model.SeverityCritical) {
		out.Disposition = model.DispositionRejected
		out.Reasons = append(out.Reasons, "critical finding present")
		return out
	}

	if model.HasSeverity(results, model.SeverityError) {
		out.Reasons = append(out.Reasons, "error-severity finding present")
	}
	if score < p.Validation.ReviewScoreThreshold {
		out.Reasons = append(out.Reasons, fmt.Sprintf("score %.3f below review threshold %.2f", score, p.Validation.ReviewScoreThreshold))
	}
	if confidence < p.Validation.ConfidenceThreshold {
		out.Reasons = append(out.Reasons, fmt.Sprintf("record confidence %.2f below threshold %.2f", confidence, p.Validation.ConfidenceThreshold))
	}
	if len(out.Reasons) > 0 {
		out.Disposition = model.DispositionReviewRequired
		return out
	}

	// Rules approve. The learned signal is advisory: a strong disagreement
	// downgrades one level, never rejects outright.
	if pred != nil &&
		pred.Confidence >= p.Pipeline.AdvisoryMinConfidence &&
		pred.ApproveProbability < p.Pipeline.AdvisoryDisagreeProb {
		out.Disposition = model.DispositionReviewRequired
		out.Downgraded = true
		out.Reasons = append(out.Reasons, fmt.Sprintf(
			"advisory model predicts approval probability %.2f (confidence %.2f), downgrading to review",
			pred.ApproveProbability, pred.Confidence,
		))
		zap.L().Info("decision: advisory downgrade",
			zap.Float64("approve_probability", pred.ApproveProbability),
			zap.Float64("prediction_confidence", pred.Confidence),
		)
		return out
	}

	out.Disposition = model.DispositionApproved
	out.Reasons = append(out.Reasons, "no findings above threshold")
	return out
}

// StatusFor maps a disposition onto its run status.
func StatusFor(d model.Disposition) model.RunStatus {
	switch d {
	case model.DispositionApproved:
		return model.StatusApproved
	case model.DispositionRejected:
		return model.StatusRejected
	default:
		return model.StatusReviewRequired
	}
}

// Override applies a human decision at review_required. The caller must
// audit the transition with the actor's identity.
func Override(run *model.PipelineRun, approve bool, actor string) error {
	if run.Status != model.StatusReviewRequired {
		return eris.Wrapf(ErrInvalidTransition, "override from %s by %s", run.Status, actor)
	}
	to := model.StatusRejected
	d := model.DispositionRejected
	if approve {
		to = model.StatusApproved
		d = model.DispositionApproved
	}
	if err := Transition(run, to); err != nil {
		return err
	}
	run.Disposition = d
	return nil
}
