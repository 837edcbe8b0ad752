package decision

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridbill/invoice-pipeline/internal/config"
	"github.com/gridbill/invoice-pipeline/internal/learning"
	"github.com/gridbill/invoice-pipeline/internal/model"
)

func testPolicy() Policy {
	return Policy{
		Validation: config.ValidationConfig{
			ConfidenceThreshold:  0.85,
			ReviewScoreThreshold: 0.85,
		},
		Pipeline: config.PipelineConfig{
			AdvisoryDisagreeProb:  0.25,
			AdvisoryMinConfidence: 0.7,
		},
	}
}

func TestDecide_CleanRunApproves(t *testing.T) {
	out := testPolicy().Decide(nil, 1.0, 0.95, nil)
	assert.Equal(t, model.DispositionApproved, out.Disposition)
	assert.False(t, out.Downgraded)
}

func TestDecide_CriticalRejectsRegardlessOfScore(t *testing.T) {
	results := []model.ValidationResult{
		{RuleID: "historical_anomaly", Severity: model.SeverityCritical},
	}
	out := testPolicy().Decide(results, 1.0, 0.99, nil)
	assert.Equal(t, model.DispositionRejected, out.Disposition)
}

func TestDecide_ErrorFindingRequiresReview(t *testing.T) {
	results := []model.ValidationResult{
		{RuleID: "arithmetic_inconsistency", Severity: model.SeverityError},
	}
	out := testPolicy().Decide(results, 0.75, 0.95, nil)
	assert.Equal(t, model.DispositionReviewRequired, out.Disposition)
	assert.NotEmpty(t, out.Reasons)
}

func TestDecide_LowScoreRequiresReview(t *testing.T) {
	out := testPolicy().Decide(nil, 0.80, 0.95, nil)
	assert.Equal(t, model.DispositionReviewRequired, out.Disposition)
}

func TestDecide_LowConfidenceRequiresReview(t *testing.T) {
	out := testPolicy().Decide(nil, 1.0, 0.70, nil)
	assert.Equal(t, model.DispositionReviewRequired, out.Disposition)
}

func TestDecide_AdvisoryDowngradesOneLevelOnly(t *testing.T) {
	pred := &learning.ValidationPrediction{ApproveProbability: 0.1, Confidence: 0.9}
	out := testPolicy().Decide(nil, 1.0, 0.95, pred)

	// Rules approve, the model strongly disagrees: review, never reject.
	assert.Equal(t, model.DispositionReviewRequired, out.Disposition)
	assert.True(t, out.Downgraded)
}

func TestDecide_WeakAdvisorySignalIgnored(t *testing.T) {
	pred := &learning.ValidationPrediction{ApproveProbability: 0.1, Confidence: 0.3}
	out := testPolicy().Decide(nil, 1.0, 0.95, pred)
	assert.Equal(t, model.DispositionApproved, out.Disposition)
	assert.False(t, out.Downgraded)
}

func TestDecide_AdvisoryNeverUpgradesRejection(t *testing.T) {
	results := []model.ValidationResult{
		{RuleID: "historical_anomaly", Severity: model.SeverityCritical},
	}
	pred := &learning.ValidationPrediction{ApproveProbability: 0.99, Confidence: 0.99}
	out := testPolicy().Decide(results, 1.0, 0.99, pred)
	assert.Equal(t, model.DispositionRejected, out.Disposition)
}

func TestTransition_LegalEdges(t *testing.T) {
	run := model.NewPipelineRun("doc-1", "unit-1")
	for _, to := range []model.RunStatus{
		model.StatusExtracting, model.StatusExtracted, model.StatusValidating,
		model.StatusValidated, model.StatusApproved, model.StatusClosed,
	} {
		require.NoError(t, Transition(run, to))
		assert.Equal(t, to, run.Status)
	}
}

func TestTransition_IllegalEdgeRejected(t *testing.T) {
	run := model.NewPipelineRun("doc-1", "unit-1")
	err := Transition(run, model.StatusApproved)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, model.StatusReceived, run.Status)
}

func TestOverride_OnlyFromReviewRequired(t *testing.T) {
	run := model.NewPipelineRun("doc-1", "unit-1")
	run.Status = model.StatusApproved
	assert.ErrorIs(t, Override(run, true, "maria"), ErrInvalidTransition)

	run.Status = model.StatusReviewRequired
	require.NoError(t, Override(run, false, "maria"))
	assert.Equal(t, model.StatusRejected, run.Status)
	assert.Equal(t, model.DispositionRejected, run.Disposition)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, model.StatusApproved, StatusFor(model.DispositionApproved))
	assert.Equal(t, model.StatusRejected, StatusFor(model.DispositionRejected))
	assert.Equal(t, model.StatusReviewRequired, StatusFor(model.DispositionReviewRequired))
}
