package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridbill/invoice-pipeline/internal/learning"
	"github.com/gridbill/invoice-pipeline/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLite_RunLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	run := model.NewPipelineRun("doc-1", "unit-1")
	require.NoError(t, s.CreateRun(ctx, run))

	require.NoError(t, s.UpdateRunStatus(ctx, run.ID, model.StatusExtracting))

	run.Status = model.StatusApproved
	run.Disposition = model.DispositionApproved
	run.RecordID = "rec-1"
	run.Score = 0.95
	run.Confidence = 0.9
	run.Stages = []model.StageResult{{Name: "extract", Status: model.StageStatusComplete, Duration: 1200}}
	require.NoError(t, s.FinishRun(ctx, run))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusApproved, got.Status)
	assert.Equal(t, model.DispositionApproved, got.Disposition)
	assert.Equal(t, "rec-1", got.RecordID)
	assert.Equal(t, 0.95, got.Score)
	require.Len(t, got.Stages, 1)
	assert.Equal(t, "extract", got.Stages[0].Name)
}

func TestSQLite_GetRunNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetRun(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_UpdateStatusNotFound(t *testing.T) {
	s := newTestStore(t)
	err := s.UpdateRunStatus(context.Background(), "missing", model.StatusExtracting)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_ListRunsFilters(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	a := model.NewPipelineRun("doc-a", "unit-1")
	b := model.NewPipelineRun("doc-b", "unit-2")
	require.NoError(t, s.CreateRun(ctx, a))
	require.NoError(t, s.CreateRun(ctx, b))
	require.NoError(t, s.UpdateRunStatus(ctx, b.ID, model.StatusExtracting))

	runs, err := s.ListRuns(ctx, RunFilter{Status: model.StatusReceived})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, a.ID, runs[0].ID)

	runs, err = s.ListRuns(ctx, RunFilter{UnitID: "unit-2"})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, b.ID, runs[0].ID)
}

func TestSQLite_SaveRecordIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	rec := model.NewInvoiceRecord("doc-1", "unit-1")
	require.NoError(t, rec.SetField(model.FieldValue{Key: "total_rs", Value: 890.45, Engine: "anthropic", Confidence: 0.9}))

	id1, err := s.SaveRecord(ctx, rec, "unit-1/doc-1")
	require.NoError(t, err)
	assert.Equal(t, rec.ID, id1)

	// A second save under the same key returns the original ID.
	dup := model.NewInvoiceRecord("doc-1", "unit-1")
	id2, err := s.SaveRecord(ctx, dup, "unit-1/doc-1")
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	got, err := s.GetRecord(ctx, id1)
	require.NoError(t, err)
	assert.Equal(t, "doc-1", got.DocumentRef)
	fv, ok := got.Field("total_rs")
	require.True(t, ok)
	assert.Equal(t, 890.45, fv.Value)
	assert.Equal(t, "anthropic", fv.Engine)
}

func TestSQLite_ValidationResultsRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	run := model.NewPipelineRun("doc-1", "unit-1")
	require.NoError(t, s.CreateRun(ctx, run))

	z := 3.76
	results := []model.ValidationResult{
		{RuleID: "historical_anomaly", FieldKey: "energy_kwh", Category: model.CategoryHistoricalAnomaly,
			Severity: model.SeverityWarning, AnomalyScore: &z, Message: "z=3.76"},
	}
	require.NoError(t, s.SaveValidationResults(ctx, run.ID, "rec-1", results))

	got, err := s.GetValidationResults(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "historical_anomaly", got[0].RuleID)
	require.NotNil(t, got[0].AnomalyScore)
	assert.Equal(t, 3.76, *got[0].AnomalyScore)

	_, err = s.GetValidationResults(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_AuditTrail(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	ev := model.NewAuditEvent("run-1", "decision", map[string]any{"disposition": "approved"})
	ev.Actor = "maria"
	require.NoError(t, s.AppendAudit(ctx, ev))
	require.NoError(t, s.AppendAudit(ctx, model.NewAuditEvent("run-1", "run_closed", nil)))

	events, err := s.ListAudit(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "decision", events[0].Type)
	assert.Equal(t, "maria", events[0].Actor)
	assert.Equal(t, "approved", events[0].Detail["disposition"])
}

func TestSQLite_FieldHistory(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.AppendFieldHistory(ctx, "unit-1", map[string]float64{
		"energy_kwh": 1100,
		"total_rs":   890.45,
	}))
	require.NoError(t, s.AppendFieldHistory(ctx, "unit-1", map[string]float64{
		"energy_kwh": 1150,
	}))
	require.NoError(t, s.AppendFieldHistory(ctx, "unit-2", map[string]float64{
		"energy_kwh": 9000,
	}))

	vals, err := s.GetHistorical(ctx, "unit-1", "energy_kwh", 10)
	require.NoError(t, err)
	assert.Len(t, vals, 2)
	assert.NotContains(t, vals, 9000.0)

	vals, err = s.GetHistorical(ctx, "unit-1", "demand_kw", 10)
	require.NoError(t, err)
	assert.Empty(t, vals)
}

func TestSQLite_LearningSamples(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.SaveLearningSample(ctx, learning.Sample{
		RunID: "run-1", Score: 0.9, Confidence: 0.92, Disposition: model.DispositionApproved,
	}))
	require.NoError(t, s.SaveLearningSample(ctx, learning.Sample{
		RunID: "run-2", Score: 0.4, Confidence: 0.5, Disposition: model.DispositionRejected, HadAnomaly: true,
	}))

	samples, err := s.ListLearningSamples(ctx, 10)
	require.NoError(t, err)
	require.Len(t, samples, 2)
}
