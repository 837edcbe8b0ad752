package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridbill/invoice-pipeline/internal/learning"
	"github.com/gridbill/invoice-pipeline/internal/model"
)

func newMockStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewPostgresWithPool(mock), mock
}

func TestPostgres_CreateRun(t *testing.T) {
	s, mock := newMockStore(t)

	run := model.NewPipelineRun("doc-1", "unit-1")
	mock.ExpectExec("INSERT INTO runs").
		WithArgs(run.ID, "doc-1", "unit-1", "received",
			0.0, 0.0, pgxmock.AnyArg(), run.CreatedAt, run.UpdatedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.CreateRun(context.Background(), run))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_UpdateRunStatusNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("UPDATE runs SET status").
		WithArgs("extracting", pgxmock.AnyArg(), "missing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.UpdateRunStatus(context.Background(), "missing", model.StatusExtracting)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_GetRun(t *testing.T) {
	s, mock := newMockStore(t)

	now := time.Now().UTC()
	disposition := "approved"
	recordID := "rec-1"
	stages, _ := json.Marshal([]model.StageResult{{Name: "extract", Status: model.StageStatusComplete}})

	mock.ExpectQuery("SELECT (.+) FROM runs WHERE id").
		WithArgs("run-1").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "document_ref", "unit_id", "status", "disposition", "record_id",
			"score", "confidence", "error", "stages", "created_at", "updated_at",
		}).AddRow("run-1", "doc-1", "unit-1", "approved", &disposition, &recordID,
			0.95, 0.9, (*string)(nil), stages, now, now))

	run, err := s.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusApproved, run.Status)
	assert.Equal(t, model.DispositionApproved, run.Disposition)
	assert.Equal(t, "rec-1", run.RecordID)
	require.Len(t, run.Stages, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_GetRunNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT (.+) FROM runs WHERE id").
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetRun(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_SaveRecordReadsBackWinningID(t *testing.T) {
	s, mock := newMockStore(t)

	rec := model.NewInvoiceRecord("doc-1", "unit-1")
	mock.ExpectExec("INSERT INTO records").
		WithArgs(rec.ID, "doc-1", "unit-1", "unit-1/doc-1", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0)) // conflict, nothing written
	mock.ExpectQuery("SELECT id FROM records WHERE idempotency_key").
		WithArgs("unit-1/doc-1").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("earlier-id"))

	id, err := s.SaveRecord(context.Background(), rec, "unit-1/doc-1")
	require.NoError(t, err)
	assert.Equal(t, "earlier-id", id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_AppendFieldHistoryUsesCopy(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectCopyFrom(pgx.Identifier{"field_history"},
		[]string{"id", "unit_id", "field_key", "value", "recorded_at"}).
		WillReturnResult(1)

	err := s.AppendFieldHistory(context.Background(), "unit-1", map[string]float64{"energy_kwh": 1100})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_SaveLearningSample(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO learning_samples").
		WithArgs(pgxmock.AnyArg(), "run-1", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.SaveLearningSample(context.Background(), learning.Sample{RunID: "run-1", Score: 0.9})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
