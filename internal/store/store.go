// Package store persists pipeline runs, canonical records, validation
// results, audit events, per-unit field history and learning samples. Two
// implementations exist: SQLite for single-node deployments and PostgreSQL
// for shared ones. Both satisfy Store.
package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/gridbill/invoice-pipeline/internal/learning"
	"github.com/gridbill/invoice-pipeline/internal/model"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = eris.New("store: not found")

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status model.RunStatus `json:"status,omitempty"`
	UnitID string          `json:"unit_id,omitempty"`
	Limit  int             `json:"limit,omitempty"`
	Offset int             `json:"offset,omitempty"`
}

// Store defines the persistence interface for the invoice pipeline.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, run *model.PipelineRun) error
	UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error
	FinishRun(ctx context.Context, run *model.PipelineRun) error
	GetRun(ctx context.Context, runID string) (*model.PipelineRun, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.PipelineRun, error)

	// Records. SaveRecord is idempotent on idempotencyKey: saving the same
	// key twice returns the already-stored record's ID without writing.
	SaveRecord(ctx context.Context, rec *model.InvoiceRecord, idempotencyKey string) (string, error)
	GetRecord(ctx context.Context, recordID string) (*model.InvoiceRecord, error)

	// Validation results, one immutable set per run.
	SaveValidationResults(ctx context.Context, runID, recordID string, results []model.ValidationResult) error
	GetValidationResults(ctx context.Context, runID string) ([]model.ValidationResult, error)

	// Audit trail
	AppendAudit(ctx context.Context, event model.AuditEvent) error
	ListAudit(ctx context.Context, runID string) ([]model.AuditEvent, error)

	// Per-unit numeric history feeding the anomaly rule.
	AppendFieldHistory(ctx context.Context, unitID string, values map[string]float64) error
	GetHistorical(ctx context.Context, unitID, fieldKey string, limit int) ([]float64, error)

	// Learning samples
	SaveLearningSample(ctx context.Context, s learning.Sample) error
	ListLearningSamples(ctx context.Context, limit int) ([]learning.Sample, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
