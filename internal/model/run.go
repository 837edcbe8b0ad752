package model

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus represents the current state of a pipeline run.
type RunStatus string

const (
	StatusReceived         RunStatus = "received"
	StatusExtracting       RunStatus = "extracting"
	StatusExtracted        RunStatus = "extracted"
	StatusValidating       RunStatus = "validating"
	StatusValidated        RunStatus = "validated"
	StatusApproved         RunStatus = "approved"
	StatusReviewRequired   RunStatus = "review_required"
	StatusRejected         RunStatus = "rejected"
	StatusClosed           RunStatus = "closed"
	StatusExtractionFailed RunStatus = "extraction_failed"
	StatusValidationFailed RunStatus = "validation_failed"
)

// Terminal reports whether no further automated transition leaves the state.
func (s RunStatus) Terminal() bool {
	switch s {
	case StatusClosed, StatusExtractionFailed, StatusValidationFailed,
		StatusApproved, StatusRejected:
		return true
	}
	return false
}

// Disposition is the terminal accept/review/reject outcome of a run.
type Disposition string

const (
	DispositionApproved       Disposition = "approved"
	DispositionReviewRequired Disposition = "review_required"
	DispositionRejected       Disposition = "rejected"
)

// PipelineRun drives one document through the pipeline. A run owns exactly
// one record and one validation result set; its disposition is written once.
// Re-processing a document creates a new run, never overwrites one.
type PipelineRun struct {
	ID          string        `json:"id"`
	DocumentRef string        `json:"document_ref"`
	UnitID      string        `json:"unit_id"`
	Status      RunStatus     `json:"status"`
	Disposition Disposition   `json:"disposition,omitempty"`
	RecordID    string        `json:"record_id,omitempty"`
	Score       float64       `json:"score"`
	Confidence  float64       `json:"confidence"`
	Error       string        `json:"error,omitempty"`
	Stages      []StageResult `json:"stages,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// NewPipelineRun creates a run in the received state.
func NewPipelineRun(documentRef, unitID string) *PipelineRun {
	now := time.Now().UTC()
	return &PipelineRun{
		ID:          uuid.New().String(),
		DocumentRef: documentRef,
		UnitID:      unitID,
		Status:      StatusReceived,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// StageStatus represents the state of one pipeline stage.
type StageStatus string

const (
	StageStatusRunning  StageStatus = "running"
	StageStatusComplete StageStatus = "complete"
	StageStatusFailed   StageStatus = "failed"
	StageStatusSkipped  StageStatus = "skipped"
)

// StageResult holds the outcome of one pipeline stage.
type StageResult struct {
	Name     string         `json:"name"`
	Status   StageStatus    `json:"status"`
	Duration int64          `json:"duration_ms"`
	Error    string         `json:"error,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// AuditEvent is one append-only entry in a run's audit trail.
type AuditEvent struct {
	ID     string         `json:"id"`
	RunID  string         `json:"run_id"`
	Type   string         `json:"type"`
	Actor  string         `json:"actor,omitempty"`
	Detail map[string]any `json:"detail,omitempty"`
	At     time.Time      `json:"at"`
}

// NewAuditEvent creates an audit event for a run.
func NewAuditEvent(runID, eventType string, detail map[string]any) AuditEvent {
	return AuditEvent{
		ID:     uuid.New().String(),
		RunID:  runID,
		Type:   eventType,
		Detail: detail,
		At:     time.Now().UTC(),
	}
}

// EngineProfile is the static configuration of one extraction engine used by
// the orchestrator to pick primary and fallback candidates.
type EngineProfile struct {
	Name         string  `json:"name" yaml:"name" mapstructure:"name"`
	Priority     int     `json:"priority" yaml:"priority" mapstructure:"priority"`
	Enabled      bool    `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	AvgAccuracy  float64 `json:"avg_accuracy" yaml:"avg_accuracy" mapstructure:"avg_accuracy"`
	AvgLatencyMs int     `json:"avg_latency_ms" yaml:"avg_latency_ms" mapstructure:"avg_latency_ms"`
	CostPerCall  float64 `json:"cost_per_call" yaml:"cost_per_call" mapstructure:"cost_per_call"`
}
