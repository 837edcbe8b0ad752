// Package pipeline drives one invoice document through extraction,
// validation, decision and learning. Each run walks the status state machine
// and leaves a full audit trail; partial results from a canceled run are
// never persisted.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/gridbill/invoice-pipeline/internal/config"
	"github.com/gridbill/invoice-pipeline/internal/decision"
	"github.com/gridbill/invoice-pipeline/internal/learning"
	"github.com/gridbill/invoice-pipeline/internal/model"
	"github.com/gridbill/invoice-pipeline/internal/notify"
	"github.com/gridbill/invoice-pipeline/internal/orchestrator"
	"github.com/gridbill/invoice-pipeline/internal/store"
	"github.com/gridbill/invoice-pipeline/internal/validate"
)

// Pipeline wires the extraction orchestrator, validator, decision policy,
// learning feed and notification sinks over one store.
type Pipeline struct {
	cfg       *config.Config
	store     store.Store
	orch      *orchestrator.Orchestrator
	validator *validate.Validator
	policy    decision.Policy
	predictor learning.Predictor
	feed      *learning.Feed
	notifier  notify.Notifier
	reg       *model.FieldRegistry
}

// New creates a Pipeline. Predictor, feed and notifier may be nil; the
// corresponding steps are then skipped.
func New(
	cfg *config.Config,
	st store.Store,
	orch *orchestrator.Orchestrator,
	validator *validate.Validator,
	predictor learning.Predictor,
	feed *learning.Feed,
	notifier notify.Notifier,
	reg *model.FieldRegistry,
) *Pipeline {
	return &Pipeline{
		cfg:       cfg,
		store:     st,
		orch:      orch,
		validator: validator,
		policy:    decision.Policy{Validation: cfg.Validation, Pipeline: cfg.Pipeline},
		predictor: predictor,
		feed:      feed,
		notifier:  notifier,
		reg:       reg,
	}
}

// budget is the wall-clock ceiling for one run: the worst-case engine
// cascade plus a margin for validation and persistence.
func (p *Pipeline) budget() time.Duration {
	engine := time.Duration(p.cfg.Pipeline.EngineTimeoutSecs) * time.Second
	margin := time.Duration(p.cfg.Pipeline.WallClockMarginSecs) * time.Second
	return engine*time.Duration(p.cfg.Pipeline.MaxFallbackDepth+1) + margin
}

// Run processes one document end to end and returns the finished run. The
// returned error is non-nil only when the run could not reach a terminal
// state cleanly; a rejected invoice is a successful run.
func (p *Pipeline) Run(ctx context.Context, documentRef, unitID string) (*model.PipelineRun, error) {
	log := zap.L().With(zap.String("document", documentRef), zap.String("unit_id", unitID))
	log.Info("pipeline: starting run")

	run := model.NewPipelineRun(documentRef, unitID)
	if err := p.store.CreateRun(ctx, run); err != nil {
		return nil, eris.Wrap(err, "pipeline: create run")
	}
	p.audit(ctx, run.ID, "run_created", "", map[string]any{
		"document_ref": documentRef,
		"unit_id":      unitID,
	})

	ctx, cancel := context.WithTimeout(ctx, p.budget())
	defer cancel()

	// Status transition helper. An illegal edge is a programming error and
	// fails the run immediately.
	setStatus := func(to model.RunStatus) error {
		if err := decision.Transition(run, to); err != nil {
			return err
		}
		if err := p.store.UpdateRunStatus(ctx, run.ID, to); err != nil {
			log.Warn("pipeline: failed to persist status", zap.Error(err))
		}
		return nil
	}

	trackStage := func(name string, fn func() (map[string]any, error)) error {
		start := time.Now()
		meta, err := fn()
		stage := model.StageResult{
			Name:     name,
			Status:   model.StageStatusComplete,
			Duration: time.Since(start).Milliseconds(),
			Metadata: meta,
		}
		if err != nil {
			stage.Status = model.StageStatusFailed
			stage.Error = err.Error()
			log.Error("pipeline: stage failed",
				zap.String("stage", name),
				zap.Int64("duration_ms", stage.Duration),
				zap.Error(err),
			)
		} else {
			log.Info("pipeline: stage complete",
				zap.String("stage", name),
				zap.Int64("duration_ms", stage.Duration),
			)
		}
		run.Stages = append(run.Stages, stage)
		return err
	}

	// Extraction.
	if err := setStatus(model.StatusExtracting); err != nil {
		return run, err
	}
	rec := model.NewInvoiceRecord(documentRef, unitID)
	var report *orchestrator.Report
	err := trackStage("extract", func() (map[string]any, error) {
		var extractErr error
		report, extractErr = p.orch.Extract(ctx, run.ID, rec)
		meta := map[string]any{}
		if report != nil {
			meta["winner"] = report.Winner
			meta["ab_trial"] = report.ABTrial
			meta["fallback_used"] = report.FallbackUsed
			meta["attempts"] = len(report.Attempts)
			meta["merged_fields"] = report.MergedFields
			meta["total_cost_usd"] = report.TotalCostUSD
		}
		return meta, extractErr
	})
	if report != nil {
		p.audit(ctx, run.ID, "extraction_attempted", "", map[string]any{"report": report})
	}
	if err != nil {
		// A canceled context discards everything; nothing partial is saved.
		return p.fail(ctx, run, model.StatusExtractionFailed, err)
	}
	if err := setStatus(model.StatusExtracted); err != nil {
		return run, err
	}

	// Validation. The record is sealed first; corrections later go through
	// a copy, never mutation.
	if err := setStatus(model.StatusValidating); err != nil {
		return run, err
	}
	rec.Seal()
	run.Confidence = rec.Confidence(p.reg)

	var results []model.ValidationResult
	err = trackStage("validate", func() (map[string]any, error) {
		history, histErr := p.fetchHistory(ctx, unitID)
		if histErr != nil {
			// Unavailable history degrades to skipping the anomaly checks;
			// it never fails the run.
			log.Warn("pipeline: historical context unavailable, anomaly checks skipped", zap.Error(histErr))
			history = validate.History{}
		}
		results = p.validator.Run(rec, history)
		run.Score = p.validator.Score(results)
		return map[string]any{
			"findings": len(results),
			"score":    run.Score,
		}, nil
	})
	if err == nil {
		err = trackStage("persist", func() (map[string]any, error) {
			recordID, saveErr := p.store.SaveRecord(ctx, rec, recordKey(rec))
			if saveErr != nil {
				return nil, saveErr
			}
			run.RecordID = recordID
			if saveErr := p.store.SaveValidationResults(ctx, run.ID, recordID, results); saveErr != nil {
				return nil, saveErr
			}
			return map[string]any{"record_id": recordID}, nil
		})
	}
	if err != nil {
		return p.fail(ctx, run, model.StatusValidationFailed, err)
	}
	if err := setStatus(model.StatusValidated); err != nil {
		return run, err
	}

	// Decision. The advisory prediction is best-effort: a predictor error
	// is logged and the rules decide alone.
	var pred *learning.ValidationPrediction
	if p.predictor != nil {
		vp, _, predErr := p.predictor.Predict(ctx, run.Score, run.Confidence)
		if predErr != nil {
			log.Warn("pipeline: predictor unavailable", zap.Error(predErr))
		} else {
			pred = &vp
		}
	}
	outcome := p.policy.Decide(results, run.Score, run.Confidence, pred)
	run.Disposition = outcome.Disposition
	if err := setStatus(decision.StatusFor(outcome.Disposition)); err != nil {
		return run, err
	}
	p.audit(ctx, run.ID, "decision", "", map[string]any{
		"disposition": outcome.Disposition,
		"reasons":     outcome.Reasons,
		"downgraded":  outcome.Downgraded,
	})

	if err := p.store.FinishRun(ctx, run); err != nil {
		return run, eris.Wrap(err, "pipeline: finish run")
	}

	// Only approved invoices feed the unit's history; a bad extraction must
	// not contaminate future anomaly baselines.
	if run.Disposition == model.DispositionApproved {
		p.appendHistory(ctx, rec)
	}

	p.finishSideEffects(ctx, run, results, false, "")

	log.Info("pipeline: run finished",
		zap.String("run_id", run.ID),
		zap.String("status", string(run.Status)),
		zap.Float64("score", run.Score),
		zap.Float64("confidence", run.Confidence),
	)
	return run, nil
}

// Override applies a human decision to a run waiting in review.
func (p *Pipeline) Override(ctx context.Context, runID string, approve bool, actor string) (*model.PipelineRun, error) {
	run, err := p.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if err := decision.Override(run, approve, actor); err != nil {
		return run, err
	}
	if err := p.store.FinishRun(ctx, run); err != nil {
		return run, eris.Wrap(err, "pipeline: finish overridden run")
	}
	p.audit(ctx, run.ID, "human_override", actor, map[string]any{
		"approve":     approve,
		"disposition": run.Disposition,
	})

	results, err := p.store.GetValidationResults(ctx, runID)
	if err != nil && !eris.Is(err, store.ErrNotFound) {
		zap.L().Warn("pipeline: validation results unavailable for override sample", zap.Error(err))
	}
	if run.Disposition == model.DispositionApproved && run.RecordID != "" {
		if rec, recErr := p.store.GetRecord(ctx, run.RecordID); recErr == nil {
			p.appendHistory(ctx, rec)
		}
	}
	p.finishSideEffects(ctx, run, results, true, actor)
	return run, nil
}

// CloseRun archives a resolved run.
func (p *Pipeline) CloseRun(ctx context.Context, runID, actor string) (*model.PipelineRun, error) {
	run, err := p.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if err := decision.Transition(run, model.StatusClosed); err != nil {
		return run, err
	}
	if err := p.store.FinishRun(ctx, run); err != nil {
		return run, eris.Wrap(err, "pipeline: close run")
	}
	p.audit(ctx, run.ID, "run_closed", actor, nil)
	return run, nil
}

// fail moves the run to a failure state, persists it and reports out.
func (p *Pipeline) fail(ctx context.Context, run *model.PipelineRun, to model.RunStatus, cause error) (*model.PipelineRun, error) {
	run.Error = cause.Error()
	if trErr := decision.Transition(run, to); trErr != nil {
		zap.L().Error("pipeline: failure transition rejected",
			zap.String("run_id", run.ID),
			zap.String("from", string(run.Status)),
			zap.String("to", string(to)),
		)
		run.Status = to
	}
	// The original context may already be dead; persistence of the failure
	// gets its own deadline.
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := p.store.FinishRun(persistCtx, run); err != nil {
		zap.L().Error("pipeline: failed to persist failed run",
			zap.String("run_id", run.ID),
			zap.Error(err),
		)
	}
	p.audit(persistCtx, run.ID, "run_failed", "", map[string]any{
		"status": to,
		"error":  cause.Error(),
	})
	if p.notifier != nil {
		p.notifier.Notify(persistCtx, notify.NewSummary(run, 0))
	}
	return run, cause
}

// finishSideEffects delivers the notification and the learning sample.
// Both are best-effort and never fail the caller.
func (p *Pipeline) finishSideEffects(ctx context.Context, run *model.PipelineRun, results []model.ValidationResult, humanOverride bool, actor string) {
	if p.notifier != nil {
		p.notifier.Notify(ctx, notify.NewSummary(run, countFindings(results)))
	}
	if p.feed != nil {
		p.feed.Record(learning.NewSample(run, results, humanOverride, actor))
	}
}

// fetchHistory loads per-field history for the anomaly rule, oldest first.
func (p *Pipeline) fetchHistory(ctx context.Context, unitID string) (validate.History, error) {
	history := make(validate.History, len(p.cfg.Validation.AnomalyFields))
	for _, fieldKey := range p.cfg.Validation.AnomalyFields {
		vals, err := p.store.GetHistorical(ctx, unitID, fieldKey, p.cfg.Validation.HistoryWindow)
		if err != nil {
			return nil, eris.Wrapf(err, "pipeline: history for %s", fieldKey)
		}
		// The store returns newest first.
		for i, j := 0, len(vals)-1; i < j; i, j = i+1, j-1 {
			vals[i], vals[j] = vals[j], vals[i]
		}
		history[fieldKey] = vals
	}
	return history, nil
}

// appendHistory records the anomaly-tracked numeric values of an approved
// record into the unit's baseline.
func (p *Pipeline) appendHistory(ctx context.Context, rec *model.InvoiceRecord) {
	values := make(map[string]float64)
	for _, fieldKey := range p.cfg.Validation.AnomalyFields {
		if v, ok := rec.Numeric(fieldKey); ok {
			values[fieldKey] = v
		}
	}
	if len(values) == 0 {
		return
	}
	if err := p.store.AppendFieldHistory(ctx, rec.UnitID, values); err != nil {
		zap.L().Warn("pipeline: failed to append field history",
			zap.String("unit_id", rec.UnitID),
			zap.Error(err),
		)
	}
}

func (p *Pipeline) audit(ctx context.Context, runID, eventType, actor string, detail map[string]any) {
	ev := model.NewAuditEvent(runID, eventType, detail)
	ev.Actor = actor
	if err := p.store.AppendAudit(ctx, ev); err != nil {
		zap.L().Warn("pipeline: failed to append audit event",
			zap.String("run_id", runID),
			zap.String("type", eventType),
			zap.Error(err),
		)
	}
}

// recordKey derives the idempotency key for a record: one canonical record
// per (unit, document). Corrected copies get their own key via lineage.
func recordKey(rec *model.InvoiceRecord) string {
	if rec.CorrectedFrom != "" {
		return fmt.Sprintf("%s/%s/corrected/%s", rec.UnitID, rec.DocumentRef, rec.ID)
	}
	return fmt.Sprintf("%s/%s", rec.UnitID, rec.DocumentRef)
}

func countFindings(results []model.ValidationResult) int {
	n := 0
	for _, r := range results {
		if !r.Passed {
			n++
		}
	}
	return n
}
