// Package orchestrator produces one canonical invoice record per document by
// coordinating primary, secondary (A/B) and fallback extraction engines.
package orchestrator

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gridbill/invoice-pipeline/internal/config"
	"github.com/gridbill/invoice-pipeline/internal/engine"
	"github.com/gridbill/invoice-pipeline/internal/model"
)

// ErrNoEngines means no enabled engine profile has a registered adapter.
var ErrNoEngines = eris.New("orchestrator: no usable engines configured")

// ExtractionFailedError reports that the primary and all fallback engines
// failed. It unwraps to the last engine failure.
type ExtractionFailedError struct {
	LastEngine string
	Kind       engine.Kind
	Err        error
}

func (e *ExtractionFailedError) Error() string {
	return fmt.Sprintf("orchestrator: extraction failed, last engine %s (%s)", e.LastEngine, e.Kind)
}

func (e *ExtractionFailedError) Unwrap() error { return e.Err }

// Attempt records one engine invocation for the audit trail. Raw results are
// retained for both sides of an A/B trial.
type Attempt struct {
	Engine     string             `json:"engine"`
	Role       string             `json:"role"` // primary, secondary, fallback
	Confidence float64            `json:"confidence,omitempty"`
	Kind       engine.Kind        `json:"failure_kind,omitempty"`
	Error      string             `json:"error,omitempty"`
	LatencyMS  int64              `json:"latency_ms"`
	CostUSD    float64            `json:"cost_usd"`
	Extraction *engine.Extraction `json:"-"`
}

// Report summarizes one orchestration for audit and stage metadata.
type Report struct {
	Attempts     []Attempt `json:"attempts"`
	Winner       string    `json:"winner"`
	ABTrial      bool      `json:"ab_trial"`
	Criterion    string    `json:"criterion,omitempty"`
	FallbackUsed bool      `json:"fallback_used"`
	MergedFields int       `json:"merged_fields"`
	TotalCostUSD float64   `json:"total_cost_usd"`
}

// Orchestrator selects and invokes extraction engines per configuration.
type Orchestrator struct {
	registry *engine.Registry
	profiles []model.EngineProfile
	ab       config.ABTestConfig
	pool     *Pool
	reg      *model.FieldRegistry

	engineTimeout    time.Duration
	maxFallbackDepth int

	// sample returns a value in [0,1) deciding A/B participation for a run.
	// Injectable for tests; defaults to the process-wide PRNG.
	sample func(runID string) float64
}

// New creates an orchestrator over the given adapter registry and profiles.
func New(registry *engine.Registry, profiles []model.EngineProfile, ab config.ABTestConfig, pool *Pool, reg *model.FieldRegistry, pipelineCfg config.PipelineConfig) *Orchestrator {
	return &Orchestrator{
		registry:         registry,
		profiles:         profiles,
		ab:               ab,
		pool:             pool,
		reg:              reg,
		engineTimeout:    time.Duration(pipelineCfg.EngineTimeoutSecs) * time.Second,
		maxFallbackDepth: pipelineCfg.MaxFallbackDepth,
		sample:           func(string) float64 { return rand.Float64() },
	}
}

// WithSampler overrides A/B sampling, for tests.
func (o *Orchestrator) WithSampler(fn func(runID string) float64) *Orchestrator {
	o.sample = fn
	return o
}

// candidates returns enabled profiles with registered adapters, highest
// priority first, ties broken by declared accuracy.
func (o *Orchestrator) candidates() []model.EngineProfile {
	out := make([]model.EngineProfile, 0, len(o.profiles))
	for _, p := range o.profiles {
		if p.Enabled && o.registry.Get(p.Name) != nil {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].AvgAccuracy > out[j].AvgAccuracy
	})
	return out
}

func (o *Orchestrator) accuracyMap() map[string]float64 {
	m := make(map[string]float64, len(o.profiles))
	for _, p := range o.profiles {
		m[p.Name] = p.AvgAccuracy
	}
	return m
}

// Extract fills the record's fields from one or more engines and sets its
// extraction method tag. The returned report carries every attempt, including
// failures, for the audit trail.
func (o *Orchestrator) Extract(ctx context.Context, runID string, rec *model.InvoiceRecord) (*Report, error) {
	cands := o.candidates()
	if len(cands) == 0 {
		return nil, ErrNoEngines
	}

	log := zap.L().With(zap.String("run_id", runID), zap.String("document", rec.DocumentRef))
	report := &Report{Criterion: o.ab.ComparisonCriterion}

	primary := cands[0]
	var secondary *model.EngineProfile
	if o.ab.Enabled && len(cands) > 1 && o.sample(runID)*100 < o.ab.SplitPercent {
		secondary = &cands[1]
		report.ABTrial = true
	}

	opts := engine.Options{Timeout: o.engineTimeout}

	// Primary and secondary run concurrently under the shared pool; fallback
	// calls are strictly sequential after a confirmed failure.
	var primaryAtt, secondaryAtt Attempt
	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		primaryAtt = o.invoke(gCtx, primary, "primary", rec.DocumentRef, opts)
		return nil
	})
	if secondary != nil {
		g.Go(func() error {
			secondaryAtt = o.invoke(gCtx, *secondary, "secondary", rec.DocumentRef, opts)
			return nil
		})
	}
	_ = g.Wait()
	if ctx.Err() != nil {
		return nil, eris.Wrap(ctx.Err(), "orchestrator: canceled")
	}

	report.Attempts = append(report.Attempts, primaryAtt)
	if secondary != nil {
		report.Attempts = append(report.Attempts, secondaryAtt)
	}

	accuracy := o.accuracyMap()

	switch {
	case primaryAtt.Extraction != nil:
		winner, loser := primaryAtt, secondaryAtt
		if secondaryAtt.Extraction != nil {
			winner, loser = o.compare(primaryAtt, secondaryAtt, primary, *secondary)
			log.Info("orchestrator: ab trial complete",
				zap.String("criterion", o.ab.ComparisonCriterion),
				zap.String("winner", winner.Engine),
				zap.Float64("winner_confidence", winner.Confidence),
				zap.Float64("loser_confidence", loser.Confidence),
			)
		}
		report.Winner = winner.Engine
		merged, _ := MergeFields(rec, winner.Extraction.Fields, accuracy)
		if loser.Extraction != nil {
			gap, _ := MergeFields(rec, loser.Extraction.Fields, accuracy)
			merged += gap
		}
		report.MergedFields = merged

	default:
		kind := primaryAtt.Kind
		if kind == engine.KindUnauthorized {
			// Credentials, not data: surface for operator attention, no
			// silent fallback.
			return report, eris.Wrapf(engine.ErrUnauthorized, "orchestrator: engine %s rejected credentials", primary.Name)
		}
		if !kind.Retryable() {
			return report, &ExtractionFailedError{LastEngine: primary.Name, Kind: kind, Err: eris.New(primaryAtt.Error)}
		}

		// A secondary that already succeeded is a free first fallback.
		if secondaryAtt.Extraction != nil {
			log.Info("orchestrator: adopting secondary after primary failure",
				zap.String("primary", primary.Name),
				zap.String("secondary", secondaryAtt.Engine),
				zap.String("failure_kind", string(kind)),
			)
			report.Winner = secondaryAtt.Engine
			report.FallbackUsed = true
			report.MergedFields, _ = MergeFields(rec, secondaryAtt.Extraction.Fields, accuracy)
			break
		}

		att, err := o.fallback(ctx, cands, primary, secondary, rec.DocumentRef, opts, report, log)
		if err != nil {
			return report, err
		}
		report.Winner = att.Engine
		report.FallbackUsed = true
		report.MergedFields, _ = MergeFields(rec, att.Extraction.Fields, accuracy)
	}

	for _, att := range report.Attempts {
		report.TotalCostUSD += att.CostUSD
	}
	rec.ExtractionMethod = extractionMethod(report.Winner, rec)
	return report, nil
}

// fallback walks the remaining candidates by priority, sequentially, up to
// the configured depth. Never speculative: each call starts only after the
// previous confirmed failure.
func (o *Orchestrator) fallback(ctx context.Context, cands []model.EngineProfile, primary model.EngineProfile, secondary *model.EngineProfile, documentRef string, opts engine.Options, report *Report, log *zap.Logger) (Attempt, error) {
	lastEngine := primary.Name
	lastKind := report.Attempts[0].Kind
	lastErr := eris.New(report.Attempts[0].Error)

	depth := 0
	for _, cand := range cands[1:] {
		if secondary != nil && cand.Name == secondary.Name {
			continue
		}
		if depth >= o.maxFallbackDepth {
			break
		}
		depth++

		log.Warn("orchestrator: falling back",
			zap.String("failed_engine", lastEngine),
			zap.String("failure_kind", string(lastKind)),
			zap.String("next_engine", cand.Name),
			zap.Int("depth", depth),
		)

		att := o.invoke(ctx, cand, "fallback", documentRef, opts)
		report.Attempts = append(report.Attempts, att)
		if att.Extraction != nil {
			return att, nil
		}
		if att.Kind == engine.KindUnauthorized {
			return Attempt{}, eris.Wrapf(engine.ErrUnauthorized, "orchestrator: engine %s rejected credentials", cand.Name)
		}
		lastEngine, lastKind, lastErr = cand.Name, att.Kind, eris.New(att.Error)
		if !att.Kind.Retryable() {
			break
		}
	}

	return Attempt{}, &ExtractionFailedError{LastEngine: lastEngine, Kind: lastKind, Err: lastErr}
}

// invoke runs one engine call through the shared pool and records the outcome.
func (o *Orchestrator) invoke(ctx context.Context, profile model.EngineProfile, role, documentRef string, opts engine.Options) Attempt {
	att := Attempt{Engine: profile.Name, Role: role}
	adapter := o.registry.Get(profile.Name)

	var ext *engine.Extraction
	start := time.Now()
	err := o.pool.Do(ctx, func() error {
		var extractErr error
		ext, extractErr = adapter.Extract(ctx, documentRef, opts)
		return extractErr
	})
	att.LatencyMS = time.Since(start).Milliseconds()
	if err != nil {
		att.Kind = engine.Classify(err)
		att.Error = err.Error()
		return att
	}
	att.Extraction = ext
	att.Confidence = ext.Confidence(o.reg)
	att.LatencyMS = ext.Latency.Milliseconds()
	att.CostUSD = ext.CostUSD
	return att
}

// compare picks the A/B winner under the configured criterion. For cost and
// latency the cheaper/faster engine only wins when its confidence is within
// 0.05 of the better result; quality is never traded away silently.
func (o *Orchestrator) compare(a, b Attempt, pa, pb model.EngineProfile) (winner, loser Attempt) {
	switch o.ab.ComparisonCriterion {
	case "cost":
		if b.CostUSD < a.CostUSD && b.Confidence >= a.Confidence-0.05 {
			return b, a
		}
		if a.CostUSD < b.CostUSD && a.Confidence >= b.Confidence-0.05 {
			return a, b
		}
	case "latency":
		if b.LatencyMS < a.LatencyMS && b.Confidence >= a.Confidence-0.05 {
			return b, a
		}
		if a.LatencyMS < b.LatencyMS && a.Confidence >= b.Confidence-0.05 {
			return a, b
		}
	}
	// confidence_score, and the tiebreak for cost/latency.
	if b.Confidence > a.Confidence {
		return b, a
	}
	if a.Confidence == b.Confidence && pb.AvgAccuracy > pa.AvgAccuracy {
		return b, a
	}
	return a, b
}

func extractionMethod(winner string, rec *model.InvoiceRecord) string {
	contributors := Contributors(rec)
	if len(contributors) == 0 {
		return winner
	}
	// Winner first, then any gap-filling contributors.
	ordered := []string{winner}
	for _, c := range contributors {
		if c != winner {
			ordered = append(ordered, c)
		}
	}
	return strings.Join(ordered, "+")
}
