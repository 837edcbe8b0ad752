// Package validate applies deterministic business rules and historical
// anomaly checks to a canonical invoice record. Validation is a pure function
// of (record, history, configuration): it never mutates its input and running
// it twice yields identical results.
package validate

import (
	"fmt"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/gridbill/invoice-pipeline/internal/config"
	"github.com/gridbill/invoice-pipeline/internal/model"
)

// ErrValidationConfig means the rule configuration is malformed. The run
// fails immediately rather than silently skipping rules.
var ErrValidationConfig = eris.New("validate: invalid configuration")

// History holds prior values per field for the same billing unit, oldest
// first. Reads are snapshot-consistent; staleness of seconds is acceptable.
type History map[string][]float64

// Validator evaluates one record against the configured rule set.
type Validator struct {
	cfg config.ValidationConfig
	reg *model.FieldRegistry
}

// New creates a Validator, rejecting malformed configuration up front.
func New(cfg config.ValidationConfig, reg *model.FieldRegistry) (*Validator, error) {
	if err := CheckConfig(cfg); err != nil {
		return nil, err
	}
	return &Validator{cfg: cfg, reg: reg}, nil
}

// CheckConfig verifies threshold ordering and tolerance signs.
func CheckConfig(cfg config.ValidationConfig) error {
	switch {
	case cfg.ConfidenceThreshold < 0 || cfg.ConfidenceThreshold > 1:
		return eris.Wrapf(ErrValidationConfig, "confidence threshold %v outside [0,1]", cfg.ConfidenceThreshold)
	case cfg.ReviewScoreThreshold < 0 || cfg.ReviewScoreThreshold > 1:
		return eris.Wrapf(ErrValidationConfig, "review score threshold %v outside [0,1]", cfg.ReviewScoreThreshold)
	case cfg.ArithmeticAbsTolerance < 0:
		return eris.Wrapf(ErrValidationConfig, "negative arithmetic tolerance %v", cfg.ArithmeticAbsTolerance)
	case cfg.ArithmeticPctTolerance < 0:
		return eris.Wrapf(ErrValidationConfig, "negative arithmetic pct tolerance %v", cfg.ArithmeticPctTolerance)
	case cfg.AnomalyWarnZ <= 0 || cfg.AnomalyCriticalZ <= 0:
		return eris.Wrapf(ErrValidationConfig, "anomaly thresholds must be positive")
	case cfg.AnomalyCriticalZ < cfg.AnomalyWarnZ:
		return eris.Wrapf(ErrValidationConfig, "critical z %v below warn z %v", cfg.AnomalyCriticalZ, cfg.AnomalyWarnZ)
	case cfg.MinHistoricalSamples < 2:
		return eris.Wrapf(ErrValidationConfig, "min historical samples %d below 2", cfg.MinHistoricalSamples)
	}
	for _, p := range []float64{cfg.PenaltyInfo, cfg.PenaltyWarning, cfg.PenaltyError, cfg.PenaltyCritical} {
		if p < 0 || p > 1 {
			return eris.Wrapf(ErrValidationConfig, "penalty %v outside [0,1]", p)
		}
	}
	return nil
}

// rule is one named check. Rules only read the record.
type rule struct {
	id  string
	run func(v *Validator, rec *model.InvoiceRecord, history History) []model.ValidationResult
}

func (v *Validator) rules() []rule {
	return []rule{
		{id: "required_fields", run: (*Validator).requiredFields},
		{id: "range_bounds", run: (*Validator).rangeBounds},
		{id: "icms_rate_schedule", run: (*Validator).icmsRateSchedule},
		{id: "arithmetic_inconsistency", run: (*Validator).arithmeticReconciliation},
		{id: "historical_anomaly", run: (*Validator).historicalAnomaly},
		{id: "low_confidence", run: (*Validator).lowConfidence},
	}
}

// Run evaluates every rule and returns the ordered result set. An internal
// rule failure becomes a critical finding for that rule so one bad rule
// cannot mask all others.
func (v *Validator) Run(rec *model.InvoiceRecord, history History) []model.ValidationResult {
	var results []model.ValidationResult
	for _, r := range v.rules() {
		results = append(results, v.safeRun(r, rec, history)...)
	}
	model.SortValidationResults(results)
	return results
}

func (v *Validator) safeRun(r rule, rec *model.InvoiceRecord, history History) (out []model.ValidationResult) {
	defer func() {
		if p := recover(); p != nil {
			zap.L().Error("validate: rule panicked",
				zap.String("rule", r.id),
				zap.Any("panic", p),
			)
			out = []model.ValidationResult{{
				RuleID:   r.id,
				Category: model.CategoryRuleError,
				Severity: model.SeverityCritical,
				Message:  fmt.Sprintf("rule %s failed internally: %v", r.id, p),
			}}
		}
	}()
	return r.run(v, rec, history)
}

// Score computes the aggregate validation score in [0,1] purely from the
// result set: the product of (1 - penalty) over failed findings. A record
// with zero findings scores 1.0.
func (v *Validator) Score(results []model.ValidationResult) float64 {
	score := 1.0
	for _, r := range results {
		if r.Passed {
			continue
		}
		score *= 1 - v.penalty(r.Severity)
	}
	if score < 0 {
		return 0
	}
	return score
}

func (v *Validator) penalty(s model.Severity) float64 {
	switch s {
	case model.SeverityCritical:
		return v.cfg.PenaltyCritical
	case model.SeverityError:
		return v.cfg.PenaltyError
	case model.SeverityWarning:
		return v.cfg.PenaltyWarning
	default:
		return v.cfg.PenaltyInfo
	}
}
