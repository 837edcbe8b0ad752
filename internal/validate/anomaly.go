package validate

import (
	"fmt"
	"math"

	"github.com/gridbill/invoice-pipeline/internal/model"
)

// historicalAnomaly computes a z-score of each configured field against the
// unit's history. With fewer than the minimum samples the check is skipped,
// not failed; a degenerate history (zero variance) is likewise skipped.
func (v *Validator) historicalAnomaly(rec *model.InvoiceRecord, history History) []model.ValidationResult {
	var out []model.ValidationResult
	for _, fieldKey := range v.cfg.AnomalyFields {
		val, ok := rec.Numeric(fieldKey)
		if !ok {
			continue
		}
		samples := history[fieldKey]
		if len(samples) < v.cfg.MinHistoricalSamples {
			continue
		}

		mean, stddev := meanStddev(samples)
		if stddev == 0 {
			continue
		}
		z := (val - mean) / stddev
		absZ := math.Abs(z)
		if absZ <= v.cfg.AnomalyWarnZ {
			continue
		}

		severity := model.SeverityWarning
		if absZ > v.cfg.AnomalyCriticalZ {
			severity = model.SeverityCritical
		}
		zCopy := z
		out = append(out, model.ValidationResult{
			RuleID:       "historical_anomaly",
			FieldKey:     fieldKey,
			Category:     model.CategoryHistoricalAnomaly,
			Severity:     severity,
			AnomalyScore: &zCopy,
			Message: fmt.Sprintf("%s value %.2f is %.2f standard deviations from the unit's mean %.2f (n=%d)",
				fieldKey, val, z, mean, len(samples)),
			Suggestion: "compare against the unit's recent invoices before approving",
		})
	}
	return out
}

// meanStddev returns the sample mean and population standard deviation.
func meanStddev(samples []float64) (mean, stddev float64) {
	for _, s := range samples {
		mean += s
	}
	mean /= float64(len(samples))

	var variance float64
	for _, s := range samples {
		d := s - mean
		variance += d * d
	}
	variance /= float64(len(samples))
	return mean, math.Sqrt(variance)
}
