package validate

import (
	"fmt"
	"math"

	"github.com/gridbill/invoice-pipeline/internal/model"
)

// requiredFields flags every billing-required field that is absent.
func (v *Validator) requiredFields(rec *model.InvoiceRecord, _ History) []model.ValidationResult {
	var out []model.ValidationResult
	for _, def := range v.reg.Required() {
		if _, ok := rec.Field(def.Key); ok {
			continue
		}
		out = append(out, model.ValidationResult{
			RuleID:     "required_fields",
			FieldKey:   def.Key,
			Category:   model.CategoryMissingField,
			Severity:   model.SeverityError,
			Message:    fmt.Sprintf("%s (%s) is required for billing but was not extracted", def.Label, def.Key),
			Suggestion: "re-scan the document or enter the value manually",
		})
	}
	return out
}

// rangeBounds flags numeric values outside their registry-declared domain.
func (v *Validator) rangeBounds(rec *model.InvoiceRecord, _ History) []model.ValidationResult {
	var out []model.ValidationResult
	for _, def := range v.reg.Fields {
		if !def.Kind.Numeric() || (def.Min == nil && def.Max == nil) {
			continue
		}
		val, ok := rec.Numeric(def.Key)
		if !ok {
			continue
		}
		if def.Min != nil && val < *def.Min {
			out = append(out, model.ValidationResult{
				RuleID:   "range_bounds",
				FieldKey: def.Key,
				Category: model.CategoryOutOfRange,
				Severity: model.SeverityError,
				Message:  fmt.Sprintf("%s value %v below minimum %v", def.Label, val, *def.Min),
			})
			continue
		}
		if def.Max != nil && val > *def.Max {
			out = append(out, model.ValidationResult{
				RuleID:   "range_bounds",
				FieldKey: def.Key,
				Category: model.CategoryOutOfRange,
				Severity: model.SeverityError,
				Message:  fmt.Sprintf("%s value %v above maximum %v", def.Label, val, *def.Max),
			})
		}
	}
	return out
}

// icmsRateSchedule checks the ICMS rate against the known rate schedule.
func (v *Validator) icmsRateSchedule(rec *model.InvoiceRecord, _ History) []model.ValidationResult {
	if len(v.cfg.ICMSRateSchedule) == 0 {
		return nil
	}
	rate, ok := rec.Numeric("icms_rate_pct")
	if !ok {
		return nil
	}
	for _, known := range v.cfg.ICMSRateSchedule {
		if math.Abs(rate-known) < 0.01 {
			return nil
		}
	}
	return []model.ValidationResult{{
		RuleID:     "icms_rate_schedule",
		FieldKey:   "icms_rate_pct",
		Category:   model.CategoryOutOfRange,
		Severity:   model.SeverityError,
		Message:    fmt.Sprintf("ICMS rate %.2f%% is not on the known rate schedule", rate),
		Suggestion: "verify the tax block; OCR commonly misreads 18 as 13",
	}}
}

// arithmeticReconciliation checks that itemized monetary components sum to
// the declared total within max(absolute, percentage) tolerance.
func (v *Validator) arithmeticReconciliation(rec *model.InvoiceRecord, _ History) []model.ValidationResult {
	declared, ok := rec.Numeric(model.TotalFieldKey)
	if !ok {
		// Missing total is the required-fields rule's finding.
		return nil
	}

	var computed float64
	var present int
	for _, def := range v.reg.Components() {
		if val, ok := rec.Numeric(def.Key); ok {
			computed += val
			present++
		}
	}
	if present == 0 {
		return nil
	}

	tolerance := v.cfg.ArithmeticAbsTolerance
	if pct := v.cfg.ArithmeticPctTolerance / 100 * math.Abs(declared); pct > tolerance {
		tolerance = pct
	}

	diff := math.Abs(computed - declared)
	if diff <= tolerance {
		return nil
	}

	return []model.ValidationResult{{
		RuleID:     "arithmetic_inconsistency",
		FieldKey:   model.TotalFieldKey,
		Category:   model.CategoryCrossField,
		Severity:   model.SeverityError,
		Message:    fmt.Sprintf("itemized components sum to R$ %.2f but declared total is R$ %.2f (difference R$ %.2f exceeds tolerance R$ %.2f)", computed, declared, diff, tolerance),
		Suggestion: "check for charges missed by extraction or a misread total",
	}}
}

// lowConfidence flags a whole-record confidence below threshold. Always
// evaluated regardless of other findings.
func (v *Validator) lowConfidence(rec *model.InvoiceRecord, _ History) []model.ValidationResult {
	conf := rec.Confidence(v.reg)
	if conf >= v.cfg.ConfidenceThreshold {
		return nil
	}
	return []model.ValidationResult{{
		RuleID:     "low_confidence",
		Category:   model.CategoryLowConfidence,
		Severity:   model.SeverityWarning,
		Message:    fmt.Sprintf("record confidence %.2f below threshold %.2f", conf, v.cfg.ConfidenceThreshold),
		Suggestion: "route to human review or re-extract with a higher-accuracy engine",
	}}
}
