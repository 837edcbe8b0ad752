package model

import "sort"

// ValidationCategory classifies a validation finding.
type ValidationCategory string

const (
	CategoryMissingField      ValidationCategory = "missing_field"
	CategoryOutOfRange        ValidationCategory = "out_of_range"
	CategoryCrossField        ValidationCategory = "cross_field_arithmetic"
	CategoryHistoricalAnomaly ValidationCategory = "historical_anomaly"
	CategoryLowConfidence     ValidationCategory = "low_confidence"
	CategoryRuleError         ValidationCategory = "rule_error"
)

// Severity ranks how serious a validation finding is.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityInfo:     0,
	SeverityWarning:  1,
	SeverityError:    2,
	SeverityCritical: 3,
}

// Rank returns a comparable ordering value; higher is more severe.
func (s Severity) Rank() int {
	return severityRank[s]
}

// ValidationResult is one rule evaluation against a record. Immutable once
// produced.
type ValidationResult struct {
	RuleID       string             `json:"rule_id"`
	FieldKey     string             `json:"field_key,omitempty"`
	Category     ValidationCategory `json:"category"`
	Severity     Severity           `json:"severity"`
	Message      string             `json:"message"`
	AnomalyScore *float64           `json:"anomaly_score,omitempty"`
	Suggestion   string             `json:"suggestion,omitempty"`
	Passed       bool               `json:"passed"`
}

// SortValidationResults orders a result set deterministically: most severe
// first, then by rule ID, then by field key.
func SortValidationResults(results []ValidationResult) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Severity.Rank() != results[j].Severity.Rank() {
			return results[i].Severity.Rank() > results[j].Severity.Rank()
		}
		if results[i].RuleID != results[j].RuleID {
			return results[i].RuleID < results[j].RuleID
		}
		return results[i].FieldKey < results[j].FieldKey
	})
}

// HasSeverity reports whether any failed finding carries at least the given
// severity.
func HasSeverity(results []ValidationResult, min Severity) bool {
	for _, r := range results {
		if !r.Passed && r.Severity.Rank() >= min.Rank() {
			return true
		}
	}
	return false
}
