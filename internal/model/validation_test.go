package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSeverityRank_Ordering(t *testing.T) {
	assert.Greater(t, SeverityCritical.Rank(), SeverityError.Rank())
	assert.Greater(t, SeverityError.Rank(), SeverityWarning.Rank())
	assert.Greater(t, SeverityWarning.Rank(), SeverityInfo.Rank())
}

func TestSortValidationResults_StableDeterministicOrder(t *testing.T) {
	results := []ValidationResult{
		{RuleID: "low_confidence", Severity: SeverityWarning},
		{RuleID: "required_fields", FieldKey: "total_rs", Severity: SeverityError},
		{RuleID: "historical_anomaly", FieldKey: "energy_kwh", Severity: SeverityCritical},
		{RuleID: "required_fields", FieldKey: "energy_kwh", Severity: SeverityError},
	}

	SortValidationResults(results)

	assert.Equal(t, "historical_anomaly", results[0].RuleID)
	assert.Equal(t, "energy_kwh", results[1].FieldKey)
	assert.Equal(t, "total_rs", results[2].FieldKey)
	assert.Equal(t, "low_confidence", results[3].RuleID)
}

func TestHasSeverity(t *testing.T) {
	results := []ValidationResult{
		{RuleID: "a", Severity: SeverityWarning},
		{RuleID: "b", Severity: SeverityError},
	}
	assert.True(t, HasSeverity(results, SeverityError))
	assert.True(t, HasSeverity(results, SeverityWarning))
	assert.False(t, HasSeverity(results, SeverityCritical))
	assert.False(t, HasSeverity(nil, SeverityInfo))
}

func TestRunStatus_Terminal(t *testing.T) {
	terminal := []RunStatus{StatusClosed, StatusApproved, StatusRejected, StatusExtractionFailed, StatusValidationFailed}
	for _, s := range terminal {
		assert.True(t, s.Terminal(), string(s))
	}
	open := []RunStatus{StatusReceived, StatusExtracting, StatusValidated, StatusReviewRequired}
	for _, s := range open {
		assert.False(t, s.Terminal(), string(s))
	}
}

func TestFieldRegistry_Indexes(t *testing.T) {
	reg := UtilityInvoiceFields()

	def := reg.ByKey("energy_kwh")
	assert.NotNil(t, def)
	assert.True(t, def.Required)
	assert.Nil(t, reg.ByKey("no_such_field"))

	for _, r := range reg.Required() {
		assert.True(t, r.Required)
	}
	for _, c := range reg.Components() {
		assert.True(t, c.ComponentOfTotal)
		assert.Equal(t, KindMoney, c.Kind)
	}
	// The declared total is reconciled against components, never part of them.
	total := reg.ByKey(TotalFieldKey)
	assert.NotNil(t, total)
	assert.False(t, total.ComponentOfTotal)
}
