package validate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridbill/invoice-pipeline/internal/config"
	"github.com/gridbill/invoice-pipeline/internal/model"
)

func testConfig() config.ValidationConfig {
	return config.ValidationConfig{
		ConfidenceThreshold:    0.85,
		ReviewScoreThreshold:   0.85,
		AnomalyWarnZ:           2.5,
		AnomalyCriticalZ:       4.0,
		MinHistoricalSamples:   3,
		HistoryWindow:          12,
		AnomalyFields:          []string{"energy_kwh", "total_rs"},
		ArithmeticAbsTolerance: 10.0,
		ArithmeticPctTolerance: 1.0,
		ICMSRateSchedule:       []float64{0, 4, 7, 12, 17, 18, 20, 25, 27, 30},
		PenaltyInfo:            0,
		PenaltyWarning:         0.05,
		PenaltyError:           0.25,
		PenaltyCritical:        0.6,
	}
}

func newValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := New(testConfig(), model.UtilityInvoiceFields())
	require.NoError(t, err)
	return v
}

// completeRecord builds a record that passes every rule: all required fields
// populated with high confidence and components summing exactly to the total.
func completeRecord(t *testing.T, total float64, components map[string]float64) *model.InvoiceRecord {
	t.Helper()
	rec := model.NewInvoiceRecord("doc-1", "unit-1")
	set := func(key string, value any) {
		require.NoError(t, rec.SetField(model.FieldValue{
			Key: key, Value: value, Engine: "anthropic", Confidence: 0.95,
		}))
	}
	set("invoice_number", "123456")
	set("reference_month", "2026-07")
	set("issue_date", "2026-08-01")
	set("due_date", "2026-08-15")
	set("distributor_name", "Light")
	set("customer_name", "Padaria Estrela Ltda")
	set("energy_kwh", 1100.0)
	set("total_rs", total)
	for key, val := range components {
		set(key, val)
	}
	return rec
}

func TestRun_CleanRecordHasNoFindings(t *testing.T) {
	v := newValidator(t)
	rec := completeRecord(t, 890.45, map[string]float64{
		"energy_charge_rs":       600.45,
		"distribution_charge_rs": 150.00,
		"icms_rs":                140.00,
	})

	results := v.Run(rec, nil)
	assert.Empty(t, results)
	assert.Equal(t, 1.0, v.Score(results))
}

func TestRun_Deterministic(t *testing.T) {
	v := newValidator(t)
	rec := completeRecord(t, 750.00, map[string]float64{
		"energy_charge_rs": 600.40,
		"icms_rs":          290.00,
	})
	history := History{"energy_kwh": {1000, 1100, 1050, 1150, 1080}}

	first := v.Run(rec, history)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, v.Run(rec, history))
	}
}

func TestArithmetic_WithinToleranceIsClean(t *testing.T) {
	v := newValidator(t)
	// Components sum to 890.40 against a declared total of 890.45; the
	// 5-cent difference is well inside max(R$10, 1%).
	rec := completeRecord(t, 890.45, map[string]float64{
		"energy_charge_rs":       600.40,
		"distribution_charge_rs": 150.00,
		"icms_rs":                140.00,
	})

	results := v.Run(rec, nil)
	for _, r := range results {
		assert.NotEqual(t, model.CategoryCrossField, r.Category)
	}
}

func TestArithmetic_MismatchProducesSingleErrorCitingBothTotals(t *testing.T) {
	v := newValidator(t)
	// Components sum to 890.40 but the declared total reads 750.00.
	rec := completeRecord(t, 750.00, map[string]float64{
		"energy_charge_rs":       600.40,
		"distribution_charge_rs": 150.00,
		"icms_rs":                140.00,
	})

	results := v.Run(rec, nil)

	var arithmetic []model.ValidationResult
	for _, r := range results {
		if r.Category == model.CategoryCrossField {
			arithmetic = append(arithmetic, r)
		}
	}
	require.Len(t, arithmetic, 1)
	f := arithmetic[0]
	assert.Equal(t, "arithmetic_inconsistency", f.RuleID)
	assert.Equal(t, model.SeverityError, f.Severity)
	assert.Contains(t, f.Message, "890.40")
	assert.Contains(t, f.Message, "750.00")
}

func TestArithmetic_SkippedWithoutComponents(t *testing.T) {
	v := newValidator(t)
	rec := completeRecord(t, 890.45, nil)

	for _, r := range v.Run(rec, nil) {
		assert.NotEqual(t, model.CategoryCrossField, r.Category)
	}
}

func TestRequiredFields_MissingTotalFlagged(t *testing.T) {
	v := newValidator(t)
	rec := model.NewInvoiceRecord("doc-1", "unit-1")
	require.NoError(t, rec.SetField(model.FieldValue{Key: "energy_kwh", Value: 1100.0, Engine: "a", Confidence: 0.9}))

	results := v.Run(rec, nil)

	var missing []string
	for _, r := range results {
		if r.Category == model.CategoryMissingField {
			assert.Equal(t, model.SeverityError, r.Severity)
			missing = append(missing, r.FieldKey)
		}
	}
	assert.Contains(t, missing, "total_rs")
	assert.Contains(t, missing, "invoice_number")
	assert.NotContains(t, missing, "energy_kwh")
}

func TestRangeBounds_PowerFactorAboveMaxFlagged(t *testing.T) {
	v := newValidator(t)
	rec := completeRecord(t, 890.45, nil)
	require.NoError(t, rec.SetField(model.FieldValue{Key: "power_factor", Value: 1.4, Engine: "a", Confidence: 0.9}))

	results := v.Run(rec, nil)

	found := false
	for _, r := range results {
		if r.Category == model.CategoryOutOfRange && r.FieldKey == "power_factor" {
			found = true
			assert.Equal(t, model.SeverityError, r.Severity)
		}
	}
	assert.True(t, found)
}

func TestICMSRate_OffScheduleFlagged(t *testing.T) {
	v := newValidator(t)
	rec := completeRecord(t, 890.45, nil)
	require.NoError(t, rec.SetField(model.FieldValue{Key: "icms_rate_pct", Value: 13.0, Engine: "a", Confidence: 0.9}))

	results := v.Run(rec, nil)

	found := false
	for _, r := range results {
		if r.RuleID == "icms_rate_schedule" {
			found = true
			assert.Equal(t, model.SeverityError, r.Severity)
		}
	}
	assert.True(t, found)
}

func TestAnomaly_WarningWithZScoreInMessage(t *testing.T) {
	v := newValidator(t)
	rec := completeRecord(t, 890.45, nil)
	// History clustered around 1100 (population stddev 40); the new reading
	// of 1250.5 lands at z=3.76, past the warning line but under critical.
	history := History{"energy_kwh": {1040, 1080, 1100, 1120, 1160}}
	rec.Fields["energy_kwh"] = model.FieldValue{Key: "energy_kwh", Value: 1250.5, Engine: "anthropic", Confidence: 0.95}

	results := v.Run(rec, history)

	var anomalies []model.ValidationResult
	for _, r := range results {
		if r.Category == model.CategoryHistoricalAnomaly {
			anomalies = append(anomalies, r)
		}
	}
	require.Len(t, anomalies, 1)
	f := anomalies[0]
	assert.Equal(t, model.SeverityWarning, f.Severity)
	assert.Equal(t, "energy_kwh", f.FieldKey)
	require.NotNil(t, f.AnomalyScore)
	assert.Greater(t, *f.AnomalyScore, 2.5)
	assert.Less(t, *f.AnomalyScore, 4.0)
	assert.Contains(t, f.Message, "standard deviations")
}

func TestAnomaly_SkippedBelowMinSamples(t *testing.T) {
	v := newValidator(t)
	rec := completeRecord(t, 890.45, nil)
	history := History{"energy_kwh": {1000, 1100}}

	for _, r := range v.Run(rec, history) {
		assert.NotEqual(t, model.CategoryHistoricalAnomaly, r.Category)
	}
}

func TestAnomaly_ExtremeDeviationIsCritical(t *testing.T) {
	v := newValidator(t)
	rec := completeRecord(t, 890.45, nil)
	rec.Fields["energy_kwh"] = model.FieldValue{Key: "energy_kwh", Value: 5000.0, Engine: "anthropic", Confidence: 0.95}
	history := History{"energy_kwh": {1040, 1080, 1100, 1120, 1160}}

	results := v.Run(rec, history)

	found := false
	for _, r := range results {
		if r.Category == model.CategoryHistoricalAnomaly {
			found = true
			assert.Equal(t, model.SeverityCritical, r.Severity)
		}
	}
	assert.True(t, found)
}

func TestLowConfidence_AlwaysEvaluated(t *testing.T) {
	v := newValidator(t)
	rec := model.NewInvoiceRecord("doc-1", "unit-1")
	require.NoError(t, rec.SetField(model.FieldValue{Key: "total_rs", Value: 100.0, Engine: "a", Confidence: 0.4}))

	results := v.Run(rec, nil)

	found := false
	for _, r := range results {
		if r.Category == model.CategoryLowConfidence {
			found = true
			assert.Equal(t, model.SeverityWarning, r.Severity)
		}
	}
	assert.True(t, found)
}

func TestScore_ProductOfPenalties(t *testing.T) {
	v := newValidator(t)
	results := []model.ValidationResult{
		{RuleID: "a", Severity: model.SeverityWarning}, // 0.95
		{RuleID: "b", Severity: model.SeverityError},   // 0.75
	}
	assert.InDelta(t, 0.95*0.75, v.Score(results), 1e-9)
	assert.Equal(t, 1.0, v.Score(nil))

	passed := []model.ValidationResult{{RuleID: "a", Severity: model.SeverityCritical, Passed: true}}
	assert.Equal(t, 1.0, v.Score(passed))
}

func TestCheckConfig_RejectsMalformed(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.ValidationConfig)
	}{
		{"confidence above one", func(c *config.ValidationConfig) { c.ConfidenceThreshold = 1.5 }},
		{"negative tolerance", func(c *config.ValidationConfig) { c.ArithmeticAbsTolerance = -1 }},
		{"critical below warn", func(c *config.ValidationConfig) { c.AnomalyCriticalZ = 1.0 }},
		{"min samples too low", func(c *config.ValidationConfig) { c.MinHistoricalSamples = 1 }},
		{"penalty above one", func(c *config.ValidationConfig) { c.PenaltyCritical = 1.2 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig()
			tc.mutate(&cfg)
			_, err := New(cfg, model.UtilityInvoiceFields())
			assert.ErrorIs(t, err, ErrValidationConfig)
		})
	}
}

func TestSafeRun_PanickingRuleBecomesCriticalFinding(t *testing.T) {
	v := newValidator(t)
	boom := rule{id: "boom", run: func(*Validator, *model.InvoiceRecord, History) []model.ValidationResult {
		panic("nil map write")
	}}

	results := v.safeRun(boom, model.NewInvoiceRecord("doc-1", "unit-1"), nil)

	require.Len(t, results, 1)
	assert.Equal(t, "boom", results[0].RuleID)
	assert.Equal(t, model.SeverityCritical, results[0].Severity)
	assert.Equal(t, model.CategoryRuleError, results[0].Category)
}
