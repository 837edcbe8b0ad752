package pipeline

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gridbill/invoice-pipeline/internal/config"
	"github.com/gridbill/invoice-pipeline/internal/engine"
	"github.com/gridbill/invoice-pipeline/internal/learning"
	"github.com/gridbill/invoice-pipeline/internal/model"
	"github.com/gridbill/invoice-pipeline/internal/notify"
	"github.com/gridbill/invoice-pipeline/internal/orchestrator"
	"github.com/gridbill/invoice-pipeline/internal/store"
	"github.com/gridbill/invoice-pipeline/internal/validate"
)

// fakeAdapter plays back scripted extraction outcomes. The last outcome
// repeats once the script is exhausted.
type fakeAdapter struct {
	mu       sync.Mutex
	outcomes []fakeOutcome
	calls    int
}

type fakeOutcome struct {
	ext *engine.Extraction
	err error
}

func (f *fakeAdapter) Name() string { return "mock" }

func (f *fakeAdapter) Extract(_ context.Context, _ string, _ engine.Options) (*engine.Extraction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	if i >= len(f.outcomes) {
		i = len(f.outcomes) - 1
	}
	f.calls++
	out := f.outcomes[i]
	return out.ext, out.err
}

// extraction builds a successful result with uniform confidence.
func extraction(confidence float64, values map[string]any) *engine.Extraction {
	fields := make(map[string]model.FieldValue, len(values))
	for key, v := range values {
		fields[key] = model.FieldValue{Key: key, Value: v, Engine: "mock", Confidence: confidence}
	}
	return &engine.Extraction{Engine: "mock", Fields: fields, CostUSD: 0.01}
}

// invoiceValues covers every required field. Callers override or extend as
// the scenario needs.
func invoiceValues(overrides map[string]any) map[string]any {
	values := map[string]any{
		"invoice_number":   "123456",
		"reference_month":  "2026-07",
		"issue_date":       "2026-08-01",
		"due_date":         "2026-08-15",
		"distributor_name": "Light",
		"customer_name":    "Padaria Estrela Ltda",
		"energy_kwh":       1100.0,
		"total_rs":         890.45,
	}
	for k, v := range overrides {
		values[k] = v
	}
	return values
}

type captureNotifier struct {
	mu   sync.Mutex
	seen []notify.Summary
}

func (c *captureNotifier) Notify(_ context.Context, s notify.Summary) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen = append(c.seen, s)
}

func (c *captureNotifier) summaries() []notify.Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]notify.Summary(nil), c.seen...)
}

type testEnv struct {
	store    *store.SQLiteStore
	adapter  *fakeAdapter
	notifier *captureNotifier
	feed     *learning.Feed
	pipe     *Pipeline
}

func testPipelineConfig() *config.Config {
	return &config.Config{
		Engines: config.EnginesConfig{
			Profiles: []model.EngineProfile{
				{Name: "mock", Priority: 100, Enabled: true, AvgAccuracy: 0.9},
			},
		},
		Validation: config.ValidationConfig{
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
			PenaltyWarning:         0.05,
			PenaltyError:           0.25,
			PenaltyCritical:        0.6,
		},
		Pipeline: config.PipelineConfig{
			EngineTimeoutSecs:        5,
			MaxFallbackDepth:         1,
			MaxConcurrentEngineCalls: 4,
			EngineCallsPerSec:        100,
			WallClockMarginSecs:      5,
			AdvisoryDisagreeProb:     0.25,
			AdvisoryMinConfidence:    0.7,
		},
	}
}

func newTestEnv(t *testing.T, adapter *fakeAdapter) *testEnv {
	return newTestEnvStore(t, adapter, func(s store.Store) store.Store { return s })
}

// newTestEnvStore builds the env with the pipeline's store view wrapped, so
// scenarios can inject storage failures.
func newTestEnvStore(t *testing.T, adapter *fakeAdapter, wrap func(store.Store) store.Store) *testEnv {
	t.Helper()

	cfg := testPipelineConfig()
	fields := model.UtilityInvoiceFields()

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "pipeline.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { st.Close() })

	registry := engine.NewRegistry()
	registry.Register(adapter)

	validator, err := validate.New(cfg.Validation, fields)
	require.NoError(t, err)

	pool := orchestrator.NewPool(cfg.Pipeline.MaxConcurrentEngineCalls, cfg.Pipeline.EngineCallsPerSec)
	orch := orchestrator.New(registry, cfg.Engines.Profiles, cfg.ABTest, pool, fields, cfg.Pipeline)

	notifier := &captureNotifier{}
	feed := learning.NewFeed(st, 16)
	t.Cleanup(feed.Close)

	return &testEnv{
		store:    st,
		adapter:  adapter,
		notifier: notifier,
		feed:     feed,
		pipe:     New(cfg, wrap(st), orch, validator, nil, feed, notifier, fields),
	}
}
