package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/gridbill/invoice-pipeline/internal/engine"
	"github.com/gridbill/invoice-pipeline/internal/model"
)

// fakeAdapter is a scriptable engine adapter. Each call pops the next
// scripted outcome; the last one repeats.
type fakeAdapter struct {
	name string

	mu       sync.Mutex
	outcomes []fakeOutcome
	calls    int
}

type fakeOutcome struct {
	fields  map[string]model.FieldValue
	err     error
	latency time.Duration
	cost    float64
}

func newFakeAdapter(name string, outcomes ...fakeOutcome) *fakeAdapter {
	return &fakeAdapter{name: name, outcomes: outcomes}
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Extract(ctx context.Context, documentRef string, opts engine.Options) (*engine.Extraction, error) {
	f.mu.Lock()
	idx := f.calls
	if idx >= len(f.outcomes) {
		idx = len(f.outcomes) - 1
	}
	out := f.outcomes[idx]
	f.calls++
	f.mu.Unlock()

	if out.err != nil {
		return nil, out.err
	}
	return &engine.Extraction{
		Engine:  f.name,
		Fields:  out.fields,
		Latency: out.latency,
		CostUSD: out.cost,
	}, nil
}

func (f *fakeAdapter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fieldsWith builds an extraction result with uniform confidence.
func fieldsWith(engineName string, confidence float64, keys ...string) map[string]model.FieldValue {
	out := make(map[string]model.FieldValue, len(keys))
	for _, k := range keys {
		out[k] = model.FieldValue{Key: k, Value: 100.0, Engine: engineName, Confidence: confidence}
	}
	return out
}
