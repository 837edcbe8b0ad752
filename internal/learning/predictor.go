package learning

import (
	"context"
	"math"

	"github.com/rotisserie/eris"
)

// ValidationPrediction is the advisory probability a record will ultimately
// be approved.
type ValidationPrediction struct {
	ApproveProbability float64 `json:"approve_probability"`
	Confidence         float64 `json:"confidence"`
}

// AnomalyPrediction is the advisory probability a record is anomalous.
type AnomalyPrediction struct {
	AnomalyProbability float64 `json:"anomaly_probability"`
	Confidence         float64 `json:"confidence"`
}

// Predictor serves advisory predictions. Advisory only: the decision policy
// may downgrade on its signal but never overrides the rule engine with it.
type Predictor interface {
	Predict(ctx context.Context, score, confidence float64) (ValidationPrediction, AnomalyPrediction, error)
}

// StorePredictor is a frequency estimator over stored samples: approval and
// anomaly rates within the record's confidence band. The prediction contract
// is fixed; the model behind it is deliberately simple and replaceable.
type StorePredictor struct {
	store      SampleStore
	maxSamples int
}

// NewStorePredictor creates a predictor reading up to maxSamples recent
// samples per prediction.
func NewStorePredictor(store SampleStore, maxSamples int) *StorePredictor {
	if maxSamples <= 0 {
		maxSamples = 500
	}
	return &StorePredictor{store: store, maxSamples: maxSamples}
}

// Predict implements Predictor.
func (p *StorePredictor) Predict(ctx context.Context, score, confidence float64) (ValidationPrediction, AnomalyPrediction, error) {
	samples, err := p.store.ListLearningSamples(ctx, p.maxSamples)
	if err != nil {
		return ValidationPrediction{}, AnomalyPrediction{}, eris.Wrap(err, "learning: list samples")
	}

	var inBand, approved, anomalous int
	for _, s := range samples {
		if !sameBand(s.Confidence, confidence) {
			continue
		}
		inBand++
		if s.Disposition == "approved" {
			approved++
		}
		if s.HadAnomaly {
			anomalous++
		}
	}

	if inBand == 0 {
		// No evidence: neutral prediction with zero confidence so the
		// policy ignores it.
		return ValidationPrediction{ApproveProbability: 0.5},
			AnomalyPrediction{AnomalyProbability: 0.5}, nil
	}

	// Prediction confidence grows with sample count, saturating around 30.
	predConf := 1 - math.Exp(-float64(inBand)/10)

	return ValidationPrediction{
			ApproveProbability: float64(approved) / float64(inBand),
			Confidence:         predConf,
		}, AnomalyPrediction{
			AnomalyProbability: float64(anomalous) / float64(inBand),
			Confidence:         predConf,
		}, nil
}

// sameBand buckets confidences into 0.1-wide bands.
func sameBand(a, b float64) bool {
	band := func(v float64) int {
		if v >= 1 {
			return 9
		}
		if v < 0 {
			return 0
		}
		return int(v * 10)
	}
	return band(a) == band(b)
}
