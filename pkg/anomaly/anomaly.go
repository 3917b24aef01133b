// Package anomaly scores every billing line for unsupervised outlier severity.
package anomaly

import (
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/hed1ad/leakguard/pkg/billing"
	"github.com/hed1ad/leakguard/pkg/detectors"
	"github.com/hed1ad/leakguard/pkg/detectors/iforest"
	"github.com/hed1ad/leakguard/pkg/preprocess"
)

// Scorer fits a detector on the full population and scores it.
type Scorer struct {
	detector detectors.Detector
}

// New returns a Scorer backed by an isolation forest built with opts.
func New(opts ...iforest.Option) *Scorer {
	return &Scorer{detector: iforest.New(opts...)}
}

// NewWithDetector returns a Scorer backed by d.
func NewWithDetector(d detectors.Detector) *Scorer {
	return &Scorer{detector: d}
}

// Score standardises all features, fits the detector and ranks every line.
// The result is ordered by rank, most anomalous first.
func (s *Scorer) Score(features []billing.FeatureVector) ([]billing.AnomalyScore, error) {
	if len(features) == 0 {
		return []billing.AnomalyScore{}, nil
	}

	X := make([][]float64, len(features))
	for i, fv := range features {
		X[i] = fv.Values()
	}

	var scaler preprocess.StandardScaler
	scaled, err := scaler.FitTransform(X)
	if err != nil {
		return nil, eris.Wrap(err, "anomaly: scale")
	}

	if err := s.detector.Fit(scaled); err != nil {
		return nil, eris.Wrap(err, "anomaly: fit")
	}
	values, err := s.detector.Predict(scaled)
	if err != nil {
		return nil, eris.Wrap(err, "anomaly: predict")
	}

	scores := detectors.Classify(values)
	out := make([]billing.AnomalyScore, len(features))
	anomalies := 0
	for i, fv := range features {
		out[i] = billing.AnomalyScore{
			LineNo:    fv.LineNo,
			InvoiceID: fv.InvoiceID,
			Score:     scores[i].Value,
			IsAnomaly: scores[i].IsAnomaly,
		}
		if scores[i].IsAnomaly {
			anomalies++
		}
	}

	Rank(out)

	zap.L().Info("anomaly: lines scored",
		zap.Int("lines", len(out)),
		zap.Int("anomalies", anomalies),
	)
	return out, nil
}

// Rank assigns ranks 1..N by ascending score, ties kept in input order, and
// reorders scores by rank.
func Rank(scores []billing.AnomalyScore) {
	sort.SliceStable(scores, func(a, b int) bool { return scores[a].Score < scores[b].Score })
	for i := range scores {
		scores[i].Rank = i + 1
	}
}
