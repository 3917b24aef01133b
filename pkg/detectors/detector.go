// Package detectors provides unsupervised anomaly detection algorithms.
package detectors

// Detector is the common interface for all anomaly detection algorithms.
type Detector interface {
	// Fit trains the detector on the full population.
	// data is a 2D slice where each row is a sample and each column is a feature.
	Fit(data [][]float64) error

	// Predict returns decision scores for the given samples.
	// Lower scores are more anomalous; negative scores mark outliers.
	Predict(data [][]float64) ([]float64, error)
}

// Score represents an anomaly detection result.
type Score struct {
	// Value is the decision score. Lower is more anomalous.
	Value float64
	// IsAnomaly indicates the score fell below the decision boundary.
	IsAnomaly bool
}

// Classify converts decision scores into Scores.
func Classify(values []float64) []Score {
	out := make([]Score, len(values))
	for i, v := range values {
		out[i] = Score{Value: v, IsAnomaly: v < 0}
	}
	return out
}
