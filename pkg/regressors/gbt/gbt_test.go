package gbt

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name       string
		opts       []Option
		wantRounds int
		wantDepth  int
	}{
		{
			name:       "default configuration",
			wantRounds: 300,
			wantDepth:  6,
		},
		{
			name:       "custom rounds and depth",
			opts:       []Option{WithRounds(20), WithMaxDepth(3)},
			wantRounds: 20,
			wantDepth:  3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New(tt.opts...)
			assert.Equal(t, tt.wantRounds, r.rounds)
			assert.Equal(t, tt.wantDepth, r.maxDepth)
			assert.Equal(t, int64(42), r.seed)
		})
	}
}

func TestFitErrors(t *testing.T) {
	names := []string{"a", "b"}
	tests := []struct {
		name string
		X    [][]float64
		y    []float64
	}{
		{name: "empty data", X: nil, y: nil},
		{name: "length mismatch", X: [][]float64{{1, 2}}, y: []float64{1, 2}},
		{name: "ragged row", X: [][]float64{{1, 2}, {1}}, y: []float64{1, 2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(WithRounds(5)).Fit(tt.X, tt.y, names)
			assert.Error(t, err)
		})
	}
}

func TestFitLearnsSignal(t *testing.T) {
	X, y := generateRegression(600, 1)
	model, err := New(WithRounds(150), WithMaxDepth(4), WithLearningRate(0.1)).Fit(X, y, testFeatureNames)
	require.NoError(t, err)

	pred, err := model.Predict(X)
	require.NoError(t, err)

	var modelErr, meanErr float64
	for i := range y {
		modelErr += math.Abs(pred[i] - y[i])
		meanErr += math.Abs(model.BaseScore - y[i])
	}
	assert.Less(t, modelErr, meanErr/3, "model should beat the constant predictor")
}

func TestContributionsSumToPrediction(t *testing.T) {
	X, y := generateRegression(300, 2)
	model, err := New(WithRounds(60)).Fit(X, y, testFeatureNames)
	require.NoError(t, err)

	pred, err := model.Predict(X)
	require.NoError(t, err)
	contrib, err := model.Contributions(X)
	require.NoError(t, err)
	require.Len(t, contrib, len(X))

	bias := model.Bias()
	for i, row := range contrib {
		require.Len(t, row, len(testFeatureNames))
		sum := bias
		for _, c := range row {
			sum += c
		}
		assert.InDelta(t, pred[i], sum, 1e-9, "row %d", i)
	}
}

func TestContributionsFollowSignal(t *testing.T) {
	X, y := generateRegression(400, 3)
	model, err := New(WithRounds(80)).Fit(X, y, testFeatureNames)
	require.NoError(t, err)

	contrib, err := model.Contributions(X)
	require.NoError(t, err)

	// y depends on x0 and x1 only; x3 is noise.
	var signal, noise float64
	for _, row := range contrib {
		signal += math.Abs(row[0])
		noise += math.Abs(row[3])
	}
	assert.Greater(t, signal, noise)
}

func TestFitDeterministic(t *testing.T) {
	X, y := generateRegression(3000, 4)

	a, err := New(WithRounds(10), WithWorkers(1)).Fit(X, y, testFeatureNames)
	require.NoError(t, err)
	b, err := New(WithRounds(10), WithWorkers(8)).Fit(X, y, testFeatureNames)
	require.NoError(t, err)

	pa, err := a.Predict(X)
	require.NoError(t, err)
	pb, err := b.Predict(X)
	require.NoError(t, err)
	assert.Equal(t, pa, pb, "worker count must not change predictions")

	c, err := New(WithRounds(10), WithSeed(7)).Fit(X, y, testFeatureNames)
	require.NoError(t, err)
	pc, err := c.Predict(X)
	require.NoError(t, err)
	assert.NotEqual(t, pa, pc)
}

func TestPredictWrongWidth(t *testing.T) {
	X, y := generateRegression(50, 5)
	model, err := New(WithRounds(5)).Fit(X, y, testFeatureNames)
	require.NoError(t, err)

	_, err = model.Predict([][]float64{{1, 2}})
	assert.Error(t, err)
	_, err = model.Contributions([][]float64{{1, 2}})
	assert.Error(t, err)
}

func TestSaveLoad(t *testing.T) {
	X, y := generateRegression(200, 6)
	original, err := New(WithRounds(30)).Fit(X, y, testFeatureNames)
	require.NoError(t, err)

	data, err := original.Save()
	require.NoError(t, err)
	assert.NotEmpty(t, data)

	loaded, err := Load(data)
	require.NoError(t, err)
	assert.Equal(t, testFeatureNames, loaded.FeatureNames)

	want, err := original.Predict(X)
	require.NoError(t, err)
	got, err := loaded.Predict(X)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = (&Model{}).Save()
	assert.Error(t, err)

	_, err = Load([]byte("not a model"))
	assert.Error(t, err)
}

func TestConstantTarget(t *testing.T) {
	X, _ := generateRegression(40, 7)
	y := make([]float64, len(X))
	for i := range y {
		y[i] = 12.5
	}
	model, err := New(WithRounds(10)).Fit(X, y, testFeatureNames)
	require.NoError(t, err)

	pred, err := model.Predict(X)
	require.NoError(t, err)
	for _, p := range pred {
		assert.InDelta(t, 12.5, p, 1e-9)
	}
	for _, tree := range model.Trees {
		assert.Len(t, tree.Nodes, 1, "no split improves a constant target")
	}
}

func BenchmarkFit(b *testing.B) {
	X, y := generateRegression(5000, 1)
	r := New(WithRounds(50))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		r.Fit(X, y, testFeatureNames)
	}
}

func BenchmarkContributions(b *testing.B) {
	X, y := generateRegression(2000, 1)
	model, _ := New(WithRounds(100)).Fit(X, y, testFeatureNames)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		model.Contributions(X)
	}
}

var testFeatureNames = []string{"x0", "x1", "x2", "x3"}

// generateRegression returns y = 3*x0 - 2*x1 + 0.5*x2 + noise; x3 is unused.
func generateRegression(n int, seed int64) ([][]float64, []float64) {
	rng := rand.New(rand.NewSource(seed))
	X := make([][]float64, n)
	y := make([]float64, n)
	for i := range X {
		X[i] = []float64{rng.Float64() * 10, rng.Float64() * 10, rng.NormFloat64(), rng.NormFloat64()}
		y[i] = 3*X[i][0] - 2*X[i][1] + 0.5*X[i][2] + 0.1*rng.NormFloat64()
	}
	return X, y
}
