package kmeans

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFitSeparatesBlobs(t *testing.T) {
	data, truth := generateBlobs(60, 1)

	res, err := New(WithK(3)).Fit(data)
	require.NoError(t, err)
	require.Len(t, res.Labels, len(data))
	require.Len(t, res.Centroids, 3)

	// Every true blob maps onto exactly one cluster.
	mapping := map[int]int{}
	for i, label := range res.Labels {
		if want, ok := mapping[truth[i]]; ok {
			assert.Equal(t, want, label, "sample %d", i)
		} else {
			mapping[truth[i]] = label
		}
	}
	assert.Len(t, mapping, 3)
}

func TestFitDeterministic(t *testing.T) {
	data, _ := generateBlobs(40, 2)

	a, err := New(WithWorkers(1)).Fit(data)
	require.NoError(t, err)
	b, err := New(WithWorkers(8)).Fit(data)
	require.NoError(t, err)

	assert.Equal(t, a.Labels, b.Labels)
	assert.Equal(t, a.Centroids, b.Centroids)
	assert.Equal(t, a.Inertia, b.Inertia)
}

func TestFitCapsK(t *testing.T) {
	data := [][]float64{{0, 0}, {5, 5}}

	res, err := New(WithK(3)).Fit(data)
	require.NoError(t, err)
	assert.Len(t, res.Centroids, 2)
	assert.ElementsMatch(t, []int{0, 1}, res.Labels)
	assert.InDelta(t, 0, res.Inertia, 1e-12)
}

func TestFitDuplicatePoints(t *testing.T) {
	data := [][]float64{{1, 1}, {1, 1}, {1, 1}, {1, 1}}

	res, err := New(WithK(3)).Fit(data)
	require.NoError(t, err)
	assert.Len(t, res.Labels, 4)
	assert.InDelta(t, 0, res.Inertia, 1e-12)
}

func TestFitErrors(t *testing.T) {
	_, err := New().Fit(nil)
	assert.Error(t, err)

	_, err = New(WithK(0)).Fit([][]float64{{1}})
	assert.Error(t, err)

	_, err = New().Fit([][]float64{{1, 2}, {1}})
	assert.Error(t, err)
}

func BenchmarkFit(b *testing.B) {
	data, _ := generateBlobs(2000, 1)
	m := New()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m.Fit(data)
	}
}

// generateBlobs returns perSide samples around each of three well-separated centres.
func generateBlobs(perSide int, seed int64) ([][]float64, []int) {
	rng := rand.New(rand.NewSource(seed))
	centres := [][]float64{{0, 0}, {20, 0}, {0, 20}}
	var data [][]float64
	var truth []int
	for c, centre := range centres {
		for i := 0; i < perSide; i++ {
			data = append(data, []float64{
				centre[0] + rng.NormFloat64(),
				centre[1] + rng.NormFloat64(),
			})
			truth = append(truth, c)
		}
	}
	return data, truth
}
