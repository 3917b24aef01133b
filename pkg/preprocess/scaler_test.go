package preprocess

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStandardScaler(t *testing.T) {
	data := [][]float64{
		{1, 10, 5},
		{2, 20, 5},
		{3, 30, 5},
	}

	var s StandardScaler
	out, err := s.FitTransform(data)
	require.NoError(t, err)

	assert.InDelta(t, 2.0, s.Mean[0], 1e-12)
	assert.InDelta(t, math.Sqrt(2.0/3.0), s.Scale[0], 1e-12)
	assert.Equal(t, 1.0, s.Scale[2], "constant column keeps unit scale")

	for j := 0; j < 3; j++ {
		var sum float64
		for i := range out {
			sum += out[i][j]
		}
		assert.InDelta(t, 0.0, sum, 1e-9)
	}
	assert.InDelta(t, -1.224744871, out[0][0], 1e-9)
	assert.Equal(t, 0.0, out[1][2])

	// input untouched
	assert.Equal(t, 1.0, data[0][0])
}

func TestStandardScalerErrors(t *testing.T) {
	var s StandardScaler
	assert.Error(t, s.Fit(nil))

	_, err := s.Transform([][]float64{{1}})
	assert.Error(t, err)

	require.NoError(t, s.Fit([][]float64{{1, 2}}))
	_, err = s.Transform([][]float64{{1}})
	assert.Error(t, err)
}

func TestPercentile(t *testing.T) {
	tests := []struct {
		name string
		data []float64
		p    float64
		want float64
	}{
		{name: "single", data: []float64{4}, p: 5, want: 4},
		{name: "min", data: []float64{3, 1, 2}, p: 0, want: 1},
		{name: "max", data: []float64{3, 1, 2}, p: 100, want: 3},
		{name: "interpolated", data: []float64{1, 2, 3, 4, 5}, p: 5, want: 1.2},
		{name: "median", data: []float64{10, 0, 5, 20}, p: 50, want: 7.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Percentile(tt.data, tt.p), 1e-12)
		})
	}

	assert.True(t, math.IsNaN(Percentile(nil, 50)))
}
