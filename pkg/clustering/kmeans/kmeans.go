// Package kmeans implements seeded k-means clustering with k-means++
// initialisation and multiple restarts.
package kmeans

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
)

// KMeans partitions samples into k clusters.
type KMeans struct {
	k       int
	nInit   int
	maxIter int
	tol     float64
	seed    int64
	workers int
}

// Option configures a KMeans.
type Option func(*KMeans)

// WithK sets the number of clusters.
func WithK(k int) Option {
	return func(m *KMeans) {
		m.k = k
	}
}

// WithRestarts sets how many independent initialisations are tried.
func WithRestarts(n int) Option {
	return func(m *KMeans) {
		m.nInit = n
	}
}

// WithMaxIter bounds the Lloyd iterations of a single run.
func WithMaxIter(n int) Option {
	return func(m *KMeans) {
		m.maxIter = n
	}
}

// WithSeed sets the random seed for reproducibility.
func WithSeed(seed int64) Option {
	return func(m *KMeans) {
		m.seed = seed
	}
}

// WithWorkers bounds the number of restarts run concurrently.
func WithWorkers(n int) Option {
	return func(m *KMeans) {
		m.workers = n
	}
}

// New creates a KMeans with the given options.
func New(opts ...Option) *KMeans {
	m := &KMeans{
		k:       3,
		nInit:   10,
		maxIter: 300,
		tol:     1e-4,
		seed:    42,
		workers: 4,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Result is the best clustering found across restarts.
type Result struct {
	Labels     []int
	Centroids  [][]float64
	Inertia    float64
	Iterations int
}

// Fit clusters data. k is capped at the number of samples. The restart with
// the lowest inertia wins; ties go to the earliest restart.
func (m *KMeans) Fit(data [][]float64) (*Result, error) {
	if len(data) == 0 {
		return nil, errors.New("empty data")
	}
	if m.k < 1 {
		return nil, fmt.Errorf("k must be positive, got %d", m.k)
	}
	dim := len(data[0])
	for i, row := range data {
		if len(row) != dim {
			return nil, fmt.Errorf("row %d has %d features, want %d", i, len(row), dim)
		}
	}

	k := min(m.k, len(data))
	nInit := max(m.nInit, 1)

	master := rand.New(rand.NewSource(m.seed))
	seeds := make([]int64, nInit)
	for i := range seeds {
		seeds[i] = master.Int63()
	}

	tol := m.tol * meanVariance(data)

	results := make([]*Result, nInit)
	var g errgroup.Group
	g.SetLimit(max(m.workers, 1))
	for i := range results {
		g.Go(func() error {
			rng := rand.New(rand.NewSource(seeds[i]))
			results[i] = lloyd(data, initPlusPlus(rng, data, k), m.maxIter, tol)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	best := results[0]
	for _, r := range results[1:] {
		if r.Inertia < best.Inertia {
			best = r
		}
	}
	return best, nil
}

// initPlusPlus picks k initial centroids, each new one sampled with
// probability proportional to its squared distance from the nearest chosen.
func initPlusPlus(rng *rand.Rand, data [][]float64, k int) [][]float64 {
	n := len(data)
	centroids := make([][]float64, 0, k)
	centroids = append(centroids, clone(data[rng.Intn(n)]))

	dist := make([]float64, n)
	for i, x := range data {
		dist[i] = sqDist(x, centroids[0])
	}

	for len(centroids) < k {
		total := floats.Sum(dist)
		next := rng.Intn(n)
		if total > 0 {
			target := rng.Float64() * total
			var acc float64
			for i, d := range dist {
				acc += d
				if acc >= target && d > 0 {
					next = i
					break
				}
			}
		}
		c := clone(data[next])
		centroids = append(centroids, c)
		for i, x := range data {
			dist[i] = math.Min(dist[i], sqDist(x, c))
		}
	}
	return centroids
}

func lloyd(data [][]float64, centroids [][]float64, maxIter int, tol float64) *Result {
	k := len(centroids)
	dim := len(data[0])
	labels := make([]int, len(data))

	iter := 0
	for iter < maxIter {
		iter++
		assign(data, centroids, labels)

		sums := make([][]float64, k)
		counts := make([]int, k)
		for c := range sums {
			sums[c] = make([]float64, dim)
		}
		for i, x := range data {
			floats.Add(sums[labels[i]], x)
			counts[labels[i]]++
		}

		var shift float64
		for c := range centroids {
			// An empty cluster keeps its previous centroid.
			if counts[c] == 0 {
				continue
			}
			floats.Scale(1/float64(counts[c]), sums[c])
			shift += sqDist(sums[c], centroids[c])
			centroids[c] = sums[c]
		}
		if shift <= tol {
			break
		}
	}

	inertia := assign(data, centroids, labels)
	return &Result{Labels: labels, Centroids: centroids, Inertia: inertia, Iterations: iter}
}

// assign labels each sample with its nearest centroid and returns the inertia.
func assign(data, centroids [][]float64, labels []int) float64 {
	var inertia float64
	for i, x := range data {
		best, bestDist := 0, math.Inf(1)
		for c, centroid := range centroids {
			if d := sqDist(x, centroid); d < bestDist {
				best, bestDist = c, d
			}
		}
		labels[i] = best
		inertia += bestDist
	}
	return inertia
}

func sqDist(a, b []float64) float64 {
	d := floats.Distance(a, b, 2)
	return d * d
}

func meanVariance(data [][]float64) float64 {
	dim := len(data[0])
	if dim == 0 {
		return 0
	}
	col := make([]float64, len(data))
	var total float64
	for j := 0; j < dim; j++ {
		for i, x := range data {
			col[i] = x[j]
		}
		mean := floats.Sum(col) / float64(len(col))
		var v float64
		for _, x := range col {
			v += (x - mean) * (x - mean)
		}
		total += v / float64(len(col))
	}
	return total / float64(dim)
}

func clone(x []float64) []float64 {
	return append([]float64(nil), x...)
}
