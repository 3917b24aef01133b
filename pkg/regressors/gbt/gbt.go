// Package gbt implements gradient-boosted regression trees with squared-error
// loss and additive per-feature attributions.
package gbt

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"golang.org/x/sync/errgroup"
)

// Regressor trains gradient-boosted trees.
type Regressor struct {
	rounds         int
	maxDepth       int
	learningRate   float64
	subsample      float64
	colsample      float64
	lambda         float64
	minChildWeight float64
	seed           int64
	workers        int
}

// Option configures a Regressor.
type Option func(*Regressor)

// WithRounds sets the number of boosting rounds.
func WithRounds(n int) Option {
	return func(r *Regressor) {
		r.rounds = n
	}
}

// WithMaxDepth sets the maximum tree depth.
func WithMaxDepth(d int) Option {
	return func(r *Regressor) {
		r.maxDepth = d
	}
}

// WithLearningRate sets the shrinkage applied to every leaf.
func WithLearningRate(lr float64) Option {
	return func(r *Regressor) {
		r.learningRate = lr
	}
}

// WithSubsample sets the share of rows sampled per tree.
func WithSubsample(s float64) Option {
	return func(r *Regressor) {
		r.subsample = s
	}
}

// WithColsample sets the share of features sampled per tree.
func WithColsample(s float64) Option {
	return func(r *Regressor) {
		r.colsample = s
	}
}

// WithLambda sets the L2 regularisation on leaf weights.
func WithLambda(l float64) Option {
	return func(r *Regressor) {
		r.lambda = l
	}
}

// WithMinChildWeight sets the minimum number of rows in a child.
func WithMinChildWeight(w float64) Option {
	return func(r *Regressor) {
		r.minChildWeight = w
	}
}

// WithSeed sets the random seed for reproducibility.
func WithSeed(seed int64) Option {
	return func(r *Regressor) {
		r.seed = seed
	}
}

// WithWorkers bounds concurrent split searches.
func WithWorkers(n int) Option {
	return func(r *Regressor) {
		r.workers = n
	}
}

// New creates a Regressor with the given options.
func New(opts ...Option) *Regressor {
	r := &Regressor{
		rounds:         300,
		maxDepth:       6,
		learningRate:   0.05,
		subsample:      0.8,
		colsample:      0.8,
		lambda:         1,
		minChildWeight: 1,
		seed:           42,
		workers:        8,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// parallelThreshold is the node size below which splits are searched serially.
const parallelThreshold = 2048

// Fit trains a model predicting y from X. featureNames labels the columns of X.
func (r *Regressor) Fit(X [][]float64, y []float64, featureNames []string) (*Model, error) {
	if len(X) == 0 {
		return nil, errors.New("empty training data")
	}
	if len(X) != len(y) {
		return nil, fmt.Errorf("X has %d rows but y has %d", len(X), len(y))
	}
	nFeatures := len(featureNames)
	for i, row := range X {
		if len(row) != nFeatures {
			return nil, fmt.Errorf("row %d has %d features, want %d", i, len(row), nFeatures)
		}
	}
	if r.rounds <= 0 || r.maxDepth <= 0 {
		return nil, errors.New("rounds and max depth must be positive")
	}

	n := len(X)
	var sum float64
	for _, v := range y {
		sum += v
	}
	model := &Model{
		FeatureNames: append([]string(nil), featureNames...),
		BaseScore:    sum / float64(n),
	}

	// Presort row indices once per feature
	order := make([][]int, nFeatures)
	for f := range order {
		idx := make([]int, n)
		for i := range idx {
			idx[i] = i
		}
		sort.SliceStable(idx, func(a, b int) bool { return X[idx[a]][f] < X[idx[b]][f] })
		order[f] = idx
	}

	pred := make([]float64, n)
	for i := range pred {
		pred[i] = model.BaseScore
	}
	residual := make([]float64, n)

	rng := rand.New(rand.NewSource(r.seed))
	nRows := clampCount(r.subsample, n)
	nCols := clampCount(r.colsample, nFeatures)
	inSample := make([]bool, n)

	for round := 0; round < r.rounds; round++ {
		for i := range inSample {
			inSample[i] = false
		}
		for _, i := range rng.Perm(n)[:nRows] {
			inSample[i] = true
		}
		cols := rng.Perm(nFeatures)[:nCols]
		sort.Ints(cols)

		for i := range residual {
			residual[i] = y[i] - pred[i]
		}

		lists := make([][]int, len(cols))
		for k, f := range cols {
			lists[k] = make([]int, 0, nRows)
			for _, i := range order[f] {
				if inSample[i] {
					lists[k] = append(lists[k], i)
				}
			}
		}

		b := &builder{r: r, X: X, g: residual, cols: cols}
		b.build(lists, 0)
		tree := &Tree{Nodes: b.nodes}
		model.Trees = append(model.Trees, tree)

		for i, row := range X {
			pred[i] += tree.leaf(row).Value
		}
	}

	return model, nil
}

func clampCount(share float64, n int) int {
	if share <= 0 || share >= 1 {
		return n
	}
	c := int(math.Round(share * float64(n)))
	return min(max(c, 1), n)
}

// builder grows one tree over the sampled rows.
type builder struct {
	r     *Regressor
	X     [][]float64
	g     []float64
	cols  []int
	nodes []Node
}

type split struct {
	gain      float64
	feature   int // position in cols
	threshold float64
}

// build appends the subtree over lists (one sorted row list per sampled
// feature, all holding the same rows) and returns its node index.
func (b *builder) build(lists [][]int, depth int) int {
	rows := lists[0]
	var G float64
	for _, i := range rows {
		G += b.g[i]
	}
	cover := float64(len(rows))

	id := len(b.nodes)
	b.nodes = append(b.nodes, Node{
		Feature: -1,
		Cover:   cover,
		Value:   b.r.learningRate * G / (cover + b.r.lambda),
	})

	if depth >= b.r.maxDepth || cover < 2*b.r.minChildWeight {
		return id
	}

	best := b.bestSplit(lists, G, cover)
	if best.gain <= 1e-12 {
		return id
	}

	f := b.cols[best.feature]
	left := make([][]int, len(lists))
	right := make([][]int, len(lists))
	for k, list := range lists {
		for _, i := range list {
			if b.X[i][f] < best.threshold {
				left[k] = append(left[k], i)
			} else {
				right[k] = append(right[k], i)
			}
		}
	}

	l := b.build(left, depth+1)
	rt := b.build(right, depth+1)

	node := &b.nodes[id]
	node.Feature = f
	node.Threshold = best.threshold
	node.Left = l
	node.Right = rt
	node.Value = (b.nodes[l].Cover*b.nodes[l].Value + b.nodes[rt].Cover*b.nodes[rt].Value) / cover

	return id
}

func (b *builder) bestSplit(lists [][]int, G, cover float64) split {
	candidates := make([]split, len(lists))
	search := func(k int) {
		candidates[k] = b.scan(k, lists[k], G, cover)
	}

	if len(lists[0]) >= parallelThreshold && b.r.workers > 1 {
		var g errgroup.Group
		g.SetLimit(b.r.workers)
		for k := range lists {
			g.Go(func() error {
				search(k)
				return nil
			})
		}
		_ = g.Wait()
	} else {
		for k := range lists {
			search(k)
		}
	}

	best := split{feature: -1}
	for _, c := range candidates {
		if c.feature >= 0 && c.gain > best.gain {
			best = c
		}
	}
	return best
}

// scan finds the best threshold on one feature.
func (b *builder) scan(k int, list []int, G, cover float64) split {
	f := b.cols[k]
	lambda := b.r.lambda
	parent := G * G / (cover + lambda)

	best := split{feature: -1}
	var GL, nL float64
	for p := 0; p < len(list)-1; p++ {
		GL += b.g[list[p]]
		nL++

		a, next := b.X[list[p]][f], b.X[list[p+1]][f]
		if a == next {
			continue
		}
		nR := cover - nL
		if nL < b.r.minChildWeight || nR < b.r.minChildWeight {
			continue
		}

		GR := G - GL
		gain := GL*GL/(nL+lambda) + GR*GR/(nR+lambda) - parent
		if gain > best.gain {
			threshold := a + (next-a)/2
			if threshold <= a {
				threshold = next
			}
			best = split{gain: gain, feature: k, threshold: threshold}
		}
	}
	return best
}
