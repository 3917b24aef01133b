// Package mlp implements a feed-forward regression network with ReLU hidden
// layers, a linear output and Adam-optimised squared-error loss.
package mlp

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

const (
	beta1   = 0.9
	beta2   = 0.999
	epsilon = 1e-8
)

// Regressor trains a multi-layer perceptron.
type Regressor struct {
	hidden       []int
	epochs       int
	batchSize    int
	learningRate float64
	seed         int64
}

// Option configures a Regressor.
type Option func(*Regressor)

// WithHidden sets the width of each hidden layer.
func WithHidden(widths ...int) Option {
	return func(r *Regressor) {
		r.hidden = widths
	}
}

// WithEpochs sets the number of passes over the training rows.
func WithEpochs(n int) Option {
	return func(r *Regressor) {
		r.epochs = n
	}
}

// WithBatchSize sets the minibatch size.
func WithBatchSize(n int) Option {
	return func(r *Regressor) {
		r.batchSize = n
	}
}

// WithLearningRate sets the Adam step size.
func WithLearningRate(lr float64) Option {
	return func(r *Regressor) {
		r.learningRate = lr
	}
}

// WithSeed sets the random seed for initialisation and shuffling.
func WithSeed(seed int64) Option {
	return func(r *Regressor) {
		r.seed = seed
	}
}

// New creates a Regressor with the given options.
func New(opts ...Option) *Regressor {
	r := &Regressor{
		hidden:       []int{64, 32},
		epochs:       40,
		batchSize:    128,
		learningRate: 1e-3,
		seed:         42,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Layer is one dense layer: W maps inputs (rows) to outputs (columns).
type Layer struct {
	W *mat.Dense
	B []float64
}

// Model is a trained network.
type Model struct {
	Layers []Layer
	// EpochMAE is the validation mean absolute error after each epoch.
	// It is empty when no validation rows were supplied.
	EpochMAE []float64
}

// Fit trains a network predicting y from X. When Xval is non-empty the
// validation MAE is recorded after every epoch.
func (r *Regressor) Fit(X [][]float64, y []float64, Xval [][]float64, yval []float64) (*Model, error) {
	if len(X) == 0 {
		return nil, errors.New("empty training data")
	}
	if len(X) != len(y) {
		return nil, fmt.Errorf("X has %d rows, y has %d", len(X), len(y))
	}
	if len(Xval) != len(yval) {
		return nil, fmt.Errorf("validation X has %d rows, y has %d", len(Xval), len(yval))
	}
	if r.epochs < 1 || r.batchSize < 1 {
		return nil, errors.New("epochs and batch size must be positive")
	}
	if r.learningRate <= 0 {
		return nil, errors.New("learning rate must be positive")
	}
	nFeatures := len(X[0])
	for i, row := range X {
		if len(row) != nFeatures {
			return nil, fmt.Errorf("row %d has %d features, want %d", i, len(row), nFeatures)
		}
	}
	for _, w := range r.hidden {
		if w < 1 {
			return nil, errors.New("hidden layer width must be positive")
		}
	}

	rng := rand.New(rand.NewSource(r.seed))
	m := &Model{}
	in := nFeatures
	for _, out := range append(append([]int(nil), r.hidden...), 1) {
		m.Layers = append(m.Layers, initLayer(rng, in, out))
		in = out
	}

	opt := newAdam(m.Layers, r.learningRate)
	for epoch := 0; epoch < r.epochs; epoch++ {
		perm := rng.Perm(len(X))
		for start := 0; start < len(perm); start += r.batchSize {
			idx := perm[start:min(start+r.batchSize, len(perm))]
			xb, yb := batch(X, y, idx, nFeatures)
			opt.step(m.Layers, m.gradients(xb, yb))
		}

		if len(Xval) > 0 {
			pred, err := m.Predict(Xval)
			if err != nil {
				return nil, fmt.Errorf("epoch %d: %w", epoch+1, err)
			}
			m.EpochMAE = append(m.EpochMAE, MeanAbsoluteError(yval, pred))
		}
	}

	return m, nil
}

// Predict returns predictions for the given samples.
func (m *Model) Predict(X [][]float64) ([]float64, error) {
	if len(X) == 0 {
		return []float64{}, nil
	}
	in, _ := m.Layers[0].W.Dims()
	data := make([]float64, 0, len(X)*in)
	for i, row := range X {
		if len(row) != in {
			return nil, fmt.Errorf("row %d has %d features, want %d", i, len(row), in)
		}
		data = append(data, row...)
	}

	acts, _ := m.forward(mat.NewDense(len(X), in, data))
	out := acts[len(acts)-1]
	pred := make([]float64, len(X))
	for i := range pred {
		pred[i] = out.At(i, 0)
	}
	return pred, nil
}

// MeanAbsoluteError returns the mean of |y - pred|.
func MeanAbsoluteError(y, pred []float64) float64 {
	if len(y) == 0 {
		return 0
	}
	diff := make([]float64, len(y))
	floats.SubTo(diff, y, pred)
	return floats.Norm(diff, 1) / float64(len(y))
}

func initLayer(rng *rand.Rand, in, out int) Layer {
	bound := 1 / math.Sqrt(float64(in))
	w := make([]float64, in*out)
	for i := range w {
		w[i] = (rng.Float64()*2 - 1) * bound
	}
	b := make([]float64, out)
	for i := range b {
		b[i] = (rng.Float64()*2 - 1) * bound
	}
	return Layer{W: mat.NewDense(in, out, w), B: b}
}

func batch(X [][]float64, y []float64, idx []int, nFeatures int) (*mat.Dense, []float64) {
	data := make([]float64, 0, len(idx)*nFeatures)
	yb := make([]float64, len(idx))
	for i, j := range idx {
		data = append(data, X[j]...)
		yb[i] = y[j]
	}
	return mat.NewDense(len(idx), nFeatures, data), yb
}

// forward returns the activations of every layer, input first, and the
// pre-activations of every layer.
func (m *Model) forward(x *mat.Dense) (acts, pre []*mat.Dense) {
	acts = []*mat.Dense{x}
	a := x
	for l, layer := range m.Layers {
		z := new(mat.Dense)
		z.Mul(a, layer.W)
		raw := z.RawMatrix()
		for i := 0; i < raw.Rows; i++ {
			floats.Add(raw.Data[i*raw.Stride:i*raw.Stride+raw.Cols], layer.B)
		}
		pre = append(pre, z)

		if l == len(m.Layers)-1 {
			acts = append(acts, z)
			break
		}
		h := mat.DenseCopyOf(z)
		h.Apply(func(_, _ int, v float64) float64 { return math.Max(v, 0) }, h)
		acts = append(acts, h)
		a = h
	}
	return acts, pre
}

type grad struct {
	w []float64
	b []float64
}

// gradients back-propagates the mean squared error of one minibatch.
func (m *Model) gradients(x *mat.Dense, y []float64) []grad {
	acts, pre := m.forward(x)
	n := len(y)
	out := acts[len(acts)-1]

	g := mat.NewDense(n, 1, nil)
	for i := 0; i < n; i++ {
		g.Set(i, 0, 2*(out.At(i, 0)-y[i])/float64(n))
	}

	grads := make([]grad, len(m.Layers))
	for l := len(m.Layers) - 1; l >= 0; l-- {
		dw := new(mat.Dense)
		dw.Mul(acts[l].T(), g)

		_, cols := g.Dims()
		db := make([]float64, cols)
		for j := range db {
			db[j] = mat.Sum(g.ColView(j))
		}
		grads[l] = grad{w: mat.DenseCopyOf(dw).RawMatrix().Data, b: db}

		if l > 0 {
			da := new(mat.Dense)
			da.Mul(g, m.Layers[l].W.T())
			z := pre[l-1]
			da.Apply(func(i, j int, v float64) float64 {
				if z.At(i, j) <= 0 {
					return 0
				}
				return v
			}, da)
			g = da
		}
	}
	return grads
}

type moments struct {
	mw, vw []float64
	mb, vb []float64
}

type adam struct {
	lr    float64
	t     int
	state []moments
}

func newAdam(layers []Layer, lr float64) *adam {
	a := &adam{lr: lr, state: make([]moments, len(layers))}
	for i, l := range layers {
		r, c := l.W.Dims()
		a.state[i] = moments{
			mw: make([]float64, r*c), vw: make([]float64, r*c),
			mb: make([]float64, len(l.B)), vb: make([]float64, len(l.B)),
		}
	}
	return a
}

func (a *adam) step(layers []Layer, grads []grad) {
	a.t++
	c1 := 1 - math.Pow(beta1, float64(a.t))
	c2 := 1 - math.Pow(beta2, float64(a.t))
	for i, l := range layers {
		s := &a.state[i]
		a.update(l.W.RawMatrix().Data, grads[i].w, s.mw, s.vw, c1, c2)
		a.update(l.B, grads[i].b, s.mb, s.vb, c1, c2)
	}
}

func (a *adam) update(params, g, m, v []float64, c1, c2 float64) {
	for i := range params {
		m[i] = beta1*m[i] + (1-beta1)*g[i]
		v[i] = beta2*v[i] + (1-beta2)*g[i]*g[i]
		params[i] -= a.lr * (m[i] / c1) / (math.Sqrt(v[i]/c2) + epsilon)
	}
}
