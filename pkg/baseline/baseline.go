// Package baseline learns the expected revenue of each billing line and
// measures the shortfall of what was actually billed.
package baseline

import (
	"math"
	"math/rand"
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/hed1ad/leakguard/pkg/billing"
	"github.com/hed1ad/leakguard/pkg/regressors/gbt"
)

// FeatureNames is the model input, in training order.
var FeatureNames = []string{
	"quantity",
	"unit_price",
	"discount_pct",
	"price_gap_contract",
	"usage_gap",
	"usage_ratio",
	"cust_avg_unit_price",
	"cust_avg_quantity",
	"cust_avg_discount",
	"unit_price_vs_cust_avg",
	"invoice_month",
	"invoice_dayofweek",
	"invoice_age_days",
}

// Options configures training.
type Options struct {
	// TestSize is the share of rows held out for validation.
	TestSize float64
	// Seed drives the train/validation split.
	Seed int64
	// Regressor holds the boosting hyper-parameters.
	Regressor []gbt.Option
}

// Result carries the trained model and its full-population estimates.
type Result struct {
	Model          *gbt.Model
	Estimates      []billing.BaselineEstimate
	Invoices       []billing.InvoiceBaseline
	MAE            float64
	TrainRows      int
	ValidationRows int
}

// Matrix selects names from every feature vector, in order.
func Matrix(features []billing.FeatureVector, names []string) ([][]float64, error) {
	cols := make([]int, len(names))
	var missing []string
	for j, name := range names {
		cols[j] = columnIndex(name)
		if cols[j] < 0 {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, &billing.SchemaError{Artifact: "feature table", Missing: missing}
	}

	X := make([][]float64, len(features))
	for i, fv := range features {
		values := fv.Values()
		row := make([]float64, len(names))
		for j, c := range cols {
			row[j] = values[c]
		}
		X[i] = row
	}
	return X, nil
}

func columnIndex(name string) int {
	for i, c := range billing.FeatureColumns {
		if c == name {
			return i
		}
	}
	return -1
}

// Targets returns the billed amount of the unified line each feature vector
// was derived from. Tables must have the same length.
func Targets(features []billing.FeatureVector, lines []billing.BillingLine) ([]float64, error) {
	if len(features) != len(lines) {
		return nil, &billing.RowMismatchError{What: "feature table and unified table", Want: len(lines), Got: len(features)}
	}
	y := make([]float64, len(features))
	missing := 0
	for i, fv := range features {
		if fv.LineNo < 0 || fv.LineNo >= len(lines) {
			return nil, eris.Errorf("baseline: line_no %d out of range for %d lines", fv.LineNo, len(lines))
		}
		billed := lines[fv.LineNo].BilledAmount
		if !billed.Valid {
			missing++
		}
		y[i] = billed.Or(0)
	}
	if missing > 0 {
		zap.L().Warn("baseline: billed amount absent, treated as zero", zap.Int("lines", missing))
	}
	return y, nil
}

// Split returns a seeded train/validation partition of n rows.
// The validation share is ceil(testSize*n); it is empty when that would
// leave nothing to train on.
func Split(n int, testSize float64, seed int64) (train, test []int) {
	perm := rand.New(rand.NewSource(seed)).Perm(n)
	nTest := int(math.Ceil(testSize * float64(n)))
	if nTest >= n {
		nTest = 0
	}
	test = append([]int(nil), perm[:nTest]...)
	train = append([]int(nil), perm[nTest:]...)
	return train, test
}

// Fit trains the expected-revenue model on a seeded split, reports the
// validation MAE and estimates every line.
func Fit(features []billing.FeatureVector, lines []billing.BillingLine, opts Options) (*Result, error) {
	if len(features) == 0 {
		return nil, eris.New("baseline: no feature rows")
	}
	y, err := Targets(features, lines)
	if err != nil {
		return nil, err
	}
	X, err := Matrix(features, FeatureNames)
	if err != nil {
		return nil, err
	}

	train, test := Split(len(X), opts.TestSize, opts.Seed)
	Xtrain, ytrain := subset(X, y, train)

	model, err := gbt.New(opts.Regressor...).Fit(Xtrain, ytrain, FeatureNames)
	if err != nil {
		return nil, eris.Wrap(err, "baseline: fit")
	}

	res := &Result{Model: model, TrainRows: len(train), ValidationRows: len(test)}
	if len(test) > 0 {
		Xtest, ytest := subset(X, y, test)
		pred, err := model.Predict(Xtest)
		if err != nil {
			return nil, eris.Wrap(err, "baseline: validate")
		}
		res.MAE = meanAbsoluteError(ytest, pred)
	}

	res.Estimates, err = estimate(model, features, X, y)
	if err != nil {
		return nil, err
	}
	res.Invoices = Aggregate(res.Estimates)

	zap.L().Info("baseline: model trained",
		zap.Int("train_rows", res.TrainRows),
		zap.Int("validation_rows", res.ValidationRows),
		zap.Int("trees", len(model.Trees)),
		zap.Float64("mae", res.MAE),
	)
	return res, nil
}

// Estimate runs a trained model over the full population.
func Estimate(model *gbt.Model, features []billing.FeatureVector, lines []billing.BillingLine) ([]billing.BaselineEstimate, error) {
	y, err := Targets(features, lines)
	if err != nil {
		return nil, err
	}
	X, err := Matrix(features, model.FeatureNames)
	if err != nil {
		return nil, err
	}
	return estimate(model, features, X, y)
}

func estimate(model *gbt.Model, features []billing.FeatureVector, X [][]float64, y []float64) ([]billing.BaselineEstimate, error) {
	pred, err := model.Predict(X)
	if err != nil {
		return nil, eris.Wrap(err, "baseline: predict")
	}
	out := make([]billing.BaselineEstimate, len(features))
	for i, fv := range features {
		out[i] = billing.BaselineEstimate{
			LineNo:                  fv.LineNo,
			InvoiceID:               fv.InvoiceID,
			BilledAmount:            y[i],
			ExpectedRevenueBaseline: pred[i],
			LeakageBaseline:         pred[i] - y[i],
		}
	}
	return out, nil
}

// Aggregate rolls line estimates up to invoices: the first billed amount
// seen, the mean expected amount and the leakage between them. Invoices are
// sorted by leakage, largest first.
func Aggregate(estimates []billing.BaselineEstimate) []billing.InvoiceBaseline {
	type acc struct {
		billed, expected float64
		n                int
	}
	var order []string
	groups := make(map[string]*acc)
	for _, e := range estimates {
		g, ok := groups[e.InvoiceID]
		if !ok {
			g = &acc{billed: e.BilledAmount}
			groups[e.InvoiceID] = g
			order = append(order, e.InvoiceID)
		}
		g.expected += e.ExpectedRevenueBaseline
		g.n++
	}

	out := make([]billing.InvoiceBaseline, len(order))
	for i, id := range order {
		g := groups[id]
		expected := g.expected / float64(g.n)
		out[i] = billing.InvoiceBaseline{
			InvoiceID:               id,
			BilledAmount:            g.billed,
			ExpectedRevenueBaseline: expected,
			LeakageBaseline:         expected - g.billed,
		}
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].LeakageBaseline > out[b].LeakageBaseline })
	return out
}

func subset(X [][]float64, y []float64, idx []int) ([][]float64, []float64) {
	xs := make([][]float64, len(idx))
	ys := make([]float64, len(idx))
	for i, j := range idx {
		xs[i] = X[j]
		ys[i] = y[j]
	}
	return xs, ys
}

func meanAbsoluteError(y, pred []float64) float64 {
	var sum float64
	for i := range y {
		sum += math.Abs(y[i] - pred[i])
	}
	return sum / float64(len(y))
}
