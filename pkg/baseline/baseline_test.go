package baseline

import (
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hed1ad/leakguard/pkg/billing"
	"github.com/hed1ad/leakguard/pkg/features"
	csvio "github.com/hed1ad/leakguard/pkg/io/csv"
	"github.com/hed1ad/leakguard/pkg/regressors/gbt"
)

func fixture(n int, seed int64) ([]billing.BillingLine, []billing.FeatureVector) {
	rng := rand.New(rand.NewSource(seed))
	lines := make([]billing.BillingLine, n)
	for i := range lines {
		qty := float64(1 + rng.Intn(50))
		price := 50 + rng.Float64()*100
		disc := float64(rng.Intn(20))
		lines[i] = billing.BillingLine{
			InvoiceID:      fmt.Sprintf("INV%03d", i/3),
			CustomerID:     fmt.Sprintf("C%d", rng.Intn(5)),
			InvoiceDate:    "2024-01-15",
			Quantity:       billing.Float(qty),
			UnitPrice:      billing.Float(price),
			DiscountPct:    billing.Float(disc),
			BilledAmount:   billing.Float(qty * price * (1 - disc/100)),
			ContractPrice:  billing.Float(price + rng.NormFloat64()*5),
			MaxDiscountPct: billing.Float(10),
			ActualUsage:    billing.Float(qty + float64(rng.Intn(3))),
		}
	}
	fv, _ := features.Build(lines, features.Options{AsOf: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)})
	return lines, fv
}

func fastOptions() Options {
	return Options{
		TestSize:  0.2,
		Seed:      42,
		Regressor: []gbt.Option{gbt.WithRounds(40)},
	}
}

func TestFit(t *testing.T) {
	lines, fv := fixture(150, 1)

	res, err := Fit(fv, lines, fastOptions())
	require.NoError(t, err)

	assert.Equal(t, 120, res.TrainRows)
	assert.Equal(t, 30, res.ValidationRows)
	assert.Greater(t, res.MAE, 0.0)
	assert.Equal(t, FeatureNames, res.Model.FeatureNames)
	require.Len(t, res.Estimates, len(lines))

	for i, e := range res.Estimates {
		assert.Equal(t, i, e.LineNo)
		assert.Equal(t, lines[i].BilledAmount.Value, e.BilledAmount)
		assert.InDelta(t, e.ExpectedRevenueBaseline-e.BilledAmount, e.LeakageBaseline, 1e-9)
	}
	assert.Len(t, res.Invoices, 50)
}

func TestFitReproducible(t *testing.T) {
	lines, fv := fixture(90, 2)

	a, err := Fit(fv, lines, fastOptions())
	require.NoError(t, err)
	b, err := Fit(fv, lines, fastOptions())
	require.NoError(t, err)

	assert.Equal(t, a.Estimates, b.Estimates)
	assert.Equal(t, a.MAE, b.MAE)
}

func TestFitRowMismatch(t *testing.T) {
	lines, fv := fixture(30, 3)

	_, err := Fit(fv[:29], lines, fastOptions())
	var mismatch *billing.RowMismatchError
	require.True(t, errors.As(err, &mismatch))
	assert.Equal(t, 30, mismatch.Want)
	assert.Equal(t, 29, mismatch.Got)
}

func TestSplit(t *testing.T) {
	tests := []struct {
		n         int
		wantTrain int
		wantTest  int
	}{
		{n: 10, wantTrain: 8, wantTest: 2},
		{n: 11, wantTrain: 8, wantTest: 3},
		{n: 1, wantTrain: 1, wantTest: 0},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.n), func(t *testing.T) {
			train, test := Split(tt.n, 0.2, 42)
			assert.Len(t, train, tt.wantTrain)
			assert.Len(t, test, tt.wantTest)

			seen := map[int]bool{}
			for _, i := range append(train, test...) {
				assert.False(t, seen[i])
				seen[i] = true
			}
			assert.Len(t, seen, tt.n)
		})
	}

	a, _ := Split(50, 0.2, 42)
	b, _ := Split(50, 0.2, 42)
	assert.Equal(t, a, b)
}

func TestAggregate(t *testing.T) {
	estimates := []billing.BaselineEstimate{
		{LineNo: 0, InvoiceID: "A", BilledAmount: 100, ExpectedRevenueBaseline: 110},
		{LineNo: 1, InvoiceID: "B", BilledAmount: 50, ExpectedRevenueBaseline: 40},
		{LineNo: 2, InvoiceID: "A", BilledAmount: 999, ExpectedRevenueBaseline: 130},
		{LineNo: 3, InvoiceID: "C", BilledAmount: 10, ExpectedRevenueBaseline: 10},
	}

	got := Aggregate(estimates)
	require.Len(t, got, 3)

	assert.Equal(t, "A", got[0].InvoiceID)
	assert.Equal(t, 100.0, got[0].BilledAmount, "first billed amount wins")
	assert.Equal(t, 120.0, got[0].ExpectedRevenueBaseline)
	assert.Equal(t, 20.0, got[0].LeakageBaseline)
	assert.Equal(t, "C", got[1].InvoiceID)
	assert.Equal(t, "B", got[2].InvoiceID)
	assert.Equal(t, -10.0, got[2].LeakageBaseline)
}

func TestMatrixUnknownFeature(t *testing.T) {
	_, fv := fixture(3, 4)
	_, err := Matrix(fv, []string{"quantity", "bogus"})
	var schemaErr *billing.SchemaError
	require.True(t, errors.As(err, &schemaErr))
	assert.Equal(t, []string{"bogus"}, schemaErr.Missing)
}

func TestModelRoundTrip(t *testing.T) {
	lines, fv := fixture(60, 5)
	res, err := Fit(fv, lines, fastOptions())
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "models", "baseline.bin")
	require.NoError(t, SaveModel(path, res.Model))

	loaded, err := LoadModel(path)
	require.NoError(t, err)

	again, err := Estimate(loaded, fv, lines)
	require.NoError(t, err)
	assert.Equal(t, res.Estimates, again)

	_, err = LoadModel(filepath.Join(t.TempDir(), "absent.bin"))
	var missing *billing.InputMissingError
	assert.True(t, errors.As(err, &missing))
}

func TestStageModelAbortLeavesNothing(t *testing.T) {
	lines, fv := fixture(30, 6)
	res, err := Fit(fv, lines, fastOptions())
	require.NoError(t, err)

	dir := t.TempDir()
	path := filepath.Join(dir, "baseline.bin")
	var b csvio.Batch
	require.NoError(t, StageModel(&b, path, res.Model))
	b.Abort()

	assert.NoFileExists(t, path)
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
