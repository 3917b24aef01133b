package stress

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hed1ad/leakguard/pkg/billing"
)

func cleanInvoices(n int, expected float64) []billing.InvoiceBaseline {
	out := make([]billing.InvoiceBaseline, n)
	for i := range out {
		out[i] = billing.InvoiceBaseline{
			InvoiceID:               fmt.Sprintf("INV%03d", i),
			BilledAmount:            expected,
			ExpectedRevenueBaseline: expected,
		}
	}
	return out
}

func TestInjectTenPercentOfThousand(t *testing.T) {
	r := Inject(billing.InvoiceBaseline{InvoiceID: "A", BilledAmount: 1000, ExpectedRevenueBaseline: 1000, LeakageBaseline: 3}, 0.10)

	assert.True(t, r.IsSynthetic)
	assert.InDelta(t, 100, r.SyntheticLeakage, 1e-9)
	assert.InDelta(t, 900, r.BilledAmount, 1e-9)
	assert.Equal(t, 3.0, r.LeakageBaseline)
	assert.True(t, Detected(r, 20))
}

func TestDetectedThresholdInclusive(t *testing.T) {
	r := billing.StressResult{InvoiceBaseline: billing.InvoiceBaseline{BilledAmount: 80, ExpectedRevenueBaseline: 100}}
	assert.True(t, Detected(r, 20))
	assert.False(t, Detected(r, 20.01))
}

func TestRun(t *testing.T) {
	invoices := cleanInvoices(105, 1000)

	out, m, err := Run(invoices, DefaultOptions())
	require.NoError(t, err)
	require.Len(t, out, 105)

	injected := 0
	for i, r := range out {
		assert.Equal(t, invoices[i].InvoiceID, r.InvoiceID)
		if !r.IsSynthetic {
			assert.Zero(t, r.SyntheticLeakage)
			assert.Equal(t, 1000.0, r.BilledAmount)
			continue
		}
		injected++
		assert.GreaterOrEqual(t, r.SyntheticLeakage, 50.0)
		assert.Less(t, r.SyntheticLeakage, 150.0)
		assert.InDelta(t, r.ExpectedRevenueBaseline-r.SyntheticLeakage, r.BilledAmount, 1e-9)
	}

	assert.Equal(t, 10, injected)
	assert.Equal(t, Metrics{
		Injected: 10, TruePositives: 10, TrueNegatives: 95,
		Recall: 10 / (10 + 1e-9), Threshold: 20,
	}, m)
}

func TestRunDeterministic(t *testing.T) {
	invoices := cleanInvoices(50, 400)

	a, _, err := Run(invoices, DefaultOptions())
	require.NoError(t, err)
	b, _, err := Run(invoices, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, a, b)

	opts := DefaultOptions()
	opts.Seed = 7
	c, _, err := Run(invoices, opts)
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestRunSmallInvoicesMissed(t *testing.T) {
	// 15% of $100 never reaches the $20 threshold.
	_, m, err := Run(cleanInvoices(20, 100), DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, 2, m.Injected)
	assert.Equal(t, 2, m.FalseNegatives)
	assert.Zero(t, m.Recall)
}

func TestRunFalsePositives(t *testing.T) {
	invoices := cleanInvoices(10, 1000)
	invoices[0].BilledAmount = 500
	invoices[1].BilledAmount = 990

	opts := DefaultOptions()
	opts.InjectFraction = 0
	out, m, err := Run(invoices, opts)
	require.NoError(t, err)
	assert.True(t, out[0].Detected)
	assert.False(t, out[1].Detected)
	assert.Equal(t, 1, m.FalsePositives)
	assert.InDelta(t, 0.1, m.FalsePosRate, 1e-12)
	assert.Zero(t, m.Recall)
}

func TestRunEmpty(t *testing.T) {
	out, m, err := Run(nil, DefaultOptions())
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Zero(t, m.FalsePosRate)
	assert.Zero(t, m.Recall)
}

func TestRunInvalidOptions(t *testing.T) {
	opts := DefaultOptions()
	opts.InjectFraction = 1.5
	_, _, err := Run(cleanInvoices(3, 10), opts)
	assert.Error(t, err)

	opts = DefaultOptions()
	opts.MinLeakagePct = 0.5
	_, _, err = Run(cleanInvoices(3, 10), opts)
	assert.Error(t, err)
}
