// Package stress injects synthetic leakage into invoice baselines and
// measures how much of it a fixed shortfall threshold detects.
package stress

import (
	"math"
	"math/rand"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/hed1ad/leakguard/pkg/billing"
)

// Options configure injection and detection.
type Options struct {
	// InjectFraction is the share of invoices that receive synthetic leakage.
	InjectFraction float64
	// MinLeakagePct and MaxLeakagePct bound the injected share of expected revenue.
	MinLeakagePct float64
	MaxLeakagePct float64
	// Threshold is the shortfall in dollars at which an invoice is detected.
	Threshold float64
	Seed      int64
}

// DefaultOptions injects 5-15% leakage into 10% of invoices and detects at $20.
func DefaultOptions() Options {
	return Options{InjectFraction: 0.10, MinLeakagePct: 0.05, MaxLeakagePct: 0.15, Threshold: 20, Seed: 42}
}

// Metrics summarise detection against the injected ground truth.
type Metrics struct {
	Injected       int     `json:"injected"`
	TruePositives  int     `json:"true_positives"`
	FalseNegatives int     `json:"false_negatives"`
	FalsePositives int     `json:"false_positives"`
	TrueNegatives  int     `json:"true_negatives"`
	Recall         float64 `json:"recall"`
	FalsePosRate   float64 `json:"false_positive_rate"`
	Threshold      float64 `json:"threshold"`
}

// Inject returns inv with a shortfall of fraction of its expected revenue.
func Inject(inv billing.InvoiceBaseline, fraction float64) billing.StressResult {
	synthetic := inv.ExpectedRevenueBaseline * fraction
	inv.BilledAmount = inv.ExpectedRevenueBaseline - synthetic
	return billing.StressResult{InvoiceBaseline: inv, SyntheticLeakage: synthetic, IsSynthetic: true}
}

// Detected reports whether the invoice shortfall reaches threshold.
func Detected(r billing.StressResult, threshold float64) bool {
	return r.ExpectedRevenueBaseline-r.BilledAmount >= threshold
}

// Run samples floor(InjectFraction·n) invoices without replacement, injects
// leakage into each, and applies the threshold detector to every invoice.
// The leakage_baseline column is carried through unchanged.
func Run(invoices []billing.InvoiceBaseline, opts Options) ([]billing.StressResult, Metrics, error) {
	if opts.InjectFraction < 0 || opts.InjectFraction > 1 {
		return nil, Metrics{}, eris.Errorf("stress: inject fraction %v outside [0,1]", opts.InjectFraction)
	}
	if opts.MinLeakagePct > opts.MaxLeakagePct {
		return nil, Metrics{}, eris.Errorf("stress: leakage range [%v,%v) is empty", opts.MinLeakagePct, opts.MaxLeakagePct)
	}

	out := make([]billing.StressResult, len(invoices))
	for i, inv := range invoices {
		out[i] = billing.StressResult{InvoiceBaseline: inv}
	}

	rng := rand.New(rand.NewSource(opts.Seed))
	nInject := int(math.Floor(opts.InjectFraction * float64(len(invoices))))
	picked := rng.Perm(len(invoices))[:nInject]
	span := opts.MaxLeakagePct - opts.MinLeakagePct
	for _, i := range picked {
		out[i] = Inject(invoices[i], opts.MinLeakagePct+rng.Float64()*span)
	}

	for i := range out {
		out[i].Detected = Detected(out[i], opts.Threshold)
	}

	m := Evaluate(out)
	m.Threshold = opts.Threshold
	zap.L().Info("stress: detection measured",
		zap.Int("invoices", len(out)),
		zap.Int("injected", m.Injected),
		zap.Float64("recall", m.Recall),
		zap.Float64("false_positive_rate", m.FalsePosRate),
	)
	return out, m, nil
}

// Evaluate computes the confusion counts, recall and false-positive rate.
func Evaluate(results []billing.StressResult) Metrics {
	var m Metrics
	for _, r := range results {
		switch {
		case r.IsSynthetic && r.Detected:
			m.TruePositives++
		case r.IsSynthetic:
			m.FalseNegatives++
		case r.Detected:
			m.FalsePositives++
		default:
			m.TrueNegatives++
		}
	}
	m.Injected = m.TruePositives + m.FalseNegatives
	m.Recall = float64(m.TruePositives) / (float64(m.Injected) + 1e-9)
	m.FalsePosRate = float64(m.FalsePositives) / float64(max(m.FalsePositives+m.TrueNegatives, 1))
	return m
}
