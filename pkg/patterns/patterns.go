// Package patterns groups explained leakage invoices into named archetypes.
package patterns

import (
	"fmt"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/hed1ad/leakguard/pkg/billing"
	"github.com/hed1ad/leakguard/pkg/clustering/kmeans"
	"github.com/hed1ad/leakguard/pkg/preprocess"
)

// Archetype labels.
const (
	UsageUnderbilling = "Usage Underbilling"
	PricingMismatch   = "Pricing/Rate Mismatch"
	DiscountDriven    = "Discount-Driven Leakage"
)

// Labeling strategies.
const (
	LabelCentroid   = "centroid"
	LabelPositional = "positional"
)

// Columns are the clustering inputs, in order.
var Columns = []string{
	"leakage_baseline", "unit_price_mean", "quantity_mean", "discount_pct_mean", "usage_ratio_mean",
}

const (
	colDiscount = 3
	colUsage    = 4
)

// Options configure clustering.
type Options struct {
	K        int
	Restarts int
	Seed     int64
	Labeling string
	Workers  int
}

// DefaultOptions returns k=3, 10 restarts, seed 42 and centroid labelling.
func DefaultOptions() Options {
	return Options{K: 3, Restarts: 10, Seed: 42, Labeling: LabelCentroid, Workers: 4}
}

// Means are the per-invoice feature means used for clustering.
type Means struct {
	UnitPrice   float64
	Quantity    float64
	DiscountPct float64
	UsageRatio  float64
}

// InvoiceMeans averages line features per invoice.
func InvoiceMeans(features []billing.FeatureVector) map[string]Means {
	sums := make(map[string]Means)
	counts := make(map[string]int)
	for _, fv := range features {
		m := sums[fv.InvoiceID]
		m.UnitPrice += fv.UnitPrice
		m.Quantity += fv.Quantity
		m.DiscountPct += fv.DiscountPct
		m.UsageRatio += fv.UsageRatio
		sums[fv.InvoiceID] = m
		counts[fv.InvoiceID]++
	}

	out := make(map[string]Means, len(sums))
	for id, m := range sums {
		n := float64(counts[id])
		out[id] = Means{
			UnitPrice:   m.UnitPrice / n,
			Quantity:    m.Quantity / n,
			DiscountPct: m.DiscountPct / n,
			UsageRatio:  m.UsageRatio / n,
		}
	}
	return out
}

// Cluster assigns every explained invoice a cluster id and archetype label.
// Invoices without feature lines cluster on zero means.
func Cluster(explained []billing.ExplainedInvoice, features []billing.FeatureVector, opts Options) ([]billing.LeakagePattern, error) {
	if len(explained) == 0 {
		zap.L().Info("patterns: no explained invoices to cluster")
		return []billing.LeakagePattern{}, nil
	}

	means := InvoiceMeans(features)
	out := make([]billing.LeakagePattern, len(explained))
	X := make([][]float64, len(explained))
	for i, inv := range explained {
		m := means[inv.InvoiceID]
		out[i] = billing.LeakagePattern{
			ExplainedInvoice: inv,
			UnitPriceMean:    m.UnitPrice,
			QuantityMean:     m.Quantity,
			DiscountPctMean:  m.DiscountPct,
			UsageRatioMean:   m.UsageRatio,
		}
		X[i] = []float64{inv.LeakageBaseline.Or(0), m.UnitPrice, m.Quantity, m.DiscountPct, m.UsageRatio}
	}

	var scaler preprocess.StandardScaler
	scaled, err := scaler.FitTransform(X)
	if err != nil {
		return nil, eris.Wrap(err, "patterns: scale")
	}

	res, err := kmeans.New(
		kmeans.WithK(opts.K),
		kmeans.WithRestarts(opts.Restarts),
		kmeans.WithSeed(opts.Seed),
		kmeans.WithWorkers(opts.Workers),
	).Fit(scaled)
	if err != nil {
		return nil, eris.Wrap(err, "patterns: cluster")
	}

	labels, err := Labels(res.Centroids, opts.Labeling)
	if err != nil {
		return nil, err
	}
	for i, c := range res.Labels {
		out[i].ClusterID = c
		out[i].Pattern = labels[c]
	}

	zap.L().Info("patterns: invoices clustered",
		zap.Int("invoices", len(out)),
		zap.Int("clusters", len(res.Centroids)),
		zap.Float64("inertia", res.Inertia),
		zap.Any("sizes", Counts(out)),
	)
	return out, nil
}

// Labels names each cluster. The centroid strategy gives the highest mean
// discount centroid "Discount-Driven Leakage", the lowest usage ratio of the
// rest "Usage Underbilling" and everything else "Pricing/Rate Mismatch".
// The positional strategy maps cluster ids 0, 1, 2 to fixed labels.
func Labels(centroids [][]float64, strategy string) ([]string, error) {
	switch strategy {
	case LabelPositional:
		return positional(len(centroids)), nil
	case LabelCentroid, "":
		return byCentroid(centroids), nil
	default:
		return nil, eris.Errorf("patterns: unknown labeling %q", strategy)
	}
}

func positional(k int) []string {
	fixed := []string{UsageUnderbilling, PricingMismatch, DiscountDriven}
	out := make([]string, k)
	for i := range out {
		if i < len(fixed) {
			out[i] = fixed[i]
		} else {
			out[i] = fmt.Sprintf("Cluster %d", i)
		}
	}
	return out
}

func byCentroid(centroids [][]float64) []string {
	out := make([]string, len(centroids))
	for i := range out {
		out[i] = PricingMismatch
	}
	if len(centroids) == 0 {
		return out
	}

	discount := 0
	for i, c := range centroids {
		if c[colDiscount] > centroids[discount][colDiscount] {
			discount = i
		}
	}
	out[discount] = DiscountDriven

	usage := -1
	for i, c := range centroids {
		if i == discount {
			continue
		}
		if usage < 0 || c[colUsage] < centroids[usage][colUsage] {
			usage = i
		}
	}
	if usage >= 0 {
		out[usage] = UsageUnderbilling
	}
	return out
}

// Counts tallies invoices per archetype.
func Counts(patterns []billing.LeakagePattern) map[string]int {
	out := make(map[string]int)
	for _, p := range patterns {
		out[p.Pattern]++
	}
	return out
}
