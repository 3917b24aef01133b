// Package validation combines anomaly severity and rule evidence into
// invoice-level leakage verdicts.
package validation

import (
	"sort"

	"go.uber.org/zap"

	"github.com/hed1ad/leakguard/pkg/billing"
	"github.com/hed1ad/leakguard/pkg/preprocess"
)

// Options tunes validation.
type Options struct {
	// MinRules is the rule count an invoice line must reach to validate the invoice.
	MinRules int
	// PriorityPercentile is the share of most anomalous invoices kept for review.
	PriorityPercentile float64
}

// DefaultOptions returns the standard validation settings.
func DefaultOptions() Options {
	return Options{MinRules: 2, PriorityPercentile: 0.05}
}

// Result holds both invoice views.
type Result struct {
	// All is every invoice, most anomalous first.
	All []billing.ValidatedInvoice
	// Prioritized is the validated subset of invoices at or below Cutoff.
	Prioritized []billing.ValidatedInvoice
	// Cutoff is the anomaly score percentile bounding Prioritized.
	Cutoff float64
}

// Join pairs each feature row with its anomaly score (by line_no) and its
// rule flags (by position).
func Join(features []billing.FeatureVector, scores []billing.AnomalyScore, flags []billing.RuleFlags) ([]billing.LineEvidence, error) {
	if len(scores) != len(features) {
		return nil, &billing.RowMismatchError{What: "feature table and anomaly scores", Want: len(features), Got: len(scores)}
	}
	if len(flags) != len(features) {
		return nil, &billing.RowMismatchError{What: "feature table and rule flags", Want: len(features), Got: len(flags)}
	}

	byLine := make(map[int]billing.AnomalyScore, len(scores))
	for _, s := range scores {
		byLine[s.LineNo] = s
	}

	out := make([]billing.LineEvidence, len(features))
	for i, fv := range features {
		s, ok := byLine[fv.LineNo]
		if !ok {
			return nil, &billing.RowMismatchError{What: "feature table and anomaly scores", Want: len(features), Got: len(byLine)}
		}
		out[i] = billing.LineEvidence{
			LineNo:    fv.LineNo,
			InvoiceID: fv.InvoiceID,
			Score:     s.Score,
			RuleFlags: flags[i],
		}
	}
	return out, nil
}

// Aggregate groups line evidence by invoice and builds both views.
func Aggregate(evidence []billing.LineEvidence, opts Options) Result {
	var order []string
	groups := make(map[string]*billing.ValidatedInvoice)
	for _, e := range evidence {
		inv, ok := groups[e.InvoiceID]
		if !ok {
			inv = &billing.ValidatedInvoice{InvoiceID: e.InvoiceID, AnomalyScoreMin: e.Score}
			groups[e.InvoiceID] = inv
			order = append(order, e.InvoiceID)
		}
		inv.AnomalyScoreMin = min(inv.AnomalyScoreMin, e.Score)
		inv.MaxRulesTriggered = max(inv.MaxRulesTriggered, e.NumRulesTriggered)
		inv.AnyContractViolation = inv.AnyContractViolation || e.ContractPriceViolation
		inv.AnyDiscountViolation = inv.AnyDiscountViolation || e.DiscountViolation
		inv.AnyUsageUnderbilled = inv.AnyUsageUnderbilled || e.UsageUnderbilled
		inv.AnyPriceNormViolation = inv.AnyPriceNormViolation || e.PriceVsCustomerNorm
	}

	res := Result{All: make([]billing.ValidatedInvoice, len(order))}
	for i, id := range order {
		inv := groups[id]
		inv.ValidatedLeakage = inv.MaxRulesTriggered >= opts.MinRules
		res.All[i] = *inv
	}
	sort.SliceStable(res.All, func(a, b int) bool { return res.All[a].AnomalyScoreMin < res.All[b].AnomalyScoreMin })

	if len(res.All) == 0 {
		return res
	}

	scores := make([]float64, len(res.All))
	for i, inv := range res.All {
		scores[i] = inv.AnomalyScoreMin
	}
	res.Cutoff = preprocess.Percentile(scores, 100*opts.PriorityPercentile)

	validated := 0
	for _, inv := range res.All {
		if inv.ValidatedLeakage {
			validated++
		}
		if inv.ValidatedLeakage && inv.AnomalyScoreMin <= res.Cutoff {
			res.Prioritized = append(res.Prioritized, inv)
		}
	}

	zap.L().Info("validation: invoices aggregated",
		zap.Int("invoices", len(res.All)),
		zap.Int("validated", validated),
		zap.Int("prioritized", len(res.Prioritized)),
		zap.Float64("cutoff", res.Cutoff),
	)
	return res
}
