// Package explain attributes expected revenue to features, joins invoice
// evidence and writes an explanation for every flagged invoice.
package explain

import (
	"context"

	"go.uber.org/zap"

	"github.com/hed1ad/leakguard/pkg/billing"
	csvio "github.com/hed1ad/leakguard/pkg/io/csv"
	"github.com/hed1ad/leakguard/pkg/regressors/gbt"
)

// DefaultTopK is the number of attribution drivers kept per invoice.
const DefaultTopK = 5

// Inputs are the artifacts the explainer consumes.
type Inputs struct {
	Validated []billing.ValidatedInvoice
	// HasValidatedFlag reports that Validated carried a validated_leakage
	// column; only then are unvalidated invoices filtered out.
	HasValidatedFlag bool
	Baseline         []billing.InvoiceBaseline
	Features         *csvio.Frame
	Model            *gbt.Model
}

// Explainer produces explained invoices.
type Explainer struct {
	narrator Narrator
	topK     int
}

// New returns an Explainer using narrator for the text and keeping topK drivers.
func New(narrator Narrator, topK int) *Explainer {
	if narrator == nil {
		narrator = TemplateNarrator{}
	}
	if topK < 1 {
		topK = DefaultTopK
	}
	return &Explainer{narrator: narrator, topK: topK}
}

// Explain attributes, joins, summarises and narrates. It fails only when a
// model feature is absent from the feature table or row counts disagree.
func (e *Explainer) Explain(ctx context.Context, in Inputs) ([]billing.ExplainedInvoice, error) {
	X, ids, err := Align(in.Features, in.Model.FeatureNames)
	if err != nil {
		return nil, err
	}
	contrib, err := Attribute(in.Model, X)
	if err != nil {
		return nil, err
	}
	drivers, err := TopDrivers(contrib, ids, in.Model.FeatureNames, e.topK)
	if err != nil {
		return nil, err
	}

	merged := Merge(in.Baseline, in.Validated, drivers)

	out := make([]billing.ExplainedInvoice, 0, len(merged))
	external := 0
	for _, inv := range merged {
		if in.HasValidatedFlag && !bool(inv.ValidatedLeakage) {
			continue
		}
		inv.RuleViolations = RuleSummary(inv)

		n, err := e.narrator.Narrate(ctx, inv)
		if err != nil || n.Text == "" {
			n, _ = TemplateNarrator{}.Narrate(ctx, inv)
		}
		inv.ExplanationText = n.Text
		inv.ExplanationSource = n.Source
		if n.Source == SourceExternal {
			external++
		}
		out = append(out, inv)
	}

	zap.L().Info("explain: invoices explained",
		zap.Int("invoices", len(out)),
		zap.Int("external", external),
		zap.Int("lines_attributed", len(contrib)),
	)
	return out, nil
}

// Merge left-joins the invoice baseline with validation flags and drivers on
// invoice id. Invoices without validation or drivers keep empty fields.
func Merge(baseline []billing.InvoiceBaseline, validated []billing.ValidatedInvoice, drivers []Drivers) []billing.ExplainedInvoice {
	vByID := make(map[string]billing.ValidatedInvoice, len(validated))
	for _, v := range validated {
		if _, ok := vByID[v.InvoiceID]; !ok {
			vByID[v.InvoiceID] = v
		}
	}
	dByID := make(map[string]Drivers, len(drivers))
	for _, d := range drivers {
		dByID[d.InvoiceID] = d
	}

	out := make([]billing.ExplainedInvoice, len(baseline))
	for i, b := range baseline {
		inv := billing.ExplainedInvoice{
			InvoiceID:               b.InvoiceID,
			BilledAmount:            billing.Float(b.BilledAmount),
			ExpectedRevenueBaseline: billing.Float(b.ExpectedRevenueBaseline),
			LeakageBaseline:         billing.Float(b.LeakageBaseline),
		}
		if v, ok := vByID[b.InvoiceID]; ok {
			inv.AnomalyScoreMin = billing.Float(v.AnomalyScoreMin)
			inv.MaxRulesTriggered = v.MaxRulesTriggered
			inv.AnyContractViolation = billing.Flag(v.AnyContractViolation)
			inv.AnyDiscountViolation = billing.Flag(v.AnyDiscountViolation)
			inv.AnyUsageUnderbilled = billing.Flag(v.AnyUsageUnderbilled)
			inv.AnyPriceNormViolation = billing.Flag(v.AnyPriceNormViolation)
			inv.ValidatedLeakage = billing.Flag(v.ValidatedLeakage)
		}
		if d, ok := dByID[b.InvoiceID]; ok {
			inv.TopFeatures = d.Features
			inv.TopImpacts = d.Impacts
		}
		out[i] = inv
	}
	return out
}
