// Package rules checks each billing line against deterministic pricing,
// discount and usage rules.
package rules

import (
	"github.com/rotisserie/eris"

	"github.com/hed1ad/leakguard/pkg/billing"
)

// DefaultPriceNormFactor is how far below the customer's average unit price a
// line may fall before it violates the price norm.
const DefaultPriceNormFactor = 0.15

// Validator evaluates the line rules.
type Validator struct {
	priceNormFactor float64
}

// New returns a Validator using priceNormFactor for the customer price norm.
func New(priceNormFactor float64) *Validator {
	return &Validator{priceNormFactor: priceNormFactor}
}

// Evaluate checks one line. A rule whose inputs are absent does not fire.
func (v *Validator) Evaluate(fv billing.FeatureVector, line billing.BillingLine) billing.RuleFlags {
	var f billing.RuleFlags

	f.ContractPriceViolation = line.ContractPrice.Valid && line.UnitPrice.Valid &&
		fv.UnitPrice < line.ContractPrice.Value
	f.DiscountViolation = line.MaxDiscountPct.Valid &&
		fv.DiscountPct > line.MaxDiscountPct.Value
	f.UsageUnderbilled = line.ActualUsage.Valid &&
		line.ActualUsage.Value > fv.Quantity
	f.PriceVsCustomerNorm = line.UnitPrice.Valid &&
		fv.UnitPriceVsCustAvg < -v.priceNormFactor*fv.CustAvgUnitPrice

	for _, fired := range []bool{f.ContractPriceViolation, f.DiscountViolation, f.UsageUnderbilled, f.PriceVsCustomerNorm} {
		if fired {
			f.NumRulesTriggered++
		}
	}
	return f
}

// Apply evaluates every feature vector against the unified line it came from.
func (v *Validator) Apply(features []billing.FeatureVector, lines []billing.BillingLine) ([]billing.RuleFlags, error) {
	if len(features) != len(lines) {
		return nil, &billing.RowMismatchError{What: "feature table and unified table", Want: len(lines), Got: len(features)}
	}
	out := make([]billing.RuleFlags, len(features))
	for i, fv := range features {
		if fv.LineNo < 0 || fv.LineNo >= len(lines) {
			return nil, eris.Errorf("rules: line_no %d out of range for %d lines", fv.LineNo, len(lines))
		}
		out[i] = v.Evaluate(fv, lines[fv.LineNo])
	}
	return out, nil
}
