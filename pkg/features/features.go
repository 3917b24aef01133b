// Package features derives the per-line feature table from unified billing lines.
package features

import (
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hed1ad/leakguard/pkg/billing"
	csvio "github.com/hed1ad/leakguard/pkg/io/csv"
)

// Options controls feature derivation.
type Options struct {
	// AsOf anchors invoice_age_days.
	AsOf time.Time
}

// Report counts soft data problems seen while building. None of them stop the build.
type Report struct {
	Lines            int
	NegativeQuantity int
	NegativeUsage    int
	Malformed        int
	UnparsableDates  int
}

// Warnings reports whether any soft problem was seen.
func (r Report) Warnings() bool {
	return r.NegativeQuantity+r.NegativeUsage+r.Malformed+r.UnparsableDates > 0
}

// LoadUnified reads the unified billing table, failing before any work is
// done if a required column is absent.
func LoadUnified(path string) ([]billing.BillingLine, error) {
	lines, _, err := csvio.Read[billing.BillingLine](path,
		csvio.WithArtifact("unified billing table"),
		csvio.WithRequired(billing.UnifiedColumns...),
	)
	return lines, err
}

type customerStats struct {
	priceSum, qtySum, discSum float64
	priceN, n                 int
}

// Build derives one FeatureVector per line, in input order. Customer
// averages include the line being evaluated.
func Build(lines []billing.BillingLine, opts Options) ([]billing.FeatureVector, Report) {
	report := Report{Lines: len(lines)}

	stats := make(map[string]*customerStats)
	for _, l := range lines {
		s, ok := stats[l.CustomerID]
		if !ok {
			s = &customerStats{}
			stats[l.CustomerID] = s
		}
		if l.UnitPrice.Valid {
			s.priceSum += l.UnitPrice.Value
			s.priceN++
		}
		s.qtySum += l.Quantity.Or(0)
		s.discSum += l.DiscountPct.Or(0)
		s.n++
	}

	out := make([]billing.FeatureVector, len(lines))
	for i, l := range lines {
		for _, v := range []billing.NullFloat{
			l.Quantity, l.UnitPrice, l.DiscountPct, l.BilledAmount,
			l.ContractPrice, l.MaxDiscountPct, l.ActualUsage, l.ListPrice,
		} {
			if v.Malformed {
				report.Malformed++
			}
		}

		qty := l.Quantity.Or(0)
		disc := l.DiscountPct.Or(0)
		usage := l.ActualUsage.Or(0)
		if qty < 0 {
			report.NegativeQuantity++
		}
		if usage < 0 {
			report.NegativeUsage++
		}

		fv := billing.FeatureVector{
			LineNo:         i,
			InvoiceID:      l.InvoiceID,
			UnitPrice:      l.UnitPrice.Or(0),
			Quantity:       qty,
			DiscountPct:    disc,
			OffContract:    l.OffContract.Int(),
			UsageGap:       usage - qty,
			UsageMissing:   l.UsageMissing.Int(),
			PricingMissing: l.PricingMissing.Int(),
		}

		if l.UnitPrice.Valid && l.ContractPrice.Valid {
			fv.PriceGapContract = l.UnitPrice.Value - l.ContractPrice.Value
		}
		if l.MaxDiscountPct.Valid && disc > l.MaxDiscountPct.Value && !bool(l.OffContract) {
			fv.DiscountViolation = 1
		}

		divisor := usage
		if divisor == 0 {
			divisor = 1
		}
		fv.UsageRatio = qty / divisor

		s := stats[l.CustomerID]
		if s.priceN > 0 {
			fv.CustAvgUnitPrice = s.priceSum / float64(s.priceN)
			if l.UnitPrice.Valid {
				fv.UnitPriceVsCustAvg = l.UnitPrice.Value - fv.CustAvgUnitPrice
			}
		}
		fv.CustAvgQuantity = s.qtySum / float64(s.n)
		fv.CustAvgDiscount = s.discSum / float64(s.n)

		if d, ok := ParseDate(l.InvoiceDate); ok {
			fv.InvoiceMonth = float64(d.Month())
			fv.InvoiceDayOfWeek = float64((int(d.Weekday()) + 6) % 7)
			fv.InvoiceAgeDays = math.Floor(opts.AsOf.Sub(d).Hours() / 24)
		} else {
			report.UnparsableDates++
		}

		out[i] = fv
	}

	if report.Warnings() {
		zap.L().Warn("features: soft data warnings",
			zap.Int("lines", report.Lines),
			zap.Int("negative_quantity", report.NegativeQuantity),
			zap.Int("negative_usage", report.NegativeUsage),
			zap.Int("malformed_numeric", report.Malformed),
			zap.Int("unparsable_dates", report.UnparsableDates),
		)
	}

	return out, report
}

var dateLayouts = []string{
	time.DateOnly,
	time.RFC3339,
	time.DateTime,
	"2006-01-02T15:04:05",
	"2006/01/02",
	"01/02/2006",
}

// ParseDate parses the date spellings seen in billing exports.
func ParseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
