package explain

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/hed1ad/leakguard/pkg/billing"
)

// NoRuleViolations is the summary of an invoice with no triggered rule.
const NoRuleViolations = "no explicit rule violations"

// RecommendedAction closes every template explanation.
const RecommendedAction = "Recommended action: verify contract rate/discount application and re-rate usage for this invoice if confirmed."

const maxDrivers = 5

// RuleSummary lists the triggered invoice rules as human labels.
func RuleSummary(inv billing.ExplainedInvoice) string {
	var labels []string
	if inv.AnyContractViolation {
		labels = append(labels, "contract violation")
	}
	if inv.AnyDiscountViolation {
		labels = append(labels, "discount breach")
	}
	if inv.AnyUsageUnderbilled {
		labels = append(labels, "usage underbilled")
	}
	if inv.AnyPriceNormViolation {
		labels = append(labels, "price vs norms violation")
	}
	if len(labels) == 0 {
		return NoRuleViolations
	}
	return strings.Join(labels, ", ")
}

var printer = message.NewPrinter(language.English)

// Money formats v as US dollars with thousands separators, or N/A when absent.
func Money(v billing.NullFloat) string {
	if !v.Valid {
		return "N/A"
	}
	return printer.Sprintf("$%.2f", v.Value)
}

// TemplateNarrator writes deterministic explanations without any network access.
type TemplateNarrator struct{}

// Narrate implements Narrator. It never fails.
func (TemplateNarrator) Narrate(_ context.Context, inv billing.ExplainedInvoice) (Narrative, error) {
	return Narrative{Text: Template(inv), Source: SourceTemplate}, nil
}

// Template assembles the deterministic explanation of one invoice.
func Template(inv billing.ExplainedInvoice) string {
	invoiceID := inv.InvoiceID
	if invoiceID == "" {
		invoiceID = "UNKNOWN"
	}
	rules := inv.RuleViolations
	if rules == "" {
		rules = NoRuleViolations
	}

	return fmt.Sprintf(
		"Invoice %s appears underbilled by ~%s versus the model baseline (billed %s vs expected %s). "+
			"Validation signals: %s. Primary model drivers: %s. %s",
		invoiceID, Money(inv.LeakageBaseline), Money(inv.BilledAmount), Money(inv.ExpectedRevenueBaseline),
		rules, driverText(inv.TopFeatures, inv.TopImpacts), RecommendedAction,
	)
}

func driverText(features, impacts string) string {
	var feats, imps []string
	if features != "" {
		feats = strings.Split(features, "|")
	}
	if impacts != "" {
		imps = strings.Split(impacts, "|")
	}

	n := min(len(feats), len(imps), maxDrivers)
	drivers := make([]string, 0, n)
	for i := 0; i < n; i++ {
		v, err := strconv.ParseFloat(imps[i], 64)
		if err != nil {
			drivers = append(drivers, feats[i])
			continue
		}
		direction := "decreased"
		if v > 0 {
			direction = "increased"
		}
		drivers = append(drivers, fmt.Sprintf("%s (%s expected charge)", feats[i], direction))
	}

	if len(drivers) == 0 {
		return "attribution drivers unavailable"
	}
	return strings.Join(drivers, "; ")
}
