// Package billing defines the artifacts exchanged between leakage pipeline stages.
package billing

// BillingLine is one invoice line of the unified billing table, with contract,
// usage and list pricing joined in upstream.
type BillingLine struct {
	InvoiceID      string    `csv:"invoice_id"`
	CustomerID     string    `csv:"customer_id"`
	ProductID      string    `csv:"product_id"`
	InvoiceDate    string    `csv:"invoice_date"`
	UsageDate      string    `csv:"usage_date"`
	Quantity       NullFloat `csv:"quantity"`
	UnitPrice      NullFloat `csv:"unit_price"`
	DiscountPct    NullFloat `csv:"discount_pct"`
	BilledAmount   NullFloat `csv:"billed_amount"`
	ContractPrice  NullFloat `csv:"contract_price"`
	MaxDiscountPct NullFloat `csv:"max_discount_pct"`
	ActualUsage    NullFloat `csv:"actual_usage"`
	ListPrice      NullFloat `csv:"list_price"`
	OffContract    Flag      `csv:"off_contract"`
	UsageMissing   Flag      `csv:"usage_missing"`
	PricingMissing Flag      `csv:"pricing_missing"`
}

// UnifiedColumns are the columns the unified billing table must carry.
var UnifiedColumns = []string{
	"invoice_id", "customer_id", "product_id",
	"invoice_date", "usage_date",
	"quantity", "unit_price", "discount_pct", "billed_amount",
	"contract_price", "max_discount_pct", "actual_usage", "list_price",
	"off_contract", "usage_missing", "pricing_missing",
}

// FeatureVector holds the derived numeric attributes of one billing line.
// LineNo is the line's position in the unified table.
type FeatureVector struct {
	LineNo             int     `csv:"line_no"`
	InvoiceID          string  `csv:"invoice_id"`
	UnitPrice          float64 `csv:"unit_price"`
	Quantity           float64 `csv:"quantity"`
	DiscountPct        float64 `csv:"discount_pct"`
	PriceGapContract   float64 `csv:"price_gap_contract"`
	DiscountViolation  float64 `csv:"discount_violation"`
	OffContract        float64 `csv:"off_contract"`
	UsageGap           float64 `csv:"usage_gap"`
	UsageRatio         float64 `csv:"usage_ratio"`
	UsageMissing       float64 `csv:"usage_missing"`
	CustAvgUnitPrice   float64 `csv:"cust_avg_unit_price"`
	CustAvgQuantity    float64 `csv:"cust_avg_quantity"`
	CustAvgDiscount    float64 `csv:"cust_avg_discount"`
	UnitPriceVsCustAvg float64 `csv:"unit_price_vs_cust_avg"`
	InvoiceMonth       float64 `csv:"invoice_month"`
	InvoiceDayOfWeek   float64 `csv:"invoice_dayofweek"`
	InvoiceAgeDays     float64 `csv:"invoice_age_days"`
	PricingMissing     float64 `csv:"pricing_missing"`
}

// FeatureColumns is the fixed feature order. Identifier columns are excluded.
var FeatureColumns = []string{
	"unit_price", "quantity", "discount_pct",
	"price_gap_contract", "discount_violation", "off_contract",
	"usage_gap", "usage_ratio", "usage_missing",
	"cust_avg_unit_price", "cust_avg_quantity", "cust_avg_discount", "unit_price_vs_cust_avg",
	"invoice_month", "invoice_dayofweek", "invoice_age_days",
	"pricing_missing",
}

// FeatureTableColumns are the columns of the persisted feature table.
var FeatureTableColumns = append([]string{"line_no", "invoice_id"}, FeatureColumns...)

// Values returns the features in FeatureColumns order.
func (v FeatureVector) Values() []float64 {
	return []float64{
		v.UnitPrice, v.Quantity, v.DiscountPct,
		v.PriceGapContract, v.DiscountViolation, v.OffContract,
		v.UsageGap, v.UsageRatio, v.UsageMissing,
		v.CustAvgUnitPrice, v.CustAvgQuantity, v.CustAvgDiscount, v.UnitPriceVsCustAvg,
		v.InvoiceMonth, v.InvoiceDayOfWeek, v.InvoiceAgeDays,
		v.PricingMissing,
	}
}

// Lookup returns the named feature.
func (v FeatureVector) Lookup(name string) (float64, bool) {
	values := v.Values()
	for i, c := range FeatureColumns {
		if c == name {
			return values[i], true
		}
	}
	return 0, false
}

// BaselineEstimate is the model-expected amount for one line.
type BaselineEstimate struct {
	LineNo                  int     `csv:"line_no"`
	InvoiceID               string  `csv:"invoice_id"`
	BilledAmount            float64 `csv:"billed_amount"`
	ExpectedRevenueBaseline float64 `csv:"expected_revenue_baseline"`
	LeakageBaseline         float64 `csv:"leakage_baseline"`
}

// NeuralEstimate is the neural network's expected revenue for one line.
type NeuralEstimate struct {
	LineNo                int     `csv:"line_no"`
	InvoiceID             string  `csv:"invoice_id"`
	BilledAmount          float64 `csv:"billed_amount"`
	ExpectedRevenueNeural float64 `csv:"expected_revenue_torch"`
	LeakageNeural         float64 `csv:"leakage_torch"`
}

// InvoiceBaseline is the baseline rolled up to one invoice.
type InvoiceBaseline struct {
	InvoiceID               string  `csv:"invoice_id"`
	BilledAmount            float64 `csv:"billed_amount"`
	ExpectedRevenueBaseline float64 `csv:"expected_revenue_baseline"`
	LeakageBaseline         float64 `csv:"leakage_baseline"`
}

// InvoiceBaselineColumns are the required invoice baseline columns.
var InvoiceBaselineColumns = []string{"invoice_id", "billed_amount", "expected_revenue_baseline", "leakage_baseline"}

// AnomalyScore is the outlier verdict for one line. Lower scores are more anomalous.
type AnomalyScore struct {
	LineNo    int     `csv:"line_no"`
	InvoiceID string  `csv:"invoice_id"`
	Score     float64 `csv:"anomaly_score"`
	IsAnomaly bool    `csv:"is_anomaly"`
	Rank      int     `csv:"anomaly_rank"`
}

// AnomalyColumns are the required anomaly score columns.
var AnomalyColumns = []string{"line_no", "invoice_id", "anomaly_score", "is_anomaly", "anomaly_rank"}

// RuleFlags are the deterministic rule outcomes for one line.
type RuleFlags struct {
	ContractPriceViolation bool `csv:"rule_contract_price_violation"`
	DiscountViolation      bool `csv:"rule_discount_violation"`
	UsageUnderbilled       bool `csv:"rule_usage_underbilled"`
	PriceVsCustomerNorm    bool `csv:"rule_price_vs_customer_norm"`
	NumRulesTriggered      int  `csv:"num_rules_triggered"`
}

// LineEvidence joins the anomaly score and rule flags of one line.
type LineEvidence struct {
	LineNo    int     `csv:"line_no"`
	InvoiceID string  `csv:"invoice_id"`
	Score     float64 `csv:"anomaly_score"`
	RuleFlags
}

// ValidatedInvoice is the invoice-level validation verdict.
type ValidatedInvoice struct {
	InvoiceID             string  `csv:"invoice_id"`
	AnomalyScoreMin       float64 `csv:"anomaly_score_min"`
	MaxRulesTriggered     int     `csv:"max_rules_triggered"`
	AnyContractViolation  bool    `csv:"any_contract_violation"`
	AnyDiscountViolation  bool    `csv:"any_discount_violation"`
	AnyUsageUnderbilled   bool    `csv:"any_usage_underbilled"`
	AnyPriceNormViolation bool    `csv:"any_price_norm_violation"`
	ValidatedLeakage      bool    `csv:"validated_leakage"`
}

// ValidatedColumns are the required validated invoice columns.
var ValidatedColumns = []string{
	"invoice_id", "anomaly_score_min", "max_rules_triggered",
	"any_contract_violation", "any_discount_violation",
	"any_usage_underbilled", "any_price_norm_violation",
}

// ExplainedInvoice is an invoice with its attributions and explanation text.
type ExplainedInvoice struct {
	InvoiceID               string    `csv:"invoice_id"`
	BilledAmount            NullFloat `csv:"billed_amount"`
	ExpectedRevenueBaseline NullFloat `csv:"expected_revenue_baseline"`
	LeakageBaseline         NullFloat `csv:"leakage_baseline"`
	AnomalyScoreMin         NullFloat `csv:"anomaly_score_min"`
	MaxRulesTriggered       int       `csv:"max_rules_triggered"`
	AnyContractViolation    Flag      `csv:"any_contract_violation"`
	AnyDiscountViolation    Flag      `csv:"any_discount_violation"`
	AnyUsageUnderbilled     Flag      `csv:"any_usage_underbilled"`
	AnyPriceNormViolation   Flag      `csv:"any_price_norm_violation"`
	ValidatedLeakage        Flag      `csv:"validated_leakage"`
	TopFeatures             string    `csv:"top_attribution_features"`
	TopImpacts              string    `csv:"top_attribution_impacts"`
	RuleViolations          string    `csv:"rule_violations"`
	ExplanationText         string    `csv:"explanation_text"`
	ExplanationSource       string    `csv:"explanation_source"`
}

// ExplainedColumns are the required explained invoice columns.
var ExplainedColumns = []string{"invoice_id", "leakage_baseline", "rule_violations", "explanation_text"}

// LeakagePattern is an explained invoice assigned to a leakage archetype.
type LeakagePattern struct {
	ExplainedInvoice
	UnitPriceMean   float64 `csv:"unit_price_mean"`
	QuantityMean    float64 `csv:"quantity_mean"`
	DiscountPctMean float64 `csv:"discount_pct_mean"`
	UsageRatioMean  float64 `csv:"usage_ratio_mean"`
	ClusterID       int     `csv:"leakage_cluster_id"`
	Pattern         string  `csv:"leakage_pattern"`
}

// StressResult is an invoice baseline after synthetic leakage injection.
type StressResult struct {
	InvoiceBaseline
	SyntheticLeakage float64 `csv:"synthetic_leakage"`
	IsSynthetic      bool    `csv:"is_synthetic"`
	Detected         bool    `csv:"detected"`
}
