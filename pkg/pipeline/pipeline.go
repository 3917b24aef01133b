// Package pipeline chains the leakage stages, either in memory or through
// the CSV artifacts each stage persists.
package pipeline

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/hed1ad/leakguard/pkg/anomaly"
	"github.com/hed1ad/leakguard/pkg/baseline"
	"github.com/hed1ad/leakguard/pkg/billing"
	"github.com/hed1ad/leakguard/pkg/config"
	"github.com/hed1ad/leakguard/pkg/explain"
	"github.com/hed1ad/leakguard/pkg/features"
	"github.com/hed1ad/leakguard/pkg/patterns"
	"github.com/hed1ad/leakguard/pkg/regressors/gbt"
	"github.com/hed1ad/leakguard/pkg/rules"
	"github.com/hed1ad/leakguard/pkg/stress"
	"github.com/hed1ad/leakguard/pkg/validation"
)

// Artifacts are every stage output of one in-memory run.
type Artifacts struct {
	Features      []billing.FeatureVector
	FeatureReport features.Report
	Model         *gbt.Model
	MAE           float64
	Estimates     []billing.BaselineEstimate
	Invoices      []billing.InvoiceBaseline
	Neural        []billing.NeuralEstimate
	NeuralMAE     float64
	Scores        []billing.AnomalyScore
	Flags         []billing.RuleFlags
	ValidationAll []billing.ValidatedInvoice
	Validated     []billing.ValidatedInvoice
	Explained     []billing.ExplainedInvoice
	Patterns      []billing.LeakagePattern
	Stress        []billing.StressResult
	StressMetrics stress.Metrics
}

// Run executes every stage over lines without touching the filesystem.
func Run(ctx context.Context, cfg *config.Config, lines []billing.BillingLine) (*Artifacts, error) {
	return RunWithNarrator(ctx, cfg, lines, Narrator(cfg))
}

// RunWithNarrator is Run with an explicit explanation narrator.
func RunWithNarrator(ctx context.Context, cfg *config.Config, lines []billing.BillingLine, narrator explain.Narrator) (*Artifacts, error) {
	if len(lines) == 0 {
		return nil, eris.New("pipeline: no billing lines")
	}
	var a Artifacts

	fopts, err := featureOptions(cfg)
	if err != nil {
		return nil, err
	}
	a.Features, a.FeatureReport = features.Build(lines, fopts)

	fit, err := baseline.Fit(a.Features, lines, baselineOptions(cfg))
	if err != nil {
		return nil, err
	}
	a.Model, a.MAE = fit.Model, fit.MAE
	a.Estimates, a.Invoices = fit.Estimates, fit.Invoices

	neural, err := baseline.FitNeural(a.Features, lines, neuralOptions(cfg))
	if err != nil {
		return nil, err
	}
	a.Neural, a.NeuralMAE = neural.Estimates, neural.MAE
	zap.L().Info("pipeline: baseline models compared",
		zap.Float64("gbt_mae", a.MAE),
		zap.Float64("neural_mae", a.NeuralMAE),
	)

	a.Scores, err = anomaly.New(forestOptions(cfg)...).Score(a.Features)
	if err != nil {
		return nil, err
	}

	a.Flags, err = rules.New(cfg.Rules.PriceNormFactor).Apply(a.Features, lines)
	if err != nil {
		return nil, err
	}
	evidence, err := validation.Join(a.Features, a.Scores, a.Flags)
	if err != nil {
		return nil, err
	}
	v := validation.Aggregate(evidence, validationOptions(cfg))
	a.ValidationAll, a.Validated = v.All, v.Prioritized

	a.Explained, err = explain.New(narrator, cfg.Explain.TopK).Explain(ctx, explain.Inputs{
		Validated:        a.Validated,
		HasValidatedFlag: true,
		Baseline:         a.Invoices,
		Features:         explain.FeatureFrame(a.Features),
		Model:            a.Model,
	})
	if err != nil {
		return nil, err
	}

	a.Patterns, err = patterns.Cluster(a.Explained, a.Features, patternOptions(cfg))
	if err != nil {
		return nil, err
	}

	a.Stress, a.StressMetrics, err = stress.Run(a.Invoices, stressOptions(cfg))
	if err != nil {
		return nil, err
	}

	zap.L().Info("pipeline: run complete",
		zap.Int("lines", len(lines)),
		zap.Int("invoices", len(a.Invoices)),
		zap.Int("validated", len(a.Validated)),
		zap.Int("explained", len(a.Explained)),
		zap.Float64("stress_recall", a.StressMetrics.Recall),
	)
	return &a, nil
}
