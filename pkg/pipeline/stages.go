package pipeline

import (
	"context"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/hed1ad/leakguard/pkg/anomaly"
	"github.com/hed1ad/leakguard/pkg/baseline"
	"github.com/hed1ad/leakguard/pkg/billing"
	"github.com/hed1ad/leakguard/pkg/config"
	"github.com/hed1ad/leakguard/pkg/explain"
	"github.com/hed1ad/leakguard/pkg/features"
	csvio "github.com/hed1ad/leakguard/pkg/io/csv"
	"github.com/hed1ad/leakguard/pkg/patterns"
	"github.com/hed1ad/leakguard/pkg/rules"
	"github.com/hed1ad/leakguard/pkg/stress"
	"github.com/hed1ad/leakguard/pkg/validation"
)

// Stage names.
const (
	StageFeatures = "features"
	StageBaseline = "baseline"
	StageNeural   = "baseline-mlp"
	StageAnomaly  = "anomaly"
	StageValidate = "validate"
	StageExplain  = "explain"
	StagePatterns = "patterns"
	StageStress   = "stress"
)

// StageSummary describes one completed file-backed stage.
type StageSummary struct {
	Stage    string
	Rows     int
	Output   string
	Metrics  map[string]float64
	Duration time.Duration
}

func (s StageSummary) log() {
	fields := []zap.Field{
		zap.String("stage", s.Stage),
		zap.Int("rows", s.Rows),
		zap.String("output", s.Output),
		zap.Duration("duration", s.Duration),
	}
	for k, v := range s.Metrics {
		fields = append(fields, zap.Float64(k, v))
	}
	zap.L().Info("pipeline: stage complete", fields...)
}

// StageFunc runs one file-backed stage.
type StageFunc func(ctx context.Context, cfg *config.Config) (StageSummary, error)

// Stage is a named file-backed stage.
type Stage struct {
	Name string
	Run  StageFunc
}

// Stages lists the file-backed stages in execution order.
func Stages() []Stage {
	return []Stage{
		{StageFeatures, Features},
		{StageBaseline, Baseline},
		{StageNeural, Neural},
		{StageAnomaly, Anomaly},
		{StageValidate, Validate},
		{StageExplain, Explain},
		{StagePatterns, Patterns},
		{StageStress, Stress},
	}
}

func timed(stage string, start time.Time, s StageSummary) StageSummary {
	s.Stage = stage
	s.Duration = time.Since(start)
	s.log()
	return s
}

func loadFeatures(path string) ([]billing.FeatureVector, error) {
	rows, _, err := csvio.Read[billing.FeatureVector](path,
		csvio.WithArtifact("feature table"),
		csvio.WithRequired(billing.FeatureTableColumns...),
	)
	return rows, err
}

func loadInvoiceBaseline(path string) ([]billing.InvoiceBaseline, error) {
	rows, _, err := csvio.Read[billing.InvoiceBaseline](path,
		csvio.WithArtifact("invoice baseline"),
		csvio.WithRequired(billing.InvoiceBaselineColumns...),
	)
	return rows, err
}

// Features derives the feature table from the unified billing table.
func Features(_ context.Context, cfg *config.Config) (StageSummary, error) {
	start := time.Now()
	lines, err := features.LoadUnified(cfg.Paths.Unified)
	if err != nil {
		return StageSummary{}, err
	}
	opts, err := featureOptions(cfg)
	if err != nil {
		return StageSummary{}, err
	}

	fv, report := features.Build(lines, opts)
	if err := csvio.Write(cfg.Paths.Features, fv); err != nil {
		return StageSummary{}, err
	}
	return timed(StageFeatures, start, StageSummary{
		Rows:   len(fv),
		Output: cfg.Paths.Features,
		Metrics: map[string]float64{
			"negative_quantity": float64(report.NegativeQuantity),
			"negative_usage":    float64(report.NegativeUsage),
			"malformed_numeric": float64(report.Malformed),
			"unparsable_dates":  float64(report.UnparsableDates),
		},
	}), nil
}

// Baseline trains the expected-revenue model and writes line and invoice
// estimates plus the model itself.
func Baseline(_ context.Context, cfg *config.Config) (StageSummary, error) {
	start := time.Now()
	fv, err := loadFeatures(cfg.Paths.Features)
	if err != nil {
		return StageSummary{}, err
	}
	lines, err := features.LoadUnified(cfg.Paths.Unified)
	if err != nil {
		return StageSummary{}, err
	}

	res, err := baseline.Fit(fv, lines, baselineOptions(cfg))
	if err != nil {
		return StageSummary{}, err
	}
	var out csvio.Batch
	defer out.Abort()
	if err := csvio.Rows(&out, cfg.Paths.Estimates, res.Estimates); err != nil {
		return StageSummary{}, err
	}
	if err := csvio.Rows(&out, cfg.Paths.InvoiceBaseline, res.Invoices); err != nil {
		return StageSummary{}, err
	}
	if err := baseline.StageModel(&out, cfg.Paths.Model, res.Model); err != nil {
		return StageSummary{}, err
	}
	if err := out.Commit(); err != nil {
		return StageSummary{}, err
	}
	return timed(StageBaseline, start, StageSummary{
		Rows:   len(res.Invoices),
		Output: cfg.Paths.InvoiceBaseline,
		Metrics: map[string]float64{
			"mae":             res.MAE,
			"train_rows":      float64(res.TrainRows),
			"validation_rows": float64(res.ValidationRows),
			"lines":           float64(len(res.Estimates)),
		},
	}), nil
}

// Neural trains the neural expected-revenue model and writes its line
// estimates next to the boosted baseline's.
func Neural(_ context.Context, cfg *config.Config) (StageSummary, error) {
	start := time.Now()
	fv, err := loadFeatures(cfg.Paths.Features)
	if err != nil {
		return StageSummary{}, err
	}
	lines, err := features.LoadUnified(cfg.Paths.Unified)
	if err != nil {
		return StageSummary{}, err
	}

	res, err := baseline.FitNeural(fv, lines, neuralOptions(cfg))
	if err != nil {
		return StageSummary{}, err
	}
	if err := csvio.Write(cfg.Paths.NeuralEstimates, res.Estimates); err != nil {
		return StageSummary{}, err
	}
	return timed(StageNeural, start, StageSummary{
		Rows:   len(res.Estimates),
		Output: cfg.Paths.NeuralEstimates,
		Metrics: map[string]float64{
			"mae":             res.MAE,
			"epochs":          float64(len(res.Model.EpochMAE)),
			"train_rows":      float64(res.TrainRows),
			"validation_rows": float64(res.ValidationRows),
		},
	}), nil
}

// Anomaly scores every feature row.
func Anomaly(_ context.Context, cfg *config.Config) (StageSummary, error) {
	start := time.Now()
	fv, err := loadFeatures(cfg.Paths.Features)
	if err != nil {
		return StageSummary{}, err
	}

	scores, err := anomaly.New(forestOptions(cfg)...).Score(fv)
	if err != nil {
		return StageSummary{}, err
	}
	if err := csvio.Write(cfg.Paths.AnomalyScores, scores); err != nil {
		return StageSummary{}, err
	}

	outliers := 0
	for _, s := range scores {
		if s.IsAnomaly {
			outliers++
		}
	}
	return timed(StageAnomaly, start, StageSummary{
		Rows:    len(scores),
		Output:  cfg.Paths.AnomalyScores,
		Metrics: map[string]float64{"outliers": float64(outliers)},
	}), nil
}

// Validate applies the rules, aggregates to invoices and writes every
// invoice plus the prioritised validated set.
func Validate(_ context.Context, cfg *config.Config) (StageSummary, error) {
	start := time.Now()
	fv, err := loadFeatures(cfg.Paths.Features)
	if err != nil {
		return StageSummary{}, err
	}
	lines, err := features.LoadUnified(cfg.Paths.Unified)
	if err != nil {
		return StageSummary{}, err
	}
	scores, _, err := csvio.Read[billing.AnomalyScore](cfg.Paths.AnomalyScores,
		csvio.WithArtifact("anomaly scores"),
		csvio.WithRequired(billing.AnomalyColumns...),
	)
	if err != nil {
		return StageSummary{}, err
	}

	flags, err := rules.New(cfg.Rules.PriceNormFactor).Apply(fv, lines)
	if err != nil {
		return StageSummary{}, err
	}
	evidence, err := validation.Join(fv, scores, flags)
	if err != nil {
		return StageSummary{}, err
	}
	res := validation.Aggregate(evidence, validationOptions(cfg))

	var out csvio.Batch
	defer out.Abort()
	if err := csvio.Rows(&out, cfg.Paths.ValidationAll, res.All); err != nil {
		return StageSummary{}, err
	}
	if err := csvio.Rows(&out, cfg.Paths.Validated, res.Prioritized); err != nil {
		return StageSummary{}, err
	}
	if err := out.Commit(); err != nil {
		return StageSummary{}, err
	}

	validated := 0
	for _, inv := range res.All {
		if inv.ValidatedLeakage {
			validated++
		}
	}
	return timed(StageValidate, start, StageSummary{
		Rows:   len(res.Prioritized),
		Output: cfg.Paths.Validated,
		Metrics: map[string]float64{
			"invoices":  float64(len(res.All)),
			"validated": float64(validated),
			"cutoff":    res.Cutoff,
		},
	}), nil
}

// Explain attributes and narrates the validated invoices.
func Explain(ctx context.Context, cfg *config.Config) (StageSummary, error) {
	return ExplainWith(ctx, cfg, Narrator(cfg))
}

// ExplainWith is Explain with an explicit narrator.
func ExplainWith(ctx context.Context, cfg *config.Config, narrator explain.Narrator) (StageSummary, error) {
	start := time.Now()
	validated, header, err := csvio.Read[billing.ValidatedInvoice](cfg.Paths.Validated,
		csvio.WithArtifact("validated invoices"),
		csvio.WithRequired(billing.ValidatedColumns...),
	)
	if err != nil {
		return StageSummary{}, err
	}
	invoices, err := loadInvoiceBaseline(cfg.Paths.InvoiceBaseline)
	if err != nil {
		return StageSummary{}, err
	}
	frame, err := csvio.ReadFrame(cfg.Paths.Features,
		csvio.WithArtifact("feature table"),
		csvio.WithRequired("invoice_id"),
	)
	if err != nil {
		return StageSummary{}, err
	}
	model, err := baseline.LoadModel(cfg.Paths.Model)
	if err != nil {
		return StageSummary{}, err
	}

	explained, err := explain.New(narrator, cfg.Explain.TopK).Explain(ctx, explain.Inputs{
		Validated:        validated,
		HasValidatedFlag: slices.Contains(header, "validated_leakage"),
		Baseline:         invoices,
		Features:         frame,
		Model:            model,
	})
	if err != nil {
		return StageSummary{}, err
	}
	if err := csvio.Write(cfg.Paths.Explained, explained); err != nil {
		return StageSummary{}, err
	}

	external := 0
	for _, inv := range explained {
		if inv.ExplanationSource == explain.SourceExternal {
			external++
		}
	}
	return timed(StageExplain, start, StageSummary{
		Rows:    len(explained),
		Output:  cfg.Paths.Explained,
		Metrics: map[string]float64{"external_explanations": float64(external)},
	}), nil
}

// Patterns clusters the explained invoices into archetypes.
func Patterns(_ context.Context, cfg *config.Config) (StageSummary, error) {
	start := time.Now()
	explained, _, err := csvio.Read[billing.ExplainedInvoice](cfg.Paths.Explained,
		csvio.WithArtifact("explained invoices"),
		csvio.WithRequired(billing.ExplainedColumns...),
	)
	if err != nil {
		return StageSummary{}, err
	}
	fv, err := loadFeatures(cfg.Paths.Features)
	if err != nil {
		return StageSummary{}, err
	}

	out, err := patterns.Cluster(explained, fv, patternOptions(cfg))
	if err != nil {
		return StageSummary{}, err
	}
	if err := csvio.Write(cfg.Paths.Patterns, out); err != nil {
		return StageSummary{}, err
	}

	metrics := make(map[string]float64)
	for label, n := range patterns.Counts(out) {
		metrics["pattern:"+label] = float64(n)
	}
	return timed(StagePatterns, start, StageSummary{
		Rows:    len(out),
		Output:  cfg.Paths.Patterns,
		Metrics: metrics,
	}), nil
}

// Stress injects synthetic leakage into the invoice baseline and measures detection.
func Stress(_ context.Context, cfg *config.Config) (StageSummary, error) {
	start := time.Now()
	invoices, err := loadInvoiceBaseline(cfg.Paths.InvoiceBaseline)
	if err != nil {
		return StageSummary{}, err
	}

	out, m, err := stress.Run(invoices, stressOptions(cfg))
	if err != nil {
		return StageSummary{}, err
	}
	if err := csvio.Write(cfg.Paths.Stress, out); err != nil {
		return StageSummary{}, err
	}
	return timed(StageStress, start, StageSummary{
		Rows:   len(out),
		Output: cfg.Paths.Stress,
		Metrics: map[string]float64{
			"injected":            float64(m.Injected),
			"recall":              m.Recall,
			"false_positive_rate": m.FalsePosRate,
			"threshold":           m.Threshold,
		},
	}), nil
}
